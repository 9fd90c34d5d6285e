package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	SubscriberPendingConfirmation = "pending_confirmation"
	SubscriberConfirmed           = "confirmed"
)

type Subscriber struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Email        string    `json:"email" gorm:"unique;not null"`
	Name         string    `json:"name" gorm:"not null"`
	Status       string    `json:"status" gorm:"size:32;not null"`
	SubscribedAt time.Time `json:"subscribed_at" gorm:"not null"`
}

func (subscriber *Subscriber) BeforeCreate(tx *gorm.DB) (err error) {
	if subscriber.ID == uuid.Nil {
		subscriber.ID = uuid.New()
	}
	return
}

// SubscriptionToken links a confirmation / unsubscribe link to its subscriber.
type SubscriptionToken struct {
	Token        string    `json:"-" gorm:"size:64;primaryKey"`
	SubscriberID uuid.UUID `json:"subscriber_id" gorm:"type:uuid;not null;index"`
}
