package models

import (
	"bytes"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NewsletterIssue is created once per publish command and never updated.
type NewsletterIssue struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Title       string    `json:"title" gorm:"not null"`
	TextBody    string    `json:"text_body" gorm:"not null"`
	HTMLBody    string    `json:"html_body" gorm:"column:html_body;not null"`
	PublishedAt time.Time `json:"published_at" gorm:"not null"`
}

func (NewsletterIssue) TableName() string { return "newsletter_issues" }

func (issue *NewsletterIssue) BeforeCreate(tx *gorm.DB) (err error) {
	if issue.ID == uuid.Nil {
		issue.ID = uuid.New()
	}
	return
}

// DeliveryTask is one pending (issue, recipient) delivery. Its existence is the
// unit of work: it is deleted on a terminal outcome and never updated.
type DeliveryTask struct {
	NewsletterIssueID uuid.UUID `json:"newsletter_issue_id" gorm:"type:uuid;primaryKey"`
	RecipientEmail    string    `json:"recipient_email" gorm:"primaryKey"`
	EnqueuedAt        time.Time `json:"enqueued_at" gorm:"not null;index"`
}

func (DeliveryTask) TableName() string { return "delivery_queue" }

// QueuedBefore reports whether t comes before o in claim order:
// (enqueued_at, recipient_email, newsletter_issue_id).
func (t DeliveryTask) QueuedBefore(o DeliveryTask) bool {
	if !t.EnqueuedAt.Equal(o.EnqueuedAt) {
		return t.EnqueuedAt.Before(o.EnqueuedAt)
	}
	if t.RecipientEmail != o.RecipientEmail {
		return t.RecipientEmail < o.RecipientEmail
	}
	return bytes.Compare(t.NewsletterIssueID[:], o.NewsletterIssueID[:]) < 0
}
