package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// HeaderPair is one saved response header. Order is preserved on replay.
type HeaderPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// IdempotencyClaim records that (PrincipalID, IdempotencyKey) is being or has been
// executed. The response columns stay NULL until the command completes; the
// composite primary key is what makes a claim atomic.
type IdempotencyClaim struct {
	PrincipalID        uuid.UUID                       `json:"principal_id" gorm:"type:uuid;primaryKey"`
	IdempotencyKey     string                          `json:"idempotency_key" gorm:"size:50;primaryKey"`
	RequestFingerprint string                          `json:"-" gorm:"size:64"`
	ResponseStatusCode *int                            `json:"response_status_code"`
	ResponseHeaders    datatypes.JSONSlice[HeaderPair] `json:"response_headers" gorm:"type:jsonb"`
	ResponseBody       []byte                          `json:"-" gorm:"type:bytea"`
	CreatedAt          time.Time                       `json:"created_at" gorm:"not null"`
}

func (IdempotencyClaim) TableName() string { return "idempotency_claims" }

// Completed reports whether a response has been attached to the claim.
func (c *IdempotencyClaim) Completed() bool {
	return c != nil && c.ResponseStatusCode != nil
}
