package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CallStatus is the server-authoritative lifecycle of one call attempt.
// Keep values stable because they are part of the public API.
type CallStatus string

const (
	CallInitiated CallStatus = "initiated"
	CallRinging   CallStatus = "ringing"
	CallConnected CallStatus = "connected"
	CallCompleted CallStatus = "completed"
	CallRejected  CallStatus = "rejected"
	CallMissed    CallStatus = "missed"
	CallFailed    CallStatus = "failed"
)

// Active reports whether the call still awaits resolution.
func (s CallStatus) Active() bool {
	return s == CallInitiated || s == CallRinging
}

// Terminal reports whether the call can no longer change status.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallCompleted, CallRejected, CallMissed, CallFailed:
		return true
	}
	return false
}

// CallRecord is the persisted record of one call attempt. Records are
// append-only history: status transitions mutate them, nothing deletes them.
type CallRecord struct {
	ID          string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	CallerID    string     `gorm:"type:varchar(36);index;not null" json:"caller_id"`
	RecipientID string     `gorm:"type:varchar(36);index;not null" json:"recipient_id"`
	CallType    string     `gorm:"type:varchar(10);not null" json:"call_type"`
	Status      CallStatus `gorm:"type:varchar(20);index;not null" json:"status"`
	RoomName    string     `gorm:"type:varchar(200);uniqueIndex;not null" json:"room_name"`
	SessionID   string     `gorm:"type:varchar(64);index" json:"session_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

func (c *CallRecord) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}
