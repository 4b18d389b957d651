package models

import "time"

type CallbackStatus string

const (
	CallbackPending   CallbackStatus = "PENDING"
	CallbackResolved  CallbackStatus = "RESOLVED"
	CallbackCompleted CallbackStatus = "COMPLETED"
	CallbackTimeout   CallbackStatus = "TIMEOUT"
	CallbackCancelled CallbackStatus = "CANCELLED"
)

// PendingCallback is the durable half of a callback correlation. The
// continuation itself only lives in the process named by OwnerID.
type PendingCallback struct {
	RequestID    string         `json:"request_id" db:"request_id"`
	JobName      string         `json:"job_name" db:"job_name"`
	OwnerID      string         `json:"owner_id" db:"owner_id"`
	Status       CallbackStatus `json:"status" db:"status"`
	Token        string         `json:"-" db:"token"`
	RegisteredAt time.Time      `json:"registered_at" db:"registered_at"`
	ExpiresAt    time.Time      `json:"expires_at" db:"expires_at"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty" db:"resolved_at"`
}
