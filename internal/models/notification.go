package models

import (
	"encoding/json"
	"time"
)

type NotificationSeverity string

const (
	NotificationSeverityInfo    NotificationSeverity = "info"
	NotificationSeverityWarning NotificationSeverity = "warning"
	NotificationSeverityError   NotificationSeverity = "error"
)

type NotificationEvent string

// NotificationEventJobFailed is raised once per FAILED JobRun.
const NotificationEventJobFailed NotificationEvent = "job_failed"

// Notification is an operator alert. Alerts are delivered, not stored.
type Notification struct {
	ID        string               `json:"id"`
	EventType NotificationEvent    `json:"eventType"`
	Severity  NotificationSeverity `json:"severity"`
	Title     string               `json:"title"`
	Message   string               `json:"message"`
	Metadata  json.RawMessage      `json:"metadata,omitempty"`
	CreatedAt time.Time            `json:"createdAt"`
}
