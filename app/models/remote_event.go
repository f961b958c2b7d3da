package models

import "time"

const (
	RemoteEventStatusPending     = "pending"
	RemoteEventStatusProcessed   = "processed"
	RemoteEventStatusFailed      = "failed"
	RemoteEventStatusQuarantined = "quarantined"
)

// RemoteEvent stores every inbound provider webhook payload with deduplication
// metadata for idempotent processing. Rows are created exactly once per
// external event id and retried in place; quarantined rows are never purged.
type RemoteEvent struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	ExternalEventID  string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_remote_events_external_id" json:"external_event_id"`
	Type             string     `gorm:"type:varchar(100);not null;index" json:"type"`
	Payload          string     `gorm:"type:longtext;not null" json:"payload"`
	EventTimestamp   time.Time  `gorm:"type:timestamp;not null;index" json:"event_timestamp"`
	ReceivedAt       time.Time  `gorm:"type:timestamp;not null" json:"received_at"`
	ProcessingStatus string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"processing_status"`
	Attempts         int        `gorm:"not null;default:0" json:"attempts"`
	LastError        string     `gorm:"type:text" json:"last_error"`
	LastAttemptAt    *time.Time `gorm:"type:timestamp;default:null" json:"last_attempt_at,omitempty"`
	CreatedAt        time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Retryable reports whether the sweeper may re-attempt this event.
func (e *RemoteEvent) Retryable(maxAttempts int) bool {
	switch e.ProcessingStatus {
	case RemoteEventStatusPending, RemoteEventStatusFailed:
		return e.Attempts < maxAttempts
	default:
		return false
	}
}
