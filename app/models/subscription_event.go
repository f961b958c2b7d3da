package models

import "time"

const (
	SubscriptionEventSourceProvider = "provider"
	SubscriptionEventSourceAdmin    = "admin"
)

// SubscriptionEvent is the human-readable audit trail consumed by the UI's
// event-history view. One row per accepted transition and per admin action;
// stale or discarded provider events are recorded here too.
type SubscriptionEvent struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	SubscriptionID uint      `gorm:"not null;index" json:"subscription_id"`
	Source         string    `gorm:"type:varchar(20);not null" json:"source"`
	EventType      string    `gorm:"type:varchar(100);not null" json:"event_type"`
	FromStatus     string    `gorm:"type:varchar(32)" json:"from_status"`
	ToStatus       string    `gorm:"type:varchar(32)" json:"to_status"`
	Message        string    `gorm:"type:text" json:"message"`
	Version        int64     `gorm:"not null;default:0" json:"version"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
