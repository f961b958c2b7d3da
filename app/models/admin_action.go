package models

import "time"

const (
	AdminActionGiftDays          = "gift_days"
	AdminActionOverridePlan      = "override_plan"
	AdminActionSuspend           = "suspend"
	AdminActionUnsuspend         = "unsuspend"
	AdminActionAcceptPriceChange = "accept_price_change"
)

// AdminAction records a privileged, provider-independent mutation. A row is
// written for every attempt, successful or not, alongside the audit event.
type AdminAction struct {
	ID                   uint      `gorm:"primaryKey" json:"id"`
	ActorID              uint      `gorm:"not null;index" json:"actor_id"`
	TargetSubscriptionID uint      `gorm:"not null;index" json:"target_subscription_id"`
	ActionType           string    `gorm:"type:varchar(32);not null;index" json:"action_type"`
	Reason               string    `gorm:"type:text;not null" json:"reason"`
	NotifyUser           bool      `gorm:"default:false" json:"notify_user"`
	Succeeded            bool      `gorm:"default:false" json:"succeeded"`
	ResultingVersion     int64     `gorm:"not null;default:0" json:"resulting_version"`
	CreatedAt            time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
