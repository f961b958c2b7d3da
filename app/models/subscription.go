package models

import "time"

const (
	SubscriptionStatusIncomplete = "incomplete"
	SubscriptionStatusTrialing   = "trialing"
	SubscriptionStatusActive     = "active"
	SubscriptionStatusPastDue    = "past_due"
	SubscriptionStatusPaused     = "paused"
	SubscriptionStatusCanceled   = "canceled"
)

// Subscription is the locally authoritative subscription record, reconciled
// against the payment provider's state. Status, Version and LastEventTimestamp
// are written exclusively by the reconciliation core.
type Subscription struct {
	ID                      uint       `gorm:"primaryKey" json:"id"`
	OwnerID                 uint       `gorm:"not null;uniqueIndex" json:"owner_id"`
	PlanID                  string     `gorm:"type:varchar(50);not null;default:'basic';index" json:"plan_id"`
	Status                  string     `gorm:"type:varchar(32);not null;default:'incomplete';index" json:"status"`
	CurrentPeriodStart      *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd        *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd       bool       `gorm:"default:false" json:"cancel_at_period_end"`
	PauseUntil              *time.Time `gorm:"type:timestamp;default:null" json:"pause_until,omitempty"`
	Suspended               bool       `gorm:"default:false;index" json:"suspended"`
	PriceChangeAccepted     bool       `gorm:"default:false" json:"price_change_accepted"`
	ExternalCustomerRef     string     `gorm:"type:varchar(191);index" json:"external_customer_ref"`
	ExternalSubscriptionRef string     `gorm:"type:varchar(191);index" json:"external_subscription_ref"`
	Version                 int64      `gorm:"not null;default:0" json:"version"`
	LastEventTimestamp      time.Time  `gorm:"type:timestamp;not null;default:'1970-01-02 00:00:00'" json:"last_event_timestamp"`
	CreatedAt               time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether no provider event may reopen this subscription.
// A new checkout with a fresh external subscription ref is required instead.
func (s *Subscription) IsTerminal() bool {
	return s.Status == SubscriptionStatusCanceled
}

// AddonSubscription is a child subscription for a bookable addon. Its lifecycle
// mirrors the parent but it is activated and cancelled independently.
type AddonSubscription struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	SubscriptionID uint       `gorm:"not null;index:ux_subscription_addons_sub_addon,unique,priority:1" json:"subscription_id"`
	AddonID        string     `gorm:"type:varchar(50);not null;index:ux_subscription_addons_sub_addon,unique,priority:2" json:"addon_id"`
	Status         string     `gorm:"type:varchar(32);not null;default:'active'" json:"status"`
	ActivatedAt    *time.Time `gorm:"type:timestamp;default:null" json:"activated_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AddonSubscription) TableName() string {
	return "subscription_addons"
}
