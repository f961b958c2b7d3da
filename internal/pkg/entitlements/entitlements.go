package entitlements

import (
	"github.com/mietwerk/mietfox/app/models"
	"github.com/mietwerk/mietfox/internal/pkg/plans"
)

// UnitEntitlement answers what a subscription currently allows. Consumed by
// the property-management features; billing state is only read here.
type UnitEntitlement struct {
	Entitled bool   `json:"entitled"`
	Plan     string `json:"plan"`
	MaxUnits int    `json:"max_units"`
}

// IsEntitlingStatus reports whether a status grants access to paid features.
// Past-due keeps access during the dunning window; the provider cancels the
// subscription if payment never arrives.
func IsEntitlingStatus(status string) bool {
	switch status {
	case models.SubscriptionStatusActive, models.SubscriptionStatusTrialing, models.SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}

// ForSubscription computes the effective entitlement. A suspension overrides
// whatever the provider-driven status would grant.
func ForSubscription(sub *models.Subscription) UnitEntitlement {
	if sub == nil {
		return UnitEntitlement{}
	}
	ent := UnitEntitlement{Plan: sub.PlanID}
	if def, ok := plans.Lookup(sub.PlanID); ok {
		ent.MaxUnits = def.MaxUnits
	}
	ent.Entitled = IsEntitlingStatus(sub.Status) && !sub.Suspended
	return ent
}

// CanAddUnit reports whether another rental unit fits the current plan.
func CanAddUnit(sub *models.Subscription, currentUnits int) bool {
	ent := ForSubscription(sub)
	return ent.Entitled && currentUnits < ent.MaxUnits
}
