package controllers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/mietwerk/mietfox/internal/pkg/analytics"
	"github.com/mietwerk/mietfox/internal/pkg/billing"
	"github.com/mietwerk/mietfox/internal/pkg/entitlements"
	"github.com/mietwerk/mietfox/internal/pkg/metrics/counter"
)

// Read surface for the rest of the application. Pure reads against the
// reconciled state and the cached projections; no endpoint here mutates.

// HandleGetSubscription returns the current reconciled subscription.
func HandleGetSubscription(c *fiber.Ctx) error {
	ownerID, err := strconv.ParseUint(c.Params("ownerID"), 10, 32)
	if err != nil || ownerID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "bad_request",
			"message": "Invalid owner id",
		})
	}

	sub, err := deps.Service.GetCurrentSubscription(c.Context(), uint(ownerID))
	if err != nil {
		if billing.KindOf(err) == billing.ErrKindNotFound {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error":   "not_found",
				"message": "No subscription for this owner",
			})
		}
		log.Errorf("[API] subscription lookup failed for owner %d: %v", ownerID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "internal_server_error",
			"message": "Subscription lookup failed",
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"subscription": sub})
}

// HandleListSubscriptionEvents returns the audit history, newest first.
func HandleListSubscriptionEvents(c *fiber.Ctx) error {
	ownerID, err := strconv.ParseUint(c.Params("ownerID"), 10, 32)
	if err != nil || ownerID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "bad_request",
			"message": "Invalid owner id",
		})
	}
	limit, _ := strconv.Atoi(c.Query("limit", "50"))

	events, err := deps.Service.ListEvents(c.Context(), uint(ownerID), limit)
	if err != nil {
		if billing.KindOf(err) == billing.ErrKindNotFound {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error":   "not_found",
				"message": "No subscription for this owner",
			})
		}
		log.Errorf("[API] event listing failed for owner %d: %v", ownerID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "internal_server_error",
			"message": "Event listing failed",
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"events": events})
}

// HandleListAddons returns the addon subscriptions for an owner.
func HandleListAddons(c *fiber.Ctx) error {
	ownerID, err := strconv.ParseUint(c.Params("ownerID"), 10, 32)
	if err != nil || ownerID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "bad_request",
			"message": "Invalid owner id",
		})
	}

	addons, err := deps.Service.ListAddons(c.Context(), uint(ownerID))
	if err != nil {
		if billing.KindOf(err) == billing.ErrKindNotFound {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error":   "not_found",
				"message": "No subscription for this owner",
			})
		}
		log.Errorf("[API] addon listing failed for owner %d: %v", ownerID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "internal_server_error",
			"message": "Addon listing failed",
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"addons": addons})
}

// HandleGetEntitlements answers what the owner's subscription allows right
// now. Consumed by the property-management features before adding units.
func HandleGetEntitlements(c *fiber.Ctx) error {
	ownerID, err := strconv.ParseUint(c.Params("ownerID"), 10, 32)
	if err != nil || ownerID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "bad_request",
			"message": "Invalid owner id",
		})
	}

	sub, err := deps.Service.GetCurrentSubscription(c.Context(), uint(ownerID))
	if err != nil {
		if billing.KindOf(err) == billing.ErrKindNotFound {
			// no subscription means no entitlement, not an error
			return c.Status(fiber.StatusOK).JSON(entitlements.UnitEntitlement{})
		}
		log.Errorf("[API] entitlement lookup failed for owner %d: %v", ownerID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "internal_server_error",
			"message": "Entitlement lookup failed",
		})
	}
	return c.Status(fiber.StatusOK).JSON(entitlements.ForSubscription(sub))
}

// HandleGetStats serves the cached billing overview.
func HandleGetStats(c *fiber.Ctx) error {
	analytics.RefreshIfStale()
	overview, err := analytics.GetOverview()
	if err != nil {
		log.Errorf("[API] stats computation failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "internal_server_error",
			"message": "Stats unavailable",
		})
	}

	// delivery counters are best-effort; a cold cache just omits them
	totals, err := counter.Totals()
	if err != nil {
		totals = nil
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"overview": overview,
		"webhooks": totals,
	})
}

// HandleGetMRR serves the monthly revenue waterfall plus its forecast.
// Query params months (history depth) and horizon (forecast length) default
// to a year back and a quarter ahead.
func HandleGetMRR(c *fiber.Ctx) error {
	months, err := strconv.Atoi(c.Query("months", "12"))
	if err != nil || months < 1 || months > 36 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "bad_request",
			"message": "months must be between 1 and 36",
		})
	}
	horizon, err := strconv.Atoi(c.Query("horizon", "3"))
	if err != nil || horizon < 0 || horizon > 12 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "bad_request",
			"message": "horizon must be between 0 and 12",
		})
	}

	report, err := analytics.GetMRRReport(months, horizon)
	if err != nil {
		log.Errorf("[API] MRR report failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "internal_server_error",
			"message": "MRR report unavailable",
		})
	}
	return c.Status(fiber.StatusOK).JSON(report)
}

// HandleGetCohorts serves retention per signup month.
func HandleGetCohorts(c *fiber.Ctx) error {
	cohorts, err := analytics.GetCohorts()
	if err != nil {
		log.Errorf("[API] cohort report failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "internal_server_error",
			"message": "Cohort report unavailable",
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"cohorts": cohorts})
}

// HandleGetChurnRisk scores one owner's subscription for the admin dashboard.
func HandleGetChurnRisk(c *fiber.Ctx) error {
	ownerID, err := strconv.ParseUint(c.Params("ownerID"), 10, 32)
	if err != nil || ownerID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "bad_request",
			"message": "Invalid owner id",
		})
	}

	score, err := analytics.GetChurnRisk(uint(ownerID))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error":   "not_found",
				"message": "No subscription for this owner",
			})
		}
		log.Errorf("[API] churn risk failed for owner %d: %v", ownerID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "internal_server_error",
			"message": "Churn risk unavailable",
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"owner_id": ownerID,
		"score":    score,
	})
}

// HandleGetPlanDistribution serves subscription counts per plan.
func HandleGetPlanDistribution(c *fiber.Ctx) error {
	distribution, err := analytics.GetPlanDistribution()
	if err != nil {
		log.Errorf("[API] plan distribution failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "internal_server_error",
			"message": "Plan distribution unavailable",
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"plans":   distribution,
		"revenue": analytics.PlanRevenueShare(distribution),
	})
}
