package controllers

import (
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/mietwerk/mietfox/app/models"
	"github.com/mietwerk/mietfox/internal/pkg/billing"
)

var validate = validator.New()

// Request DTOs for the admin command surface. Reason is mandatory everywhere;
// every action lands in the audit trail with it.

type GiftDaysRequest struct {
	Days       int    `json:"days" validate:"required,gt=0,lte=365"`
	Reason     string `json:"reason" validate:"required,min=8"`
	NotifyUser bool   `json:"notify_user"`
}

type OverridePlanRequest struct {
	PlanSlug   string `json:"plan_slug" validate:"required"`
	Reason     string `json:"reason" validate:"required,min=8"`
	NotifyUser bool   `json:"notify_user"`
}

type SuspendRequest struct {
	Reason     string `json:"reason" validate:"required,min=8"`
	NotifyUser bool   `json:"notify_user"`
}

type AcceptPriceChangeRequest struct {
	Reason string `json:"reason" validate:"required,min=8"`
}

// HandleAdminGiftDays extends the current period without touching status.
func HandleAdminGiftDays(c *fiber.Ctx) error {
	var req GiftDaysRequest
	in, ok := parseAdminRequest(c, &req)
	if !ok {
		return nil
	}
	in.ActionType = models.AdminActionGiftDays
	in.Days = req.Days
	in.Reason = req.Reason
	in.NotifyUser = req.NotifyUser
	return runAdminAction(c, in)
}

// HandleAdminOverridePlan switches the plan locally and at the provider.
func HandleAdminOverridePlan(c *fiber.Ctx) error {
	var req OverridePlanRequest
	in, ok := parseAdminRequest(c, &req)
	if !ok {
		return nil
	}
	in.ActionType = models.AdminActionOverridePlan
	in.PlanSlug = req.PlanSlug
	in.Reason = req.Reason
	in.NotifyUser = req.NotifyUser
	return runAdminAction(c, in)
}

// HandleAdminSuspend sets the suspension flag; provider status is untouched
// so unsuspending restores exactly the prior state.
func HandleAdminSuspend(c *fiber.Ctx) error {
	var req SuspendRequest
	in, ok := parseAdminRequest(c, &req)
	if !ok {
		return nil
	}
	in.ActionType = models.AdminActionSuspend
	in.Reason = req.Reason
	in.NotifyUser = req.NotifyUser
	return runAdminAction(c, in)
}

// HandleAdminUnsuspend clears the suspension flag.
func HandleAdminUnsuspend(c *fiber.Ctx) error {
	var req SuspendRequest
	in, ok := parseAdminRequest(c, &req)
	if !ok {
		return nil
	}
	in.ActionType = models.AdminActionUnsuspend
	in.Reason = req.Reason
	in.NotifyUser = req.NotifyUser
	return runAdminAction(c, in)
}

// HandleAdminAcceptPriceChange records the owner's consent to a pending
// price change.
func HandleAdminAcceptPriceChange(c *fiber.Ctx) error {
	var req AcceptPriceChangeRequest
	in, ok := parseAdminRequest(c, &req)
	if !ok {
		return nil
	}
	in.ActionType = models.AdminActionAcceptPriceChange
	in.Reason = req.Reason
	return runAdminAction(c, in)
}

// parseAdminRequest resolves the owner, actor and body shared by all admin
// endpoints. On failure the response has already been written.
func parseAdminRequest(c *fiber.Ctx, body interface{}) (billing.AdminActionInput, bool) {
	var in billing.AdminActionInput

	ownerID, err := strconv.ParseUint(c.Params("ownerID"), 10, 32)
	if err != nil || ownerID == 0 {
		_ = c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "bad_request",
			"message": "Invalid owner id",
		})
		return in, false
	}

	actorID, err := strconv.ParseUint(c.Get("X-Actor-ID"), 10, 32)
	if err != nil || actorID == 0 {
		_ = c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "bad_request",
			"message": "Missing X-Actor-ID header",
		})
		return in, false
	}

	if err := c.BodyParser(body); err != nil {
		_ = c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "bad_request",
			"message": "Request body does not parse",
		})
		return in, false
	}
	if err := validate.Struct(body); err != nil {
		_ = c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":   "validation_failed",
			"message": err.Error(),
		})
		return in, false
	}

	in.OwnerID = uint(ownerID)
	in.ActorID = uint(actorID)
	return in, true
}

func runAdminAction(c *fiber.Ctx, in billing.AdminActionInput) error {
	sub, err := deps.Service.ApplyAdminAction(c.Context(), in)
	if err != nil {
		return writeAdminError(c, in, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status":       "ok",
		"subscription": sub,
	})
}

// writeAdminError maps the billing error taxonomy onto HTTP statuses.
// Admin-path errors always surface synchronously; there is no redelivery
// mechanism to lean on.
func writeAdminError(c *fiber.Ctx, in billing.AdminActionInput, err error) error {
	log.Warnf("[Admin] action %s for owner %d failed: %v", in.ActionType, in.OwnerID, err)
	switch billing.KindOf(err) {
	case billing.ErrKindNotFound:
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "not_found",
			"message": "No subscription for this owner",
		})
	case billing.ErrKindBusinessRule:
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":   "business_rule_violation",
			"message": err.Error(),
		})
	case billing.ErrKindConcurrentModification:
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":   "concurrent_modification",
			"message": "Subscription changed underneath you, re-read and resubmit",
		})
	case billing.ErrKindRemoteCommandFailure:
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":   "remote_command_failure",
			"message": "Provider rejected the command, nothing was changed locally",
		})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "internal_server_error",
			"message": "Action could not be applied",
		})
	}
}
