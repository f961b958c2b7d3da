package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// HandleRunSweep triggers one recovery pass on demand, in addition to the
// periodic loop. Safe to invoke twice concurrently; every event attempt is
// guarded by the per-owner lock and the idempotent event-state writes.
func HandleRunSweep(c *fiber.Ctx) error {
	report, err := deps.Sweeper.RunOnce(c.Context())
	if err != nil {
		log.Errorf("[Sweep] manual pass failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "internal_server_error",
			"message": "Sweep did not complete",
			"report":  report,
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "ok",
		"report": report,
	})
}
