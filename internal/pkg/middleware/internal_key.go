package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/mietwerk/mietfox/internal/pkg/env"
)

// InternalKeyMiddleware guards the admin and sweep surfaces with a shared
// key. Callers are other backend services and the admin UI, never browsers.
func InternalKeyMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		expected := strings.TrimSpace(env.GetEnv("INTERNAL_API_KEY", ""))
		if expected == "" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error":   "service_unavailable",
				"message": "INTERNAL_API_KEY is not configured",
			})
		}

		got := strings.TrimSpace(c.Get("X-Internal-Key"))
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   "unauthorized",
				"message": "Missing or invalid internal key",
			})
		}
		return c.Next()
	}
}
