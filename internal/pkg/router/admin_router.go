package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mietwerk/mietfox/app/controllers"
	"github.com/mietwerk/mietfox/internal/pkg/middleware"
)

// AdminRouter carries the privileged command surface and the manual sweep
// trigger. Everything behind the internal key.
type AdminRouter struct {
}

func (h AdminRouter) InstallRouter(app *fiber.App) {
	admin := app.Group("/admin/billing", middleware.InternalKeyMiddleware())
	admin.Post("/subscriptions/:ownerID/gift-days", controllers.HandleAdminGiftDays)
	admin.Post("/subscriptions/:ownerID/override-plan", controllers.HandleAdminOverridePlan)
	admin.Post("/subscriptions/:ownerID/suspend", controllers.HandleAdminSuspend)
	admin.Post("/subscriptions/:ownerID/unsuspend", controllers.HandleAdminUnsuspend)
	admin.Post("/subscriptions/:ownerID/accept-price-change", controllers.HandleAdminAcceptPriceChange)

	internal := app.Group("/internal", middleware.InternalKeyMiddleware())
	internal.Post("/billing/sweep", controllers.HandleRunSweep)
}

func NewAdminRouter() *AdminRouter {
	return &AdminRouter{}
}
