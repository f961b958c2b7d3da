package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/mietwerk/mietfox/app/controllers"
	"github.com/mietwerk/mietfox/internal/pkg/middleware"
)

// WebhookRouter exposes the provider-facing ingestion endpoint. No rate
// limiter here: the provider's redelivery behavior is our retry mechanism
// and a 429 would only amplify it.
type WebhookRouter struct {
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	app.Post("/webhooks/billing", controllers.HandleBillingWebhook)
}

func NewWebhookRouter() *WebhookRouter {
	return &WebhookRouter{}
}

// ApiRouter exposes the read-only billing surface to the rest of the app.
type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())

	v1 := api.Group("/v1", middleware.InternalKeyMiddleware())
	v1.Get("/billing/subscriptions/:ownerID", controllers.HandleGetSubscription)
	v1.Get("/billing/subscriptions/:ownerID/events", controllers.HandleListSubscriptionEvents)
	v1.Get("/billing/subscriptions/:ownerID/addons", controllers.HandleListAddons)
	v1.Get("/billing/subscriptions/:ownerID/entitlements", controllers.HandleGetEntitlements)
	v1.Get("/billing/subscriptions/:ownerID/churn-risk", controllers.HandleGetChurnRisk)
	v1.Get("/billing/stats", controllers.HandleGetStats)
	v1.Get("/billing/stats/mrr", controllers.HandleGetMRR)
	v1.Get("/billing/stats/cohorts", controllers.HandleGetCohorts)
	v1.Get("/billing/plans", controllers.HandleGetPlanDistribution)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
