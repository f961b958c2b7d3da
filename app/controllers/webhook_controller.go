package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/mietwerk/mietfox/internal/pkg/billing"
	"github.com/mietwerk/mietfox/internal/pkg/metrics/counter"
	"github.com/mietwerk/mietfox/internal/pkg/sweep"
)

// Deps carries the billing components the controllers call into. Wired once
// from main before the router installs any route.
type Deps struct {
	Ingestor *billing.Ingestor
	Service  *billing.Service
	Sweeper  *sweep.Sweeper
}

var deps Deps

// Setup injects the controller dependencies.
func Setup(d Deps) {
	deps = d
}

const signatureHeader = "X-Billing-Signature"

// HandleBillingWebhook is the provider's inbound event feed. The contract
// with the provider is deliberately blunt: 200 for everything we stored
// (duplicates included), 400 for a bad signature or a body we can never
// parse, 500 only when the ingestion layer itself broke. Handler failures
// never surface here, they would only trigger the provider's redelivery
// storm for events we already retry ourselves.
func HandleBillingWebhook(c *fiber.Ctx) error {
	result, err := deps.Ingestor.Ingest(c.Context(), c.Body(), c.Get(signatureHeader))
	switch result {
	case billing.IngestInvalidSignature:
		_ = counter.AddWebhookRejected()
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
	case billing.IngestMalformed:
		_ = counter.AddWebhookRejected()
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "malformed_payload",
			"message": "Webhook body could not be parsed",
		})
	case billing.IngestDuplicate:
		_ = counter.AddWebhookDuplicate()
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "already_received"})
	case billing.IngestAccepted:
		_ = counter.AddWebhookReceived()
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	default:
		log.Errorf("[Webhook] ingestion failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "internal_server_error",
			"message": "Event could not be stored",
		})
	}
}
