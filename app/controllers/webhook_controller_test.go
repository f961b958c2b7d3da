package controllers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mietwerk/mietfox/app/models"
	"github.com/mietwerk/mietfox/internal/pkg/billing"
	"github.com/mietwerk/mietfox/internal/pkg/sweep"
)

type emptyStore struct{}

func (emptyStore) ListRetryableEvents(context.Context, int, int, time.Duration, time.Time) ([]models.RemoteEvent, error) {
	return nil, nil
}
func (emptyStore) ListExhaustedEvents(context.Context, int, int) ([]models.RemoteEvent, error) {
	return nil, nil
}
func (emptyStore) MarkEventQuarantined(context.Context, uint, string) error { return nil }
func (emptyStore) PurgeProcessedEventsBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, *models.RemoteEvent) error { return nil }

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	Setup(Deps{
		Ingestor: billing.NewIngestor(nil, nil, "whsec_test"),
		Sweeper:  sweep.NewSweeper(emptyStore{}, noopDispatcher{}, sweep.Config{}),
	})

	app := fiber.New()
	app.Post("/webhooks/billing", HandleBillingWebhook)
	app.Post("/internal/billing/sweep", HandleRunSweep)
	app.Get("/api/v1/billing/subscriptions/:ownerID/churn-risk", HandleGetChurnRisk)
	return app
}

func signTestBody(body string) string {
	mac := hmac.New(sha256.New, []byte("whsec_test"))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest("POST", "/webhooks/billing", strings.NewReader(`{"id":"evt_1","type":"invoice.paid"}`))
	req.Header.Set("X-Billing-Signature", "deadbeef")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest("POST", "/webhooks/billing", strings.NewReader(`{}`))

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestWebhookRejectsUnparseableBody(t *testing.T) {
	app := newTestApp(t)

	// correctly signed garbage must get a 400, not a 500 the provider keeps
	// redelivering forever
	body := `{not json`
	req := httptest.NewRequest("POST", "/webhooks/billing", strings.NewReader(body))
	req.Header.Set("X-Billing-Signature", signTestBody(body))

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestChurnRiskRejectsBadOwnerID(t *testing.T) {
	app := newTestApp(t)

	for _, owner := range []string{"abc", "0"} {
		resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/billing/subscriptions/"+owner+"/churn-risk", nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	}
}

func TestManualSweepReturnsReport(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("POST", "/internal/billing/sweep", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
