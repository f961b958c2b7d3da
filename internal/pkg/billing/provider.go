package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mietwerk/mietfox/internal/pkg/env"
)

const defaultProviderAPIBaseURL = "https://api.payprovider.example/v1"

// ProviderCommandAPI is the outbound command surface of the payment provider.
// Only admin plan overrides call it; webhook processing never does.
type ProviderCommandAPI interface {
	ChangeSubscriptionPrice(ctx context.Context, subscriptionRef, priceRef string) error
}

// ProviderClient talks to the payment provider's REST command API.
// Constructed once at process start and injected; no package-level state.
type ProviderClient struct {
	APIKey     string
	APIBaseURL string

	HTTPClient *http.Client
}

// NewProviderClientFromEnv builds the provider client from environment config.
func NewProviderClientFromEnv() *ProviderClient {
	return &ProviderClient{
		APIKey:     strings.TrimSpace(env.GetEnv("PROVIDER_API_KEY", "")),
		APIBaseURL: strings.TrimSpace(env.GetEnv("PROVIDER_API_BASE_URL", defaultProviderAPIBaseURL)),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// ChangeSubscriptionPrice switches the remote subscription to a new price.
// The Idempotency-Key header makes provider-side retries safe.
func (c *ProviderClient) ChangeSubscriptionPrice(ctx context.Context, subscriptionRef, priceRef string) error {
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("PROVIDER_API_KEY is not configured")
	}
	if strings.TrimSpace(subscriptionRef) == "" || strings.TrimSpace(priceRef) == "" {
		return errors.New("subscription ref and price ref are required")
	}

	endpoint := strings.TrimRight(c.APIBaseURL, "/") + "/subscriptions/" + url.PathEscape(subscriptionRef)

	form := url.Values{}
	form.Set("price", strings.TrimSpace(priceRef))
	form.Set("proration_behavior", "create_prorations")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Idempotency-Key", uuid.New().String())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider price change failed: status=%d body=%s", resp.StatusCode, string(body))
	}
	return nil
}
