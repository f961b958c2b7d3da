package counter

import (
	"context"
	"strconv"

	"github.com/mietwerk/mietfox/internal/pkg/cache"
)

// Redis-backed delivery counters for operational visibility on the webhook
// feed. Best-effort: callers ignore errors, a missing cache only blanks the
// numbers on the stats endpoint.
const (
	webhookCountersKey = "billing:counters:webhooks"

	FieldReceived  = "received"
	FieldDuplicate = "duplicate"
	FieldRejected  = "rejected"
)

func add(field string) error {
	return cache.GetClient().HIncrBy(context.Background(), webhookCountersKey, field, 1).Err()
}

// AddWebhookReceived counts a stored first delivery.
func AddWebhookReceived() error { return add(FieldReceived) }

// AddWebhookDuplicate counts an absorbed redelivery.
func AddWebhookDuplicate() error { return add(FieldDuplicate) }

// AddWebhookRejected counts a delivery with a bad signature.
func AddWebhookRejected() error { return add(FieldRejected) }

// Totals returns all webhook counters.
func Totals() (map[string]int64, error) {
	raw, err := cache.GetClient().HGetAll(context.Background(), webhookCountersKey).Result()
	if err != nil {
		return nil, err
	}
	totals := make(map[string]int64, len(raw))
	for field, value := range raw {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		totals[field] = n
	}
	return totals, nil
}
