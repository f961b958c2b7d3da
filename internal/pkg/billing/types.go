package billing

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Provider event types handled by the dispatcher registry.
const (
	EventCheckoutCompleted    = "checkout.completed"
	EventSubscriptionUpdated  = "subscription.updated"
	EventSubscriptionDeleted  = "subscription.deleted"
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
)

// EventEnvelope is the minimal provider envelope parsed during ingestion.
// Created carries the event time (unix seconds), not the receipt time.
type EventEnvelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

// ParseEnvelope decodes the provider envelope from a raw webhook body.
func ParseEnvelope(raw []byte) (*EventEnvelope, error) {
	var env EventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if strings.TrimSpace(env.Type) == "" {
		return nil, errors.New("event envelope missing type")
	}
	return &env, nil
}

// EventTime converts the envelope's event timestamp, falling back to the
// supplied receipt time when the provider omitted it.
func (e *EventEnvelope) EventTime(receivedAt time.Time) time.Time {
	if e.Created <= 0 {
		return receivedAt
	}
	return time.Unix(e.Created, 0).UTC()
}

// EventData is the tagged union of per-type payloads. Each handler receives
// only the fields it needs; unhandled types decode into UnknownData.
type EventData interface {
	eventData()
}

// CheckoutCompletedData provisions or reactivates a subscription.
type CheckoutCompletedData struct {
	OwnerID         uint   `json:"owner_id"`
	CustomerRef     string `json:"customer"`
	SubscriptionRef string `json:"subscription"`
	PlanRef         string `json:"plan"`
	TrialDays       int    `json:"trial_days"`
	PeriodStart     int64  `json:"period_start"`
	PeriodEnd       int64  `json:"period_end"`
}

// SubscriptionUpdatedData re-derives local status from the provider's report.
type SubscriptionUpdatedData struct {
	SubscriptionRef   string `json:"subscription"`
	Status            string `json:"status"`
	PlanRef           string `json:"plan"`
	PeriodStart       int64  `json:"period_start"`
	PeriodEnd         int64  `json:"period_end"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	PauseUntil        int64  `json:"pause_until"`
}

// SubscriptionDeletedData forces the terminal canceled state.
type SubscriptionDeletedData struct {
	SubscriptionRef string `json:"subscription"`
}

// InvoiceData backs both invoice.paid and invoice.payment_failed.
type InvoiceData struct {
	SubscriptionRef string `json:"subscription"`
	InvoiceRef      string `json:"invoice"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
}

// UnknownData carries the raw payload of an unhandled event type.
type UnknownData struct {
	Raw json.RawMessage
}

func (CheckoutCompletedData) eventData()   {}
func (SubscriptionUpdatedData) eventData() {}
func (SubscriptionDeletedData) eventData() {}
func (InvoiceData) eventData()             {}
func (UnknownData) eventData()             {}

// DecodeEventData maps an event type to its payload variant.
func DecodeEventData(eventType string, raw json.RawMessage) (EventData, error) {
	switch eventType {
	case EventCheckoutCompleted:
		var d CheckoutCompletedData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	case EventSubscriptionUpdated:
		var d SubscriptionUpdatedData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	case EventSubscriptionDeleted:
		var d SubscriptionDeletedData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	case EventInvoicePaid, EventInvoicePaymentFailed:
		var d InvoiceData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	default:
		return UnknownData{Raw: raw}, nil
	}
}

// IngestResult reports the outcome of webhook ingestion to the HTTP layer.
type IngestResult string

const (
	IngestAccepted         IngestResult = "accepted"
	IngestDuplicate        IngestResult = "duplicate"
	IngestInvalidSignature IngestResult = "invalid_signature"
	IngestMalformed        IngestResult = "malformed"
)
