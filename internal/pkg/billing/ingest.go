package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/mietwerk/mietfox/app/models"
)

// Ingestor accepts raw provider webhooks: verify the signature, persist the
// event exactly once, then hand it to the dispatcher. Handler failures are
// absorbed so the provider gets its 200 and stops redelivering; the retry
// sweep re-drives anything that did not process.
type Ingestor struct {
	repo          Repository
	dispatcher    *Dispatcher
	webhookSecret string
}

// NewIngestor wires the webhook entry point.
func NewIngestor(repo Repository, dispatcher *Dispatcher, webhookSecret string) *Ingestor {
	return &Ingestor{
		repo:          repo,
		dispatcher:    dispatcher,
		webhookSecret: webhookSecret,
	}
}

// Ingest runs the full webhook path for one delivery. The returned result
// maps directly onto the HTTP response: accepted and duplicate are both OK,
// an invalid signature or an unparseable body is rejected so the provider
// stops redelivering it.
func (i *Ingestor) Ingest(ctx context.Context, body []byte, signatureHeader string) (IngestResult, error) {
	if !VerifyWebhookSignature(body, signatureHeader, i.webhookSecret) {
		return IngestInvalidSignature, &Error{Kind: ErrKindInvalidSignature, Retryable: false}
	}

	envelope, err := ParseEnvelope(body)
	if err != nil {
		return IngestMalformed, NewBusinessRuleError("webhook body does not parse: %v", err)
	}

	receivedAt := time.Now().UTC()
	event := &models.RemoteEvent{
		ExternalEventID:  externalEventID(envelope, body),
		Type:             envelope.Type,
		Payload:          string(envelope.Data),
		EventTimestamp:   envelope.EventTime(receivedAt),
		ReceivedAt:       receivedAt,
		ProcessingStatus: models.RemoteEventStatusPending,
	}

	created, stored, err := i.repo.CreateRemoteEventIfNotExists(ctx, event)
	if err != nil {
		return "", NewTransientError(err)
	}
	if !created {
		log.Infof("[Billing] duplicate delivery of event %s ignored", stored.ExternalEventID)
		return IngestDuplicate, nil
	}

	// Synchronous first attempt. Errors stay server-side: the event row is
	// already durable, so the webhook response does not depend on the outcome.
	if err := i.dispatcher.Dispatch(ctx, stored); err != nil {
		log.Warnf("[Billing] first attempt for event %s deferred to sweep: %v", stored.ExternalEventID, err)
	}
	return IngestAccepted, nil
}

// externalEventID returns the provider's event id, or a content hash when the
// provider omitted one, so redeliveries of id-less events still dedupe.
func externalEventID(envelope *EventEnvelope, body []byte) string {
	if id := strings.TrimSpace(envelope.ID); id != "" {
		return id
	}
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}
