package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/mietwerk/mietfox/app/models"
)

const defaultEventTimeout = 30 * time.Second

// Dispatcher routes stored remote events to their handlers. It owns the
// critical-section discipline: the owner lock is held for the duration of a
// handler call, and every attempt is counted before the handler runs so a
// crash mid-handler still consumes retry budget.
type Dispatcher struct {
	service      *Service
	repo         Repository
	eventTimeout time.Duration
}

// NewDispatcher wires the dispatcher to the reconciliation core.
func NewDispatcher(service *Service, repo Repository) *Dispatcher {
	return &Dispatcher{
		service:      service,
		repo:         repo,
		eventTimeout: defaultEventTimeout,
	}
}

// Dispatch processes one stored remote event end to end: count the attempt,
// decode, lock the owner, run the handler, classify the outcome. Safe to call
// again for the same event; handlers are no-ops once the state has advanced.
func (d *Dispatcher) Dispatch(ctx context.Context, event *models.RemoteEvent) error {
	attempt, err := d.repo.BeginEventAttempt(ctx, event.ID, time.Now().UTC())
	if err != nil {
		return NewTransientError(err)
	}

	data, err := DecodeEventData(event.Type, json.RawMessage(event.Payload))
	if err != nil {
		wrapped := NewBusinessRuleError("event %s payload does not decode: %v", event.ExternalEventID, err)
		d.quarantine(ctx, event, wrapped)
		return wrapped
	}

	if _, ok := data.(UnknownData); ok {
		note := fmt.Sprintf("unhandled event type %s ignored", event.Type)
		log.Infof("[Billing] %s (event %s)", note, event.ExternalEventID)
		if err := d.repo.MarkEventProcessed(ctx, event.ID, note); err != nil {
			return NewTransientError(err)
		}
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, d.eventTimeout)
	defer cancel()

	err = d.invoke(cctx, event, data)
	if err == nil {
		log.Infof("[Billing] event %s (%s) processed on attempt %d", event.ExternalEventID, event.Type, attempt)
		return nil
	}

	// The status write must survive the expired deadline that caused the
	// failure, so it runs on a detached context.
	mctx := context.WithoutCancel(ctx)
	if cctx.Err() != nil {
		err = NewTransientError(fmt.Errorf("processing timed out: %w", cctx.Err()))
	}

	if IsRetryable(err) {
		log.Warnf("[Billing] event %s (%s) failed on attempt %d: %v", event.ExternalEventID, event.Type, attempt, err)
		if markErr := d.repo.MarkEventFailed(mctx, event.ID, err.Error()); markErr != nil {
			log.Errorf("[Billing] could not mark event %d failed: %v", event.ID, markErr)
		}
		return err
	}

	// Business-rule failures never heal on retry.
	d.quarantine(mctx, event, err)
	return err
}

func (d *Dispatcher) invoke(ctx context.Context, event *models.RemoteEvent, data EventData) error {
	ownerID, ok := d.resolveOwner(ctx, data)
	if ok {
		release := d.service.locks.Acquire(ownerID)
		defer release()
	}

	switch payload := data.(type) {
	case CheckoutCompletedData:
		return d.service.handleCheckoutCompleted(ctx, event, payload)
	case SubscriptionUpdatedData:
		return d.service.handleSubscriptionUpdated(ctx, event, payload)
	case SubscriptionDeletedData:
		return d.service.handleSubscriptionDeleted(ctx, event, payload)
	case InvoiceData:
		if event.Type == EventInvoicePaid {
			return d.service.handleInvoicePaid(ctx, event, payload)
		}
		return d.service.handleInvoicePaymentFailed(ctx, event, payload)
	default:
		return NewBusinessRuleError("no handler for event type %s", event.Type)
	}
}

// resolveOwner determines the lock key before the handler runs. Events whose
// subscription is not linked locally yet hold no lock; there is no local row
// to race on.
func (d *Dispatcher) resolveOwner(ctx context.Context, data EventData) (uint, bool) {
	switch payload := data.(type) {
	case CheckoutCompletedData:
		return payload.OwnerID, payload.OwnerID != 0
	case SubscriptionUpdatedData:
		return d.ownerByRef(ctx, payload.SubscriptionRef)
	case SubscriptionDeletedData:
		return d.ownerByRef(ctx, payload.SubscriptionRef)
	case InvoiceData:
		return d.ownerByRef(ctx, payload.SubscriptionRef)
	default:
		return 0, false
	}
}

func (d *Dispatcher) ownerByRef(ctx context.Context, ref string) (uint, bool) {
	if ref == "" {
		return 0, false
	}
	sub, err := d.repo.GetSubscriptionByExternalRef(ctx, ref)
	if err != nil {
		return 0, false
	}
	return sub.OwnerID, true
}

func (d *Dispatcher) quarantine(ctx context.Context, event *models.RemoteEvent, cause error) {
	log.Warnf("[Billing] event %s (%s) quarantined: %v", event.ExternalEventID, event.Type, cause)
	if err := d.repo.MarkEventQuarantined(ctx, event.ID, cause.Error()); err != nil {
		log.Errorf("[Billing] could not quarantine event %d: %v", event.ID, err)
	}
}
