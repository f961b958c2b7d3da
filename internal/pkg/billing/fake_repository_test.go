package billing

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/mietwerk/mietfox/app/models"
)

// fakeRepository is an in-memory Repository with the same version-guard
// semantics as the GORM implementation. Like a real driver, every method
// fails once the caller's context is done.
type fakeRepository struct {
	mu sync.Mutex

	events        map[uint]*models.RemoteEvent
	eventsByExtID map[string]uint
	nextEventID   uint

	subs       map[uint]*models.Subscription
	nextSubID  uint
	audits     []models.SubscriptionEvent
	actions    []models.AdminAction
	invoices   map[string]*models.SubscriptionInvoice
	addons     []models.AddonSubscription
	failCommit error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		events:        make(map[uint]*models.RemoteEvent),
		eventsByExtID: make(map[string]uint),
		subs:          make(map[uint]*models.Subscription),
		invoices:      make(map[string]*models.SubscriptionInvoice),
	}
}

func (f *fakeRepository) CreateRemoteEventIfNotExists(ctx context.Context, event *models.RemoteEvent) (bool, *models.RemoteEvent, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.eventsByExtID[event.ExternalEventID]; ok {
		copied := *f.events[id]
		return false, &copied, nil
	}
	f.nextEventID++
	event.ID = f.nextEventID
	stored := *event
	f.events[event.ID] = &stored
	f.eventsByExtID[event.ExternalEventID] = event.ID
	copied := stored
	return true, &copied, nil
}

func (f *fakeRepository) BeginEventAttempt(ctx context.Context, id uint, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	event, ok := f.events[id]
	if !ok {
		return 0, gorm.ErrRecordNotFound
	}
	event.Attempts++
	t := now
	event.LastAttemptAt = &t
	return event.Attempts, nil
}

func (f *fakeRepository) setEventStatus(ctx context.Context, id uint, status, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	event, ok := f.events[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	event.ProcessingStatus = status
	event.LastError = msg
	return nil
}

func (f *fakeRepository) MarkEventProcessed(ctx context.Context, id uint, note string) error {
	return f.setEventStatus(ctx, id, models.RemoteEventStatusProcessed, note)
}

func (f *fakeRepository) MarkEventFailed(ctx context.Context, id uint, errMsg string) error {
	return f.setEventStatus(ctx, id, models.RemoteEventStatusFailed, errMsg)
}

func (f *fakeRepository) MarkEventQuarantined(ctx context.Context, id uint, errMsg string) error {
	return f.setEventStatus(ctx, id, models.RemoteEventStatusQuarantined, errMsg)
}

func (f *fakeRepository) ListRetryableEvents(ctx context.Context, maxAttempts, limit int, backoffUnit time.Duration, now time.Time) ([]models.RemoteEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.RemoteEvent
	for _, event := range f.events {
		if !event.Retryable(maxAttempts) {
			continue
		}
		if event.LastAttemptAt != nil {
			due := event.LastAttemptAt.Add(time.Duration(event.Attempts) * backoffUnit)
			if due.After(now) {
				continue
			}
		}
		out = append(out, *event)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRepository) ListExhaustedEvents(ctx context.Context, maxAttempts, limit int) ([]models.RemoteEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.RemoteEvent
	for _, event := range f.events {
		switch event.ProcessingStatus {
		case models.RemoteEventStatusPending, models.RemoteEventStatusFailed:
			if event.Attempts >= maxAttempts {
				out = append(out, *event)
			}
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRepository) PurgeProcessedEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var purged int64
	for id, event := range f.events {
		if event.ProcessingStatus == models.RemoteEventStatusProcessed && event.ReceivedAt.Before(cutoff) {
			delete(f.events, id)
			delete(f.eventsByExtID, event.ExternalEventID)
			purged++
		}
	}
	return purged, nil
}

func (f *fakeRepository) GetSubscriptionByOwner(ctx context.Context, ownerID uint) (*models.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if sub.OwnerID == ownerID {
			copied := *sub
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepository) GetSubscriptionByExternalRef(ctx context.Context, ref string) (*models.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if sub.ExternalSubscriptionRef == ref {
			copied := *sub
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepository) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSubID++
	sub.ID = f.nextSubID
	stored := *sub
	f.subs[sub.ID] = &stored
	return nil
}

func (f *fakeRepository) CommitTransition(ctx context.Context, rec *TransitionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCommit != nil {
		return f.failCommit
	}
	current, ok := f.subs[rec.Subscription.ID]
	if !ok || current.Version != rec.ExpectedVersion {
		return NewConcurrentModificationError(rec.Subscription.ID)
	}
	stored := *rec.Subscription
	f.subs[rec.Subscription.ID] = &stored
	if rec.Audit != nil {
		f.audits = append(f.audits, *rec.Audit)
	}
	if rec.Invoice != nil {
		f.invoices[rec.Invoice.ExternalInvoiceRef] = rec.Invoice
	}
	if rec.AdminAction != nil {
		f.actions = append(f.actions, *rec.AdminAction)
	}
	if rec.RemoteEventID != 0 {
		if event, ok := f.events[rec.RemoteEventID]; ok {
			event.ProcessingStatus = models.RemoteEventStatusProcessed
			event.LastError = rec.RemoteEventNote
		}
	}
	return nil
}

func (f *fakeRepository) AppendAuditEvent(ctx context.Context, event *models.SubscriptionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, *event)
	return nil
}

func (f *fakeRepository) CreateAdminAction(ctx context.Context, action *models.AdminAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, *action)
	return nil
}

func (f *fakeRepository) UpsertInvoice(ctx context.Context, invoice *models.SubscriptionInvoice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices[invoice.ExternalInvoiceRef] = invoice
	return nil
}

func (f *fakeRepository) ListSubscriptionEvents(ctx context.Context, subscriptionID uint, limit int) ([]models.SubscriptionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SubscriptionEvent
	for i := len(f.audits) - 1; i >= 0 && len(out) < limit; i-- {
		if f.audits[i].SubscriptionID == subscriptionID {
			out = append(out, f.audits[i])
		}
	}
	return out, nil
}

func (f *fakeRepository) ListAddons(ctx context.Context, subscriptionID uint) ([]models.AddonSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AddonSubscription
	for _, addon := range f.addons {
		if addon.SubscriptionID == subscriptionID {
			out = append(out, addon)
		}
	}
	return out, nil
}

func (f *fakeRepository) subscriptionByOwner(ownerID uint) *models.Subscription {
	sub, _ := f.GetSubscriptionByOwner(context.Background(), ownerID)
	return sub
}

func (f *fakeRepository) eventByExternalID(extID string) *models.RemoteEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.eventsByExtID[extID]
	if !ok {
		return nil
	}
	copied := *f.events[id]
	return &copied
}
