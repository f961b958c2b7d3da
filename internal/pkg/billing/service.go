package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/mietwerk/mietfox/app/models"
	"github.com/mietwerk/mietfox/internal/pkg/plans"
)

const (
	minReasonLength      = 8
	defaultRemoteTimeout = 15 * time.Second
)

// Notifier delivers a notification about an applied admin action.
type Notifier func(subject, body string) error

// Service is the reconciliation core. It exclusively owns writes to
// subscription status, version and last event timestamp; every mutation,
// remote or admin, funnels through it under the per-owner lock.
type Service struct {
	repo          Repository
	provider      ProviderCommandAPI
	locks         *ownerLocks
	remoteTimeout time.Duration
	notify        Notifier
}

// SetNotifier installs the admin-action notification channel.
func (s *Service) SetNotifier(n Notifier) {
	s.notify = n
}

// NewService creates the reconciliation core from an injected repository and
// provider command client.
func NewService(repo Repository, provider ProviderCommandAPI) *Service {
	return &Service{
		repo:          repo,
		provider:      provider,
		locks:         newOwnerLocks(),
		remoteTimeout: defaultRemoteTimeout,
	}
}

// GetCurrentSubscription returns the reconciled subscription for an owner.
func (s *Service) GetCurrentSubscription(ctx context.Context, ownerID uint) (*models.Subscription, error) {
	sub, err := s.repo.GetSubscriptionByOwner(ctx, ownerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError("no subscription for owner %d", ownerID)
		}
		return nil, err
	}
	return sub, nil
}

// ListEvents returns the newest audit events for an owner's subscription.
func (s *Service) ListEvents(ctx context.Context, ownerID uint, limit int) ([]models.SubscriptionEvent, error) {
	sub, err := s.GetCurrentSubscription(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListSubscriptionEvents(ctx, sub.ID, limit)
}

// ListAddons returns the addon subscriptions booked under an owner's
// subscription.
func (s *Service) ListAddons(ctx context.Context, ownerID uint) ([]models.AddonSubscription, error) {
	sub, err := s.GetCurrentSubscription(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAddons(ctx, sub.ID)
}

// --- remote event handlers -------------------------------------------------

func (s *Service) handleCheckoutCompleted(ctx context.Context, event *models.RemoteEvent, d CheckoutCompletedData) error {
	if d.OwnerID == 0 {
		return NewBusinessRuleError("checkout.completed without owner_id")
	}
	if strings.TrimSpace(d.SubscriptionRef) == "" {
		return NewBusinessRuleError("checkout.completed without subscription ref")
	}
	def, ok := plans.Lookup(d.PlanRef)
	if !ok {
		def, ok = plans.FromProviderRef(d.PlanRef)
	}
	if !ok {
		return NewBusinessRuleError("checkout.completed references unknown plan %q", d.PlanRef)
	}

	sub, err := s.repo.GetSubscriptionByOwner(ctx, d.OwnerID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return NewTransientError(err)
		}
		// MySQL TIMESTAMP cannot hold the zero time; seed with the unix epoch
		// so the first provider event is never considered stale.
		sub = &models.Subscription{
			OwnerID:            d.OwnerID,
			PlanID:             string(def.Slug),
			Status:             models.SubscriptionStatusIncomplete,
			LastEventTimestamp: time.Unix(86400, 0).UTC(),
		}
		if err := s.repo.CreateSubscription(ctx, sub); err != nil {
			return NewTransientError(err)
		}
	}

	// Canceled is absorbing for the old external ref. A fresh checkout with a
	// new ref provisions the subscription again.
	if sub.IsTerminal() && d.SubscriptionRef == sub.ExternalSubscriptionRef {
		return s.recordNoOp(ctx, event, sub, "checkout ignored: subscription canceled under the same external ref")
	}
	if stale, note := s.isStale(sub, event); stale {
		return s.recordNoOp(ctx, event, sub, note)
	}

	next := *sub
	if d.TrialDays > 0 {
		next.Status = models.SubscriptionStatusTrialing
	} else {
		next.Status = models.SubscriptionStatusActive
	}
	next.PlanID = string(def.Slug)
	next.ExternalCustomerRef = strings.TrimSpace(d.CustomerRef)
	next.ExternalSubscriptionRef = strings.TrimSpace(d.SubscriptionRef)
	next.CurrentPeriodStart = unixTimePtr(d.PeriodStart)
	next.CurrentPeriodEnd = unixTimePtr(d.PeriodEnd)
	next.CancelAtPeriodEnd = false
	next.PauseUntil = nil

	return s.commitRemote(ctx, sub, &next, event, nil, fmt.Sprintf("checkout completed, plan %s", next.PlanID))
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, event *models.RemoteEvent, d SubscriptionUpdatedData) error {
	sub, err := s.findByExternalRef(ctx, d.SubscriptionRef)
	if err != nil {
		return err
	}
	if sub.IsTerminal() {
		return s.recordNoOp(ctx, event, sub, "update ignored: canceled is terminal")
	}
	if stale, note := s.isStale(sub, event); stale {
		return s.recordNoOp(ctx, event, sub, note)
	}

	status, ok := mapProviderStatus(d.Status)
	if !ok {
		return NewBusinessRuleError("subscription.updated carries unknown status %q", d.Status)
	}

	next := *sub
	next.Status = status
	next.CancelAtPeriodEnd = d.CancelAtPeriodEnd
	if d.PeriodStart > 0 {
		next.CurrentPeriodStart = unixTimePtr(d.PeriodStart)
	}
	if d.PeriodEnd > 0 {
		next.CurrentPeriodEnd = unixTimePtr(d.PeriodEnd)
	}
	if status == models.SubscriptionStatusPaused {
		next.PauseUntil = unixTimePtr(d.PauseUntil)
	} else {
		next.PauseUntil = nil
	}
	if ref := strings.TrimSpace(d.PlanRef); ref != "" {
		def, ok := plans.Lookup(ref)
		if !ok {
			def, ok = plans.FromProviderRef(ref)
		}
		if !ok {
			return NewBusinessRuleError("subscription.updated references unknown plan %q", ref)
		}
		next.PlanID = string(def.Slug)
	}

	return s.commitRemote(ctx, sub, &next, event, nil, fmt.Sprintf("provider reported status %s", status))
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, event *models.RemoteEvent, d SubscriptionDeletedData) error {
	sub, err := s.findByExternalRef(ctx, d.SubscriptionRef)
	if err != nil {
		return err
	}
	if sub.IsTerminal() {
		return s.recordNoOp(ctx, event, sub, "delete ignored: already canceled")
	}
	if stale, note := s.isStale(sub, event); stale {
		return s.recordNoOp(ctx, event, sub, note)
	}

	next := *sub
	next.Status = models.SubscriptionStatusCanceled
	next.PauseUntil = nil

	return s.commitRemote(ctx, sub, &next, event, nil, "subscription deleted by provider")
}

func (s *Service) handleInvoicePaid(ctx context.Context, event *models.RemoteEvent, d InvoiceData) error {
	sub, err := s.findByExternalRef(ctx, d.SubscriptionRef)
	if err != nil {
		return err
	}
	invoice, err := s.buildInvoice(sub, d, models.InvoiceStatusPaid, event.EventTimestamp)
	if err != nil {
		return err
	}

	clearsPastDue := sub.Status == models.SubscriptionStatusPastDue && !sub.IsTerminal()
	if stale, _ := s.isStale(sub, event); stale || !clearsPastDue {
		// Purely informational: record the invoice projection and audit trail
		// without touching the subscription row.
		if err := s.repo.UpsertInvoice(ctx, invoice); err != nil {
			return NewTransientError(err)
		}
		return s.recordNoOp(ctx, event, sub, "invoice recorded, no status change")
	}

	next := *sub
	next.Status = models.SubscriptionStatusActive

	return s.commitRemote(ctx, sub, &next, event, invoice, "payment received, past_due cleared")
}

func (s *Service) handleInvoicePaymentFailed(ctx context.Context, event *models.RemoteEvent, d InvoiceData) error {
	sub, err := s.findByExternalRef(ctx, d.SubscriptionRef)
	if err != nil {
		return err
	}
	invoice, err := s.buildInvoice(sub, d, models.InvoiceStatusFailed, event.EventTimestamp)
	if err != nil {
		return err
	}

	demotes := sub.Status == models.SubscriptionStatusActive || sub.Status == models.SubscriptionStatusTrialing
	if sub.IsTerminal() {
		if err := s.repo.UpsertInvoice(ctx, invoice); err != nil {
			return NewTransientError(err)
		}
		return s.recordNoOp(ctx, event, sub, "payment failure ignored: canceled is terminal")
	}
	if stale, _ := s.isStale(sub, event); stale || !demotes {
		if err := s.repo.UpsertInvoice(ctx, invoice); err != nil {
			return NewTransientError(err)
		}
		return s.recordNoOp(ctx, event, sub, "failed invoice recorded, no status change")
	}

	next := *sub
	next.Status = models.SubscriptionStatusPastDue

	return s.commitRemote(ctx, sub, &next, event, invoice, "payment failed, subscription past due")
}

// --- admin override path ---------------------------------------------------

// AdminActionInput is the normalized admin command applied to an owner's
// subscription. Exempt from the staleness rule; guarded by optimistic
// concurrency on the version read under the lock.
type AdminActionInput struct {
	ActorID    uint
	OwnerID    uint
	ActionType string
	Days       int
	PlanSlug   string
	Reason     string
	NotifyUser bool
}

// ApplyAdminAction applies a privileged mutation through the same state
// machine as remote events. An AdminAction row and an audit event are written
// for every attempt, successful or not.
func (s *Service) ApplyAdminAction(ctx context.Context, in AdminActionInput) (*models.Subscription, error) {
	if len(strings.TrimSpace(in.Reason)) < minReasonLength {
		return nil, NewBusinessRuleError("reason must be at least %d characters", minReasonLength)
	}

	release := s.locks.Acquire(in.OwnerID)
	defer release()

	sub, err := s.GetCurrentSubscription(ctx, in.OwnerID)
	if err != nil {
		return nil, err
	}

	next := *sub
	switch in.ActionType {
	case models.AdminActionSuspend:
		next.Suspended = true
	case models.AdminActionUnsuspend:
		next.Suspended = false
	case models.AdminActionAcceptPriceChange:
		next.PriceChangeAccepted = true
	case models.AdminActionGiftDays:
		if in.Days <= 0 {
			return nil, s.failAdminAction(ctx, sub, in, NewBusinessRuleError("gift_days requires a positive day count"))
		}
		base := time.Now().UTC()
		if next.CurrentPeriodEnd != nil {
			base = *next.CurrentPeriodEnd
		}
		extended := base.Add(time.Duration(in.Days) * 24 * time.Hour)
		next.CurrentPeriodEnd = &extended
	case models.AdminActionOverridePlan:
		def, ok := plans.Lookup(in.PlanSlug)
		if !ok {
			return nil, s.failAdminAction(ctx, sub, in, NewBusinessRuleError("unknown target plan %q", in.PlanSlug))
		}
		// Remote first, local commit only on remote success: a split brain
		// between local and provider plan is worse than a failed command.
		cctx, cancel := context.WithTimeout(ctx, s.remoteTimeout)
		err := s.provider.ChangeSubscriptionPrice(cctx, sub.ExternalSubscriptionRef, def.ProviderPriceRef)
		cancel()
		if err != nil {
			return nil, s.failAdminAction(ctx, sub, in, NewRemoteCommandError(err))
		}
		next.PlanID = string(def.Slug)
	default:
		return nil, NewBusinessRuleError("unknown admin action type %q", in.ActionType)
	}

	next.Version = sub.Version + 1
	rec := &TransitionRecord{
		Subscription:    &next,
		ExpectedVersion: sub.Version,
		Audit: &models.SubscriptionEvent{
			SubscriptionID: sub.ID,
			Source:         models.SubscriptionEventSourceAdmin,
			EventType:      "admin." + in.ActionType,
			FromStatus:     sub.Status,
			ToStatus:       next.Status,
			Message:        in.Reason,
			Version:        next.Version,
		},
		AdminAction: &models.AdminAction{
			ActorID:              in.ActorID,
			TargetSubscriptionID: sub.ID,
			ActionType:           in.ActionType,
			Reason:               in.Reason,
			NotifyUser:           in.NotifyUser,
			Succeeded:            true,
			ResultingVersion:     next.Version,
		},
	}
	if err := s.repo.CommitTransition(ctx, rec); err != nil {
		// The rolled-back transaction took the success rows with it; the
		// attempt still has to show up in the audit trail.
		if KindOf(err) == ErrKindConcurrentModification {
			return nil, s.failAdminAction(ctx, sub, in, err)
		}
		return nil, s.failAdminAction(ctx, sub, in, NewTransientError(err))
	}

	if in.NotifyUser && s.notify != nil {
		subject := fmt.Sprintf("Admin action %s applied to subscription %d", in.ActionType, sub.ID)
		if err := s.notify(subject, in.Reason); err != nil {
			log.Warnf("[Billing] admin action notification failed: %v", err)
		}
	}
	return &next, nil
}

// failAdminAction records the failed attempt before surfacing the error.
func (s *Service) failAdminAction(ctx context.Context, sub *models.Subscription, in AdminActionInput, cause error) error {
	action := &models.AdminAction{
		ActorID:              in.ActorID,
		TargetSubscriptionID: sub.ID,
		ActionType:           in.ActionType,
		Reason:               in.Reason,
		NotifyUser:           in.NotifyUser,
		Succeeded:            false,
		ResultingVersion:     sub.Version,
	}
	if err := s.repo.CreateAdminAction(ctx, action); err != nil {
		return NewTransientError(err)
	}
	audit := &models.SubscriptionEvent{
		SubscriptionID: sub.ID,
		Source:         models.SubscriptionEventSourceAdmin,
		EventType:      "admin." + in.ActionType + ".failed",
		FromStatus:     sub.Status,
		ToStatus:       sub.Status,
		Message:        cause.Error(),
		Version:        sub.Version,
	}
	if err := s.repo.AppendAuditEvent(ctx, audit); err != nil {
		return NewTransientError(err)
	}
	return cause
}

// --- shared helpers --------------------------------------------------------

func (s *Service) findByExternalRef(ctx context.Context, ref string) (*models.Subscription, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, NewBusinessRuleError("event is missing the subscription ref")
	}
	sub, err := s.repo.GetSubscriptionByExternalRef(ctx, ref)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Linkage may arrive with a later checkout event; retryable.
			return nil, NewTransientError(fmt.Errorf("no local subscription for external ref %s", ref))
		}
		return nil, NewTransientError(err)
	}
	return sub, nil
}

// isStale applies the last-event-time-wins rule: events strictly older than
// the last applied event are discarded (recorded, no-op).
func (s *Service) isStale(sub *models.Subscription, event *models.RemoteEvent) (bool, string) {
	if event.EventTimestamp.Before(sub.LastEventTimestamp) {
		return true, fmt.Sprintf("stale event discarded: event time %s older than %s",
			event.EventTimestamp.UTC().Format(time.RFC3339), sub.LastEventTimestamp.UTC().Format(time.RFC3339))
	}
	return false, ""
}

// recordNoOp writes the audit trail for a discarded or informational event
// and marks the remote event processed.
func (s *Service) recordNoOp(ctx context.Context, event *models.RemoteEvent, sub *models.Subscription, note string) error {
	audit := &models.SubscriptionEvent{
		SubscriptionID: sub.ID,
		Source:         models.SubscriptionEventSourceProvider,
		EventType:      event.Type,
		FromStatus:     sub.Status,
		ToStatus:       sub.Status,
		Message:        note,
		Version:        sub.Version,
	}
	if err := s.repo.AppendAuditEvent(ctx, audit); err != nil {
		return NewTransientError(err)
	}
	if err := s.repo.MarkEventProcessed(ctx, event.ID, note); err != nil {
		return NewTransientError(err)
	}
	return nil
}

// commitRemote persists an accepted remote transition: version +1, event time
// advanced, audit row appended and the remote event marked processed, all in
// one transaction.
func (s *Service) commitRemote(ctx context.Context, current, next *models.Subscription, event *models.RemoteEvent, invoice *models.SubscriptionInvoice, note string) error {
	next.Version = current.Version + 1
	next.LastEventTimestamp = event.EventTimestamp
	rec := &TransitionRecord{
		Subscription:    next,
		ExpectedVersion: current.Version,
		Audit: &models.SubscriptionEvent{
			SubscriptionID: next.ID,
			Source:         models.SubscriptionEventSourceProvider,
			EventType:      event.Type,
			FromStatus:     current.Status,
			ToStatus:       next.Status,
			Message:        note,
			Version:        next.Version,
		},
		Invoice:         invoice,
		RemoteEventID:   event.ID,
		RemoteEventNote: note,
	}
	if err := s.repo.CommitTransition(ctx, rec); err != nil {
		// A lost version race under the per-owner lock means another process
		// committed first; the sweep will re-drive this event.
		return NewTransientError(err)
	}
	return nil
}

func (s *Service) buildInvoice(sub *models.Subscription, d InvoiceData, status string, eventTime time.Time) (*models.SubscriptionInvoice, error) {
	if strings.TrimSpace(d.InvoiceRef) == "" {
		return nil, NewBusinessRuleError("invoice event without invoice ref")
	}
	amount := decimal.Zero
	if strings.TrimSpace(d.Amount) != "" {
		parsed, err := decimal.NewFromString(strings.TrimSpace(d.Amount))
		if err != nil {
			return nil, NewBusinessRuleError("invoice amount %q is not a number", d.Amount)
		}
		amount = parsed
	}
	currency := strings.ToUpper(strings.TrimSpace(d.Currency))
	if currency == "" {
		currency = "EUR"
	}
	invoice := &models.SubscriptionInvoice{
		SubscriptionID:     sub.ID,
		ExternalInvoiceRef: strings.TrimSpace(d.InvoiceRef),
		Status:             status,
		Amount:             amount,
		Currency:           currency,
	}
	if status == models.InvoiceStatusPaid {
		t := eventTime
		invoice.PaidAt = &t
	}
	return invoice, nil
}

func mapProviderStatus(status string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case models.SubscriptionStatusIncomplete,
		models.SubscriptionStatusTrialing,
		models.SubscriptionStatusActive,
		models.SubscriptionStatusPastDue,
		models.SubscriptionStatusPaused,
		models.SubscriptionStatusCanceled:
		return strings.ToLower(strings.TrimSpace(status)), true
	default:
		return "", false
	}
}

func unixTimePtr(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
