package billing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mietwerk/mietfox/app/models"
)

type fakeProvider struct {
	calls []string
	err   error
}

func (p *fakeProvider) ChangeSubscriptionPrice(_ context.Context, subscriptionRef, priceRef string) error {
	p.calls = append(p.calls, subscriptionRef+"/"+priceRef)
	return p.err
}

func newTestStack() (*fakeRepository, *fakeProvider, *Service, *Dispatcher) {
	repo := newFakeRepository()
	provider := &fakeProvider{}
	service := NewService(repo, provider)
	dispatcher := NewDispatcher(service, repo)
	return repo, provider, service, dispatcher
}

func storeEvent(t *testing.T, repo *fakeRepository, extID, typ string, eventTime time.Time, data map[string]interface{}) *models.RemoteEvent {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal event data: %v", err)
	}
	event := &models.RemoteEvent{
		ExternalEventID:  extID,
		Type:             typ,
		Payload:          string(raw),
		EventTimestamp:   eventTime,
		ReceivedAt:       time.Now().UTC(),
		ProcessingStatus: models.RemoteEventStatusPending,
	}
	created, stored, err := repo.CreateRemoteEventIfNotExists(context.Background(), event)
	if err != nil {
		t.Fatalf("store event: %v", err)
	}
	if !created {
		t.Fatalf("event %s already stored", extID)
	}
	return stored
}

func mustDispatch(t *testing.T, d *Dispatcher, event *models.RemoteEvent) {
	t.Helper()
	if err := d.Dispatch(context.Background(), event); err != nil {
		t.Fatalf("dispatch %s: %v", event.ExternalEventID, err)
	}
}

func eventTime(sec int64) time.Time {
	return time.Unix(1700000000+sec, 0).UTC()
}

func checkoutData(owner uint, subRef, plan string, trialDays int) map[string]interface{} {
	return map[string]interface{}{
		"owner_id":     owner,
		"customer":     "cus_100",
		"subscription": subRef,
		"plan":         plan,
		"trial_days":   trialDays,
		"period_start": 1700000000,
		"period_end":   1702592000,
	}
}

func TestCheckoutProvisionsSubscription(t *testing.T) {
	repo, _, _, dispatcher := newTestStack()

	ev := storeEvent(t, repo, "evt_1", EventCheckoutCompleted, eventTime(1), checkoutData(7, "sub_abc", "pro", 14))
	mustDispatch(t, dispatcher, ev)

	sub := repo.subscriptionByOwner(7)
	if sub == nil {
		t.Fatal("subscription was not created")
	}
	if sub.Status != models.SubscriptionStatusTrialing {
		t.Fatalf("status = %q, want trialing", sub.Status)
	}
	if sub.PlanID != "pro" {
		t.Fatalf("plan = %q, want pro", sub.PlanID)
	}
	if sub.ExternalSubscriptionRef != "sub_abc" {
		t.Fatalf("external ref = %q, want sub_abc", sub.ExternalSubscriptionRef)
	}
	if sub.Version != 1 {
		t.Fatalf("version = %d, want 1", sub.Version)
	}
	if got := repo.eventByExternalID("evt_1").ProcessingStatus; got != models.RemoteEventStatusProcessed {
		t.Fatalf("event status = %q, want processed", got)
	}
}

func TestCheckoutWithoutTrialActivates(t *testing.T) {
	repo, _, _, dispatcher := newTestStack()

	ev := storeEvent(t, repo, "evt_1", EventCheckoutCompleted, eventTime(1), checkoutData(7, "sub_abc", "basic", 0))
	mustDispatch(t, dispatcher, ev)

	if got := repo.subscriptionByOwner(7).Status; got != models.SubscriptionStatusActive {
		t.Fatalf("status = %q, want active", got)
	}
}

func TestStalenessOrderingLastEventTimeWins(t *testing.T) {
	repo, _, _, dispatcher := newTestStack()

	mustDispatch(t, dispatcher, storeEvent(t, repo, "evt_1", EventCheckoutCompleted, eventTime(1), checkoutData(7, "sub_abc", "basic", 0)))

	// newer event first
	mustDispatch(t, dispatcher, storeEvent(t, repo, "evt_2", EventSubscriptionUpdated, eventTime(10), map[string]interface{}{
		"subscription": "sub_abc",
		"status":       "active",
	}))
	// then the older one arrives late
	mustDispatch(t, dispatcher, storeEvent(t, repo, "evt_3", EventSubscriptionUpdated, eventTime(5), map[string]interface{}{
		"subscription": "sub_abc",
		"status":       "past_due",
	}))

	sub := repo.subscriptionByOwner(7)
	if sub.Status != models.SubscriptionStatusActive {
		t.Fatalf("status = %q, want active (stale past_due must be discarded)", sub.Status)
	}
	// stale event is still recorded as processed, with an audit row
	if got := repo.eventByExternalID("evt_3").ProcessingStatus; got != models.RemoteEventStatusProcessed {
		t.Fatalf("stale event status = %q, want processed", got)
	}
	if sub.Version != 2 {
		t.Fatalf("version = %d, want 2 (stale event must not bump)", sub.Version)
	}
}

func TestEqualTimestampIsAccepted(t *testing.T) {
	repo, _, _, dispatcher := newTestStack()

	mustDispatch(t, dispatcher, storeEvent(t, repo, "evt_1", EventCheckoutCompleted, eventTime(5), checkoutData(7, "sub_abc", "basic", 0)))
	mustDispatch(t, dispatcher, storeEvent(t, repo, "evt_2", EventSubscriptionUpdated, eventTime(5), map[string]interface{}{
		"subscription": "sub_abc",
		"status":       "past_due",
	}))

	if got := repo.subscriptionByOwner(7).Status; got != models.SubscriptionStatusPastDue {
		t.Fatalf("status = %q, want past_due (equal timestamps are not stale)", got)
	}
}

func TestVersionMonotonicity(t *testing.T) {
	repo, _, _, dispatcher := newTestStack()

	mustDispatch(t, dispatcher, storeEvent(t, repo, "evt_0", EventCheckoutCompleted, eventTime(0), checkoutData(7, "sub_abc", "basic", 0)))
	statuses := []string{"past_due", "active", "paused", "active"}
	for i, status := range statuses {
		mustDispatch(t, dispatcher, storeEvent(t, repo, "evt_"+status+"_"+string(rune('a'+i)), EventSubscriptionUpdated, eventTime(int64(i+1)), map[string]interface{}{
			"subscription": "sub_abc",
			"status":       status,
		}))
	}

	if got := repo.subscriptionByOwner(7).Version; got != int64(1+len(statuses)) {
		t.Fatalf("version = %d, want %d (one increment per accepted transition)", got, 1+len(statuses))
	}
}

func TestPausedStatusCarriesPauseUntil(t *testing.T) {
	repo, _, _, dispatcher := newTestStack()

	mustDispatch(t, dispatcher, storeEvent(t, repo, "evt_1", EventCheckoutCompleted, eventTime(1), checkoutData(7, "sub_abc", "basic", 0)))
	until := int64(1705000000)
	mustDispatch(t, dispatcher, storeEvent(t, repo, "evt_2", EventSubscriptionUpdated, eventTime(2), map[string]interface{}{
		"subscription": "sub_abc",
		"status":       "paused",
		"pause_until":  until,
	}))

	sub := repo.subscriptionByOwner(7)
	if sub.Status != models.SubscriptionStatusPaused {
		t.Fatalf("status = %q, want paused", sub.Status)
	}
	if sub.PauseUntil == nil || sub.PauseUntil.Unix() != until {
		t.Fatalf("pause_until = %v, want %d", sub.PauseUntil, until)
	}

	mustDispatch(t, dispatcher, storeEvent(t, repo, "evt_3", EventSubscriptionUpdated, eventTime(3), map[string]interface{}{
		"subscription": "sub_abc",
		"status":       "active",
	}))
	if sub = repo.subscriptionByOwner(7); sub.PauseUntil != nil {
		t.Fatalf("pause_until = %v, want cleared after resume", sub.PauseUntil)
	}
}

func TestInvoicePaidClearsPastDue(t *testing.T) {
	repo, _, _, dispatcher := newTestStack()

	mustDispatch(t, dispatcher, storeEvent(t, repo, "evt_1", EventCheckoutCompleted, eventTime(1), checkoutData(7, "sub_abc", "basic", 0)))
	mustDispatch(t, dispatcher, storeEvent(t, repo, "evt_2", EventInvoicePaymentFailed, eventTime(2), map[string]interface{}{
		"subscription": "sub_abc",
		"invoice":      "inv_1",
		"amount":       "9.00",
		"currency":     "EUR",
	}))
	if got := repo.subscriptionByOwner(7).Status; got != models.SubscriptionStatusPastDue {
		t.Fatalf("status = %q, want past_due", got)
	}

	mustDispatch(t, dispatcher, storeEvent(t, repo, "evt_3", EventInvoicePaid, eventTime(3), map[string]interface{}{
		"subscription": "sub_abc",
		"invoice":      "inv_2",
		"amount":       "9.00",
		"currency":     "EUR",
	}))
	if got := repo.subscriptionByOwner(7).Status; got != models.SubscriptionStatusActive {
		t.Fatalf("status = %q, want active", got)
	}
	if repo.invoices["inv_1"] == nil || repo.invoices["inv_2"] == nil {
		t.Fatal("invoice projections missing")
	}
	if repo.invoices["inv_1"].Status != models.InvoiceStatusFailed {
		t.Fatalf("inv_1 status = %q, want failed", repo.invoices["inv_1"].Status)
	}
}

func TestInformationalInvoiceDoesNotBumpVersion(t *testing.T) {
	repo, _, _, dispatcher := newTestStack()

	mustDispatch(t, dispatcher, storeEvent(t, repo, "evt_1", EventCheckoutCompleted, eventTime(1), checkoutData(7, "sub_abc", "basic", 0)))
	before := repo.subscriptionByOwner(7).Version

	// paid invoice while already active: projection only
	mustDispatch(t, dispatcher, storeEvent(t, repo, "evt_2", EventInvoicePaid, eventTime(2), map[string]interface{}{
		"subscription": "sub_abc",
		"invoice":      "inv_1",
		"amount":       "9.00",
		"currency":     "EUR",
	}))

	sub := repo.subscriptionByOwner(7)
	if sub.Version != before {
		t.Fatalf("version = %d, want unchanged %d", sub.Version, before)
	}
	if repo.invoices["inv_1"] == nil {
		t.Fatal("invoice projection missing")
	}
	if got := repo.eventByExternalID("evt_2").ProcessingStatus; got != models.RemoteEventStatusProcessed {
		t.Fatalf("event status = %q, want processed", got)
	}
}

func TestAdminSuspendSurvivesInvoicePaid(t *testing.T) {
	repo, _, service, dispatcher := newTestStack()

	mustDispatch(t, dispatcher, storeEvent(t, repo, "evt_1", EventCheckoutCompleted, eventTime(1), checkoutData(7, "sub_abc", "basic", 0)))
	mustDispatch(t, dispatcher, storeEvent(t, repo, "evt_2", EventInvoicePaymentFailed, eventTime(2), map[string]interface{}{
		"subscription": "sub_abc", "invoice": "inv_1", "amount": "9.00",
	}))

	if _, err := service.ApplyAdminAction(context.Background(), AdminActionInput{
		ActorID:    1,
		OwnerID:    7,
		ActionType: models.AdminActionSuspend,
		Reason:     "chargeback investigation",
	}); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	mustDispatch(t, dispatcher, storeEvent(t, repo, "evt_3", EventInvoicePaid, eventTime(3), map[string]interface{}{
		"subscription": "sub_abc", "invoice": "inv_2", "amount": "9.00",
	}))

	sub := repo.subscriptionByOwner(7)
	if sub.Status != models.SubscriptionStatusActive {
		t.Fatalf("status = %q, want active", sub.Status)
	}
	if !sub.Suspended {
		t.Fatal("suspended flag was cleared by a remote event; only unsuspend may clear it")
	}

	if _, err := service.ApplyAdminAction(context.Background(), AdminActionInput{
		ActorID:    1,
		OwnerID:    7,
		ActionType: models.AdminActionUnsuspend,
		Reason:     "investigation closed",
	}); err != nil {
		t.Fatalf("unsuspend: %v", err)
	}
	if repo.subscriptionByOwner(7).Suspended {
		t.Fatal("unsuspend did not clear the flag")
	}
}

func TestGiftDaysExtendsPeriodEnd(t *testing.T) {
	repo, _, service, dispatcher := newTestStack()

	mustDispatch(t, dispatcher, storeEvent(t, repo, "evt_1", EventCheckoutCompleted, eventTime(1), checkoutData(7, "sub_abc", "basic", 0)))
	before := repo.subscriptionByOwner(7)

	sub, err := service.ApplyAdminAction(context.Background(), AdminActionInput{
		ActorID:    1,
		OwnerID:    7,
		ActionType: models.AdminActionGiftDays,
		Days:       30,
		Reason:     "compensation for outage",
	})
	if err != nil {
		t.Fatalf("gift_days: %v", err)
	}
	if sub.Status != before.Status {
		t.Fatalf("status changed from %q to %q; gift_days must not touch status", before.Status, sub.Status)
	}
	want := before.CurrentPeriodEnd.Add(30 * 24 * time.Hour)
	if sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.Equal(want) {
		t.Fatalf("period end = %v, want %v", sub.CurrentPeriodEnd, want)
	}
	if sub.Version != before.Version+1 {
		t.Fatalf("version = %d, want %d", sub.Version, before.Version+1)
	}
}

func TestAdminReasonIsMandatory(t *testing.T) {
	_, _, service, _ := newTestStack()

	_, err := service.ApplyAdminAction(context.Background(), AdminActionInput{
		ActorID:    1,
		OwnerID:    7,
		ActionType: models.AdminActionSuspend,
		Reason:     "short",
	})
	if KindOf(err) != ErrKindBusinessRule {
		t.Fatalf("err = %v, want business rule violation for a too-short reason", err)
	}
}

func TestOverridePlanCallsProviderFirst(t *testing.T) {
	repo, provider, service, dispatcher := newTestStack()

	mustDispatch(t, dispatcher, storeEvent(t, repo, "evt_1", EventCheckoutCompleted, eventTime(1), checkoutData(7, "sub_abc", "basic", 0)))

	sub, err := service.ApplyAdminAction(context.Background(), AdminActionInput{
		ActorID:    1,
		OwnerID:    7,
		ActionType: models.AdminActionOverridePlan,
		PlanSlug:   "portfolio",
		Reason:     "enterprise customer upgrade",
	})
	if err != nil {
		t.Fatalf("override_plan: %v", err)
	}
	if sub.PlanID != "portfolio" {
		t.Fatalf("plan = %q, want portfolio", sub.PlanID)
	}
	if len(provider.calls) != 1 || provider.calls[0] != "sub_abc/price_portfolio_monthly" {
		t.Fatalf("provider calls = %v, want one price change for sub_abc", provider.calls)
	}
}

func TestOverridePlanRemoteFailureRollsBack(t *testing.T) {
	repo, provider, service, dispatcher := newTestStack()

	mustDispatch(t, dispatcher, storeEvent(t, repo, "evt_1", EventCheckoutCompleted, eventTime(1), checkoutData(7, "sub_abc", "basic", 0)))
	provider.err = errors.New("provider is down")

	_, err := service.ApplyAdminAction(context.Background(), AdminActionInput{
		ActorID:    1,
		OwnerID:    7,
		ActionType: models.AdminActionOverridePlan,
		PlanSlug:   "portfolio",
		Reason:     "enterprise customer upgrade",
	})
	if KindOf(err) != ErrKindRemoteCommandFailure {
		t.Fatalf("err = %v, want remote command failure", err)
	}

	sub := repo.subscriptionByOwner(7)
	if sub.PlanID != "basic" {
		t.Fatalf("plan = %q, want basic (local change must roll back)", sub.PlanID)
	}

	// the failed attempt is still recorded
	var failed *models.AdminAction
	for i := range repo.actions {
		if !repo.actions[i].Succeeded {
			failed = &repo.actions[i]
		}
	}
	if failed == nil || failed.ActionType != models.AdminActionOverridePlan {
		t.Fatal("failed override_plan attempt was not recorded")
	}
}

func TestAdminConcurrentModification(t *testing.T) {
	repo, _, service, dispatcher := newTestStack()

	mustDispatch(t, dispatcher, storeEvent(t, repo, "evt_1", EventCheckoutCompleted, eventTime(1), checkoutData(7, "sub_abc", "basic", 0)))
	repo.failCommit = NewConcurrentModificationError(1)

	_, err := service.ApplyAdminAction(context.Background(), AdminActionInput{
		ActorID:    1,
		OwnerID:    7,
		ActionType: models.AdminActionSuspend,
		Reason:     "chargeback investigation",
	})
	if KindOf(err) != ErrKindConcurrentModification {
		t.Fatalf("err = %v, want concurrent modification", err)
	}
}

func TestAdminFailedCommitIsAudited(t *testing.T) {
	repo, _, service, dispatcher := newTestStack()

	mustDispatch(t, dispatcher, storeEvent(t, repo, "evt_1", EventCheckoutCompleted, eventTime(1), checkoutData(7, "sub_abc", "basic", 0)))
	repo.failCommit = NewConcurrentModificationError(1)

	_, err := service.ApplyAdminAction(context.Background(), AdminActionInput{
		ActorID:    1,
		OwnerID:    7,
		ActionType: models.AdminActionSuspend,
		Reason:     "chargeback investigation",
	})
	if KindOf(err) != ErrKindConcurrentModification {
		t.Fatalf("err = %v, want concurrent modification", err)
	}

	// even a lost commit race leaves a trace of the attempt
	var failed *models.AdminAction
	for i := range repo.actions {
		if !repo.actions[i].Succeeded {
			failed = &repo.actions[i]
		}
	}
	if failed == nil {
		t.Fatal("failed suspend attempt was not recorded")
	}
	if failed.ActionType != models.AdminActionSuspend {
		t.Fatalf("recorded action type = %q, want suspend", failed.ActionType)
	}

	var audited bool
	for _, audit := range repo.audits {
		if audit.EventType == "admin.suspend.failed" {
			audited = true
		}
	}
	if !audited {
		t.Fatal("no audit event for the failed suspend attempt")
	}
}

func TestAcceptPriceChange(t *testing.T) {
	repo, _, service, dispatcher := newTestStack()

	mustDispatch(t, dispatcher, storeEvent(t, repo, "evt_1", EventCheckoutCompleted, eventTime(1), checkoutData(7, "sub_abc", "basic", 0)))

	sub, err := service.ApplyAdminAction(context.Background(), AdminActionInput{
		ActorID:    1,
		OwnerID:    7,
		ActionType: models.AdminActionAcceptPriceChange,
		Reason:     "owner confirmed by mail",
	})
	if err != nil {
		t.Fatalf("accept_price_change: %v", err)
	}
	if !sub.PriceChangeAccepted {
		t.Fatal("price change acceptance was not persisted")
	}
}

func TestCheckoutUnknownPlanQuarantines(t *testing.T) {
	repo, _, _, dispatcher := newTestStack()

	ev := storeEvent(t, repo, "evt_1", EventCheckoutCompleted, eventTime(1), checkoutData(7, "sub_abc", "enterprise_gold", 0))
	if err := dispatcher.Dispatch(context.Background(), ev); KindOf(err) != ErrKindBusinessRule {
		t.Fatalf("err = %v, want business rule violation", err)
	}
	if got := repo.eventByExternalID("evt_1").ProcessingStatus; got != models.RemoteEventStatusQuarantined {
		t.Fatalf("event status = %q, want quarantined", got)
	}
}

func TestEndToEndLifecycle(t *testing.T) {
	repo, _, service, dispatcher := newTestStack()

	mustDispatch(t, dispatcher, storeEvent(t, repo, "e1", EventCheckoutCompleted, eventTime(1), checkoutData(7, "sub_abc", "pro", 14)))
	if got := repo.subscriptionByOwner(7).Status; got != models.SubscriptionStatusTrialing {
		t.Fatalf("after checkout: status = %q, want trialing", got)
	}

	mustDispatch(t, dispatcher, storeEvent(t, repo, "e2", EventInvoicePaymentFailed, eventTime(2), map[string]interface{}{
		"subscription": "sub_abc", "invoice": "inv_1", "amount": "29.00",
	}))
	if got := repo.subscriptionByOwner(7).Status; got != models.SubscriptionStatusPastDue {
		t.Fatalf("after payment failure: status = %q, want past_due", got)
	}

	mustDispatch(t, dispatcher, storeEvent(t, repo, "e3", EventInvoicePaid, eventTime(3), map[string]interface{}{
		"subscription": "sub_abc", "invoice": "inv_2", "amount": "29.00",
	}))
	if got := repo.subscriptionByOwner(7).Status; got != models.SubscriptionStatusActive {
		t.Fatalf("after payment: status = %q, want active", got)
	}

	beforeGift := repo.subscriptionByOwner(7)
	sub, err := service.ApplyAdminAction(context.Background(), AdminActionInput{
		ActorID: 1, OwnerID: 7, ActionType: models.AdminActionGiftDays, Days: 30, Reason: "goodwill after downtime",
	})
	if err != nil {
		t.Fatalf("gift_days: %v", err)
	}
	if sub.Status != models.SubscriptionStatusActive {
		t.Fatalf("after gift: status = %q, want active", sub.Status)
	}
	if !sub.CurrentPeriodEnd.Equal(beforeGift.CurrentPeriodEnd.Add(30 * 24 * time.Hour)) {
		t.Fatal("gift_days did not extend the period end")
	}

	mustDispatch(t, dispatcher, storeEvent(t, repo, "e4", EventSubscriptionDeleted, eventTime(4), map[string]interface{}{
		"subscription": "sub_abc",
	}))
	if got := repo.subscriptionByOwner(7).Status; got != models.SubscriptionStatusCanceled {
		t.Fatalf("after delete: status = %q, want canceled", got)
	}

	// newer than the delete, fine by the timestamp rule, but canceled is
	// absorbing: the terminal guard must reject it
	mustDispatch(t, dispatcher, storeEvent(t, repo, "e5", EventSubscriptionUpdated, eventTime(5), map[string]interface{}{
		"subscription": "sub_abc", "status": "active",
	}))
	final := repo.subscriptionByOwner(7)
	if final.Status != models.SubscriptionStatusCanceled {
		t.Fatalf("terminal guard failed: status = %q, want canceled", final.Status)
	}
	if got := repo.eventByExternalID("e5").ProcessingStatus; got != models.RemoteEventStatusProcessed {
		t.Fatalf("post-cancel event status = %q, want processed (recorded no-op)", got)
	}
}
