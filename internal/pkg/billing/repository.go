package billing

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mietwerk/mietfox/app/models"
)

// TransitionRecord bundles everything a single accepted transition writes:
// the new subscription row guarded by the version read before mutation, the
// audit event, an optional invoice projection, an optional admin action row,
// and the remote event row to mark processed. Committed in one transaction.
type TransitionRecord struct {
	Subscription    *models.Subscription
	ExpectedVersion int64
	Audit           *models.SubscriptionEvent
	Invoice         *models.SubscriptionInvoice
	AdminAction     *models.AdminAction
	RemoteEventID   uint
	RemoteEventNote string
}

// Repository provides DB operations used by the reconciliation engine. Every
// method takes the caller's context so the per-event deadline cancels a hung
// driver call instead of being decorative.
type Repository interface {
	CreateRemoteEventIfNotExists(ctx context.Context, event *models.RemoteEvent) (bool, *models.RemoteEvent, error)
	BeginEventAttempt(ctx context.Context, id uint, now time.Time) (int, error)
	MarkEventProcessed(ctx context.Context, id uint, note string) error
	MarkEventFailed(ctx context.Context, id uint, errMsg string) error
	MarkEventQuarantined(ctx context.Context, id uint, errMsg string) error
	ListRetryableEvents(ctx context.Context, maxAttempts, limit int, backoffUnit time.Duration, now time.Time) ([]models.RemoteEvent, error)
	ListExhaustedEvents(ctx context.Context, maxAttempts, limit int) ([]models.RemoteEvent, error)
	PurgeProcessedEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	GetSubscriptionByOwner(ctx context.Context, ownerID uint) (*models.Subscription, error)
	GetSubscriptionByExternalRef(ctx context.Context, externalSubscriptionRef string) (*models.Subscription, error)
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	CommitTransition(ctx context.Context, rec *TransitionRecord) error

	AppendAuditEvent(ctx context.Context, event *models.SubscriptionEvent) error
	CreateAdminAction(ctx context.Context, action *models.AdminAction) error
	UpsertInvoice(ctx context.Context, invoice *models.SubscriptionInvoice) error
	ListSubscriptionEvents(ctx context.Context, subscriptionID uint, limit int) ([]models.SubscriptionEvent, error)
	ListAddons(ctx context.Context, subscriptionID uint) ([]models.AddonSubscription, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) CreateRemoteEventIfNotExists(ctx context.Context, event *models.RemoteEvent) (bool, *models.RemoteEvent, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_event_id"}},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.RemoteEvent
	if err := r.db.WithContext(ctx).Where("external_event_id = ?", event.ExternalEventID).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) BeginEventAttempt(ctx context.Context, id uint, now time.Time) (int, error) {
	if err := r.db.WithContext(ctx).Model(&models.RemoteEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"attempts":        gorm.Expr("attempts + 1"),
		"last_attempt_at": now,
	}).Error; err != nil {
		return 0, err
	}
	var event models.RemoteEvent
	if err := r.db.WithContext(ctx).Select("attempts").First(&event, id).Error; err != nil {
		return 0, err
	}
	return event.Attempts, nil
}

func (r *gormRepository) setEventStatus(ctx context.Context, id uint, status, msg string) error {
	return r.db.WithContext(ctx).Model(&models.RemoteEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"processing_status": status,
		"last_error":        msg,
	}).Error
}

func (r *gormRepository) MarkEventProcessed(ctx context.Context, id uint, note string) error {
	return r.setEventStatus(ctx, id, models.RemoteEventStatusProcessed, note)
}

func (r *gormRepository) MarkEventFailed(ctx context.Context, id uint, errMsg string) error {
	return r.setEventStatus(ctx, id, models.RemoteEventStatusFailed, errMsg)
}

func (r *gormRepository) MarkEventQuarantined(ctx context.Context, id uint, errMsg string) error {
	return r.setEventStatus(ctx, id, models.RemoteEventStatusQuarantined, errMsg)
}

// ListRetryableEvents selects pending/failed events within the retry budget
// whose linear backoff has elapsed, oldest event time first so the staleness
// ordering is preserved as far as redelivery allows.
func (r *gormRepository) ListRetryableEvents(ctx context.Context, maxAttempts, limit int, backoffUnit time.Duration, now time.Time) ([]models.RemoteEvent, error) {
	var events []models.RemoteEvent
	err := r.db.WithContext(ctx).
		Where("processing_status IN ?", []string{models.RemoteEventStatusPending, models.RemoteEventStatusFailed}).
		Where("attempts < ?", maxAttempts).
		Where("last_attempt_at IS NULL OR last_attempt_at <= DATE_SUB(?, INTERVAL attempts * ? SECOND)", now, int64(backoffUnit.Seconds())).
		Order("event_timestamp ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *gormRepository) ListExhaustedEvents(ctx context.Context, maxAttempts, limit int) ([]models.RemoteEvent, error) {
	var events []models.RemoteEvent
	err := r.db.WithContext(ctx).
		Where("processing_status IN ?", []string{models.RemoteEventStatusPending, models.RemoteEventStatusFailed}).
		Where("attempts >= ?", maxAttempts).
		Order("event_timestamp ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *gormRepository) PurgeProcessedEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).
		Where("processing_status = ?", models.RemoteEventStatusProcessed).
		Where("received_at < ?", cutoff).
		Delete(&models.RemoteEvent{})
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) GetSubscriptionByOwner(ctx context.Context, ownerID uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetSubscriptionByExternalRef(ctx context.Context, externalSubscriptionRef string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("external_subscription_ref = ?", externalSubscriptionRef).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

// CommitTransition applies a versioned subscription update together with its
// audit, projection and event-status side effects in a single transaction.
// A zero-row version-guarded update aborts with a concurrent modification
// error; nothing is partially committed.
func (r *gormRepository) CommitTransition(ctx context.Context, rec *TransitionRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Subscription{}).
			Where("id = ? AND version = ?", rec.Subscription.ID, rec.ExpectedVersion).
			Updates(map[string]interface{}{
				"plan_id":                   rec.Subscription.PlanID,
				"status":                    rec.Subscription.Status,
				"current_period_start":      rec.Subscription.CurrentPeriodStart,
				"current_period_end":        rec.Subscription.CurrentPeriodEnd,
				"cancel_at_period_end":      rec.Subscription.CancelAtPeriodEnd,
				"pause_until":               rec.Subscription.PauseUntil,
				"suspended":                 rec.Subscription.Suspended,
				"price_change_accepted":     rec.Subscription.PriceChangeAccepted,
				"external_customer_ref":     rec.Subscription.ExternalCustomerRef,
				"external_subscription_ref": rec.Subscription.ExternalSubscriptionRef,
				"version":                   rec.Subscription.Version,
				"last_event_timestamp":      rec.Subscription.LastEventTimestamp,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return NewConcurrentModificationError(rec.Subscription.ID)
		}

		if rec.Audit != nil {
			if err := tx.Create(rec.Audit).Error; err != nil {
				return err
			}
		}
		if rec.Invoice != nil {
			if err := upsertInvoiceTx(tx, rec.Invoice); err != nil {
				return err
			}
		}
		if rec.AdminAction != nil {
			if err := tx.Create(rec.AdminAction).Error; err != nil {
				return err
			}
		}
		if rec.RemoteEventID != 0 {
			if err := tx.Model(&models.RemoteEvent{}).Where("id = ?", rec.RemoteEventID).Updates(map[string]interface{}{
				"processing_status": models.RemoteEventStatusProcessed,
				"last_error":        rec.RemoteEventNote,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *gormRepository) AppendAuditEvent(ctx context.Context, event *models.SubscriptionEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *gormRepository) CreateAdminAction(ctx context.Context, action *models.AdminAction) error {
	return r.db.WithContext(ctx).Create(action).Error
}

func (r *gormRepository) UpsertInvoice(ctx context.Context, invoice *models.SubscriptionInvoice) error {
	return upsertInvoiceTx(r.db.WithContext(ctx), invoice)
}

func upsertInvoiceTx(tx *gorm.DB, invoice *models.SubscriptionInvoice) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "external_invoice_ref"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status",
			"amount",
			"currency",
			"paid_at",
			"updated_at",
		}),
	}).Create(invoice).Error
}

func (r *gormRepository) ListAddons(ctx context.Context, subscriptionID uint) ([]models.AddonSubscription, error) {
	var addons []models.AddonSubscription
	err := r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("addon_id ASC").
		Find(&addons).Error
	return addons, err
}

func (r *gormRepository) ListSubscriptionEvents(ctx context.Context, subscriptionID uint, limit int) ([]models.SubscriptionEvent, error) {
	var events []models.SubscriptionEvent
	err := r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
