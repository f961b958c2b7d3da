package analytics

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/mietwerk/mietfox/app/models"
	"github.com/mietwerk/mietfox/internal/pkg/cache"
	"github.com/mietwerk/mietfox/internal/pkg/database"
	"github.com/mietwerk/mietfox/internal/pkg/plans"
)

const (
	CacheKeyOverview         = "analytics:billing:overview"
	CacheKeyPlanDistribution = "analytics:billing:plans"
	CacheExpiration          = 15 * time.Minute
)

// Overview is the billing dashboard snapshot. Derived purely from reconciled
// state; nothing here writes back.
type Overview struct {
	TotalSubscriptions int64            `json:"total_subscriptions"`
	ByStatus           map[string]int64 `json:"by_status"`
	Suspended          int64            `json:"suspended"`
	MonthlyRevenue     string           `json:"monthly_revenue"`
	PendingEvents      int64            `json:"pending_events"`
	QuarantinedEvents  int64            `json:"quarantined_events"`
	GeneratedAt        time.Time        `json:"generated_at"`
}

var (
	lastRefresh   time.Time
	refreshMutex  sync.Mutex
	refreshPeriod = 5 * time.Minute
)

// GetOverview serves the cached snapshot, recomputing when the cache is cold.
func GetOverview() (*Overview, error) {
	if raw, err := cache.Get(CacheKeyOverview); err == nil && raw != "" {
		var cached Overview
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			return &cached, nil
		}
	}
	return RefreshOverview()
}

// RefreshOverview recomputes the snapshot from the database and caches it.
func RefreshOverview() (*Overview, error) {
	db := database.GetDB()

	overview := &Overview{
		ByStatus:    make(map[string]int64),
		GeneratedAt: time.Now().UTC(),
	}

	if err := db.Model(&models.Subscription{}).Count(&overview.TotalSubscriptions).Error; err != nil {
		return nil, err
	}

	type statusCount struct {
		Status string
		Total  int64
	}
	var rows []statusCount
	if err := db.Model(&models.Subscription{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		overview.ByStatus[row.Status] = row.Total
	}

	if err := db.Model(&models.Subscription{}).
		Where("suspended = ?", true).
		Count(&overview.Suspended).Error; err != nil {
		return nil, err
	}

	mrr, err := computeMonthlyRevenue(db)
	if err != nil {
		return nil, err
	}
	overview.MonthlyRevenue = mrr.StringFixed(2)

	if err := db.Model(&models.RemoteEvent{}).
		Where("processing_status IN ?", []string{models.RemoteEventStatusPending, models.RemoteEventStatusFailed}).
		Count(&overview.PendingEvents).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.RemoteEvent{}).
		Where("processing_status = ?", models.RemoteEventStatusQuarantined).
		Count(&overview.QuarantinedEvents).Error; err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(overview); err == nil {
		if err := cache.Set(CacheKeyOverview, string(raw), CacheExpiration); err != nil {
			log.Warnf("[Analytics] could not cache overview: %v", err)
		}
	}
	return overview, nil
}

// GetPlanDistribution returns subscription counts per plan for paying states.
func GetPlanDistribution() (map[string]int64, error) {
	if raw, err := cache.Get(CacheKeyPlanDistribution); err == nil && raw != "" {
		var cached map[string]int64
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			return cached, nil
		}
	}

	db := database.GetDB()
	type planCount struct {
		PlanID string
		Total  int64
	}
	var rows []planCount
	if err := db.Model(&models.Subscription{}).
		Select("plan_id, COUNT(*) AS total").
		Where("status IN ?", payingStatuses()).
		Group("plan_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	distribution := make(map[string]int64, len(rows))
	for _, row := range rows {
		distribution[row.PlanID] = row.Total
	}

	if raw, err := json.Marshal(distribution); err == nil {
		if err := cache.Set(CacheKeyPlanDistribution, string(raw), CacheExpiration); err != nil {
			log.Warnf("[Analytics] could not cache plan distribution: %v", err)
		}
	}
	return distribution, nil
}

// RefreshIfStale recomputes the cached snapshot at most every refreshPeriod.
// Called opportunistically from the read endpoints.
func RefreshIfStale() {
	refreshMutex.Lock()
	defer refreshMutex.Unlock()
	if time.Since(lastRefresh) < refreshPeriod {
		return
	}
	if _, err := RefreshOverview(); err != nil {
		log.Errorf("[Analytics] overview refresh failed: %v", err)
		return
	}
	lastRefresh = time.Now()
}

// InvalidateCache drops the cached projections after bulk data changes.
func InvalidateCache() {
	if err := cache.Delete(CacheKeyOverview); err != nil {
		log.Warnf("[Analytics] could not invalidate overview cache: %v", err)
	}
	if err := cache.Delete(CacheKeyPlanDistribution); err != nil {
		log.Warnf("[Analytics] could not invalidate plan cache: %v", err)
	}
}

// MRRReport pairs observed monthly revenue with its forecast.
type MRRReport struct {
	History  []RevenuePoint `json:"history"`
	Forecast []RevenuePoint `json:"forecast"`
}

// GetMRRReport builds the monthly revenue waterfall over the last months and
// extends it by horizon forecast months.
func GetMRRReport(months, horizon int) (*MRRReport, error) {
	db := database.GetDB()

	now := time.Now().UTC()
	since := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -(months - 1), 0)
	var invoices []models.SubscriptionInvoice
	if err := db.Where("created_at >= ?", since).Find(&invoices).Error; err != nil {
		return nil, err
	}

	history := MRRWaterfall(invoices, months, now)
	return &MRRReport{
		History:  history,
		Forecast: ForecastMRR(history, horizon),
	}, nil
}

// GetCohorts reports retention per signup month across all subscriptions.
func GetCohorts() ([]CohortRow, error) {
	var subs []models.Subscription
	if err := database.GetDB().Find(&subs).Error; err != nil {
		return nil, err
	}
	return CohortRetention(subs), nil
}

// GetChurnRisk scores one owner's subscription. Failed invoices in the
// current period feed the score.
func GetChurnRisk(ownerID uint) (int, error) {
	db := database.GetDB()

	var sub models.Subscription
	if err := db.Where("owner_id = ?", ownerID).First(&sub).Error; err != nil {
		return 0, err
	}

	var failedInvoices int64
	if err := db.Model(&models.SubscriptionInvoice{}).
		Where("subscription_id = ?", sub.ID).
		Where("status = ?", models.InvoiceStatusFailed).
		Count(&failedInvoices).Error; err != nil {
		return 0, err
	}

	return ChurnRiskScore(&sub, int(failedInvoices), time.Now().UTC()), nil
}

// computeMonthlyRevenue sums catalog prices over subscriptions in paying
// states. Past-due counts; the invoice either clears or the subscription
// churns out of the sum on its own.
func computeMonthlyRevenue(db *gorm.DB) (decimal.Decimal, error) {
	type planCount struct {
		PlanID string
		Total  int64
	}
	var rows []planCount
	if err := db.Model(&models.Subscription{}).
		Select("plan_id, COUNT(*) AS total").
		Where("status IN ?", payingStatuses()).
		Group("plan_id").
		Scan(&rows).Error; err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, row := range rows {
		total = total.Add(plans.MonthlyPrice(row.PlanID).Mul(decimal.NewFromInt(row.Total)))
	}
	return total, nil
}

func payingStatuses() []string {
	return []string{
		models.SubscriptionStatusTrialing,
		models.SubscriptionStatusActive,
		models.SubscriptionStatusPastDue,
	}
}
