package analytics

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mietwerk/mietfox/app/models"
	"github.com/mietwerk/mietfox/internal/pkg/plans"
)

// Pure projection math. Everything in this file works on already-loaded rows,
// never touches the database and must tolerate gaps in the data (missing
// invoices, canceled rows without audit trail) without panicking.

// RevenuePoint is one month in a revenue series.
type RevenuePoint struct {
	Month  string          `json:"month"` // YYYY-MM
	Amount decimal.Decimal `json:"amount"`
}

// ChurnRiskScore estimates how likely a subscription is to churn, 0 (safe)
// to 100 (gone). Coarse heuristic for the admin dashboard, not a model.
func ChurnRiskScore(sub *models.Subscription, failedInvoices int, now time.Time) int {
	if sub == nil {
		return 0
	}
	if sub.Status == models.SubscriptionStatusCanceled {
		return 100
	}

	score := 0
	switch sub.Status {
	case models.SubscriptionStatusPastDue:
		score += 50
	case models.SubscriptionStatusPaused:
		score += 25
	case models.SubscriptionStatusIncomplete:
		score += 20
	}
	if sub.CancelAtPeriodEnd {
		score += 30
	}
	if failedInvoices > 0 {
		score += 10 * failedInvoices
	}
	if sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.Before(now) {
		score += 15
	}
	if score > 100 {
		score = 100
	}
	return score
}

// MRRWaterfall buckets paid invoice amounts into a contiguous monthly series
// ending at now. Months without any invoice appear with a zero amount.
func MRRWaterfall(invoices []models.SubscriptionInvoice, months int, now time.Time) []RevenuePoint {
	if months <= 0 {
		return nil
	}

	byMonth := make(map[string]decimal.Decimal)
	for _, inv := range invoices {
		if inv.Status != models.InvoiceStatusPaid {
			continue
		}
		t := inv.CreatedAt
		if inv.PaidAt != nil {
			t = *inv.PaidAt
		}
		key := t.UTC().Format("2006-01")
		byMonth[key] = byMonth[key].Add(inv.Amount)
	}

	series := make([]RevenuePoint, 0, months)
	cursor := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -(months - 1), 0)
	for i := 0; i < months; i++ {
		key := cursor.Format("2006-01")
		series = append(series, RevenuePoint{Month: key, Amount: byMonth[key]})
		cursor = cursor.AddDate(0, 1, 0)
	}
	return series
}

// CohortRow reports retention for one signup month.
type CohortRow struct {
	Cohort   string  `json:"cohort"` // YYYY-MM of signup
	Total    int     `json:"total"`
	Retained int     `json:"retained"`
	Rate     float64 `json:"rate"`
}

// CohortRetention groups subscriptions by signup month and reports how many
// are still in a non-terminal state.
func CohortRetention(subs []models.Subscription) []CohortRow {
	type bucket struct {
		total    int
		retained int
	}
	buckets := make(map[string]*bucket)
	for i := range subs {
		sub := &subs[i]
		key := sub.CreatedAt.UTC().Format("2006-01")
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		b.total++
		if !sub.IsTerminal() {
			b.retained++
		}
	}

	rows := make([]CohortRow, 0, len(buckets))
	for key, b := range buckets {
		rate := 0.0
		if b.total > 0 {
			rate = float64(b.retained) / float64(b.total)
		}
		rows = append(rows, CohortRow{Cohort: key, Total: b.total, Retained: b.retained, Rate: rate})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Cohort < rows[j].Cohort })
	return rows
}

// ForecastMRR extends a revenue series by horizon months using a least
// squares fit over the observed points. Empty history forecasts zero; the
// forecast never goes negative.
func ForecastMRR(history []RevenuePoint, horizon int) []RevenuePoint {
	if horizon <= 0 {
		return nil
	}

	n := len(history)
	forecast := make([]RevenuePoint, 0, horizon)
	if n == 0 {
		for i := 0; i < horizon; i++ {
			forecast = append(forecast, RevenuePoint{Month: "", Amount: decimal.Zero})
		}
		return forecast
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, p := range history {
		x := float64(i)
		y, _ := p.Amount.Float64()
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(n)
	slope := 0.0
	if denom := fn*sumXX - sumX*sumX; denom != 0 {
		slope = (fn*sumXY - sumX*sumY) / denom
	}
	intercept := (sumY - slope*sumX) / fn

	lastMonth, err := time.Parse("2006-01", history[n-1].Month)
	for i := 0; i < horizon; i++ {
		y := intercept + slope*float64(n+i)
		if y < 0 {
			y = 0
		}
		month := ""
		if err == nil {
			month = lastMonth.AddDate(0, i+1, 0).Format("2006-01")
		}
		forecast = append(forecast, RevenuePoint{Month: month, Amount: decimal.NewFromFloat(y).Round(2)})
	}
	return forecast
}

// PlanRevenueShare splits current monthly revenue across plans.
func PlanRevenueShare(distribution map[string]int64) map[string]decimal.Decimal {
	share := make(map[string]decimal.Decimal, len(distribution))
	for planID, count := range distribution {
		share[planID] = plans.MonthlyPrice(planID).Mul(decimal.NewFromInt(count))
	}
	return share
}
