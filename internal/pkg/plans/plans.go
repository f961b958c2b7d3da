package plans

import (
	"strings"

	"github.com/shopspring/decimal"
)

type Plan string

const (
	PlanBasic     Plan = "basic"
	PlanPro       Plan = "pro"
	PlanPortfolio Plan = "portfolio"
)

// Definition describes a bookable plan and its provider-side price reference.
type Definition struct {
	Slug             Plan
	ProviderPriceRef string
	MonthlyPrice     decimal.Decimal
	MaxUnits         int
}

var catalog = map[Plan]Definition{
	PlanBasic: {
		Slug:             PlanBasic,
		ProviderPriceRef: "price_basic_monthly",
		MonthlyPrice:     decimal.NewFromInt(9),
		MaxUnits:         3,
	},
	PlanPro: {
		Slug:             PlanPro,
		ProviderPriceRef: "price_pro_monthly",
		MonthlyPrice:     decimal.NewFromInt(29),
		MaxUnits:         20,
	},
	PlanPortfolio: {
		Slug:             PlanPortfolio,
		ProviderPriceRef: "price_portfolio_monthly",
		MonthlyPrice:     decimal.NewFromInt(79),
		MaxUnits:         200,
	},
}

// Lookup resolves a plan slug to its definition. Unlike Normalize it does
// not default unknown input to basic.
func Lookup(slug string) (Definition, bool) {
	d, ok := catalog[Plan(strings.ToLower(strings.TrimSpace(slug)))]
	return d, ok
}

// FromProviderRef resolves a provider price reference to its plan definition.
func FromProviderRef(priceRef string) (Definition, bool) {
	priceRef = strings.TrimSpace(priceRef)
	for _, d := range catalog {
		if d.ProviderPriceRef == priceRef {
			return d, true
		}
	}
	return Definition{}, false
}

// Normalize maps arbitrary input onto a known plan slug, defaulting to basic.
func Normalize(slug string) Plan {
	switch Plan(strings.ToLower(strings.TrimSpace(slug))) {
	case PlanPro:
		return PlanPro
	case PlanPortfolio:
		return PlanPortfolio
	default:
		return PlanBasic
	}
}

// Rank orders plans for comparisons; higher is better.
func Rank(slug string) int {
	switch Normalize(slug) {
	case PlanPortfolio:
		return 2
	case PlanPro:
		return 1
	default:
		return 0
	}
}

// MonthlyPrice returns the monthly price for a plan, zero if unknown.
func MonthlyPrice(slug string) decimal.Decimal {
	if d, ok := Lookup(slug); ok {
		return d.MonthlyPrice
	}
	return decimal.Zero
}
