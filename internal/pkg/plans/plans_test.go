package plans

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want Plan
	}{
		{in: "basic", want: PlanBasic},
		{in: "pro", want: PlanPro},
		{in: "portfolio", want: PlanPortfolio},
		{in: "PORTFOLIO", want: PlanPortfolio},
		{in: " pro ", want: PlanPro},
		{in: "invalid", want: PlanBasic},
		{in: "", want: PlanBasic},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLookupIsStrict(t *testing.T) {
	if _, ok := Lookup("enterprise_gold"); ok {
		t.Fatal("Lookup must not resolve unknown slugs")
	}
	if d, ok := Lookup("pro"); !ok || d.Slug != PlanPro {
		t.Fatalf("Lookup(pro) = %+v, %v", d, ok)
	}
}

func TestFromProviderRef(t *testing.T) {
	d, ok := FromProviderRef("price_pro_monthly")
	if !ok || d.Slug != PlanPro {
		t.Fatalf("FromProviderRef = %+v, %v", d, ok)
	}
	if _, ok := FromProviderRef("price_unknown"); ok {
		t.Fatal("unknown price ref resolved")
	}
}

func TestRank(t *testing.T) {
	if Rank("basic") >= Rank("pro") {
		t.Fatal("expected pro to outrank basic")
	}
	if Rank("pro") >= Rank("portfolio") {
		t.Fatal("expected portfolio to outrank pro")
	}
}

func TestMonthlyPrice(t *testing.T) {
	if MonthlyPrice("pro").IsZero() {
		t.Fatal("pro must have a price")
	}
	if !MonthlyPrice("enterprise_gold").IsZero() {
		t.Fatal("unknown plan must price at zero")
	}
}
