package domain

import "math"

// TotalsEpsilon is the tolerance used when comparing a persisted aggregate
// against a freshly computed one.
const TotalsEpsilon = 0.01

type Totals struct {
	TotalQuantity float64 `json:"total_quantity"`
	TotalAmount   float64 `json:"total_amount"`
	TotalProfit   float64 `json:"total_profit"`
	ProductCount  int     `json:"product_count"`
}

func ComputeTotals(products []Product) Totals {
	var t Totals
	for _, p := range products {
		t.TotalQuantity += p.TotalQuantity
		t.TotalAmount += p.TotalAmount
		t.TotalProfit += p.ProfitPerPiece * p.TotalQuantity
	}
	t.ProductCount = len(products)
	return t
}

func (t Totals) Patch() BillPatch {
	return BillPatch{
		TotalQuantity: &t.TotalQuantity,
		TotalAmount:   &t.TotalAmount,
		TotalProfit:   &t.TotalProfit,
		ProductCount:  &t.ProductCount,
	}
}

func BillTotals(b Bill) Totals {
	return Totals{
		TotalQuantity: b.TotalQuantity,
		TotalAmount:   b.TotalAmount,
		TotalProfit:   b.TotalProfit,
		ProductCount:  b.ProductCount,
	}
}

type FieldDrift struct {
	Field    string  `json:"field"`
	Stored   float64 `json:"stored"`
	Computed float64 `json:"computed"`
}

type TotalsCheck struct {
	BillID   string       `json:"bill_id"`
	Stored   Totals       `json:"stored"`
	Computed Totals       `json:"computed"`
	Drift    []FieldDrift `json:"drift,omitempty"`
}

func (c TotalsCheck) Consistent() bool {
	return len(c.Drift) == 0
}

// CompareTotals reports every field where stored and computed differ by
// more than TotalsEpsilon. Product counts must match exactly.
func CompareTotals(billID string, stored, computed Totals) TotalsCheck {
	check := TotalsCheck{BillID: billID, Stored: stored, Computed: computed}
	pairs := []struct {
		field string
		a, b  float64
	}{
		{"total_quantity", stored.TotalQuantity, computed.TotalQuantity},
		{"total_amount", stored.TotalAmount, computed.TotalAmount},
		{"total_profit", stored.TotalProfit, computed.TotalProfit},
	}
	for _, p := range pairs {
		if math.Abs(p.a-p.b) > TotalsEpsilon {
			check.Drift = append(check.Drift, FieldDrift{Field: p.field, Stored: p.a, Computed: p.b})
		}
	}
	if stored.ProductCount != computed.ProductCount {
		check.Drift = append(check.Drift, FieldDrift{
			Field:    "product_count",
			Stored:   float64(stored.ProductCount),
			Computed: float64(computed.ProductCount),
		})
	}
	return check
}
