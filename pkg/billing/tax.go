package billing

// DefaultTaxRateBasisPoints is the system-wide sales tax rate (8.00%).
// TODO: pricing callers have used both 8% and 9%; confirm the authoritative rate with the product owner.
const DefaultTaxRateBasisPoints = 800

const basisPointsDenominator = 10000

// TaxResult is the outcome of a tax calculation
type TaxResult struct {
	SubtotalCents   int64 `json:"subtotal_cents"`
	TaxCents        int64 `json:"tax_cents"`
	TotalCents      int64 `json:"total_cents"`
	RateBasisPoints int   `json:"rate_basis_points"`
	IsExempt        bool  `json:"is_exempt"`
}

// Totals returns the money triple of the result
func (r TaxResult) Totals() Totals {
	return Totals{SubtotalCents: r.SubtotalCents, TaxCents: r.TaxCents, TotalCents: r.TotalCents}
}

// TaxCalculator computes tax for a single configured rate.
// Invoice creation, revision and reconciliation all share one instance so
// their results are identical for identical inputs.
type TaxCalculator struct {
	rateBasisPoints int
}

// NewTaxCalculator creates a TaxCalculator for the given rate in basis points
func NewTaxCalculator(rateBasisPoints int) *TaxCalculator {
	return &TaxCalculator{rateBasisPoints: rateBasisPoints}
}

// RateBasisPoints returns the configured rate
func (c *TaxCalculator) RateBasisPoints() int {
	return c.rateBasisPoints
}

// Calculate returns subtotal, tax and total for subtotalCents, rounding tax half-up
func (c *TaxCalculator) Calculate(subtotalCents int64, isExempt bool) (TaxResult, error) {
	if subtotalCents < 0 {
		return TaxResult{}, Validation("calculate tax", "subtotal must not be negative, got %d", subtotalCents)
	}
	if c.rateBasisPoints < 0 || c.rateBasisPoints > basisPointsDenominator {
		return TaxResult{}, Validation("calculate tax", "tax rate %d bps out of range", c.rateBasisPoints)
	}

	var tax int64
	if !isExempt {
		tax = (subtotalCents*int64(c.rateBasisPoints) + basisPointsDenominator/2) / basisPointsDenominator
	}

	return TaxResult{
		SubtotalCents:   subtotalCents,
		TaxCents:        tax,
		TotalCents:      subtotalCents + tax,
		RateBasisPoints: c.rateBasisPoints,
		IsExempt:        isExempt,
	}, nil
}
