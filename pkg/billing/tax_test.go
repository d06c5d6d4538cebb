package billing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaxCalculator_Calculate(t *testing.T) {
	tests := []struct {
		name     string
		rate     int
		subtotal int64
		exempt   bool
		wantTax  int64
	}{
		{name: "default rate", rate: DefaultTaxRateBasisPoints, subtotal: 218000, wantTax: 17440},
		{name: "zero subtotal", rate: DefaultTaxRateBasisPoints, subtotal: 0, wantTax: 0},
		{name: "exempt", rate: DefaultTaxRateBasisPoints, subtotal: 218000, exempt: true, wantTax: 0},
		{name: "rounds half up", rate: 900, subtotal: 50, wantTax: 5},
		{name: "rounds down below half", rate: 900, subtotal: 49, wantTax: 4},
		{name: "one cent", rate: DefaultTaxRateBasisPoints, subtotal: 1, wantTax: 0},
		{name: "zero rate", rate: 0, subtotal: 10000, wantTax: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calc := NewTaxCalculator(tt.rate)
			res, err := calc.Calculate(tt.subtotal, tt.exempt)
			require.NoError(t, err)
			assert.Equal(t, tt.subtotal, res.SubtotalCents)
			assert.Equal(t, tt.wantTax, res.TaxCents)
			assert.Equal(t, tt.subtotal+tt.wantTax, res.TotalCents)
			assert.Equal(t, tt.exempt, res.IsExempt)
			assert.Equal(t, tt.rate, res.RateBasisPoints)
		})
	}
}

func TestTaxCalculator_TotalInvariant(t *testing.T) {
	calc := NewTaxCalculator(DefaultTaxRateBasisPoints)
	for _, subtotal := range []int64{0, 1, 7, 99, 100, 12345, 218000, 9999999} {
		for _, exempt := range []bool{false, true} {
			res, err := calc.Calculate(subtotal, exempt)
			require.NoError(t, err)
			assert.Equal(t, res.SubtotalCents+res.TaxCents, res.TotalCents)
			if exempt {
				assert.Zero(t, res.TaxCents)
			}
		}
	}
}

func TestTaxCalculator_Deterministic(t *testing.T) {
	a, err := NewTaxCalculator(DefaultTaxRateBasisPoints).Calculate(123457, false)
	require.NoError(t, err)
	b, err := NewTaxCalculator(DefaultTaxRateBasisPoints).Calculate(123457, false)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestTaxCalculator_Errors(t *testing.T) {
	_, err := NewTaxCalculator(DefaultTaxRateBasisPoints).Calculate(-1, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = NewTaxCalculator(-5).Calculate(100, false)
	assert.ErrorIs(t, err, ErrValidation)
}
