package metering

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultDisplayUnitsPerDollar is the number of display units shown for one
// unit of the reference currency
const DefaultDisplayUnitsPerDollar int64 = 500000

// Cost computes input×input_price + output×output_price in the reference currency.
// This raw figure is what is deducted from a plan allowance.
func Cost(u Usage, p Pricing) decimal.Decimal {
	in := decimal.NewFromInt(u.InputUnits).Mul(p.InputUnitPrice)
	out := decimal.NewFromInt(u.OutputUnits).Mul(p.OutputUnitPrice)
	return in.Add(out)
}

// Validate rejects negative unit counts and prices
func Validate(u Usage, p Pricing) error {
	if u.InputUnits < 0 || u.OutputUnits < 0 {
		return fmt.Errorf("unit counts must not be negative")
	}
	if p.InputUnitPrice.IsNegative() || p.OutputUnitPrice.IsNegative() {
		return fmt.Errorf("unit prices must not be negative")
	}
	return nil
}

// Converter turns reference-currency amounts into display units and back.
// It only affects presentation; stored costs are never converted.
type Converter struct {
	unitsPerDollar decimal.Decimal
}

// NewConverter creates a converter for the given constant
func NewConverter(unitsPerDollar int64) (*Converter, error) {
	if unitsPerDollar <= 0 {
		return nil, fmt.Errorf("display units per dollar must be positive, got %d", unitsPerDollar)
	}
	return &Converter{unitsPerDollar: decimal.NewFromInt(unitsPerDollar)}, nil
}

// DefaultConverter uses DefaultDisplayUnitsPerDollar
func DefaultConverter() *Converter {
	c, _ := NewConverter(DefaultDisplayUnitsPerDollar)
	return c
}

// UnitsPerDollar returns the configured constant
func (c *Converter) UnitsPerDollar() int64 {
	return c.unitsPerDollar.IntPart()
}

// DollarsToTokens converts a reference amount to display units, rounding half away from zero
func (c *Converter) DollarsToTokens(d decimal.Decimal) int64 {
	return d.Mul(c.unitsPerDollar).Round(0).IntPart()
}

// TokensToDollars converts display units back to the reference currency
func (c *Converter) TokensToDollars(tokens int64) decimal.Decimal {
	return decimal.NewFromInt(tokens).Div(c.unitsPerDollar)
}
