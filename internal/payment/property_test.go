//go:build property

package payment

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
)

func TestFundsMovedProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	amounts := gen.Int64Range(0, 10_000_000)

	properties.Property("a full debit always counts as moved", prop.ForAll(
		func(before, required int64) bool {
			b := decimal.New(before, -6)
			r := decimal.New(required, -6)
			return FundsMoved(b, b.Sub(r), r)
		},
		amounts, amounts,
	))

	properties.Property("a partial debit never counts as moved", prop.ForAll(
		func(before, required int64) bool {
			if required == 0 {
				return true
			}
			b := decimal.New(before, -6)
			r := decimal.New(required, -6)
			after := b.Sub(r).Add(decimal.New(1, -6))
			return !FundsMoved(b, after, r)
		},
		amounts, amounts,
	))

	properties.TestingRun(t)
}

func TestRateConverterProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("the atomic charge covers the price and overshoots by less than one unit", prop.ForAll(
		func(units int64, decimals int32) bool {
			price := decimal.New(units, -9)
			q, err := RateConverter{Rate: decimal.NewFromInt(1), Decimals: decimals}.Convert(price)
			if err != nil {
				return false
			}
			exact := price.Shift(decimals)
			atomic := decimal.NewFromBigInt(q.Atomic, 0)
			return atomic.GreaterThanOrEqual(exact) &&
				atomic.Sub(exact).LessThan(decimal.NewFromInt(1)) &&
				q.Amount.Equal(atomic.Shift(-decimals))
		},
		gen.Int64Range(1, 1_000_000_000_000),
		gen.Int32Range(0, 18),
	))

	properties.TestingRun(t)
}
