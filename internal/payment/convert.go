package payment

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Quote is a catalog price expressed in the payment asset.
type Quote struct {
	// Display is the catalog price as listed.
	Display decimal.Decimal
	// Amount is the charge in the asset's display unit.
	Amount decimal.Decimal
	// Atomic is the charge in the asset's smallest unit.
	Atomic *big.Int
}

// Converter turns a catalog price into a charge.
type Converter interface {
	Convert(price decimal.Decimal) (Quote, error)
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(price decimal.Decimal) (Quote, error)

// Convert calls f.
func (f ConverterFunc) Convert(price decimal.Decimal) (Quote, error) { return f(price) }

// RateConverter charges price × Rate units of an asset with Decimals places,
// rounding up to the next atomic unit so the payee is never short-changed.
type RateConverter struct {
	Rate     decimal.Decimal
	Decimals int32
}

// Convert implements Converter.
func (c RateConverter) Convert(price decimal.Decimal) (Quote, error) {
	if price.Sign() <= 0 {
		return Quote{}, fmt.Errorf("price must be positive, got %s", price)
	}
	if c.Rate.Sign() <= 0 {
		return Quote{}, errors.New("conversion rate must be positive")
	}
	if c.Decimals < 0 {
		return Quote{}, fmt.Errorf("asset decimals must not be negative: %d", c.Decimals)
	}
	atomic := price.Mul(c.Rate).Shift(c.Decimals).Ceil()
	return Quote{
		Display: price,
		Amount:  atomic.Shift(-c.Decimals),
		Atomic:  atomic.BigInt(),
	}, nil
}
