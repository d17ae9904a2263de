package web3

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const nativeDecimals = 18

// ErrInvalidPrincipal is returned when the principal is not a hex address.
var ErrInvalidPrincipal = errors.New("principal is not a valid EVM address")

// BalanceOracle answers balance queries in display units: the payment asset
// scaled by its decimals and the native gas asset scaled by 18.
type BalanceOracle struct {
	client   Client
	asset    common.Address
	decimals int32
}

// NewBalanceOracle binds an oracle to the payment asset contract.
func NewBalanceOracle(client Client, asset string, decimals int) (*BalanceOracle, error) {
	if client == nil {
		return nil, errors.New("balance oracle requires a chain client")
	}
	if !common.IsHexAddress(asset) {
		return nil, fmt.Errorf("asset %q is not a contract address", asset)
	}
	if decimals < 0 {
		return nil, fmt.Errorf("asset decimals must not be negative: %d", decimals)
	}
	return &BalanceOracle{client: client, asset: common.HexToAddress(asset), decimals: int32(decimals)}, nil
}

// SpendableBalance returns the principal's payment-asset balance.
func (o *BalanceOracle) SpendableBalance(ctx context.Context, principal string) (decimal.Decimal, error) {
	addr, err := parsePrincipal(principal)
	if err != nil {
		return decimal.Zero, err
	}
	raw, err := o.client.TokenBalance(ctx, o.asset, addr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read token balance: %w", err)
	}
	return ToDisplay(raw, o.decimals), nil
}

// GasBalance returns the principal's native balance.
func (o *BalanceOracle) GasBalance(ctx context.Context, principal string) (decimal.Decimal, error) {
	addr, err := parsePrincipal(principal)
	if err != nil {
		return decimal.Zero, err
	}
	raw, err := o.client.NativeBalance(ctx, addr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read native balance: %w", err)
	}
	return ToDisplay(raw, nativeDecimals), nil
}

// Asset returns the payment asset contract address.
func (o *BalanceOracle) Asset() common.Address {
	return o.asset
}

// ToDisplay scales an atomic amount down by decimals.
func ToDisplay(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}

func parsePrincipal(principal string) (common.Address, error) {
	principal = strings.TrimSpace(principal)
	if !common.IsHexAddress(principal) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidPrincipal, principal)
	}
	return common.HexToAddress(principal), nil
}
