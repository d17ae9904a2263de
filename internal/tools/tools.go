// Package tools 提供目录中各工具的处理器实现。
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"OpenMCP-Paygate/internal/catalog"
	"OpenMCP-Paygate/internal/dispatch"
	xerrors "OpenMCP-Paygate/internal/errors"
	"OpenMCP-Paygate/internal/payment"
	"OpenMCP-Paygate/internal/web3"
)

// Tool ids served by this package.
const (
	GetGasPrice            = "get_gas_price"
	GetWalletBalance       = "get_wallet_balance"
	GetPaymentStatus       = "get_payment_status"
	AnalyzeWalletPortfolio = "analyze_wallet_portfolio"
	GetTransactionDetails  = "get_transaction_details"
	TraceTokenTransfers    = "trace_token_transfers"
)

const (
	defaultLookbackBlocks = 5000
	defaultTransferLimit  = 50
	maxTransferLimit      = 500
)

// Balances 是工具所需的余额查询能力，*web3.BalanceOracle 满足该接口。
type Balances interface {
	SpendableBalance(ctx context.Context, principal string) (decimal.Decimal, error)
	GasBalance(ctx context.Context, principal string) (decimal.Decimal, error)
}

var _ Balances = (*web3.BalanceOracle)(nil)

// Deps 汇总工具处理器依赖的外部协作者。
type Deps struct {
	Chain          web3.Client
	Balances       Balances
	Payment        payment.Settings
	FacilitatorURL string
	// LookbackBlocks bounds log queries when the caller gives no start block.
	LookbackBlocks uint64
}

func (d Deps) validate() error {
	switch {
	case d.Chain == nil:
		return errors.New("tools require a chain client")
	case d.Balances == nil:
		return errors.New("tools require a balance oracle")
	}
	return nil
}

// Register 将全部工具处理器注册到 registry，级别需与目录一致。
func Register(reg *dispatch.Registry, deps Deps) error {
	if reg == nil {
		return errors.New("registry is nil")
	}
	if err := deps.validate(); err != nil {
		return err
	}
	if deps.LookbackBlocks == 0 {
		deps.LookbackBlocks = defaultLookbackBlocks
	}
	h := &handlers{deps: deps}
	for _, tool := range []struct {
		id   string
		tier catalog.Tier
		fn   dispatch.HandlerFunc
	}{
		{GetGasPrice, catalog.TierFree, h.gasPrice},
		{GetWalletBalance, catalog.TierFree, h.walletBalance},
		{GetPaymentStatus, catalog.TierFree, h.paymentStatus},
		{AnalyzeWalletPortfolio, catalog.TierPremium, h.portfolio},
		{GetTransactionDetails, catalog.TierPremium, h.transactionDetails},
		{TraceTokenTransfers, catalog.TierUltra, h.traceTransfers},
	} {
		if err := reg.Register(tool.id, tool.tier, tool.fn); err != nil {
			return err
		}
	}
	return nil
}

type handlers struct {
	deps Deps
}

// addressArg 读取地址参数，缺省时回落到调用方地址。
func addressArg(call dispatch.Call, key string) (common.Address, error) {
	raw, _ := call.Arguments[key].(string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = call.Principal
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, invalidArg("%s %q is not a valid address", key, raw)
	}
	return common.HexToAddress(raw), nil
}

// intArg accepts the numeric forms produced by JSON decoding.
func intArg(args map[string]any, key string, fallback int64) (int64, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	switch v := raw.(type) {
	case float64:
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case interface{ Int64() (int64, error) }:
		return v.Int64()
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return 0, invalidArg("%s must be an integer", key)
		}
		return d.IntPart(), nil
	default:
		return 0, invalidArg("%s must be an integer", key)
	}
}

func invalidArg(format string, args ...any) error {
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf(format, args...))
}

// upstream 将链上读取失败标记为上游错误或超时，已带错误码的保持原样。
func upstream(err error, op string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, op)
	}
	return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, op)
}
