package tools

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"OpenMCP-Paygate/internal/catalog"
	"OpenMCP-Paygate/internal/dispatch"
	xerrors "OpenMCP-Paygate/internal/errors"
	"OpenMCP-Paygate/internal/payment"
	"OpenMCP-Paygate/internal/web3"
)

const (
	holder = "0x00000000000000000000000000000000000000Aa"
	asset  = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	peer   = "0x00000000000000000000000000000000000000Cc"
)

type fakeChain struct {
	web3.Client
	head      string
	gasPrice  *big.Int
	native    *big.Int
	details   web3.TransactionDetails
	transfers []web3.TokenTransfer
	lastQuery web3.TransferQuery
	rpcErr    error
}

func (f *fakeChain) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	if f.rpcErr != nil {
		return web3.ChainSnapshot{}, f.rpcErr
	}
	return web3.ChainSnapshot{ChainID: "0x14a34", BlockNumber: f.head}, nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) { return f.gasPrice, nil }

func (f *fakeChain) NativeBalance(context.Context, common.Address) (*big.Int, error) {
	return f.native, nil
}

func (f *fakeChain) TransactionDetails(_ context.Context, hash common.Hash) (web3.TransactionDetails, error) {
	d := f.details
	d.Hash = hash.Hex()
	return d, nil
}

func (f *fakeChain) TokenTransfers(_ context.Context, q web3.TransferQuery) ([]web3.TokenTransfer, error) {
	f.lastQuery = q
	return f.transfers, nil
}

type fakeBalances struct {
	spendable decimal.Decimal
	gas       decimal.Decimal
	gasErr    error
}

func (b fakeBalances) SpendableBalance(context.Context, string) (decimal.Decimal, error) {
	return b.spendable, nil
}

func (b fakeBalances) GasBalance(context.Context, string) (decimal.Decimal, error) {
	return b.gas, b.gasErr
}

func newTools(t *testing.T, chain *fakeChain, balances fakeBalances) *dispatch.Registry {
	t.Helper()
	reg := dispatch.NewRegistry()
	err := Register(reg, Deps{
		Chain:    chain,
		Balances: balances,
		Payment: payment.Settings{
			Network:       "eip155:84532",
			Payee:         peer,
			Asset:         asset,
			AssetSymbol:   "USDC",
			Decimals:      6,
			ExplorerTxURL: "https://sepolia.basescan.org/tx/",
		},
		FacilitatorURL: "https://x402.org/facilitator",
		LookbackBlocks: 100,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	c, err := catalog.New([]catalog.Entry{
		{ID: GetGasPrice, Tier: "free"},
		{ID: GetWalletBalance, Tier: "free"},
		{ID: GetPaymentStatus, Tier: "free"},
		{ID: AnalyzeWalletPortfolio, Tier: "premium", Price: "0.5"},
		{ID: GetTransactionDetails, Tier: "premium", Price: "0.1"},
		{ID: TraceTokenTransfers, Tier: "ultra", Price: "1"},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	if err := reg.Bind(c); err != nil {
		t.Fatalf("tiers must match the catalog: %v", err)
	}
	return reg
}

func invoke(t *testing.T, reg *dispatch.Registry, id string, args map[string]any) (any, error) {
	t.Helper()
	h, ok := reg.Handler(id)
	if !ok {
		t.Fatalf("tool %s not registered", id)
	}
	return h.Handle(context.Background(), dispatch.Call{ToolID: id, Principal: holder, Arguments: args})
}

func TestGasPrice(t *testing.T) {
	reg := newTools(t, &fakeChain{head: "0x10", gasPrice: big.NewInt(1_500_000_000)}, fakeBalances{})
	out, err := invoke(t, reg, GetGasPrice, nil)
	if err != nil {
		t.Fatalf("gas price: %v", err)
	}
	gp := out.(GasPrice)
	if gp.Wei != "1500000000" || gp.Gwei != "1.5" || gp.BlockNumber != "0x10" {
		t.Fatalf("unexpected gas price %+v", gp)
	}
}

func TestWalletBalanceDefaultsToPrincipal(t *testing.T) {
	reg := newTools(t, &fakeChain{head: "0x1"}, fakeBalances{
		spendable: decimal.RequireFromString("12.5"),
		gas:       decimal.RequireFromString("0.01"),
	})
	out, err := invoke(t, reg, GetWalletBalance, map[string]any{})
	if err != nil {
		t.Fatalf("wallet balance: %v", err)
	}
	wb := out.(WalletBalance)
	if !strings.EqualFold(wb.Address, holder) || wb.Spendable != "12.5" || wb.Gas != "0.01" || wb.AssetSymbol != "USDC" {
		t.Fatalf("unexpected balance %+v", wb)
	}

	if _, err := invoke(t, reg, GetWalletBalance, map[string]any{"address": "nope"}); err == nil {
		t.Fatal("invalid address must fail")
	}
}

func TestPaymentStatusReportsBalanceErrors(t *testing.T) {
	reg := newTools(t, &fakeChain{head: "0x1"}, fakeBalances{
		spendable: decimal.RequireFromString("3"),
		gasErr:    errors.New("rpc down"),
	})
	out, err := invoke(t, reg, GetPaymentStatus, nil)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	st := out.(PaymentStatus)
	if st.Spendable != "3" || st.Gas != "" || !strings.Contains(st.BalanceError, "rpc down") {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.Network != "eip155:84532" || st.Facilitator == "" || st.Payee != peer {
		t.Fatalf("status must describe the payment setup: %+v", st)
	}
}

func TestPortfolioSummarisesFlows(t *testing.T) {
	chain := &fakeChain{
		head:   "0x1f4", // 500
		native: new(big.Int).Mul(big.NewInt(2), big.NewInt(1e18)),
		transfers: []web3.TokenTransfer{
			{From: peer, To: holder, Value: big.NewInt(3_000_000), Direction: "in"},
			{From: holder, To: peer, Value: big.NewInt(1_250_000), Direction: "out"},
			{From: holder, To: holder, Value: big.NewInt(9), Direction: "self"},
		},
	}
	reg := newTools(t, chain, fakeBalances{spendable: decimal.RequireFromString("1.75")})

	out, err := invoke(t, reg, AnalyzeWalletPortfolio, map[string]any{"address": holder})
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	p := out.(Portfolio)
	if p.NativeEther != "2" || p.Inflow != "3" || p.Outflow != "1.25" || p.NetFlow != "1.75" {
		t.Fatalf("unexpected flows %+v", p)
	}
	if p.Transfers != 3 || p.Counterparty != 1 || p.Activity != "light" {
		t.Fatalf("unexpected activity %+v", p)
	}
	if chain.lastQuery.FromBlock.Int64() != 400 {
		t.Fatalf("lookback window should start at 400, got %s", chain.lastQuery.FromBlock)
	}
}

func TestTransactionDetailsComputesFee(t *testing.T) {
	chain := &fakeChain{details: web3.TransactionDetails{
		Value:    big.NewInt(0),
		GasPrice: big.NewInt(2_000_000_000),
		GasUsed:  21000,
		Status:   "success",
	}}
	reg := newTools(t, chain, fakeBalances{})
	hash := "0x" + strings.Repeat("ab", 32)

	out, err := invoke(t, reg, GetTransactionDetails, map[string]any{"hash": hash})
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	tx := out.(Transaction)
	if tx.FeeEther != "0.000042" || tx.ExplorerLink != "https://sepolia.basescan.org/tx/"+tx.Hash {
		t.Fatalf("unexpected details %+v", tx)
	}

	if _, err := invoke(t, reg, GetTransactionDetails, map[string]any{"hash": "0x1234"}); err == nil {
		t.Fatal("short hash must fail")
	}
}

func TestTraceTransfersHonoursArguments(t *testing.T) {
	chain := &fakeChain{
		head: "0x64",
		transfers: []web3.TokenTransfer{
			{From: peer, To: holder, Value: big.NewInt(500_000), Direction: "in"},
		},
	}
	reg := newTools(t, chain, fakeBalances{})

	out, err := invoke(t, reg, TraceTokenTransfers, map[string]any{
		"address":    holder,
		"from_block": float64(10),
		"to_block":   float64(20),
		"limit":      float64(5),
	})
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	trace := out.(TransferTrace)
	if trace.FromBlock != "10" || trace.ToBlock != "20" || len(trace.Transfers) != 1 {
		t.Fatalf("unexpected trace %+v", trace)
	}
	if trace.Transfers[0].Amount != "0.5" || trace.Totals["in"] != "0.5" || trace.Totals["out"] != "0" {
		t.Fatalf("unexpected amounts %+v", trace)
	}
	if chain.lastQuery.Limit != 5 || chain.lastQuery.Token != common.HexToAddress(asset) {
		t.Fatalf("unexpected query %+v", chain.lastQuery)
	}
}

func TestRegisterRequiresCollaborators(t *testing.T) {
	if err := Register(dispatch.NewRegistry(), Deps{}); err == nil {
		t.Fatal("missing chain client must fail")
	}
}

func TestHandlerErrorsCarryCodes(t *testing.T) {
	rpcErr := errors.New("dial tcp 127.0.0.1:8545: connection refused")
	reg := newTools(t, &fakeChain{rpcErr: rpcErr}, fakeBalances{})

	cases := []struct {
		name string
		id   string
		args map[string]any
		code xerrors.Code
	}{
		{"rpc failure", GetGasPrice, nil, xerrors.CodeUpstreamFailure},
		{"rpc failure in lookback", AnalyzeWalletPortfolio, map[string]any{"address": holder}, xerrors.CodeUpstreamFailure},
		{"bad address", GetWalletBalance, map[string]any{"address": "nope"}, xerrors.CodeInvalidArgument},
		{"bad hash", GetTransactionDetails, map[string]any{"hash": "0x12"}, xerrors.CodeInvalidArgument},
		{"bad limit", TraceTokenTransfers, map[string]any{"limit": "many"}, xerrors.CodeInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := invoke(t, reg, tc.id, tc.args)
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := xerrors.CodeOf(err); got != tc.code {
				t.Fatalf("expected %s, got %s (%v)", tc.code, got, err)
			}
			if tc.code == xerrors.CodeUpstreamFailure && !errors.Is(err, rpcErr) {
				t.Fatalf("rpc cause should stay reachable: %v", err)
			}
		})
	}

	slow := newTools(t, &fakeChain{rpcErr: fmt.Errorf("eth_gasPrice: %w", context.DeadlineExceeded)}, fakeBalances{})
	_, err := invoke(t, slow, GetGasPrice, nil)
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}
