package tools

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"OpenMCP-Paygate/internal/dispatch"
	"OpenMCP-Paygate/internal/web3"
)

// WalletBalance is the result of get_wallet_balance.
type WalletBalance struct {
	Address     string `json:"address"`
	Asset       string `json:"asset"`
	AssetSymbol string `json:"assetSymbol"`
	Spendable   string `json:"spendable"`
	Gas         string `json:"gas"`
}

func (h *handlers) walletBalance(ctx context.Context, call dispatch.Call) (any, error) {
	addr, err := addressArg(call, "address")
	if err != nil {
		return nil, err
	}
	spendable, err := h.deps.Balances.SpendableBalance(ctx, addr.Hex())
	if err != nil {
		return nil, upstream(err, "read spendable balance")
	}
	gas, err := h.deps.Balances.GasBalance(ctx, addr.Hex())
	if err != nil {
		return nil, upstream(err, "read gas balance")
	}
	return WalletBalance{
		Address:     addr.Hex(),
		Asset:       h.deps.Payment.Asset,
		AssetSymbol: h.deps.Payment.AssetSymbol,
		Spendable:   spendable.String(),
		Gas:         gas.String(),
	}, nil
}

// PaymentStatus is the result of get_payment_status. Balance fields are empty
// when the read failed; the error is reported next to them.
type PaymentStatus struct {
	Asset        string `json:"asset"`
	AssetSymbol  string `json:"assetSymbol"`
	Network      string `json:"network"`
	Payee        string `json:"payee"`
	Facilitator  string `json:"facilitator"`
	Principal    string `json:"principal"`
	Spendable    string `json:"spendable,omitempty"`
	Gas          string `json:"gas,omitempty"`
	BalanceError string `json:"balanceError,omitempty"`
}

func (h *handlers) paymentStatus(ctx context.Context, call dispatch.Call) (any, error) {
	s := h.deps.Payment
	status := PaymentStatus{
		Asset:       s.Asset,
		AssetSymbol: s.AssetSymbol,
		Network:     s.Network,
		Payee:       s.Payee,
		Facilitator: h.deps.FacilitatorURL,
		Principal:   call.Principal,
	}
	var problems []string
	if spendable, err := h.deps.Balances.SpendableBalance(ctx, call.Principal); err != nil {
		problems = append(problems, "spendable: "+err.Error())
	} else {
		status.Spendable = spendable.String()
	}
	if gas, err := h.deps.Balances.GasBalance(ctx, call.Principal); err != nil {
		problems = append(problems, "gas: "+err.Error())
	} else {
		status.Gas = gas.String()
	}
	status.BalanceError = strings.Join(problems, "; ")
	return status, nil
}

// Portfolio is the result of analyze_wallet_portfolio.
type Portfolio struct {
	Address      string `json:"address"`
	ChainID      string `json:"chainId"`
	BlockNumber  string `json:"blockNumber"`
	NativeEther  string `json:"nativeEther"`
	AssetSymbol  string `json:"assetSymbol"`
	AssetBalance string `json:"assetBalance"`
	FromBlock    string `json:"fromBlock"`
	Inflow       string `json:"inflow"`
	Outflow      string `json:"outflow"`
	NetFlow      string `json:"netFlow"`
	Transfers    int    `json:"transfers"`
	Counterparty int    `json:"counterparties"`
	Activity     string `json:"activity"`
}

func (h *handlers) portfolio(ctx context.Context, call dispatch.Call) (any, error) {
	addr, err := addressArg(call, "address")
	if err != nil {
		return nil, err
	}
	snapshot, err := h.deps.Chain.FetchChainSnapshot(ctx)
	if err != nil {
		return nil, upstream(err, "fetch chain snapshot")
	}
	native, err := h.deps.Chain.NativeBalance(ctx, addr)
	if err != nil {
		return nil, upstream(err, "read native balance")
	}
	asset, err := h.deps.Balances.SpendableBalance(ctx, addr.Hex())
	if err != nil {
		return nil, upstream(err, "read spendable balance")
	}
	from, err := h.lookbackStart(ctx)
	if err != nil {
		return nil, err
	}
	transfers, err := h.deps.Chain.TokenTransfers(ctx, web3.TransferQuery{
		Token:     common.HexToAddress(h.deps.Payment.Asset),
		Holder:    addr,
		FromBlock: from,
	})
	if err != nil {
		return nil, upstream(err, "query token transfers")
	}

	decimals := int32(h.deps.Payment.Decimals)
	inflow, outflow := decimal.Zero, decimal.Zero
	counterparties := make(map[string]struct{})
	for _, tr := range transfers {
		amount := web3.ToDisplay(tr.Value, decimals)
		switch tr.Direction {
		case "in":
			inflow = inflow.Add(amount)
			counterparties[strings.ToLower(tr.From)] = struct{}{}
		case "out":
			outflow = outflow.Add(amount)
			counterparties[strings.ToLower(tr.To)] = struct{}{}
		}
	}

	return Portfolio{
		Address:      addr.Hex(),
		ChainID:      snapshot.ChainID,
		BlockNumber:  snapshot.BlockNumber,
		NativeEther:  web3.ToDisplay(native, 18).String(),
		AssetSymbol:  h.deps.Payment.AssetSymbol,
		AssetBalance: asset.String(),
		FromBlock:    from.String(),
		Inflow:       inflow.String(),
		Outflow:      outflow.String(),
		NetFlow:      inflow.Sub(outflow).String(),
		Transfers:    len(transfers),
		Counterparty: len(counterparties),
		Activity:     activityLevel(len(transfers)),
	}, nil
}

func activityLevel(n int) string {
	switch {
	case n == 0:
		return "dormant"
	case n < 10:
		return "light"
	case n < 100:
		return "active"
	default:
		return "heavy"
	}
}

// TransferTrace is the result of trace_token_transfers.
type TransferTrace struct {
	Address   string            `json:"address"`
	Token     string            `json:"token"`
	FromBlock string            `json:"fromBlock"`
	ToBlock   string            `json:"toBlock,omitempty"`
	Transfers []TracedTransfer  `json:"transfers"`
	Totals    map[string]string `json:"totals"`
}

// TracedTransfer adds a display amount to a raw transfer.
type TracedTransfer struct {
	web3.TokenTransfer
	Amount string `json:"amount"`
}

func (h *handlers) traceTransfers(ctx context.Context, call dispatch.Call) (any, error) {
	addr, err := addressArg(call, "address")
	if err != nil {
		return nil, err
	}
	token := common.HexToAddress(h.deps.Payment.Asset)
	decimals := int32(h.deps.Payment.Decimals)
	if raw, _ := call.Arguments["token"].(string); strings.TrimSpace(raw) != "" {
		if !common.IsHexAddress(raw) {
			return nil, invalidArg("token %q is not a contract address", raw)
		}
		token = common.HexToAddress(raw)
	}
	d, err := intArg(call.Arguments, "decimals", int64(decimals))
	if err != nil {
		return nil, err
	}
	decimals = int32(d)

	limit, err := intArg(call.Arguments, "limit", defaultTransferLimit)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxTransferLimit {
		limit = maxTransferLimit
	}

	start, err := intArg(call.Arguments, "from_block", -1)
	if err != nil {
		return nil, err
	}
	end, err := intArg(call.Arguments, "to_block", -1)
	if err != nil {
		return nil, err
	}
	var from, to *big.Int
	if start >= 0 {
		from = big.NewInt(start)
	} else if from, err = h.lookbackStart(ctx); err != nil {
		return nil, err
	}
	if end >= 0 {
		to = big.NewInt(end)
	}

	transfers, err := h.deps.Chain.TokenTransfers(ctx, web3.TransferQuery{
		Token:     token,
		Holder:    addr,
		FromBlock: from,
		ToBlock:   to,
		Limit:     int(limit),
	})
	if err != nil {
		return nil, upstream(err, "query token transfers")
	}

	totals := map[string]decimal.Decimal{"in": decimal.Zero, "out": decimal.Zero, "self": decimal.Zero}
	traced := make([]TracedTransfer, 0, len(transfers))
	for _, tr := range transfers {
		amount := web3.ToDisplay(tr.Value, decimals)
		totals[tr.Direction] = totals[tr.Direction].Add(amount)
		traced = append(traced, TracedTransfer{TokenTransfer: tr, Amount: amount.String()})
	}
	out := TransferTrace{
		Address:   addr.Hex(),
		Token:     token.Hex(),
		FromBlock: from.String(),
		Transfers: traced,
		Totals:    make(map[string]string, len(totals)),
	}
	if to != nil {
		out.ToBlock = to.String()
	}
	for k, v := range totals {
		out.Totals[k] = v.String()
	}
	return out, nil
}
