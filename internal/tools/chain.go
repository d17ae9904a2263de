package tools

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"OpenMCP-Paygate/internal/dispatch"
	"OpenMCP-Paygate/internal/web3"
)

// GasPrice is the result of get_gas_price.
type GasPrice struct {
	ChainID     string `json:"chainId"`
	BlockNumber string `json:"blockNumber"`
	Wei         string `json:"wei"`
	Gwei        string `json:"gwei"`
}

func (h *handlers) gasPrice(ctx context.Context, _ dispatch.Call) (any, error) {
	snapshot, err := h.deps.Chain.FetchChainSnapshot(ctx)
	if err != nil {
		return nil, upstream(err, "fetch chain snapshot")
	}
	price, err := h.deps.Chain.SuggestGasPrice(ctx)
	if err != nil {
		return nil, upstream(err, "suggest gas price")
	}
	return GasPrice{
		ChainID:     snapshot.ChainID,
		BlockNumber: snapshot.BlockNumber,
		Wei:         price.String(),
		Gwei:        web3.ToDisplay(price, 9).String(),
	}, nil
}

// Transaction is the result of get_transaction_details.
type Transaction struct {
	web3.TransactionDetails
	ValueEther   string `json:"valueEther"`
	FeeEther     string `json:"feeEther,omitempty"`
	ExplorerLink string `json:"explorerLink,omitempty"`
}

func (h *handlers) transactionDetails(ctx context.Context, call dispatch.Call) (any, error) {
	raw, _ := call.Arguments["hash"].(string)
	raw = strings.TrimSpace(raw)
	decoded, err := hexutil.Decode(raw)
	if err != nil || len(decoded) != common.HashLength {
		return nil, invalidArg("hash %q is not a transaction hash", raw)
	}
	details, err := h.deps.Chain.TransactionDetails(ctx, common.BytesToHash(decoded))
	if err != nil {
		return nil, upstream(err, "fetch transaction")
	}
	out := Transaction{
		TransactionDetails: details,
		ValueEther:         web3.ToDisplay(details.Value, 18).String(),
		ExplorerLink:       h.deps.Payment.ExplorerLink(details.Hash),
	}
	if !details.Pending && details.GasPrice != nil && details.GasUsed > 0 {
		fee := new(big.Int).Mul(details.GasPrice, new(big.Int).SetUint64(details.GasUsed))
		out.FeeEther = web3.ToDisplay(fee, 18).String()
	}
	return out, nil
}

// lookbackStart returns the first block of the default query window.
func (h *handlers) lookbackStart(ctx context.Context) (*big.Int, error) {
	snapshot, err := h.deps.Chain.FetchChainSnapshot(ctx)
	if err != nil {
		return nil, upstream(err, "fetch chain snapshot")
	}
	head, err := hexutil.DecodeUint64(snapshot.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("parse block number %q: %w", snapshot.BlockNumber, err)
	}
	if head <= h.deps.LookbackBlocks {
		return big.NewInt(0), nil
	}
	return new(big.Int).SetUint64(head - h.deps.LookbackBlocks), nil
}
