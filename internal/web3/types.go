package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot represents summarized network metadata for status reporting.
type ChainSnapshot struct {
	Name        string `json:"name,omitempty"`
	ChainID     string `json:"chainId"`
	BlockNumber string `json:"blockNumber"`
	Notes       string `json:"notes,omitempty"`
}

// TransactionDetails is a flattened view of a transaction and, once mined,
// its receipt.
type TransactionDetails struct {
	Hash        string   `json:"hash"`
	From        string   `json:"from"`
	To          string   `json:"to,omitempty"`
	Value       *big.Int `json:"value"`
	Nonce       uint64   `json:"nonce"`
	Gas         uint64   `json:"gas"`
	GasPrice    *big.Int `json:"gasPrice,omitempty"`
	Pending     bool     `json:"pending"`
	BlockNumber uint64   `json:"blockNumber,omitempty"`
	Status      string   `json:"status,omitempty"`
	GasUsed     uint64   `json:"gasUsed,omitempty"`
	LogCount    int      `json:"logCount"`
}

// TransferQuery selects ERC-20 Transfer events touching a holder.
type TransferQuery struct {
	Token     common.Address
	Holder    common.Address
	FromBlock *big.Int
	ToBlock   *big.Int
	Limit     int
}

// TokenTransfer is a decoded ERC-20 Transfer log.
type TokenTransfer struct {
	Token       string   `json:"token"`
	TxHash      string   `json:"txHash"`
	BlockNumber uint64   `json:"blockNumber"`
	LogIndex    uint     `json:"logIndex"`
	From        string   `json:"from"`
	To          string   `json:"to"`
	Value       *big.Int `json:"value"`
	Direction   string   `json:"direction"`
}

// Client defines the read-only chain access the gateway and its tools need.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	TransactionDetails(ctx context.Context, hash common.Hash) (TransactionDetails, error)
	TokenTransfers(ctx context.Context, query TransferQuery) ([]TokenTransfer, error)
	Close()
}
