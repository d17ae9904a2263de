package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"OpenMCP-Paygate/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Backend is the subset of go-ethereum RPC methods the client relies on.
// *ethclient.Client and the simulated backend client both satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*coretypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
	FilterLogs(ctx context.Context, q gethcore.FilterQuery) ([]coretypes.Log, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name    string
	notes   string
	backend Backend
	closer  func()
	mu      sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	return &Client{name: cfg.Name, notes: cfg.Notes, backend: eth, closer: eth.Close}, nil
}

// NewWithBackend wraps an existing backend, e.g. a simulated chain in tests.
func NewWithBackend(name, notes string, backend Backend) *Client {
	return &Client{name: name, notes: notes, backend: backend}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
	c.backend = nil
}

func (c *Client) conn() (Backend, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		return nil, errors.New("以太坊客户端已关闭")
	}
	return c.backend, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	backend, err := c.conn()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// NativeBalance returns the latest native balance in wei.
func (c *Client) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	backend, err := c.conn()
	if err != nil {
		return nil, err
	}
	balance, err := backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// TokenBalance calls balanceOf on an ERC-20 contract.
func (c *Client) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	backend, err := c.conn()
	if err != nil {
		return nil, err
	}
	data, err := erc20ABI.Pack("balanceOf", holder)
	if err != nil {
		return nil, fmt.Errorf("编码 balanceOf 失败: %w", err)
	}
	out, err := backend.CallContract(ctx, gethcore.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用 balanceOf 失败: %w", err)
	}
	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("解码 balanceOf 失败: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("balanceOf 返回值数量异常: %d", len(values))
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf 返回类型异常: %T", values[0])
	}
	return balance, nil
}

// SuggestGasPrice returns the node's gas price suggestion in wei.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	backend, err := c.conn()
	if err != nil {
		return nil, err
	}
	price, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询 gas 价格失败: %w", err)
	}
	return price, nil
}

// TransactionDetails looks up a transaction and, when mined, its receipt.
func (c *Client) TransactionDetails(ctx context.Context, hash common.Hash) (web3.TransactionDetails, error) {
	backend, err := c.conn()
	if err != nil {
		return web3.TransactionDetails{}, err
	}
	tx, pending, err := backend.TransactionByHash(ctx, hash)
	if err != nil {
		return web3.TransactionDetails{}, fmt.Errorf("查询交易失败: %w", err)
	}

	details := web3.TransactionDetails{
		Hash:     tx.Hash().Hex(),
		Value:    tx.Value(),
		Nonce:    tx.Nonce(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Pending:  pending,
	}
	if to := tx.To(); to != nil {
		details.To = to.Hex()
	}
	if sender, err := coretypes.Sender(coretypes.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
		details.From = sender.Hex()
	}
	if pending {
		return details, nil
	}

	receipt, err := backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return details, nil
		}
		return web3.TransactionDetails{}, fmt.Errorf("查询交易回执失败: %w", err)
	}
	if receipt.BlockNumber != nil {
		details.BlockNumber = receipt.BlockNumber.Uint64()
	}
	details.GasUsed = receipt.GasUsed
	details.LogCount = len(receipt.Logs)
	if receipt.Status == coretypes.ReceiptStatusSuccessful {
		details.Status = "success"
	} else {
		details.Status = "reverted"
	}
	return details, nil
}

// TokenTransfers returns Transfer events where the holder is sender or
// recipient, ordered by block and log index.
func (c *Client) TokenTransfers(ctx context.Context, query web3.TransferQuery) ([]web3.TokenTransfer, error) {
	backend, err := c.conn()
	if err != nil {
		return nil, err
	}
	holderTopic := common.BytesToHash(query.Holder.Bytes())
	base := gethcore.FilterQuery{
		FromBlock: query.FromBlock,
		ToBlock:   query.ToBlock,
		Addresses: []common.Address{query.Token},
	}

	outgoing := base
	outgoing.Topics = [][]common.Hash{{transferTopic}, {holderTopic}}
	incoming := base
	incoming.Topics = [][]common.Hash{{transferTopic}, nil, {holderTopic}}

	seen := make(map[string]struct{})
	var transfers []web3.TokenTransfer
	for _, q := range []gethcore.FilterQuery{outgoing, incoming} {
		logs, err := backend.FilterLogs(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("查询 Transfer 事件失败: %w", err)
		}
		for _, lg := range logs {
			transfer, ok := decodeTransfer(lg, query.Holder)
			if !ok {
				continue
			}
			key := fmt.Sprintf("%s:%d", transfer.TxHash, transfer.LogIndex)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			transfers = append(transfers, transfer)
		}
	}

	sort.Slice(transfers, func(i, j int) bool {
		if transfers[i].BlockNumber == transfers[j].BlockNumber {
			return transfers[i].LogIndex < transfers[j].LogIndex
		}
		return transfers[i].BlockNumber < transfers[j].BlockNumber
	})
	if query.Limit > 0 && len(transfers) > query.Limit {
		transfers = transfers[len(transfers)-query.Limit:]
	}
	return transfers, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
