package ethereum

import (
	"context"
	"math/big"
	"testing"
	"time"

	"OpenMCP-Paygate/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

type fakeBackend struct {
	Backend
	balances map[common.Address]*big.Int
	logs     []coretypes.Log
	queries  []gethcore.FilterQuery
}

func (f *fakeBackend) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	args, err := erc20ABI.Methods["balanceOf"].Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	holder := args[0].(common.Address)
	balance, ok := f.balances[holder]
	if !ok {
		balance = big.NewInt(0)
	}
	return erc20ABI.Methods["balanceOf"].Outputs.Pack(balance)
}

func (f *fakeBackend) FilterLogs(_ context.Context, q gethcore.FilterQuery) ([]coretypes.Log, error) {
	f.queries = append(f.queries, q)
	var out []coretypes.Log
	for _, lg := range f.logs {
		if matchTopics(lg, q.Topics) {
			out = append(out, lg)
		}
	}
	return out, nil
}

func matchTopics(lg coretypes.Log, topics [][]common.Hash) bool {
	for i, set := range topics {
		if len(set) == 0 {
			continue
		}
		if i >= len(lg.Topics) {
			return false
		}
		found := false
		for _, h := range set {
			if lg.Topics[i] == h {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func transferLog(token, from, to common.Address, value int64, block uint64, index uint, tx byte) coretypes.Log {
	return coretypes.Log{
		Address:     token,
		Topics:      []common.Hash{transferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:        common.LeftPadBytes(big.NewInt(value).Bytes(), 32),
		BlockNumber: block,
		Index:       index,
		TxHash:      common.BytesToHash([]byte{tx}),
	}
}

func TestTokenBalanceDecodesBalanceOf(t *testing.T) {
	holder := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	token := common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	backend := &fakeBackend{balances: map[common.Address]*big.Int{holder: big.NewInt(1_250_000)}}
	client := NewWithBackend("fake", "", backend)

	balance, err := client.TokenBalance(context.Background(), token, holder)
	if err != nil {
		t.Fatalf("token balance: %v", err)
	}
	if balance.Int64() != 1_250_000 {
		t.Fatalf("unexpected balance %s", balance)
	}
}

func TestTokenTransfersMergesDirections(t *testing.T) {
	holder := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	other := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	token := common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")

	backend := &fakeBackend{logs: []coretypes.Log{
		transferLog(token, other, holder, 5, 12, 0, 1),
		transferLog(token, holder, other, 3, 10, 2, 2),
		transferLog(token, holder, holder, 1, 12, 4, 3),
		transferLog(token, other, other, 9, 11, 0, 4),
	}}
	client := NewWithBackend("fake", "", backend)

	transfers, err := client.TokenTransfers(context.Background(), web3.TransferQuery{Token: token, Holder: holder})
	if err != nil {
		t.Fatalf("token transfers: %v", err)
	}
	if len(backend.queries) != 2 {
		t.Fatalf("expected outgoing and incoming queries, got %d", len(backend.queries))
	}
	if len(transfers) != 3 {
		t.Fatalf("expected 3 transfers, got %d", len(transfers))
	}
	wantDirections := []string{"out", "in", "self"}
	for i, want := range wantDirections {
		if transfers[i].Direction != want {
			t.Fatalf("transfer %d direction = %s, want %s", i, transfers[i].Direction, want)
		}
	}
	if transfers[0].Value.Int64() != 3 || transfers[0].BlockNumber != 10 {
		t.Fatalf("unexpected first transfer %+v", transfers[0])
	}

	limited, err := client.TokenTransfers(context.Background(), web3.TransferQuery{Token: token, Holder: holder, Limit: 1})
	if err != nil {
		t.Fatalf("limited transfers: %v", err)
	}
	if len(limited) != 1 || limited[0].Direction != "self" {
		t.Fatalf("limit should keep the most recent transfer, got %+v", limited)
	}
}

func TestClosedClientRejectsCalls(t *testing.T) {
	client := NewWithBackend("fake", "", &fakeBackend{})
	client.Close()
	if _, err := client.SuggestGasPrice(context.Background()); err == nil {
		t.Fatal("expected error from closed client")
	}
}

func TestSimulatedChainTransfer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sender := crypto.PubkeyToAddress(key.PublicKey)
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000cc")

	sim := simulated.NewBackend(coretypes.GenesisAlloc{
		sender: {Balance: big.NewInt(1_000_000_000_000_000_000)},
	})
	t.Cleanup(func() { _ = sim.Close() })
	client := NewWithBackend("simulated", "in-memory chain", sim.Client())

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.ChainID != "0x539" {
		t.Fatalf("unexpected chain id %s", snapshot.ChainID)
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		t.Fatalf("gas price: %v", err)
	}
	nonce, err := sim.Client().PendingNonceAt(ctx, sender)
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	chainID := big.NewInt(1337)
	tx, err := coretypes.SignTx(coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &recipient,
		Value:    big.NewInt(42),
		Gas:      21_000,
		GasPrice: new(big.Int).Mul(gasPrice, big.NewInt(2)),
	}), coretypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	if err := sim.Client().SendTransaction(ctx, tx); err != nil {
		t.Fatalf("send tx: %v", err)
	}
	sim.Commit()

	balance, err := client.NativeBalance(ctx, recipient)
	if err != nil {
		t.Fatalf("native balance: %v", err)
	}
	if balance.Int64() != 42 {
		t.Fatalf("unexpected recipient balance %s", balance)
	}

	details, err := client.TransactionDetails(ctx, tx.Hash())
	if err != nil {
		t.Fatalf("transaction details: %v", err)
	}
	if details.Status != "success" || details.Pending {
		t.Fatalf("unexpected details %+v", details)
	}
	if details.From != sender.Hex() || details.To != recipient.Hex() {
		t.Fatalf("unexpected parties %s -> %s", details.From, details.To)
	}
	if details.GasUsed != 21_000 {
		t.Fatalf("unexpected gas used %d", details.GasUsed)
	}
}
