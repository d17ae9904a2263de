package ethereum

import (
	"math/big"
	"strings"

	"OpenMCP-Paygate/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

var (
	erc20ABI      = mustParseABI(erc20ABIJSON)
	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

func decodeTransfer(lg coretypes.Log, holder common.Address) (web3.TokenTransfer, bool) {
	if len(lg.Topics) != 3 || lg.Topics[0] != transferTopic || len(lg.Data) < 32 {
		return web3.TokenTransfer{}, false
	}
	from := common.BytesToAddress(lg.Topics[1].Bytes())
	to := common.BytesToAddress(lg.Topics[2].Bytes())

	direction := "in"
	switch {
	case from == holder && to == holder:
		direction = "self"
	case from == holder:
		direction = "out"
	}

	return web3.TokenTransfer{
		Token:       lg.Address.Hex(),
		TxHash:      lg.TxHash.Hex(),
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
		From:        from.Hex(),
		To:          to.Hex(),
		Value:       new(big.Int).SetBytes(lg.Data[:32]),
		Direction:   direction,
	}, true
}
