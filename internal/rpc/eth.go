package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Eth exposes the eth_* methods used for filling and sending transactions.
type Eth struct {
	caller Caller
}

// NewEth wraps caller with typed eth_* methods.
func NewEth(caller Caller) *Eth {
	return &Eth{caller: caller}
}

// Caller returns the underlying JSON-RPC caller.
func (e *Eth) Caller() Caller {
	return e.caller
}

// CallMsg is the transaction object accepted by eth_estimateGas.
type CallMsg struct {
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Gas                  hexutil.Uint64  `json:"gas,omitempty"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	Value                *hexutil.Big    `json:"value,omitempty"`
	Data                 hexutil.Bytes   `json:"data,omitempty"`
}

// TransactionCount returns the number of transactions sent from address at block
// ("pending", "latest" or a hex block number).
func (e *Eth) TransactionCount(ctx context.Context, address common.Address, block string) (uint64, error) {
	result, err := e.caller.Call(ctx, "eth_getTransactionCount", []interface{}{address, block})
	if err != nil {
		return 0, err
	}
	return decodeUint64(result, "transaction count")
}

// ChainID returns the chain ID.
func (e *Eth) ChainID(ctx context.Context) (*big.Int, error) {
	result, err := e.caller.Call(ctx, "eth_chainId", nil)
	if err != nil {
		return nil, err
	}
	return decodeBig(result, "chain id")
}

// GasPrice returns the current gas price from the node.
func (e *Eth) GasPrice(ctx context.Context) (*big.Int, error) {
	result, err := e.caller.Call(ctx, "eth_gasPrice", nil)
	if err != nil {
		return nil, err
	}
	return decodeBig(result, "gas price")
}

// MaxPriorityFeePerGas returns the node's tip suggestion.
func (e *Eth) MaxPriorityFeePerGas(ctx context.Context) (*big.Int, error) {
	result, err := e.caller.Call(ctx, "eth_maxPriorityFeePerGas", nil)
	if err != nil {
		return nil, err
	}
	return decodeBig(result, "priority fee")
}

// BaseFee returns the latest block's baseFeePerGas, or nil before London.
func (e *Eth) BaseFee(ctx context.Context) (*big.Int, error) {
	result, err := e.caller.Call(ctx, "eth_getBlockByNumber", []interface{}{"latest", false})
	if err != nil {
		return nil, err
	}
	if string(result) == "null" {
		return nil, fmt.Errorf("latest block not found")
	}

	var block struct {
		BaseFeePerGas *hexutil.Big `json:"baseFeePerGas"`
	}
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block: %w", err)
	}
	if block.BaseFeePerGas == nil {
		return nil, nil
	}
	return block.BaseFeePerGas.ToInt(), nil
}

// EstimateGas estimates the gas needed to execute msg against the pending state.
func (e *Eth) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	result, err := e.caller.Call(ctx, "eth_estimateGas", []interface{}{msg})
	if err != nil {
		return 0, err
	}
	return decodeUint64(result, "gas estimate")
}

// BalanceAt returns the balance of address at block.
func (e *Eth) BalanceAt(ctx context.Context, address common.Address, block string) (*big.Int, error) {
	result, err := e.caller.Call(ctx, "eth_getBalance", []interface{}{address, block})
	if err != nil {
		return nil, err
	}
	return decodeBig(result, "balance")
}

// SendRawTransaction broadcasts a signed transaction and returns its hash.
func (e *Eth) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	result, err := e.caller.Call(ctx, "eth_sendRawTransaction", []interface{}{hexutil.Encode(raw)})
	if err != nil {
		return common.Hash{}, err
	}

	var hash common.Hash
	if err := json.Unmarshal(result, &hash); err != nil {
		return common.Hash{}, fmt.Errorf("failed to unmarshal tx hash: %w", err)
	}
	return hash, nil
}

func decodeUint64(raw json.RawMessage, what string) (uint64, error) {
	var v hexutil.Uint64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	return uint64(v), nil
}

func decodeBig(raw json.RawMessage, what string) (*big.Int, error) {
	var v hexutil.Big
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	return v.ToInt(), nil
}
