// Package types contains the public data types shared by the nonce manager,
// the middleware and the concrete clients.
package types

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// BlockTag selects the chain state a query runs against.
type BlockTag string

const (
	BlockPending BlockTag = "pending" // Includes transactions still in the mempool
	BlockLatest  BlockTag = "latest"
)

// BlockNumber returns a tag for a specific block height.
func BlockNumber(n uint64) BlockTag {
	return BlockTag(hexutil.EncodeUint64(n))
}

// OrPending returns the tag, or BlockPending if the tag is empty.
func (t BlockTag) OrPending() BlockTag {
	if t == "" {
		return BlockPending
	}
	return t
}

// ErrNonceNotSet is returned when a transaction is built before a nonce was assigned.
var ErrNonceNotSet = errors.New("transaction nonce not set")

// TxRequest is a transaction under construction. Fields left nil or zero are
// filled in by the client; Nonce is assigned by the nonce manager.
type TxRequest struct {
	From       common.Address
	To         *common.Address // nil for contract creation
	Nonce      *uint64
	Gas        uint64
	GasPrice   *big.Int // Legacy (type 0) pricing
	GasTipCap  *big.Int // EIP-1559 priority fee
	GasFeeCap  *big.Int // EIP-1559 max fee per gas
	Value      *big.Int
	Data       []byte
	ChainID    *big.Int
	AccessList gethtypes.AccessList
}

// SetNonce writes the nonce into the request.
func (r *TxRequest) SetNonce(nonce uint64) {
	r.Nonce = &nonce
}

// NonceValue returns the nonce and whether one has been set.
func (r *TxRequest) NonceValue() (uint64, bool) {
	if r.Nonce == nil {
		return 0, false
	}
	return *r.Nonce, true
}

// IsLegacy reports whether the request prices gas with a single gas price.
func (r *TxRequest) IsLegacy() bool {
	return r.GasPrice != nil && r.GasTipCap == nil && r.GasFeeCap == nil
}

// Clone returns a deep copy of the request.
func (r *TxRequest) Clone() *TxRequest {
	c := *r
	if r.To != nil {
		to := *r.To
		c.To = &to
	}
	if r.Nonce != nil {
		n := *r.Nonce
		c.Nonce = &n
	}
	c.GasPrice = cloneBig(r.GasPrice)
	c.GasTipCap = cloneBig(r.GasTipCap)
	c.GasFeeCap = cloneBig(r.GasFeeCap)
	c.Value = cloneBig(r.Value)
	c.ChainID = cloneBig(r.ChainID)
	if r.Data != nil {
		c.Data = append([]byte(nil), r.Data...)
	}
	if r.AccessList != nil {
		c.AccessList = append(gethtypes.AccessList(nil), r.AccessList...)
	}
	return &c
}

// ToTransaction builds an unsigned go-ethereum transaction.
// Legacy requests become LegacyTx, requests with an access list and a gas price
// become AccessListTx, everything else becomes DynamicFeeTx.
func (r *TxRequest) ToTransaction() (*gethtypes.Transaction, error) {
	nonce, ok := r.NonceValue()
	if !ok {
		return nil, ErrNonceNotSet
	}

	value := r.Value
	if value == nil {
		value = new(big.Int)
	}

	switch {
	case r.GasPrice != nil && r.GasTipCap == nil && r.GasFeeCap == nil && len(r.AccessList) == 0:
		return gethtypes.NewTx(&gethtypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: r.GasPrice,
			Gas:      r.Gas,
			To:       r.To,
			Value:    value,
			Data:     r.Data,
		}), nil
	case r.GasPrice != nil && r.GasTipCap == nil && r.GasFeeCap == nil:
		if r.ChainID == nil {
			return nil, fmt.Errorf("access list transaction requires a chain ID")
		}
		return gethtypes.NewTx(&gethtypes.AccessListTx{
			ChainID:    r.ChainID,
			Nonce:      nonce,
			GasPrice:   r.GasPrice,
			Gas:        r.Gas,
			To:         r.To,
			Value:      value,
			Data:       r.Data,
			AccessList: r.AccessList,
		}), nil
	}

	if r.ChainID == nil || r.ChainID.Sign() == 0 {
		return nil, fmt.Errorf("ChainID must be non-nil and non-zero")
	}
	if r.GasTipCap == nil || r.GasFeeCap == nil {
		return nil, fmt.Errorf("dynamic fee transaction requires tip and fee caps")
	}
	return gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:    r.ChainID,
		Nonce:      nonce,
		GasTipCap:  r.GasTipCap,
		GasFeeCap:  r.GasFeeCap,
		Gas:        r.Gas,
		To:         r.To,
		Value:      value,
		Data:       r.Data,
		AccessList: r.AccessList,
	}), nil
}

// PendingTransaction is the handle returned once a transaction was broadcast.
type PendingTransaction struct {
	Hash   common.Hash    `json:"hash"`
	From   common.Address `json:"from"`
	Nonce  uint64         `json:"nonce"`
	SentAt time.Time      `json:"sentAt"`
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
