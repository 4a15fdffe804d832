// Package provider implements a chain client over JSON-RPC that fills and
// signs transactions with a local private key.
package provider

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/noncemanager/internal/rpc"
	"github.com/gateway-fm/noncemanager/pkg/middleware"
	ptypes "github.com/gateway-fm/noncemanager/pkg/types"
)

var (
	// ErrMissingNonce is returned when a transaction reaches the provider without a nonce.
	ErrMissingNonce = errors.New("provider: transaction has no nonce")

	// ErrFromMismatch is returned when a transaction's sender is not the signing key's address.
	ErrFromMismatch = errors.New("provider: from address does not match signer")
)

// Config for creating a Provider.
type Config struct {
	// ChainID skips the eth_chainId query when set.
	ChainID *big.Int
	// UseLegacy fills type 0 transactions with a single gas price.
	UseLegacy bool
	// GasLimitMultiplier scales gas estimates (default: 1.2).
	GasLimitMultiplier float64
	Logger             *slog.Logger
	// Observer receives RPC call timings for connections opened by Dial.
	Observer rpc.Observer
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		GasLimitMultiplier: 1.2,
	}
}

// Provider signs transactions for one key and sends them over JSON-RPC.
type Provider struct {
	eth        *rpc.Eth
	key        *ecdsa.PrivateKey
	address    common.Address
	useLegacy  bool
	multiplier float64
	logger     *slog.Logger

	mu      sync.Mutex
	chainID *big.Int
	signer  types.Signer
}

var _ middleware.Client = (*Provider)(nil)

// New creates a Provider that talks to the node through caller.
func New(caller rpc.Caller, key *ecdsa.PrivateKey, cfg Config) *Provider {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	multiplier := cfg.GasLimitMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	p := &Provider{
		eth:        rpc.NewEth(caller),
		key:        key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		useLegacy:  cfg.UseLegacy,
		multiplier: multiplier,
		logger:     logger,
	}
	if cfg.ChainID != nil {
		p.setChainID(cfg.ChainID)
	}
	return p
}

// Dial connects to url over HTTP or WebSocket and returns a Provider.
func Dial(ctx context.Context, url string, key *ecdsa.PrivateKey, cfg Config) (*Provider, error) {
	rpcCfg := rpc.DefaultClientConfig(url)
	rpcCfg.Logger = cfg.Logger
	rpcCfg.Observer = cfg.Observer

	caller, err := rpc.Dial(ctx, rpcCfg)
	if err != nil {
		return nil, err
	}
	return New(caller, key, cfg), nil
}

// Address returns the signing key's address.
func (p *Provider) Address() common.Address {
	return p.address
}

// Close closes the underlying RPC connection.
func (p *Provider) Close() error {
	return p.eth.Caller().Close()
}

// TransactionCount returns the number of transactions sent from account at block.
func (p *Provider) TransactionCount(ctx context.Context, account common.Address, block ptypes.BlockTag) (uint64, error) {
	return p.eth.TransactionCount(ctx, account, string(block.OrPending()))
}

// ChainID returns the chain ID, querying the node once and caching the result.
func (p *Provider) ChainID(ctx context.Context) (*big.Int, error) {
	p.mu.Lock()
	cached := p.chainID
	p.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	id, err := p.eth.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	p.setChainID(id)
	return new(big.Int).Set(id), nil
}

func (p *Provider) setChainID(id *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chainID = new(big.Int).Set(id)
	p.signer = types.LatestSignerForChainID(p.chainID)
}

// GasPrice returns the node's legacy gas price.
func (p *Provider) GasPrice(ctx context.Context) (*big.Int, error) {
	return p.eth.GasPrice(ctx)
}

// SuggestGasTipCap returns the node's priority fee suggestion.
func (p *Provider) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return p.eth.MaxPriorityFeePerGas(ctx)
}

// EstimateGas estimates the gas needed to execute tx.
func (p *Provider) EstimateGas(ctx context.Context, tx *ptypes.TxRequest) (uint64, error) {
	msg := rpc.CallMsg{
		From:                 tx.From,
		To:                   tx.To,
		Gas:                  hexutil.Uint64(tx.Gas),
		GasPrice:             (*hexutil.Big)(tx.GasPrice),
		MaxFeePerGas:         (*hexutil.Big)(tx.GasFeeCap),
		MaxPriorityFeePerGas: (*hexutil.Big)(tx.GasTipCap),
		Value:                (*hexutil.Big)(tx.Value),
		Data:                 tx.Data,
	}
	if msg.From == (common.Address{}) {
		msg.From = p.address
	}
	return p.eth.EstimateGas(ctx, msg)
}

// BalanceAt returns the balance of account at block.
func (p *Provider) BalanceAt(ctx context.Context, account common.Address, block ptypes.BlockTag) (*big.Int, error) {
	if block == "" {
		block = ptypes.BlockLatest
	}
	return p.eth.BalanceAt(ctx, account, string(block))
}

// FillTransaction sets sender, chain ID, fees and gas limit where they are
// missing. The nonce is left alone.
func (p *Provider) FillTransaction(ctx context.Context, tx *ptypes.TxRequest) error {
	switch tx.From {
	case common.Address{}:
		tx.From = p.address
	case p.address:
	default:
		return fmt.Errorf("%w: got %s, signer is %s", ErrFromMismatch, tx.From.Hex(), p.address.Hex())
	}

	if tx.ChainID == nil {
		id, err := p.ChainID(ctx)
		if err != nil {
			return fmt.Errorf("chain id: %w", err)
		}
		tx.ChainID = id
	}

	if err := p.fillFees(ctx, tx); err != nil {
		return fmt.Errorf("fees: %w", err)
	}

	if tx.Gas == 0 {
		estimate, err := p.EstimateGas(ctx, tx)
		if err != nil {
			return fmt.Errorf("estimate gas: %w", err)
		}
		tx.Gas = p.scaleGas(estimate)
	}
	return nil
}

func (p *Provider) fillFees(ctx context.Context, tx *ptypes.TxRequest) error {
	if tx.IsLegacy() {
		return nil
	}

	if p.useLegacy && tx.GasTipCap == nil && tx.GasFeeCap == nil {
		price, err := p.eth.GasPrice(ctx)
		if err != nil {
			return err
		}
		tx.GasPrice = price
		return nil
	}

	if tx.GasTipCap != nil && tx.GasFeeCap != nil {
		return nil
	}

	baseFee, err := p.eth.BaseFee(ctx)
	if err != nil {
		return err
	}
	if baseFee == nil {
		// Pre-London chain: dynamic fee transactions are not accepted.
		if tx.GasTipCap != nil || tx.GasFeeCap != nil {
			return errors.New("chain does not support EIP-1559 fees")
		}
		price, err := p.eth.GasPrice(ctx)
		if err != nil {
			return err
		}
		tx.GasPrice = price
		return nil
	}

	if tx.GasTipCap == nil {
		tip, err := p.eth.MaxPriorityFeePerGas(ctx)
		if err != nil {
			return err
		}
		tx.GasTipCap = tip
	}
	if tx.GasFeeCap == nil {
		// Headroom for the base fee doubling over the next blocks.
		tx.GasFeeCap = new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tx.GasTipCap)
	}
	tx.GasPrice = nil
	return nil
}

func (p *Provider) scaleGas(estimate uint64) uint64 {
	scaled := math.Ceil(float64(estimate) * p.multiplier)
	if scaled >= math.MaxUint64 {
		return estimate
	}
	return uint64(scaled)
}

// SendTransaction fills, signs and broadcasts tx. The request must already
// carry a nonce; tx itself is not modified.
func (p *Provider) SendTransaction(ctx context.Context, tx *ptypes.TxRequest) (*ptypes.PendingTransaction, error) {
	nonce, ok := tx.NonceValue()
	if !ok {
		return nil, ErrMissingNonce
	}

	req := tx.Clone()
	if err := p.FillTransaction(ctx, req); err != nil {
		return nil, err
	}

	// Build
	unsigned, err := req.ToTransaction()
	if err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}

	// Sign
	signed, err := types.SignTx(unsigned, p.signerFor(req.ChainID), p.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	// Encode
	data, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	sentAt := time.Now()
	hash, err := p.eth.SendRawTransaction(ctx, data)
	if err != nil {
		if !isAlreadyKnown(err) {
			return nil, err
		}
		// The node already holds these exact bytes, typically from a retried
		// send whose first reply was lost. The nonce is consumed.
		p.logger.Debug("transaction already known to node",
			slog.String("hash", signed.Hash().Hex()),
			slog.Uint64("nonce", nonce),
		)
		hash = signed.Hash()
	}
	if hash != signed.Hash() {
		p.logger.Warn("node returned unexpected transaction hash",
			slog.String("expected", signed.Hash().Hex()),
			slog.String("got", hash.Hex()),
		)
	}

	p.logger.Debug("transaction sent",
		slog.String("hash", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce),
	)

	return &ptypes.PendingTransaction{
		Hash:   signed.Hash(),
		From:   p.address,
		Nonce:  nonce,
		SentAt: sentAt,
	}, nil
}

// isAlreadyKnown reports whether the node rejected a raw transaction because it
// is already in its pool.
func isAlreadyKnown(err error) bool {
	var rpcErr *rpc.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func (p *Provider) signerFor(chainID *big.Int) types.Signer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signer != nil && p.chainID.Cmp(chainID) == 0 {
		return p.signer
	}
	return types.LatestSignerForChainID(chainID)
}
