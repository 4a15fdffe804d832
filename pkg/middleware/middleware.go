// Package middleware wraps a chain client so that transactions sent through
// it get locally managed nonces. Many transactions from one account can be
// sent back-to-back without waiting for each to reach the mempool.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/noncemanager/pkg/nonce"
	"github.com/gateway-fm/noncemanager/pkg/types"
)

// Client is the capability set of a chain client.
type Client interface {
	// TransactionCount returns the number of transactions sent from account at block.
	TransactionCount(ctx context.Context, account common.Address, block types.BlockTag) (uint64, error)

	// ChainID returns the chain ID used for replay protection.
	ChainID(ctx context.Context) (*big.Int, error)

	// GasPrice returns the current legacy gas price.
	GasPrice(ctx context.Context) (*big.Int, error)

	// SuggestGasTipCap returns a priority fee suggestion for EIP-1559 transactions.
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)

	// EstimateGas estimates the gas needed to execute tx.
	EstimateGas(ctx context.Context, tx *types.TxRequest) (uint64, error)

	// BalanceAt returns the balance of account at block.
	BalanceAt(ctx context.Context, account common.Address, block types.BlockTag) (*big.Int, error)

	// FillTransaction populates the missing fields of tx in place.
	FillTransaction(ctx context.Context, tx *types.TxRequest) error

	// SendTransaction fills, signs and broadcasts tx.
	SendTransaction(ctx context.Context, tx *types.TxRequest) (*types.PendingTransaction, error)
}

// Config for creating a NonceManagerMiddleware.
type Config struct {
	nonce.Config

	// ResyncOnFailure re-queries the pending count after a failed send. If the
	// chain is ahead of the attempted nonce, the send is retried once with the
	// chain's count.
	ResyncOnFailure bool

	// RespectPresetNonce forwards transactions that already carry a nonce
	// without touching the managed counter.
	RespectPresetNonce bool
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Config: nonce.DefaultConfig(),
	}
}

// NonceManagerMiddleware assigns nonces to filled and sent transactions.
// Every other Client capability is forwarded to the inner client unchanged.
// Copies of the middleware share the same nonce state.
type NonceManagerMiddleware struct {
	Client

	manager         *nonce.Manager
	resyncOnFailure bool
	respectPreset   bool
	logger          *slog.Logger
}

var _ Client = (*NonceManagerMiddleware)(nil)

// New wraps inner and manages nonces for address, the account transactions are sent from.
func New(inner Client, address common.Address, cfg Config) *NonceManagerMiddleware {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Logger = logger

	return &NonceManagerMiddleware{
		Client:          inner,
		manager:         nonce.New(inner, address, cfg.Config),
		resyncOnFailure: cfg.ResyncOnFailure,
		respectPreset:   cfg.RespectPresetNonce,
		logger:          logger,
	}
}

// Inner returns the wrapped client.
func (m *NonceManagerMiddleware) Inner() Client {
	return m.Client
}

// Manager returns the nonce manager backing this middleware.
func (m *NonceManagerMiddleware) Manager() *nonce.Manager {
	return m.manager
}

// Address returns the managed account.
func (m *NonceManagerMiddleware) Address() common.Address {
	return m.manager.Address()
}

// Initialize seeds the nonce from the chain and returns the next nonce.
func (m *NonceManagerMiddleware) Initialize(ctx context.Context) (uint64, error) {
	return m.manager.Initialize(ctx)
}

// Next returns the next nonce that will be assigned and whether it has been seeded.
func (m *NonceManagerMiddleware) Next(ctx context.Context) (uint64, bool, error) {
	return m.manager.Next(ctx)
}

// FillTransaction assigns the next nonce to tx and lets the inner client fill
// the rest. The counter advances when the inner fill succeeds; on failure tx
// is left as it was.
//
// Every successful call consumes a nonce, including a fill that is later
// followed by SendTransaction on the same request. Callers that fill first
// should send the filled request through the inner client, or enable
// RespectPresetNonce.
func (m *NonceManagerMiddleware) FillTransaction(ctx context.Context, tx *types.TxRequest) error {
	if m.passThrough(tx) {
		return m.Client.FillTransaction(ctx, tx)
	}

	var filled *types.TxRequest
	_, err := m.manager.ReserveAndCommit(ctx, func(ctx context.Context, n uint64) error {
		req := tx.Clone()
		req.SetNonce(n)
		if err := m.Client.FillTransaction(ctx, req); err != nil {
			return err
		}
		filled = req
		return nil
	})
	if err != nil {
		return err
	}

	*tx = *filled
	return nil
}

// SendTransaction assigns the next nonce to a copy of tx and sends it through
// the inner client. The counter advances only when the send succeeds.
func (m *NonceManagerMiddleware) SendTransaction(ctx context.Context, tx *types.TxRequest) (*types.PendingTransaction, error) {
	if m.passThrough(tx) {
		return m.Client.SendTransaction(ctx, tx)
	}

	r, err := m.manager.Reserve(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Rollback()

	var pending *types.PendingTransaction
	send := func(ctx context.Context, n uint64) error {
		req := tx.Clone()
		req.SetNonce(n)
		p, err := m.Client.SendTransaction(ctx, req)
		if err != nil {
			return err
		}
		pending = p
		return nil
	}

	err = r.Run(ctx, send)
	if err != nil && m.resyncOnFailure && !errors.Is(err, nonce.ErrCancelled) {
		err = m.retryAfterResync(ctx, r, send, err)
	}
	if err != nil {
		return nil, err
	}

	r.Commit()
	return pending, nil
}

// retryAfterResync retries a failed send once if the chain moved past the
// reserved nonce. It returns the error the caller should see.
func (m *NonceManagerMiddleware) retryAfterResync(ctx context.Context, r *nonce.Reservation, send nonce.Operation, sendErr error) error {
	attempted := r.Value()

	moved, err := r.Resync(ctx)
	if err != nil {
		return errors.Join(sendErr, err)
	}
	if !moved {
		return sendErr
	}

	m.logger.Info("retrying send with resynced nonce",
		slog.String("address", m.manager.Address().Hex()),
		slog.Uint64("attempted", attempted),
		slog.Uint64("nonce", r.Value()),
		slog.String("err", sendErr.Error()),
	)
	return r.Run(ctx, send)
}

func (m *NonceManagerMiddleware) passThrough(tx *types.TxRequest) bool {
	return m.respectPreset && tx.Nonce != nil
}
