// Package nonce keeps the next transaction nonce for a single account and
// serializes every nonce-affecting operation behind one exclusive guard.
//
// The cached value only advances after the operation that used a nonce
// reports success. A failed or cancelled operation leaves the cache untouched,
// so the same nonce is handed to the next caller.
package nonce

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/semaphore"

	"github.com/gateway-fm/noncemanager/pkg/types"
)

// CountReader supplies the on-chain transaction count used to seed the cache.
type CountReader interface {
	TransactionCount(ctx context.Context, account common.Address, block types.BlockTag) (uint64, error)
}

// Operation is a unit of work that consumes a candidate nonce.
// It must honor ctx; its error decides whether the nonce is committed.
type Operation func(ctx context.Context, nonce uint64) error

// Config holds optional settings for a Manager.
type Config struct {
	// InitialNonce starts the manager initialized at this value and skips the chain query.
	InitialNonce *uint64
	// BlockTag used for the seeding query (default: pending).
	BlockTag types.BlockTag
	Logger   *slog.Logger
	Recorder Recorder
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BlockTag: types.BlockPending,
	}
}

// Manager owns the cached next nonce for exactly one account.
// A Manager must not be copied; share it by pointer.
type Manager struct {
	reader   CountReader
	address  common.Address
	blockTag types.BlockTag
	logger   *slog.Logger
	recorder Recorder

	// guard has weight 1 and protects next and initialized.
	guard       *semaphore.Weighted
	next        uint64
	initialized bool
}

// New creates a Manager for address. The chain is not queried until the
// first reservation unless cfg.InitialNonce is set, in which case it never is
// queried for seeding.
func New(reader CountReader, address common.Address, cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	recorder := cfg.Recorder
	if recorder == nil {
		recorder = NopRecorder{}
	}

	m := &Manager{
		reader:   reader,
		address:  address,
		blockTag: cfg.BlockTag.OrPending(),
		logger:   logger,
		recorder: recorder,
		guard:    semaphore.NewWeighted(1),
	}
	if cfg.InitialNonce != nil {
		m.next = *cfg.InitialNonce
		m.initialized = true
	}
	return m
}

// Address returns the account this manager issues nonces for.
func (m *Manager) Address() common.Address {
	return m.address
}

// Reserve acquires the guard and returns a reservation for the next nonce,
// seeding the cache from the chain on first use. The guard stays held until
// the reservation is committed or rolled back.
//
// Example:
//
//	r, err := m.Reserve(ctx)
//	if err != nil {
//	    return err
//	}
//	defer r.Rollback() // Releases the guard on any error path
//	if err := r.Run(ctx, send); err != nil {
//	    return err
//	}
//	r.Commit()
func (m *Manager) Reserve(ctx context.Context) (*Reservation, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}

	if err := m.initLocked(ctx); err != nil {
		m.guard.Release(1)
		return nil, err
	}

	return &Reservation{
		manager: m,
		value:   m.next,
	}, nil
}

// ReserveAndCommit runs op with the next nonce while holding the guard.
// On success the cache advances to the used nonce plus one; on failure it is
// left unchanged and op's error is returned. The nonce handed to op is
// returned in both cases (zero if no nonce could be reserved).
func (m *Manager) ReserveAndCommit(ctx context.Context, op Operation) (uint64, error) {
	r, err := m.Reserve(ctx)
	if err != nil {
		return 0, err
	}
	defer r.Rollback()

	if err := r.Run(ctx, op); err != nil {
		return r.Value(), err
	}

	r.Commit()
	return r.Value(), nil
}

// Initialize seeds the cache from the chain if that has not happened yet and
// returns the next nonce.
func (m *Manager) Initialize(ctx context.Context) (uint64, error) {
	r, err := m.Reserve(ctx)
	if err != nil {
		return 0, err
	}
	defer r.Rollback()
	return r.Value(), nil
}

// Next returns the cached next nonce and whether the cache has been seeded.
func (m *Manager) Next(ctx context.Context) (uint64, bool, error) {
	if err := m.acquire(ctx); err != nil {
		return 0, false, err
	}
	defer m.guard.Release(1)
	return m.next, m.initialized, nil
}

func (m *Manager) acquire(ctx context.Context) error {
	start := time.Now()
	if err := m.guard.Acquire(ctx, 1); err != nil {
		return cancelled(err)
	}
	m.recorder.ObserveGuardWait(m.address, time.Since(start))
	return nil
}

// initLocked seeds the cache. Caller must hold the guard.
func (m *Manager) initLocked(ctx context.Context) error {
	if m.initialized {
		return nil
	}

	count, err := m.queryLocked(ctx)
	if err != nil {
		return err
	}

	m.next = count
	m.initialized = true
	m.logger.Info("nonce initialized from chain",
		slog.String("address", m.address.Hex()),
		slog.String("block", string(m.blockTag)),
		slog.Uint64("nonce", count),
	)
	return nil
}

// queryLocked fetches the transaction count. Caller must hold the guard.
func (m *Manager) queryLocked(ctx context.Context) (uint64, error) {
	start := time.Now()
	count, err := m.reader.TransactionCount(ctx, m.address, m.blockTag)
	m.recorder.ObserveChainQuery(m.address, err, time.Since(start))
	if err != nil {
		m.logger.Warn("transaction count query failed",
			slog.String("address", m.address.Hex()),
			slog.String("err", err.Error()),
		)
		return 0, &ChainQueryError{Address: m.address, Block: m.blockTag, Err: err}
	}
	return count, nil
}
