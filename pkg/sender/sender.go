// Package sender provides async transaction sending with backpressure.
package sender

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gateway-fm/noncemanager/pkg/types"
)

// ErrAtCapacity is returned when the sender cannot accept more transactions.
var ErrAtCapacity = errors.New("sender at capacity")

// Submitter sends a single transaction. The nonce manager middleware is the
// usual implementation.
type Submitter interface {
	SendTransaction(ctx context.Context, tx *types.TxRequest) (*types.PendingTransaction, error)
}

// Callback receives the result of an async send.
type Callback func(pending *types.PendingTransaction, err error)

// Sender handles async transaction sending with semaphore-based backpressure.
type Sender struct {
	submitter Submitter
	semaphore chan struct{}
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// Config for creating a Sender.
type Config struct {
	Submitter   Submitter
	Concurrency int // Max concurrent sends (default: 64)
	Logger      *slog.Logger
}

// New creates a new Sender.
func New(cfg Config) *Sender {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 64
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sender{
		submitter: cfg.Submitter,
		semaphore: make(chan struct{}, concurrency),
		logger:    logger,
	}
}

// SendAsync sends a transaction asynchronously.
// Returns true if the send was queued, false if at capacity.
// The callback is called with the result (on a goroutine).
func (s *Sender) SendAsync(ctx context.Context, tx *types.TxRequest, callback Callback) bool {
	select {
	case s.semaphore <- struct{}{}: // Acquired semaphore
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.semaphore }() // Release semaphore

			pending, err := s.submitter.SendTransaction(ctx, tx)
			if err != nil {
				s.logger.Debug("async send failed", slog.String("error", err.Error()))
			}
			if callback != nil {
				callback(pending, err)
			}
		}()
		return true

	default:
		return false // At capacity
	}
}

// TrySend attempts to send a transaction.
// Returns ErrAtCapacity if the sender cannot accept more transactions.
// Otherwise returns nil immediately (actual send result comes via callback).
func (s *Sender) TrySend(ctx context.Context, tx *types.TxRequest, callback Callback) error {
	if s.SendAsync(ctx, tx, callback) {
		return nil
	}
	return ErrAtCapacity
}

// Wait blocks until every queued send has finished and its callback returned.
func (s *Sender) Wait() {
	s.wg.Wait()
}

// Available returns the number of available send slots.
func (s *Sender) Available() int {
	return cap(s.semaphore) - len(s.semaphore)
}

// Capacity returns the total send capacity.
func (s *Sender) Capacity() int {
	return cap(s.semaphore)
}

// InFlight returns the number of transactions currently being sent.
func (s *Sender) InFlight() int {
	return len(s.semaphore)
}
