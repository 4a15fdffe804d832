package nonce

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Reservation is a candidate nonce issued under the manager's guard.
// It must be either committed or rolled back; both release the guard.
type Reservation struct {
	manager *Manager
	value   uint64
	outcome Outcome
	closed  atomic.Bool
}

// Value returns the candidate nonce.
func (r *Reservation) Value() uint64 {
	return r.value
}

// Run invokes op with the candidate nonce. It does not commit.
//
// If ctx ends before op returns, op is abandoned and ErrCancelled is
// returned. The nonce is not consumed in that case, so a late success of the
// abandoned op can collide with the next caller; it is logged when it happens.
func (r *Reservation) Run(ctx context.Context, op Operation) error {
	if r.closed.Load() {
		return ErrReservationClosed
	}

	done := make(chan error, 1)
	go func() {
		done <- op(ctx, r.value)
	}()

	select {
	case err := <-done:
		return r.finish(ctx, err)
	case <-ctx.Done():
		// Prefer a result that is already available over the cancellation.
		select {
		case err := <-done:
			return r.finish(ctx, err)
		default:
		}
		r.outcome = OutcomeCancelled
		go r.watchAbandoned(done, r.value)
		return cancelled(context.Cause(ctx))
	}
}

func (r *Reservation) finish(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		r.outcome = OutcomeCancelled
		return cancelled(err)
	}
	r.outcome = OutcomeFailed
	return err
}

func (r *Reservation) watchAbandoned(done <-chan error, nonce uint64) {
	if err := <-done; err == nil {
		r.manager.logger.Warn("abandoned operation succeeded after cancellation, nonce may be reused",
			slog.String("address", r.manager.address.Hex()),
			slog.Uint64("nonce", nonce),
		)
	}
}

// Resync queries the chain and moves the candidate forward if the chain's
// count is ahead of it. It reports whether the candidate changed.
// The candidate never moves backwards.
func (r *Reservation) Resync(ctx context.Context) (bool, error) {
	if r.closed.Load() {
		return false, ErrReservationClosed
	}

	count, err := r.manager.queryLocked(ctx)
	if err != nil {
		return false, err
	}
	if count <= r.value {
		return false, nil
	}

	r.manager.logger.Info("nonce behind chain, resynced",
		slog.String("address", r.manager.address.Hex()),
		slog.Uint64("from", r.value),
		slog.Uint64("to", count),
	)
	r.value = count
	return true, nil
}

// Commit marks the candidate as used, advances the cache past it and
// releases the guard. Safe to call multiple times (idempotent).
func (r *Reservation) Commit() {
	if r.closed.Swap(true) {
		return
	}

	m := r.manager
	if r.value+1 > m.next {
		m.next = r.value + 1
	}
	m.recorder.RecordCommit(m.address, r.value)
	m.logger.Debug("nonce committed",
		slog.String("address", m.address.Hex()),
		slog.Uint64("nonce", r.value),
	)
	m.guard.Release(1)
}

// Rollback releases the guard without advancing the cache.
// Safe to call multiple times, and a no-op after Commit.
// Typically called via defer.
func (r *Reservation) Rollback() {
	if r.closed.Swap(true) {
		return
	}

	m := r.manager
	if r.outcome != "" {
		m.recorder.RecordRollback(m.address, r.value, r.outcome)
		m.logger.Debug("nonce rolled back",
			slog.String("address", m.address.Hex()),
			slog.Uint64("nonce", r.value),
			slog.String("outcome", string(r.outcome)),
		)
	}
	m.guard.Release(1)
}
