package nonce

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Outcome describes why a reservation was released without a commit.
type Outcome string

const (
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Recorder receives nonce manager events, typically for metrics.
// Implementations must be safe for concurrent use across managers.
type Recorder interface {
	ObserveGuardWait(address common.Address, wait time.Duration)
	ObserveChainQuery(address common.Address, err error, took time.Duration)
	RecordCommit(address common.Address, nonce uint64)
	RecordRollback(address common.Address, nonce uint64, outcome Outcome)
}

// NopRecorder discards all events.
type NopRecorder struct{}

func (NopRecorder) ObserveGuardWait(common.Address, time.Duration)         {}
func (NopRecorder) ObserveChainQuery(common.Address, error, time.Duration) {}
func (NopRecorder) RecordCommit(common.Address, uint64)                    {}
func (NopRecorder) RecordRollback(common.Address, uint64, Outcome)         {}
