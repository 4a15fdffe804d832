package nonce

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/noncemanager/pkg/types"
)

var (
	// ErrCancelled is returned when the context ends while waiting for the
	// guard or while the operation is running. It wraps the context's error.
	ErrCancelled = errors.New("nonce operation cancelled")

	// ErrReservationClosed is returned when a committed or rolled back
	// reservation is used again.
	ErrReservationClosed = errors.New("nonce reservation already closed")
)

// ChainQueryError is returned when the transaction count could not be fetched.
type ChainQueryError struct {
	Address common.Address
	Block   types.BlockTag
	Err     error
}

func (e *ChainQueryError) Error() string {
	return fmt.Sprintf("query transaction count for %s at %s: %v", e.Address.Hex(), e.Block, e.Err)
}

func (e *ChainQueryError) Unwrap() error {
	return e.Err
}

func cancelled(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
