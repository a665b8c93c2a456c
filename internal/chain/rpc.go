// Package chain reads IBC packet events from a source chain.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SWAI-Ltd/aerorelay/internal/packet"
)

// Block is the header data the relayer needs from a source block.
type Block struct {
	ChainID string
	Height  uint64
	Hash    string
	Time    time.Time
}

// RPC is the source chain node interface. Implementations classify their
// errors as *RetryableIngestError or *FatalIngestError.
type RPC interface {
	LatestHeight(ctx context.Context) (uint64, error)
	GetBlock(ctx context.Context, height uint64) (*Block, error)
	// GetEvents returns the events emitted in blocks from..to inclusive, in
	// block order. Chain ids on the returned events may be empty.
	GetEvents(ctx context.Context, from, to uint64) ([]packet.RawEvent, error)
}

// RetryableIngestError is a failure that may clear on its own: connection
// errors, timeouts, overloaded nodes, heights the node has not reached yet.
type RetryableIngestError struct {
	Height uint64
	Op     string
	Err    error
}

func (e *RetryableIngestError) Error() string {
	if e.Height > 0 {
		return fmt.Sprintf("%s at height %d: %v", e.Op, e.Height, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RetryableIngestError) Unwrap() error { return e.Err }

// FatalIngestError is a response the relayer can never make sense of, such as
// a malformed block result. The height it names is skipped.
type FatalIngestError struct {
	Height uint64
	Op     string
	Err    error
}

func (e *FatalIngestError) Error() string {
	return fmt.Sprintf("%s at height %d: %v", e.Op, e.Height, e.Err)
}

func (e *FatalIngestError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a retryable ingestion error.
func IsRetryable(err error) bool {
	var re *RetryableIngestError
	return errors.As(err, &re)
}
