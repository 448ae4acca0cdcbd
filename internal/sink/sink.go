// Package sink contains the consumers of the gaze sample stream. Each sink
// persists or transmits samples independently; a failing sink never affects
// the producer or its peers.
package sink

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gazecap/gazecapd/internal/gaze"
)

// ErrExhausted marks a sink that hit its retry ceiling and stopped
// consuming. The bus drains its queue via the drop policy from then on.
var ErrExhausted = errors.New("sink exhausted")

// Error is a sink failure. Transient errors are retried by the sink itself;
// an Exhausted error ends consumption.
type Error struct {
	Sink string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Stats is a point-in-time view of a sink's delivery counters.
type Stats struct {
	Consumed uint64 `json:"consumed"`
	// Lost counts samples the sink accepted but could not deliver
	// (dropped batches, failed writes). Loss is reported, never silent.
	Lost uint64 `json:"lost"`
}

// Sink consumes samples handed over by the bus worker.
//
// Consume is called from a single goroutine per sink. Flush forces out any
// buffered data; Close flushes and releases resources.
type Sink interface {
	Name() string
	Consume(s *gaze.Sample) error
	Flush() error
	Close() error
	Stats() Stats
}

// counters is embedded by sink implementations for shared bookkeeping.
type counters struct {
	consumed atomic.Uint64
	lost     atomic.Uint64
}

func (c *counters) Stats() Stats {
	return Stats{
		Consumed: c.consumed.Load(),
		Lost:     c.lost.Load(),
	}
}
