// Package capture provides the edge-timestamp sources the decoder reads from.
//
// A Source yields the raw capture-counter value latched at each tooth edge. The
// counter width and tick rate describe how to interpret those values; both are
// fixed for the life of a source.
package capture

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/crankshaft/internal/ticks"
)

var (
	// ErrClosed is returned by AwaitNextEdge once the source has been closed.
	ErrClosed = errors.New("capture source closed")
	// ErrTimeout is returned when no edge arrived before the context deadline.
	ErrTimeout = errors.New("timed out waiting for edge")
)

// Source is a stream of tooth-edge timestamps.
type Source interface {
	// AwaitNextEdge blocks until the next edge or until ctx is done. A ctx
	// deadline expiring yields ErrTimeout; cancellation yields ctx.Err().
	AwaitNextEdge(ctx context.Context) (ticks.RawTick, error)
	// CounterWidthBits is the capture counter width W (16 or 32).
	CounterWidthBits() uint8
	// TicksPerSecond is the capture counter rate.
	TicksPerSecond() uint32
	Close() error
}

// Edge is a captured timestamp handed between a reader goroutine and
// AwaitNextEdge.
type Edge struct {
	Tick ticks.RawTick
	Err  error
}

// awaitEdge waits on ch, translating context expiry into the Source error
// contract. A closed channel reports ErrClosed.
func awaitEdge(ctx context.Context, ch <-chan Edge, closed <-chan struct{}) (ticks.RawTick, error) {
	select {
	case e, ok := <-ch:
		if !ok {
			return 0, ErrClosed
		}
		return e.Tick, e.Err
	case <-closed:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, contextErr(ctx)
	}
}

func contextErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

// DurationToTicks converts a monotonic timestamp to a counter value at tps,
// wrapped to width. Seconds and the sub-second remainder are scaled
// separately so long uptimes do not overflow.
func DurationToTicks(d time.Duration, tps uint32, width ticks.CounterWidth) ticks.RawTick {
	if d < 0 {
		d = 0
	}
	ns := uint64(d)
	sec, rem := ns/uint64(time.Second), ns%uint64(time.Second)
	t := sec*uint64(tps) + rem*uint64(tps)/uint64(time.Second)
	return ticks.RawTick(uint32(t) & width.Mask())
}
