package capture

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/crankshaft/internal/ticks"
)

// DefaultQueueDepth is the number of edges buffered between an interrupt
// driven reader and the decoder.
const DefaultQueueDepth = 256

// edgeQueue hands edges from a callback or reader goroutine to AwaitNextEdge.
// Producers never block; edges that find the queue full are counted and
// dropped.
type edgeQueue struct {
	ch      chan Edge
	closed  chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func newEdgeQueue(depth int) *edgeQueue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &edgeQueue{
		ch:     make(chan Edge, depth),
		closed: make(chan struct{}),
	}
}

func (q *edgeQueue) push(e Edge) {
	select {
	case <-q.closed:
		return
	default:
	}
	select {
	case q.ch <- e:
	default:
		q.dropped.Add(1)
	}
}

func (q *edgeQueue) await(ctx context.Context) (ticks.RawTick, error) {
	return awaitEdge(ctx, q.ch, q.closed)
}

// close reports whether this call did the closing.
func (q *edgeQueue) close() bool {
	first := false
	q.once.Do(func() {
		close(q.closed)
		first = true
	})
	return first
}

func (q *edgeQueue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}
