// Package sink delivers decoder estimates to their consumers.
package sink

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/crankshaft/internal/monitoring"
	"github.com/banshee-data/crankshaft/internal/ticks"
	"github.com/banshee-data/crankshaft/internal/units"
)

// Status says whether an estimate reflects live tooth edges.
type Status string

const (
	StatusTracking Status = "tracking"
	StatusNoSignal Status = "no_signal"
)

// Estimate is one published decoder output.
type Estimate struct {
	Angle        float64        `json:"angle"`        // rad, unbounded
	Velocity     float64        `json:"velocity"`     // rad/s
	Acceleration float64        `json:"acceleration"` // rad/s²
	SampleCount  uint64         `json:"sample_count"`
	Status       Status         `json:"status"`
	Interval     ticks.Interval `json:"interval"`
	Time         time.Time      `json:"time"`
}

// RPM returns the velocity in revolutions per minute.
func (e Estimate) RPM() float64 { return units.RadPerSecToRPM(e.Velocity) }

// Sink receives estimates. Publish is called from the decoder goroutine and
// must not block for long.
type Sink interface {
	Publish(Estimate)
}

// Func adapts a function to the Sink interface.
type Func func(Estimate)

func (f Func) Publish(e Estimate) { f(e) }

// Discard drops every estimate.
var Discard Sink = Func(func(Estimate) {})

// Multi fans an estimate out to every sink in order.
type Multi []Sink

func (m Multi) Publish(e Estimate) {
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}

// LogSink writes every Nth tracking estimate, and every no-signal estimate,
// through monitoring.Logf.
type LogSink struct {
	Every uint64
	n     uint64
}

// NewLogSink returns a LogSink logging one estimate in every.
func NewLogSink(every uint64) *LogSink {
	if every == 0 {
		every = 1
	}
	return &LogSink{Every: every}
}

func (l *LogSink) Publish(e Estimate) {
	if e.Status == StatusNoSignal {
		monitoring.Logf("decoder: no signal after %d samples, angle=%.3f rad", e.SampleCount, e.Angle)
		return
	}
	l.n++
	if l.n%l.Every != 0 {
		return
	}
	monitoring.Logf("decoder: samples=%d angle=%.3f rad velocity=%.2f rad/s (%.0f rpm) accel=%.2f rad/s² interval=%d",
		e.SampleCount, e.Angle, e.Velocity, e.RPM(), e.Acceleration, e.Interval)
}

// ChanSink hands estimates to a buffered channel without blocking. Estimates
// that do not fit are dropped and counted.
type ChanSink struct {
	C       chan Estimate
	dropped atomic.Uint64
}

// NewChanSink creates a ChanSink with the given buffer size.
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{C: make(chan Estimate, buffer)}
}

func (c *ChanSink) Publish(e Estimate) {
	select {
	case c.C <- e:
	default:
		c.dropped.Add(1)
	}
}

// Dropped returns how many estimates did not fit in the channel.
func (c *ChanSink) Dropped() uint64 { return c.dropped.Load() }

// History keeps the most recent estimates in memory for the debug pages.
// It is safe for concurrent use.
type History struct {
	mu    sync.RWMutex
	buf   []Estimate
	head  int
	count int
}

// NewHistory creates a History retaining up to capacity estimates.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{buf: make([]Estimate, capacity)}
}

func (h *History) Publish(e Estimate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.head] = e
	h.head = (h.head + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
}

// Snapshot returns the retained estimates, oldest first.
func (h *History) Snapshot() []Estimate {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Estimate, 0, h.count)
	start := (h.head - h.count + len(h.buf)) % len(h.buf)
	for i := 0; i < h.count; i++ {
		out = append(out, h.buf[(start+i)%len(h.buf)])
	}
	return out
}

// Latest returns the most recent estimate.
func (h *History) Latest() (Estimate, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.count == 0 {
		return Estimate{}, false
	}
	return h.buf[(h.head-1+len(h.buf))%len(h.buf)], true
}

// Len returns the number of retained estimates.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}
