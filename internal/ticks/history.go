// Package ticks holds raw capture-counter timestamps and turns consecutive
// edges into tooth-to-tooth intervals.
//
// Counter values wrap modulo 2^W where W is the hardware counter width. All
// interval arithmetic is done with modular subtraction sized to that width so
// an edge captured just after an overflow still yields a small positive
// interval.
package ticks

import (
	"fmt"
)

// RawTick is a free-running capture counter value frozen at a tooth edge.
type RawTick uint32

// Interval is the number of counter ticks between two consecutive edges.
type Interval uint32

// CounterWidth is the width in bits of the capture counter.
type CounterWidth uint8

// Supported counter widths.
const (
	Width16 CounterWidth = 16
	Width32 CounterWidth = 32
)

// DefaultCapacity is the history depth used when none is configured.
const DefaultCapacity = 128

// Validate reports whether the width is one the decoder supports.
func (w CounterWidth) Validate() error {
	switch w {
	case Width16, Width32:
		return nil
	default:
		return fmt.Errorf("unsupported counter width %d: must be 16 or 32", uint8(w))
	}
}

// Mask returns the bit mask covering the counter range.
func (w CounterWidth) Mask() uint32 {
	if w >= 32 {
		return 0xFFFFFFFF
	}
	return uint32(1)<<w - 1
}

// Modulus returns 2^W as a uint64.
func (w CounterWidth) Modulus() uint64 {
	return uint64(1) << w
}

// IntervalBetween returns (later - earlier) mod 2^W.
func IntervalBetween(earlier, later RawTick, width CounterWidth) Interval {
	mask := width.Mask()
	return Interval((uint32(later) - uint32(earlier)) & mask)
}

// History is a fixed-capacity ring of the most recent edge timestamps. When
// full, a push overwrites the oldest entry. It is not safe for concurrent use;
// the decoder goroutine owns it.
type History struct {
	buf   []RawTick
	head  int // index of the next write
	count int
	width CounterWidth
}

// NewHistory creates a history holding at most capacity ticks of the given
// counter width.
func NewHistory(capacity int, width CounterWidth) (*History, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("history capacity must be positive, got %d", capacity)
	}
	if err := width.Validate(); err != nil {
		return nil, err
	}
	return &History{
		buf:   make([]RawTick, capacity),
		width: width,
	}, nil
}

// Push records tick and returns the interval since the previously most recent
// tick. The boolean is false when this is the first tick recorded.
func (h *History) Push(tick RawTick) (Interval, bool) {
	tick = RawTick(uint32(tick) & h.width.Mask())

	var (
		interval Interval
		ok       bool
	)
	if prev, has := h.Latest(); has {
		interval = IntervalBetween(prev, tick, h.width)
		ok = true
	}

	h.buf[h.head] = tick
	h.head = (h.head + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
	return interval, ok
}

// Latest returns the most recently pushed tick.
func (h *History) Latest() (RawTick, bool) {
	if h.count == 0 {
		return 0, false
	}
	idx := (h.head - 1 + len(h.buf)) % len(h.buf)
	return h.buf[idx], true
}

// Len returns the number of ticks currently held.
func (h *History) Len() int { return h.count }

// Cap returns the fixed capacity.
func (h *History) Cap() int { return len(h.buf) }

// Width returns the counter width used for interval arithmetic.
func (h *History) Width() CounterWidth { return h.width }

// Ticks returns a copy of the held ticks, oldest first.
func (h *History) Ticks() []RawTick {
	out := make([]RawTick, 0, h.count)
	start := (h.head - h.count + len(h.buf)) % len(h.buf)
	for i := 0; i < h.count; i++ {
		out = append(out, h.buf[(start+i)%len(h.buf)])
	}
	return out
}
