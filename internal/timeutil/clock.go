// Package timeutil abstracts the wall clock so pacing and timeouts can be
// driven by hand in tests.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the subset of the time package used for pacing edges, stamping
// estimates and periodic logging.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Until(t time.Time) time.Duration
	NewTimer(d time.Duration) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer is a single event timer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Ticker delivers ticks at a fixed period.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	Reset(d time.Duration)
}

// RealClock implements Clock with the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }
func (RealClock) Until(t time.Time) time.Duration { return time.Until(t) }

func (RealClock) NewTimer(d time.Duration) Timer {
	return &realTimer{timer: time.NewTimer(d)}
}

func (RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

type realTimer struct{ timer *time.Timer }

func (t *realTimer) C() <-chan time.Time        { return t.timer.C }
func (t *realTimer) Stop() bool                 { return t.timer.Stop() }
func (t *realTimer) Reset(d time.Duration) bool { return t.timer.Reset(d) }

type realTicker struct{ ticker *time.Ticker }

func (t *realTicker) C() <-chan time.Time   { return t.ticker.C }
func (t *realTicker) Stop()                 { t.ticker.Stop() }
func (t *realTicker) Reset(d time.Duration) { t.ticker.Reset(d) }

// MockClock only moves when Advance is called. Timers and tickers created
// from it fire during Advance.
type MockClock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	now     time.Time
	timers  []*MockTimer
	tickers []*MockTicker
}

func NewMockClock(t time.Time) *MockClock {
	c := &MockClock{now: t}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }
func (c *MockClock) Until(t time.Time) time.Duration { return t.Sub(c.Now()) }

// Advance moves the clock forward and fires everything that fell due.
// Stopped timers and tickers are forgotten.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now

	timers := c.timers[:0]
	for _, t := range c.timers {
		if t.fire(now) {
			timers = append(timers, t)
		}
	}
	c.timers = timers

	tickers := c.tickers[:0]
	for _, t := range c.tickers {
		if t.fire(now) {
			tickers = append(tickers, t)
		}
	}
	c.tickers = tickers
	c.mu.Unlock()
}

// Waiters returns the number of armed timers and running tickers.
func (c *MockClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitersLocked()
}

func (c *MockClock) waitersLocked() int {
	n := 0
	for _, t := range c.timers {
		if t.armed() {
			n++
		}
	}
	for _, t := range c.tickers {
		if t.running() {
			n++
		}
	}
	return n
}

// BlockUntil waits until at least n timers or tickers are armed, so a test
// can Advance knowing the goroutine under test is already waiting.
func (c *MockClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.waitersLocked() < n {
		c.cond.Wait()
	}
}

func (c *MockClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &MockTimer{clock: c, ch: make(chan time.Time, 1), deadline: c.now.Add(d)}
	c.timers = append(c.timers, t)
	c.cond.Broadcast()
	return t
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("timeutil: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &MockTicker{ch: make(chan time.Time, 1), interval: d, next: c.now.Add(d)}
	c.tickers = append(c.tickers, t)
	c.cond.Broadcast()
	return t
}

// MockTimer fires once when its clock passes the deadline.
type MockTimer struct {
	clock    *MockClock
	mu       sync.Mutex
	ch       chan time.Time
	deadline time.Time
	stopped  bool
	fired    bool
}

func (t *MockTimer) C() <-chan time.Time { return t.ch }

func (t *MockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// Reset rearms the timer d after the clock's current time.
func (t *MockTimer) Reset(d time.Duration) bool {
	now := t.clock.Now()
	t.mu.Lock()
	was := !t.stopped && !t.fired
	t.stopped, t.fired = false, false
	t.deadline = now.Add(d)
	t.mu.Unlock()

	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	for _, existing := range t.clock.timers {
		if existing == t {
			t.clock.cond.Broadcast()
			return was
		}
	}
	t.clock.timers = append(t.clock.timers, t)
	t.clock.cond.Broadcast()
	return was
}

func (t *MockTimer) armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped && !t.fired
}

// fire reports whether the timer is still armed afterwards.
func (t *MockTimer) fire(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	if now.Before(t.deadline) {
		return true
	}
	t.fired = true
	select {
	case t.ch <- now:
	default:
	}
	return false
}

// MockTicker fires each time its clock passes the next tick. Like
// time.Ticker it drops ticks for slow receivers.
type MockTicker struct {
	mu       sync.Mutex
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

func (t *MockTicker) C() <-chan time.Time { return t.ch }

func (t *MockTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

// Reset changes the period. The next tick is one new period after the last
// scheduled one.
func (t *MockTicker) Reset(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next = t.next.Add(d - t.interval)
	t.interval = d
}

func (t *MockTicker) running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

func (t *MockTicker) fire(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	if now.Before(t.next) {
		return true
	}
	select {
	case t.ch <- now:
	default:
	}
	for !t.next.After(now) {
		t.next = t.next.Add(t.interval)
	}
	return true
}
