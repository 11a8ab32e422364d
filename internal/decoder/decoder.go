// Package decoder turns a stream of tooth-edge timestamps into shaft angle,
// velocity and acceleration estimates.
//
// A single goroutine owns the tick history and the estimator. For each edge
// the decoder computes the interval since the previous edge, classifies it
// against the running average of recent tooth intervals (normal tooth,
// designed gap, or glitch), converts accepted intervals into an angular
// velocity measurement and feeds it to the Kalman filter.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync/atomic"

	"github.com/banshee-data/crankshaft/internal/capture"
	"github.com/banshee-data/crankshaft/internal/estimator"
	"github.com/banshee-data/crankshaft/internal/monitoring"
	"github.com/banshee-data/crankshaft/internal/sink"
	"github.com/banshee-data/crankshaft/internal/ticks"
	"github.com/banshee-data/crankshaft/internal/timeutil"
	"github.com/banshee-data/crankshaft/internal/wheel"
)

// State is the decoder's tracking state.
type State int32

const (
	// Idle: no edge seen yet.
	Idle State = iota
	// Tracking: edges are arriving and feeding the estimator.
	Tracking
	// Stalled: no edge within the signal timeout.
	Stalled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Tracking:
		return "tracking"
	case Stalled:
		return "stalled"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Stats is a point-in-time copy of the decoder counters.
type Stats struct {
	State          State  `json:"-"`
	StateName      string `json:"state"`
	Edges          uint64 `json:"edges"`
	Accepted       uint64 `json:"accepted"`
	RejectedZero   uint64 `json:"rejected_zero"`
	RejectedGlitch uint64 `json:"rejected_glitch"`
	Gaps           uint64 `json:"gaps"`
	Timeouts       uint64 `json:"timeouts"`
	FilterResets   uint64 `json:"filter_resets"`
	SourceErrors   uint64 `json:"source_errors"`
}

// Decoder is the decoder loop.
type Decoder struct {
	cfg   Config
	geom  wheel.Geometry
	tps   float64
	sink  sink.Sink
	clock timeutil.Clock

	// owned by the decoder goroutine
	history    *ticks.History
	est        *estimator.Estimator
	avg        float64 // running average of normal intervals, ticks; 0 = unseeded
	avgSamples int
	rejects    int

	state          atomic.Int32
	edges          atomic.Uint64
	accepted       atomic.Uint64
	rejectedZero   atomic.Uint64
	rejectedGlitch atomic.Uint64
	gaps           atomic.Uint64
	timeouts       atomic.Uint64
	filterResets   atomic.Uint64
	sourceErrors   atomic.Uint64
}

// New creates a decoder for the given wheel and capture counter. Estimates
// are published to s.
func New(cfg Config, geom wheel.Geometry, width ticks.CounterWidth, ticksPerSecond uint32, s sink.Sink) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if geom.ExpectedToothCount() == 0 {
		return nil, fmt.Errorf("%w: empty geometry", wheel.ErrUnknownGeometry)
	}
	if ticksPerSecond == 0 {
		return nil, errors.New("ticks per second must be positive")
	}
	history, err := ticks.NewHistory(cfg.HistoryCapacity, width)
	if err != nil {
		return nil, err
	}
	est, err := estimator.New(cfg.Estimator)
	if err != nil {
		return nil, err
	}
	if s == nil {
		s = sink.Discard
	}
	return &Decoder{
		cfg:     cfg,
		geom:    geom,
		tps:     float64(ticksPerSecond),
		sink:    s,
		clock:   timeutil.RealClock{},
		history: history,
		est:     est,
	}, nil
}

// SetClock replaces the clock used to timestamp estimates. Call before Run.
func (d *Decoder) SetClock(c timeutil.Clock) { d.clock = c }

// Geometry returns the wheel being decoded.
func (d *Decoder) Geometry() wheel.Geometry { return d.geom }

// State returns the current tracking state. Safe from any goroutine.
func (d *Decoder) State() State { return State(d.state.Load()) }

func (d *Decoder) setState(s State) { d.state.Store(int32(s)) }

// Stats returns a snapshot of the counters. Safe from any goroutine.
func (d *Decoder) Stats() Stats {
	st := d.State()
	return Stats{
		State:          st,
		StateName:      st.String(),
		Edges:          d.edges.Load(),
		Accepted:       d.accepted.Load(),
		RejectedZero:   d.rejectedZero.Load(),
		RejectedGlitch: d.rejectedGlitch.Load(),
		Gaps:           d.gaps.Load(),
		Timeouts:       d.timeouts.Load(),
		FilterResets:   d.filterResets.Load(),
		SourceErrors:   d.sourceErrors.Load(),
	}
}

// Estimate returns the current filter state. Only call from the decoder
// goroutine, or when Run is not active.
func (d *Decoder) Estimate() estimator.State { return d.est.State() }

// Run reads edges from src until the source is exhausted or ctx is done.
// io.EOF and capture.ErrClosed end the run cleanly.
func (d *Decoder) Run(ctx context.Context, src capture.Source) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		waitCtx, cancel := ctx, context.CancelFunc(func() {})
		if d.cfg.SignalTimeout > 0 {
			waitCtx, cancel = context.WithTimeout(ctx, d.cfg.SignalTimeout)
		}
		tick, err := src.AwaitNextEdge(waitCtx)
		cancel()

		switch {
		case err == nil:
			d.Step(tick)
		case errors.Is(err, io.EOF), errors.Is(err, capture.ErrClosed):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, capture.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			d.Stall()
		default:
			n := d.sourceErrors.Add(1)
			if n == 1 || n%100 == 0 {
				monitoring.Logf("decoder: capture error (%d total): %v", n, err)
			}
		}
	}
}

// Step processes one captured edge.
func (d *Decoder) Step(tick ticks.RawTick) {
	d.edges.Add(1)
	interval, ok := d.history.Push(tick)

	switch d.State() {
	case Idle:
		d.setState(Tracking)
		return
	case Stalled:
		// The counter may have wrapped any number of times while stalled, so
		// the interval to this edge means nothing.
		d.setState(Tracking)
		d.avg, d.avgSamples, d.rejects = 0, 0, 0
		return
	}
	if !ok {
		return
	}

	if interval == 0 {
		d.rejectedZero.Add(1)
		return
	}

	span, accepted := d.classify(interval)
	if !accepted {
		return
	}
	d.accepted.Add(1)

	if d.cfg.Estimator.FixedStep {
		d.est.Predict()
	} else {
		d.est.PredictDt(float64(interval) / d.tps)
	}
	measured := float64(span) * d.geom.ToothAngle() * d.tps / float64(interval)
	if err := d.est.Update(measured); err != nil {
		monitoring.Logf("decoder: dropping measurement for interval %d: %v", interval, err)
	}
	d.filterResets.Store(uint64(d.est.Resets()))

	d.publish(sink.StatusTracking, interval)
}

// classify decides whether interval is a normal tooth (span 1), a designed
// gap (span > 1) or a glitch to discard. An interval that seeds the running
// average is not accepted: with nothing to compare it against it may be the
// gap, and the estimator would take it as a halved speed.
func (d *Decoder) classify(interval ticks.Interval) (uint32, bool) {
	iv := float64(interval)
	if d.avg == 0 {
		d.seed(iv)
		return 0, false
	}

	if math.Abs(iv/d.avg-1) < d.cfg.NormalBand {
		d.avg += d.cfg.IntervalSmoothing * (iv - d.avg)
		d.avgSamples++
		d.rejects = 0
		return 1, true
	}

	if span, ok := d.geom.GapSpan(interval, ticks.Interval(math.Round(d.avg))); ok {
		d.gaps.Add(1)
		d.rejects = 0
		return span, true
	}

	// A single-sample average may have been seeded from a gap.
	if d.avgSamples < 2 {
		d.seed(iv)
		return 0, false
	}

	d.rejectedGlitch.Add(1)
	d.rejects++
	if d.rejects >= d.cfg.MaxConsecutiveRejects {
		d.seed(iv)
	}
	return 0, false
}

func (d *Decoder) seed(iv float64) {
	d.avg = iv
	d.avgSamples = 1
	d.rejects = 0
}

// Stall marks the signal as lost: motion is reset and a single no_signal
// estimate is published. Repeated calls while stalled only count.
func (d *Decoder) Stall() {
	d.timeouts.Add(1)
	if d.State() == Stalled {
		return
	}
	d.setState(Stalled)
	d.est.ResetMotion()
	d.publish(sink.StatusNoSignal, 0)
}

func (d *Decoder) publish(status sink.Status, interval ticks.Interval) {
	s := d.est.State()
	d.sink.Publish(sink.Estimate{
		Angle:        s.Angle,
		Velocity:     s.Velocity,
		Acceleration: s.Acceleration,
		SampleCount:  d.edges.Load(),
		Status:       status,
		Interval:     interval,
		Time:         d.clock.Now(),
	})
}
