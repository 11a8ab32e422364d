package decoder

import (
	"bufio"
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/crankshaft/internal/capture"
	"github.com/banshee-data/crankshaft/internal/config"
	"github.com/banshee-data/crankshaft/internal/monitoring"
	"github.com/banshee-data/crankshaft/internal/sink"
	"github.com/banshee-data/crankshaft/internal/ticks"
	"github.com/banshee-data/crankshaft/internal/timeutil"
	"github.com/banshee-data/crankshaft/internal/wheel"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a sink collecting every estimate.
type recorder struct {
	mu  sync.Mutex
	got []sink.Estimate
}

func (r *recorder) Publish(e sink.Estimate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
}

func (r *recorder) all() []sink.Estimate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sink.Estimate(nil), r.got...)
}

// scriptedSource replays a fixed list of results, then either blocks until
// the context ends or reports EOF.
type scriptedSource struct {
	results []capture.Edge
	block   bool
	width   uint8
}

func (s *scriptedSource) AwaitNextEdge(ctx context.Context) (ticks.RawTick, error) {
	if len(s.results) > 0 {
		r := s.results[0]
		s.results = s.results[1:]
		return r.Tick, r.Err
	}
	if !s.block {
		return 0, io.EOF
	}
	<-ctx.Done()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return 0, capture.ErrTimeout
	}
	return 0, ctx.Err()
}

func (s *scriptedSource) CounterWidthBits() uint8 { return s.width }
func (s *scriptedSource) TicksPerSecond() uint32  { return 1_000_000 }
func (s *scriptedSource) Close() error            { return nil }

func edges(tt ...ticks.RawTick) []capture.Edge {
	out := make([]capture.Edge, len(tt))
	for i, t := range tt {
		out[i] = capture.Edge{Tick: t}
	}
	return out
}

func newTestDecoder(t *testing.T, mutate func(*Config), s sink.Sink) *Decoder {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := New(cfg, wheel.MustLookup("36-1"), ticks.Width32, 1_000_000, s)
	require.NoError(t, err)
	return d
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capacity", func(c *Config) { c.HistoryCapacity = 0 }},
		{"negative timeout", func(c *Config) { c.SignalTimeout = -time.Second }},
		{"zero band", func(c *Config) { c.NormalBand = 0 }},
		{"band overlaps gap", func(c *Config) { c.NormalBand = 0.7 }},
		{"zero rejects", func(c *Config) { c.MaxConsecutiveRejects = 0 }},
		{"zero smoothing", func(c *Config) { c.IntervalSmoothing = 0 }},
		{"bad estimator", func(c *Config) { c.Estimator.MeasurementNoise = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNew_Errors(t *testing.T) {
	_, err := New(DefaultConfig(), wheel.Geometry{}, ticks.Width32, 1_000_000, nil)
	assert.True(t, errors.Is(err, wheel.ErrUnknownGeometry))

	_, err = New(DefaultConfig(), wheel.MustLookup("36-1"), ticks.CounterWidth(20), 1_000_000, nil)
	assert.Error(t, err)

	_, err = New(DefaultConfig(), wheel.MustLookup("36-1"), ticks.Width16, 0, nil)
	assert.Error(t, err)
}

func TestConfigFromTuning(t *testing.T) {
	got := ConfigFromTuning(config.DefaultDecoderConfig())
	if diff := cmp.Diff(DefaultConfig(), got); diff != "" {
		t.Errorf("config from default tuning mismatch (-want +got):\n%s", diff)
	}
}

func TestStep_FirstTickEntersTracking(t *testing.T) {
	rec := &recorder{}
	d := newTestDecoder(t, nil, rec)
	assert.Equal(t, Idle, d.State())

	d.Step(1000)

	assert.Equal(t, Tracking, d.State())
	assert.Empty(t, rec.all(), "first tick publishes nothing")
	assert.Equal(t, uint64(1), d.Stats().Edges)
	assert.Zero(t, d.Stats().Accepted)
}

func TestStep_ZeroIntervalRejected(t *testing.T) {
	rec := &recorder{}
	d := newTestDecoder(t, nil, rec)

	tick := ticks.RawTick(1000)
	for i := 0; i < 10; i++ {
		d.Step(tick)
		tick += 556
	}
	before := d.Estimate()
	published := len(rec.all())

	d.Step(tick - 556) // same timestamp as the previous edge

	st := d.Stats()
	assert.Equal(t, uint64(1), st.RejectedZero)
	assert.Equal(t, before, d.Estimate(), "estimator untouched")
	assert.Len(t, rec.all(), published, "nothing published")
	assert.Equal(t, uint64(11), st.Edges)
}

func TestStep_GlitchRejected(t *testing.T) {
	rec := &recorder{}
	d := newTestDecoder(t, nil, rec)

	tick := ticks.RawTick(0)
	for i := 0; i < 10; i++ {
		d.Step(tick)
		tick += 1000
	}
	before := d.Estimate()

	d.Step(tick - 1000 + 300) // spurious edge 300 ticks after the last tooth

	assert.Equal(t, uint64(1), d.Stats().RejectedGlitch)
	assert.Equal(t, before, d.Estimate())
}

func TestStep_ReseedsAfterConsecutiveGlitches(t *testing.T) {
	d := newTestDecoder(t, func(c *Config) { c.MaxConsecutiveRejects = 3 }, nil)

	tick := ticks.RawTick(0)
	d.Step(tick)
	for i := 0; i < 10; i++ {
		tick += 1000
		d.Step(tick)
	}
	// speed drops abruptly to a quarter
	for i := 0; i < 6; i++ {
		tick += 4000
		d.Step(tick)
	}

	st := d.Stats()
	assert.Equal(t, uint64(3), st.RejectedGlitch)
	assert.Equal(t, uint64(9+3), st.Accepted, "seeding intervals are not accepted")
	assert.InDelta(t, 4000, d.avg, 1e-9)
}

func TestStep_GapMeasuresTwoPitches(t *testing.T) {
	rec := &recorder{}
	d := newTestDecoder(t, nil, rec)

	tick := ticks.RawTick(0)
	d.Step(tick)
	for i := 0; i < 20; i++ {
		tick += 1000
		d.Step(tick)
	}
	v := d.Estimate().Velocity

	tick += 2000
	d.Step(tick)

	assert.Equal(t, uint64(1), d.Stats().Gaps)
	assert.Zero(t, d.Stats().RejectedGlitch)
	assert.InEpsilon(t, v, d.Estimate().Velocity, 0.01, "gap must not look like a slowdown")
}

func TestStep_SeedIntervalIsNotMeasured(t *testing.T) {
	rec := &recorder{}
	d := newTestDecoder(t, nil, rec)

	d.Step(0)
	d.Step(1000)
	assert.Empty(t, rec.all(), "seeding interval publishes nothing")
	assert.Zero(t, d.Stats().Accepted)

	d.Step(2000)
	require.Len(t, rec.all(), 1)
	assert.Equal(t, ticks.Interval(1000), rec.all()[0].Interval)
}

// Arming one tooth before the missing one makes the gap the seeding
// interval. It must never reach the estimator as a single tooth.
func TestStep_ArmedBeforeGap(t *testing.T) {
	rec := &recorder{}
	d := newTestDecoder(t, nil, rec)

	d.Step(0)
	tick := ticks.RawTick(2000) // gap
	d.Step(tick)
	for i := 0; i < 40; i++ {
		tick += 1000
		d.Step(tick)
	}

	got := rec.all()
	require.NotEmpty(t, got)
	for _, e := range got {
		assert.Equal(t, ticks.Interval(1000), e.Interval, "sample %d", e.SampleCount)
	}
	assert.Zero(t, d.Stats().RejectedGlitch)
	assert.InEpsilon(t, 2*math.Pi/36*1e6/1000, d.Estimate().Velocity, 0.01)
}

// The same after a stall: the re-armed decoder may seed from the gap.
func TestStep_ArmedBeforeGapAfterStall(t *testing.T) {
	rec := &recorder{}
	d := newTestDecoder(t, nil, rec)

	for _, tick := range []ticks.RawTick{0, 1000, 2000, 3000} {
		d.Step(tick)
	}
	d.Stall()
	n := len(rec.all())

	tick := ticks.RawTick(5_000_000)
	d.Step(tick)
	tick += 2000 // gap
	d.Step(tick)
	for i := 0; i < 40; i++ {
		tick += 1000
		d.Step(tick)
	}

	got := rec.all()
	require.Greater(t, len(got), n+1)
	for _, e := range got[n+1:] {
		assert.Equal(t, ticks.Interval(1000), e.Interval, "sample %d", e.SampleCount)
	}
	assert.InEpsilon(t, 2*math.Pi/36*1e6/1000, d.Estimate().Velocity, 0.01)
}

func TestEndToEnd_StartNextToGap(t *testing.T) {
	geom := wheel.MustLookup("36-1")
	src, err := capture.NewSimulatedSource(capture.SimConfig{
		Geometry:       geom,
		Width:          ticks.Width32,
		TicksPerSecond: 1_000_000,
		Profile:        []capture.SpeedSegment{{StartRPM: 3000, EndRPM: 3000, Revolutions: 10}},
	})
	require.NoError(t, err)

	// Skip to the last tooth before the gap so the decoder arms there.
	for i := 0; i < 34; i++ {
		_, err := src.AwaitNextEdge(context.Background())
		require.NoError(t, err)
	}

	hist := sink.NewHistory(1024)
	d, err := New(DefaultConfig(), geom, ticks.Width32, 1_000_000, hist)
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background(), src))

	got := hist.Snapshot()
	require.NotEmpty(t, got)
	pitch := 1e6 / (3000.0 / 60 * 36)
	assert.InDelta(t, pitch, float64(got[0].Interval), 1, "first estimate measures one tooth")

	want := 2 * math.Pi * 3000 / 60
	for _, e := range got[35:] {
		assert.InEpsilon(t, want, e.Velocity, 0.05, "sample %d", e.SampleCount)
	}
	assert.Zero(t, d.Stats().RejectedGlitch)
}

func TestStep_WraparoundIsTransparent(t *testing.T) {
	cfg := DefaultConfig()
	d, err := New(cfg, wheel.MustLookup("36-1"), ticks.Width16, 1_000_000, nil)
	require.NoError(t, err)

	tick := uint32(60000)
	for i := 0; i < 40; i++ {
		d.Step(ticks.RawTick(tick % 65536))
		tick += 556
	}

	st := d.Stats()
	assert.Zero(t, st.RejectedGlitch)
	assert.Zero(t, st.RejectedZero)
	assert.InEpsilon(t, 2*math.Pi/36*1e6/556, d.Estimate().Velocity, 0.01)
}

// A replay that cannot be read is a source error, not a clean end of input.
func TestRun_ReplayReadErrorIsCounted(t *testing.T) {
	silence := monitoring.Logf
	monitoring.SetLogger(nil)
	defer func() { monitoring.Logf = silence }()

	input := "E,0\nE,1000\nE," + strings.Repeat("9", bufio.MaxScanTokenSize+1) + "\n"
	src, err := capture.NewReplaySource(strings.NewReader(input), ticks.Width32, 1_000_000)
	require.NoError(t, err)

	d := newTestDecoder(t, nil, nil)
	require.NoError(t, d.Run(context.Background(), src))
	st := d.Stats()
	assert.Equal(t, uint64(2), st.Edges)
	assert.Equal(t, uint64(1), st.SourceErrors)
}

func TestEndToEnd_36Minus1At3000RPM(t *testing.T) {
	geom := wheel.MustLookup("36-1")
	src, err := capture.NewSimulatedSource(capture.SimConfig{
		Geometry:       geom,
		Width:          ticks.Width32,
		TicksPerSecond: 1_000_000,
		Profile:        []capture.SpeedSegment{{StartRPM: 3000, EndRPM: 3000, Revolutions: 10}},
		StartTick:      123_456,
	})
	require.NoError(t, err)

	hist := sink.NewHistory(1024)
	d, err := New(DefaultConfig(), geom, ticks.Width32, 1_000_000, hist)
	require.NoError(t, err)

	require.NoError(t, d.Run(context.Background(), src))

	want := 2 * math.Pi * 3000 / 60
	got := hist.Snapshot()
	require.NotEmpty(t, got)

	// after one revolution of warm-up every estimate is within 5%
	for _, e := range got[35:] {
		assert.InEpsilon(t, want, e.Velocity, 0.05, "sample %d", e.SampleCount)
	}

	st := d.Stats()
	assert.Equal(t, uint64(10*35), st.Edges)
	assert.Zero(t, st.RejectedGlitch)
	assert.InDelta(t, 9, st.Gaps, 1, "one gap per revolution")
	assert.Zero(t, st.FilterResets)

	// angle advances by one revolution per 35 edges
	last := got[len(got)-1]
	assert.InEpsilon(t, 2*math.Pi*float64(len(got))/35, last.Angle, 0.05)
}

func TestRun_TimeoutPublishesNoSignalOnce(t *testing.T) {
	silence := monitoring.Logf
	monitoring.SetLogger(nil)
	defer func() { monitoring.Logf = silence }()

	out := sink.NewChanSink(64)
	d := newTestDecoder(t, func(c *Config) { c.SignalTimeout = 10 * time.Millisecond }, out)
	clock := timeutil.NewMockClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	d.SetClock(clock)

	src := &scriptedSource{results: edges(0, 1000, 2000, 3000, 4000), block: true, width: 32}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, src) }()

	var noSignal sink.Estimate
	for noSignal.Status != sink.StatusNoSignal {
		select {
		case noSignal = <-out.C:
		case <-time.After(5 * time.Second):
			t.Fatal("no no_signal estimate published")
		}
	}

	// let several more timeouts expire
	require.Eventually(t, func() bool { return d.Stats().Timeouts >= 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.True(t, errors.Is(<-done, context.Canceled))

	assert.Equal(t, Stalled, d.State())
	assert.Zero(t, noSignal.Velocity, "motion reset on stall")
	assert.Equal(t, uint64(5), noSignal.SampleCount)
	assert.Equal(t, clock.Now(), noSignal.Time)

	for len(out.C) > 0 {
		e := <-out.C
		assert.NotEqual(t, sink.StatusNoSignal, e.Status, "only one no_signal per stall")
	}
}

func TestStep_AfterStallReArms(t *testing.T) {
	rec := &recorder{}
	d := newTestDecoder(t, nil, rec)

	for _, tick := range []ticks.RawTick{0, 1000, 2000, 3000} {
		d.Step(tick)
	}
	d.Stall()
	n := len(rec.all())

	d.Step(9_000_000) // long after; interval meaningless
	assert.Equal(t, Tracking, d.State())
	assert.Len(t, rec.all(), n, "re-arming edge is not published")
	assert.Equal(t, uint64(2), d.Stats().Accepted)

	d.Step(9_000_500) // seeds the average
	assert.Equal(t, uint64(2), d.Stats().Accepted)
	assert.Len(t, rec.all(), n)

	d.Step(9_001_000)
	assert.Equal(t, uint64(3), d.Stats().Accepted)
	assert.Len(t, rec.all(), n+1)
}

func TestRun_SourceErrorsAreCounted(t *testing.T) {
	silence := monitoring.Logf
	monitoring.SetLogger(nil)
	defer func() { monitoring.Logf = silence }()

	src := &scriptedSource{results: []capture.Edge{
		{Tick: 0},
		{Err: errors.New("garbled line")},
		{Tick: 1000},
		{Tick: 2000},
	}}
	rec := &recorder{}
	d := newTestDecoder(t, nil, rec)

	require.NoError(t, d.Run(context.Background(), src))

	want := Stats{State: Tracking, StateName: "tracking", Edges: 3, Accepted: 1, SourceErrors: 1}
	if diff := cmp.Diff(want, d.Stats(), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, rec.all(), 1)
	assert.Equal(t, sink.StatusTracking, rec.all()[0].Status)
	assert.Equal(t, ticks.Interval(1000), rec.all()[0].Interval)
}

func TestRun_ClosedSourceEndsCleanly(t *testing.T) {
	src := &scriptedSource{results: []capture.Edge{{Err: capture.ErrClosed}}}
	d := newTestDecoder(t, nil, nil)
	assert.NoError(t, d.Run(context.Background(), src))
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := newTestDecoder(t, nil, nil)
	err := d.Run(ctx, &scriptedSource{block: true})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "tracking", Tracking.String())
	assert.Equal(t, "stalled", Stalled.String())
	assert.Equal(t, "State(9)", State(9).String())
}
