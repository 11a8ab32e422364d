package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"

	"github.com/banshee-data/crankshaft/internal/ticks"
	"github.com/banshee-data/crankshaft/internal/timeutil"
	"github.com/banshee-data/crankshaft/internal/units"
	"github.com/banshee-data/crankshaft/internal/wheel"
)

// SpeedSegment is a stretch of rotation whose speed changes linearly with
// angle from StartRPM to EndRPM.
type SpeedSegment struct {
	StartRPM    float64
	EndRPM      float64
	Revolutions float64
}

// SimConfig describes a synthetic trigger wheel.
type SimConfig struct {
	Geometry       wheel.Geometry
	Width          ticks.CounterWidth
	TicksPerSecond uint32
	Profile        []SpeedSegment
	// Loop restarts the profile instead of returning io.EOF at its end.
	Loop bool
	// JitterTicks is the standard deviation of Gaussian noise added to each
	// edge timestamp.
	JitterTicks float64
	Seed        int64
	StartTick   uint64
	// Clock paces edges in real time when set; nil emits as fast as read.
	Clock timeutil.Clock
}

// SimulatedSource generates edges for a wheel turning through a speed profile.
type SimulatedSource struct {
	cfg    SimConfig
	rng    *rand.Rand
	closed chan struct{}

	missing  map[uint32]bool
	pitch    float64 // rad
	seg      int
	segAngle float64 // rad into the current segment
	pos      uint32  // tooth position of the current edge
	elapsed  float64 // seconds since start
	started  bool
	pending  bool // current edge computed but not yet delivered
	wallZero time.Time
}

// NewSimulatedSource validates cfg and returns a source positioned on tooth 0.
func NewSimulatedSource(cfg SimConfig) (*SimulatedSource, error) {
	if cfg.Geometry.ExpectedToothCount() == 0 {
		return nil, fmt.Errorf("%w: empty geometry", wheel.ErrUnknownGeometry)
	}
	if err := cfg.Width.Validate(); err != nil {
		return nil, err
	}
	if cfg.TicksPerSecond == 0 {
		return nil, errors.New("ticks per second must be positive")
	}
	if len(cfg.Profile) == 0 {
		return nil, errors.New("speed profile is empty")
	}
	for i, seg := range cfg.Profile {
		if seg.StartRPM <= 0 || seg.EndRPM <= 0 || seg.Revolutions <= 0 {
			return nil, fmt.Errorf("profile segment %d: speeds and revolutions must be positive", i)
		}
	}

	missing := make(map[uint32]bool)
	for _, g := range cfg.Geometry.Gaps() {
		for m := uint32(1); m <= g.Missing; m++ {
			missing[(g.Position+m)%cfg.Geometry.ExpectedToothCount()] = true
		}
	}

	return &SimulatedSource{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		closed:  make(chan struct{}),
		missing: missing,
		pitch:   cfg.Geometry.ToothAngle(),
	}, nil
}

func (s *SimulatedSource) CounterWidthBits() uint8 { return uint8(s.cfg.Width) }
func (s *SimulatedSource) TicksPerSecond() uint32  { return s.cfg.TicksPerSecond }

func (s *SimulatedSource) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

// AwaitNextEdge returns the timestamp of the next physical tooth.
func (s *SimulatedSource) AwaitNextEdge(ctx context.Context) (ticks.RawTick, error) {
	select {
	case <-s.closed:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, contextErr(ctx)
	default:
	}

	if !s.pending {
		if s.started {
			// walk forward over missing positions to the next real tooth
			for {
				if err := s.advancePitch(); err != nil {
					return 0, err
				}
				if !s.missing[s.pos] {
					break
				}
			}
		}
		s.started = true
		s.pending = true
	}

	if err := s.pace(ctx); err != nil {
		return 0, err
	}
	s.pending = false

	t := float64(s.cfg.StartTick) + s.elapsed*float64(s.cfg.TicksPerSecond)
	if s.cfg.JitterTicks > 0 {
		t += s.rng.NormFloat64() * s.cfg.JitterTicks
	}
	if t < 0 {
		t = 0
	}
	raw := uint64(math.Round(t)) % s.cfg.Width.Modulus()
	return ticks.RawTick(raw), nil
}

// advancePitch moves the wheel one tooth position forward. Each segment
// covers the angles [0, Revolutions·2π).
func (s *SimulatedSource) advancePitch() error {
	seg := s.cfg.Profile[s.seg]
	total := seg.Revolutions * 2 * math.Pi
	next := s.segAngle + s.pitch
	crosses := next >= total-1e-9
	if crosses && s.seg == len(s.cfg.Profile)-1 && !s.cfg.Loop {
		return io.EOF
	}

	// speed at the middle of this pitch
	mid := math.Min((s.segAngle+s.pitch/2)/total, 1)
	rpm := seg.StartRPM + (seg.EndRPM-seg.StartRPM)*mid
	s.elapsed += s.pitch / units.RPMToRadPerSec(rpm)
	s.pos = (s.pos + 1) % s.cfg.Geometry.ExpectedToothCount()

	s.segAngle = next
	if crosses {
		s.segAngle = math.Max(0, next-total)
		s.seg = (s.seg + 1) % len(s.cfg.Profile)
	}
	return nil
}

// pace sleeps until the wall clock catches up with simulated time.
func (s *SimulatedSource) pace(ctx context.Context) error {
	if s.cfg.Clock == nil {
		return nil
	}
	if s.wallZero.IsZero() {
		s.wallZero = s.cfg.Clock.Now().Add(-time.Duration(s.elapsed * float64(time.Second)))
	}
	due := s.wallZero.Add(time.Duration(s.elapsed * float64(time.Second)))
	wait := s.cfg.Clock.Until(due)
	if wait <= 0 {
		return nil
	}
	timer := s.cfg.Clock.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C():
		return nil
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return contextErr(ctx)
	}
}
