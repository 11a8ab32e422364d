package main

import (
	"context"
	"io"

	"github.com/banshee-data/crankshaft/internal/capture"
	"github.com/banshee-data/crankshaft/internal/ticks"
	"github.com/banshee-data/crankshaft/internal/wheel"
)

// genParams describes the synthetic run written by generate.
type genParams struct {
	Wheel     string
	StartRPM  float64
	EndRPM    float64
	Revs      float64
	Rate      uint32
	Width     ticks.CounterWidth
	Jitter    float64
	Seed      int64
	StartTick uint64
	// StallAfter inserts a pause of StallFor seconds after that many
	// revolutions. Zero disables.
	StallAfter float64
	StallFor   float64
}

// generate writes a capture of a wheel ramping from StartRPM to EndRPM and
// returns the number of edges written.
func generate(ctx context.Context, w io.Writer, p genParams) (int, error) {
	geom, err := wheel.Lookup(p.Wheel)
	if err != nil {
		return 0, err
	}
	src, err := capture.NewSimulatedSource(capture.SimConfig{
		Geometry:       geom,
		Width:          p.Width,
		TicksPerSecond: p.Rate,
		Profile:        []capture.SpeedSegment{{StartRPM: p.StartRPM, EndRPM: p.EndRPM, Revolutions: p.Revs}},
		JitterTicks:    p.Jitter,
		Seed:           p.Seed,
		StartTick:      p.StartTick,
	})
	if err != nil {
		return 0, err
	}
	defer src.Close()

	if p.StallAfter <= 0 || p.StallFor <= 0 {
		return capture.Record(ctx, w, src, 0)
	}
	return capture.Record(ctx, w, &stallSource{
		Source: src,
		after:  int(p.StallAfter * float64(geom.EdgesPerRevolution())),
		shift:  uint64(p.StallFor * float64(p.Rate)),
		width:  p.Width,
	}, 0)
}

// stallSource delays every edge after the first `after` edges by shift
// ticks, leaving a silent stretch in the capture.
type stallSource struct {
	capture.Source
	after int
	shift uint64
	width ticks.CounterWidth
	n     int
}

func (s *stallSource) AwaitNextEdge(ctx context.Context) (ticks.RawTick, error) {
	tick, err := s.Source.AwaitNextEdge(ctx)
	if err != nil {
		return tick, err
	}
	s.n++
	if s.n <= s.after {
		return tick, nil
	}
	return ticks.RawTick((uint64(tick) + s.shift) % s.width.Modulus()), nil
}
