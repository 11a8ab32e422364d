package main

import (
	"context"
	"fmt"
	"os"

	"github.com/banshee-data/crankshaft/internal/capture"
	"github.com/banshee-data/crankshaft/internal/config"
	"github.com/banshee-data/crankshaft/internal/serialmux"
	"github.com/banshee-data/crankshaft/internal/ticks"
	"github.com/banshee-data/crankshaft/internal/timeutil"
	"github.com/banshee-data/crankshaft/internal/wheel"
)

// sourceOptions carries the flag values that pick and configure an edge
// source.
type sourceOptions struct {
	Kind      string
	Port      string
	Chip      string
	Line      int
	Pin       string
	Replay    string
	SimRPM    float64
	SimJitter float64
	Clock     timeutil.Clock
}

// openSource builds the configured edge source. The returned mux is the
// capture board's serial mux, or a disabled mux for every other source.
func openSource(ctx context.Context, o sourceOptions, cfg *config.DecoderConfig, geom wheel.Geometry) (capture.Source, serialmux.SerialMuxInterface, error) {
	width := ticks.CounterWidth(cfg.GetCounterWidthBits())
	tps := uint32(cfg.GetTicksPerSecond())
	edge := capture.EdgeMode(cfg.GetEdge())
	pull := capture.Pull(cfg.GetPull())

	switch o.Kind {
	case "sim":
		if o.SimRPM <= 0 {
			return nil, nil, fmt.Errorf("sim-rpm must be positive, got %g", o.SimRPM)
		}
		src, err := capture.NewSimulatedSource(capture.SimConfig{
			Geometry:       geom,
			Width:          width,
			TicksPerSecond: tps,
			Profile: []capture.SpeedSegment{
				{StartRPM: o.SimRPM / 2, EndRPM: o.SimRPM, Revolutions: 20},
				{StartRPM: o.SimRPM, EndRPM: o.SimRPM, Revolutions: 200},
				{StartRPM: o.SimRPM, EndRPM: o.SimRPM / 2, Revolutions: 20},
			},
			Loop:        true,
			JitterTicks: o.SimJitter,
			Clock:       o.Clock,
		})
		if err != nil {
			return nil, nil, err
		}
		return src, serialmux.NewDisabledSerialMux(), nil

	case "replay":
		if o.Replay == "" {
			return nil, nil, fmt.Errorf("-replay is required with -source=replay")
		}
		f, err := os.Open(o.Replay)
		if err != nil {
			return nil, nil, err
		}
		src, err := capture.NewReplaySource(f, width, tps)
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		return src, serialmux.NewDisabledSerialMux(), nil

	case "serial":
		mux, err := serialmux.NewRealSerialMux(o.Port, serialmux.OptionsFromConfig(cfg.Serial))
		if err != nil {
			return nil, nil, err
		}
		src, err := capture.NewSerialSource(ctx, mux, capture.BoardSettings{
			TicksPerSecond: tps,
			Width:          width,
			Edge:           edge,
			Pull:           pull,
		})
		if err != nil {
			mux.Close()
			return nil, nil, err
		}
		return src, mux, nil

	case "gpiod", "periph":
		gc := capture.GPIOConfig{
			Chip:           o.Chip,
			Line:           o.Line,
			Pin:            o.Pin,
			Edge:           edge,
			Pull:           pull,
			TicksPerSecond: tps,
			Width:          width,
		}
		var (
			src capture.Source
			err error
		)
		if o.Kind == "gpiod" {
			src, err = capture.NewGPIODSource(gc)
		} else {
			src, err = capture.NewPeriphSource(gc)
		}
		if err != nil {
			return nil, nil, err
		}
		return src, serialmux.NewDisabledSerialMux(), nil
	}
	return nil, nil, fmt.Errorf("unknown source %q (want sim, replay, serial, gpiod or periph)", o.Kind)
}
