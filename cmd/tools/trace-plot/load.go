package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/crankshaft/internal/capture"
	"github.com/banshee-data/crankshaft/internal/config"
	"github.com/banshee-data/crankshaft/internal/db"
	"github.com/banshee-data/crankshaft/internal/decoder"
	"github.com/banshee-data/crankshaft/internal/sink"
	"github.com/banshee-data/crankshaft/internal/ticks"
	"github.com/banshee-data/crankshaft/internal/timeutil"
	"github.com/banshee-data/crankshaft/internal/wheel"
)

const pageSize = 5000

// loadSession reads up to limit estimates of a recorded session. An empty id
// selects the newest session.
func loadSession(ctx context.Context, database *db.DB, id string, limit int) (db.Session, []sink.Estimate, error) {
	sessions, err := database.Sessions(ctx, 1000)
	if err != nil {
		return db.Session{}, nil, err
	}
	if len(sessions) == 0 {
		return db.Session{}, nil, errors.New("database has no sessions")
	}
	session := sessions[0]
	if id != "" {
		found := false
		for _, s := range sessions {
			if s.ID == id {
				session, found = s, true
				break
			}
		}
		if !found {
			return db.Session{}, nil, fmt.Errorf("session %q not found", id)
		}
	}

	var out []sink.Estimate
	for limit <= 0 || len(out) < limit {
		n := pageSize
		if limit > 0 && limit-len(out) < n {
			n = limit - len(out)
		}
		page, err := database.Estimates(ctx, session.ID, uint64(len(out)), n)
		if err != nil {
			return session, nil, err
		}
		out = append(out, page...)
		if len(page) < n {
			break
		}
	}
	return session, out, nil
}

// captureClock advances a mock clock by the counter time between edges so
// estimates decoded offline carry capture time rather than wall time.
type captureClock struct {
	capture.Source
	clock *timeutil.MockClock
	width ticks.CounterWidth
	last  ticks.RawTick
	seen  bool
}

func (c *captureClock) AwaitNextEdge(ctx context.Context) (ticks.RawTick, error) {
	tick, err := c.Source.AwaitNextEdge(ctx)
	if err != nil {
		return tick, err
	}
	if c.seen {
		iv := ticks.IntervalBetween(c.last, tick, c.width)
		c.clock.Advance(time.Duration(uint64(iv) * uint64(time.Second) / uint64(c.Source.TicksPerSecond())))
	}
	c.last, c.seen = tick, true
	return tick, nil
}

// decodeCapture runs a recorded capture through a decoder configured by cfg
// and returns every estimate it publishes, timestamped from start.
func decodeCapture(ctx context.Context, r io.Reader, cfg *config.DecoderConfig, start time.Time) ([]sink.Estimate, error) {
	geom, err := wheel.Lookup(cfg.GetWheel())
	if err != nil {
		return nil, err
	}
	width := ticks.CounterWidth(cfg.GetCounterWidthBits())
	replay, err := capture.NewReplaySource(r, width, uint32(cfg.GetTicksPerSecond()))
	if err != nil {
		return nil, err
	}
	defer replay.Close()

	var out []sink.Estimate
	dec, err := decoder.New(decoder.ConfigFromTuning(cfg), geom, width, replay.TicksPerSecond(), sink.Func(func(e sink.Estimate) {
		out = append(out, e)
	}))
	if err != nil {
		return nil, err
	}
	clock := timeutil.NewMockClock(start)
	dec.SetClock(clock)
	if err := dec.Run(ctx, &captureClock{Source: replay, clock: clock, width: width}); err != nil {
		return out, err
	}
	return out, nil
}
