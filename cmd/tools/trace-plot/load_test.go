package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/crankshaft/internal/capture"
	"github.com/banshee-data/crankshaft/internal/config"
	"github.com/banshee-data/crankshaft/internal/db"
	"github.com/banshee-data/crankshaft/internal/sink"
	"github.com/banshee-data/crankshaft/internal/testutil"
	"github.com/banshee-data/crankshaft/internal/ticks"
	"github.com/banshee-data/crankshaft/internal/traceplot"
	"github.com/banshee-data/crankshaft/internal/wheel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordedCapture(t *testing.T, revs float64) string {
	t.Helper()
	src, err := capture.NewSimulatedSource(capture.SimConfig{
		Geometry:       wheel.MustLookup("36-1"),
		Width:          ticks.Width32,
		TicksPerSecond: 1_000_000,
		Profile:        []capture.SpeedSegment{{StartRPM: 3000, EndRPM: 3000, Revolutions: revs}},
	})
	require.NoError(t, err)
	var buf strings.Builder
	_, err = capture.Record(context.Background(), &buf, src, 0)
	require.NoError(t, err)
	return buf.String()
}

func TestDecodeCapture(t *testing.T) {
	testutil.QuietLogs(t)
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	est, err := decodeCapture(context.Background(), strings.NewReader(recordedCapture(t, 10)), config.DefaultDecoderConfig(), start)
	require.NoError(t, err)
	require.NotEmpty(t, est)

	last := est[len(est)-1]
	// ten revolutions at 3000 rpm take 200ms, less the final missing tooth
	elapsed := last.Time.Sub(start)
	assert.InDelta(t, float64(200*time.Millisecond), float64(elapsed), float64(2*time.Millisecond))
	for i := 1; i < len(est); i++ {
		assert.False(t, est[i].Time.Before(est[i-1].Time), "estimate %d goes back in time", i)
	}

	var buf strings.Builder
	require.NoError(t, traceplot.Render(&buf, est, traceplot.Options{}))
}

func TestLoadSession(t *testing.T) {
	testutil.QuietLogs(t)
	ctx := context.Background()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "trace.db"))
	require.NoError(t, err)
	defer database.Close()

	_, _, err = loadSession(ctx, database, "", 0)
	assert.ErrorContains(t, err, "no sessions")

	var ids []string
	for s := 0; s < 2; s++ {
		rec, err := database.StartSession(ctx, db.SessionInfo{Source: "sim", Wheel: "36-1", CounterWidth: 32, TicksPerSecond: 1_000_000})
		require.NoError(t, err)
		for i := 0; i < 7000+s; i++ {
			rec.Publish(sink.Estimate{SampleCount: uint64(i + 1), Status: sink.StatusTracking, Time: time.Unix(int64(i), 0)})
			if i%1000 == 999 {
				require.NoError(t, rec.Flush(ctx))
			}
		}
		require.NoError(t, rec.Close())
		ids = append(ids, rec.ID())
	}

	session, est, err := loadSession(ctx, database, ids[0], 0)
	require.NoError(t, err)
	assert.Equal(t, ids[0], session.ID)
	require.Len(t, est, 7000, "read across pages")
	assert.Equal(t, uint64(7000), est[6999].SampleCount)

	_, est, err = loadSession(ctx, database, ids[0], 6000)
	require.NoError(t, err)
	assert.Len(t, est, 6000)

	_, _, err = loadSession(ctx, database, "nope", 0)
	assert.ErrorContains(t, err, `session "nope" not found`)
}
