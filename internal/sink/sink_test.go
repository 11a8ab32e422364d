package sink

import (
	"fmt"
	"math"
	"testing"

	"github.com/banshee-data/crankshaft/internal/monitoring"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T) *[]string {
	t.Helper()
	var lines []string
	original := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.Logf = original })
	return &lines
}

func TestEstimateRPM(t *testing.T) {
	e := Estimate{Velocity: 2 * math.Pi * 50}
	assert.InDelta(t, 3000, e.RPM(), 1e-9)
}

func TestMulti(t *testing.T) {
	var a, b []Estimate
	m := Multi{
		Func(func(e Estimate) { a = append(a, e) }),
		nil,
		Func(func(e Estimate) { b = append(b, e) }),
	}

	m.Publish(Estimate{SampleCount: 1})
	m.Publish(Estimate{SampleCount: 2})

	want := []Estimate{{SampleCount: 1}, {SampleCount: 2}}
	if diff := cmp.Diff(want, a); diff != "" {
		t.Errorf("first sink mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, b); diff != "" {
		t.Errorf("second sink mismatch (-want +got):\n%s", diff)
	}

	Discard.Publish(Estimate{})
}

func TestLogSink_Every(t *testing.T) {
	lines := captureLogs(t)

	s := NewLogSink(3)
	for i := 1; i <= 7; i++ {
		s.Publish(Estimate{SampleCount: uint64(i), Status: StatusTracking, Velocity: 100})
	}
	require.Len(t, *lines, 2)
	assert.Contains(t, (*lines)[0], "samples=3")
	assert.Contains(t, (*lines)[1], "samples=6")

	s.Publish(Estimate{SampleCount: 8, Status: StatusNoSignal})
	require.Len(t, *lines, 3)
	assert.Contains(t, (*lines)[2], "no signal")
}

func TestLogSink_ZeroEveryLogsAll(t *testing.T) {
	lines := captureLogs(t)

	s := NewLogSink(0)
	s.Publish(Estimate{Status: StatusTracking})
	s.Publish(Estimate{Status: StatusTracking})
	assert.Len(t, *lines, 2)
}

func TestChanSink_DropsWhenFull(t *testing.T) {
	c := NewChanSink(2)
	for i := 0; i < 5; i++ {
		c.Publish(Estimate{SampleCount: uint64(i)})
	}

	assert.Equal(t, uint64(3), c.Dropped())
	assert.Equal(t, uint64(0), (<-c.C).SampleCount)
	assert.Equal(t, uint64(1), (<-c.C).SampleCount)
}

func TestHistory(t *testing.T) {
	h := NewHistory(3)

	_, ok := h.Latest()
	assert.False(t, ok)
	assert.Empty(t, h.Snapshot())

	for i := 1; i <= 5; i++ {
		h.Publish(Estimate{SampleCount: uint64(i)})
	}

	assert.Equal(t, 3, h.Len())
	got := h.Snapshot()
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, uint64(i+3), e.SampleCount)
	}

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(5), latest.SampleCount)
}

func TestHistory_ConcurrentReaders(t *testing.T) {
	h := NewHistory(16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			h.Publish(Estimate{SampleCount: uint64(i)})
		}
	}()
	for i := 0; i < 100; i++ {
		_ = h.Snapshot()
		_, _ = h.Latest()
	}
	<-done
	assert.Equal(t, 16, h.Len())
}
