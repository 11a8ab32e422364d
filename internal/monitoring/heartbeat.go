package monitoring

import (
	"context"
	"time"

	"github.com/banshee-data/crankshaft/internal/timeutil"
)

// Heartbeat logs the line returned by summary every interval until ctx is
// done. An empty summary skips that beat. A non-positive interval disables
// the heartbeat.
func Heartbeat(ctx context.Context, clock timeutil.Clock, interval time.Duration, summary func() string) {
	if interval <= 0 {
		return
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if line := summary(); line != "" {
				Logf("%s", line)
			}
		}
	}
}
