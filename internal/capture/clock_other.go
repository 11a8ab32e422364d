//go:build !linux

package capture

import "time"

var processStart = time.Now()

func monotonicNow() time.Duration { return time.Since(processStart) }
