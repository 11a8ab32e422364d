package capture

import (
	"errors"
	"fmt"

	"github.com/banshee-data/crankshaft/internal/ticks"
)

// ErrUnsupported is returned when a hardware source is not available on this
// platform.
var ErrUnsupported = errors.New("capture source not supported on this platform")

// GPIOConfig selects a sensor input on a host GPIO line. Timestamps taken by
// the host are scaled to a virtual counter running at TicksPerSecond and
// wrapped to Width, so the decoder sees the same shape of data as from a
// capture board.
type GPIOConfig struct {
	// Chip is the gpiochip name for character-device access, e.g. "gpiochip0".
	Chip string
	// Line is the line offset on Chip.
	Line int
	// Pin is the periph.io pin name, e.g. "GPIO17".
	Pin string

	Edge           EdgeMode
	Pull           Pull
	TicksPerSecond uint32
	Width          ticks.CounterWidth
	QueueDepth     int
}

func (c GPIOConfig) validate() error {
	if err := c.Width.Validate(); err != nil {
		return err
	}
	if c.TicksPerSecond == 0 {
		return errors.New("ticks per second must be positive")
	}
	switch c.Edge {
	case "", EdgeRising, EdgeFalling, EdgeBoth:
	default:
		return fmt.Errorf("unknown edge mode %q", c.Edge)
	}
	switch c.Pull {
	case "", PullNone, PullUp, PullDown:
	default:
		return fmt.Errorf("unknown pull %q", c.Pull)
	}
	return nil
}
