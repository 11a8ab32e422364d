//go:build !linux

package capture

import (
	"context"

	"github.com/banshee-data/crankshaft/internal/ticks"
)

// GPIODSource is only available on Linux.
type GPIODSource struct{}

func NewGPIODSource(GPIOConfig) (*GPIODSource, error) { return nil, ErrUnsupported }

func (*GPIODSource) AwaitNextEdge(context.Context) (ticks.RawTick, error) { return 0, ErrClosed }
func (*GPIODSource) CounterWidthBits() uint8                              { return 0 }
func (*GPIODSource) TicksPerSecond() uint32                               { return 0 }
func (*GPIODSource) Dropped() uint64                                      { return 0 }
func (*GPIODSource) Close() error                                         { return nil }
