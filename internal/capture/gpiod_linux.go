//go:build linux

package capture

import (
	"context"
	"fmt"

	"github.com/banshee-data/crankshaft/internal/monitoring"
	"github.com/banshee-data/crankshaft/internal/ticks"
	"github.com/warthog618/gpiod"
)

// GPIODSource timestamps edges on a GPIO line through the Linux character
// device. The kernel stamps each event, so latency in the handler does not
// affect intervals.
type GPIODSource struct {
	cfg   GPIOConfig
	line  *gpiod.Line
	queue *edgeQueue
}

// NewGPIODSource requests cfg.Line on cfg.Chip with edge detection enabled.
func NewGPIODSource(cfg GPIOConfig) (*GPIODSource, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Chip == "" {
		cfg.Chip = "gpiochip0"
	}
	s := &GPIODSource{cfg: cfg, queue: newEdgeQueue(cfg.QueueDepth)}

	opts := []gpiod.LineReqOption{gpiod.WithEventHandler(s.handle)}
	switch cfg.Edge {
	case EdgeFalling:
		opts = append(opts, gpiod.WithFallingEdge)
	case EdgeBoth:
		opts = append(opts, gpiod.WithBothEdges)
	default:
		opts = append(opts, gpiod.WithRisingEdge)
	}
	switch cfg.Pull {
	case PullUp:
		opts = append(opts, gpiod.WithPullUp)
	case PullDown:
		opts = append(opts, gpiod.WithPullDown)
	}

	line, err := gpiod.RequestLine(cfg.Chip, cfg.Line, opts...)
	if err != nil {
		return nil, fmt.Errorf("request %s line %d: %w", cfg.Chip, cfg.Line, err)
	}
	s.line = line
	monitoring.Logf("capture: gpiod %s line %d, %s edges", cfg.Chip, cfg.Line, cfg.Edge)
	return s, nil
}

func (s *GPIODSource) handle(evt gpiod.LineEvent) {
	s.queue.push(Edge{Tick: DurationToTicks(evt.Timestamp, s.cfg.TicksPerSecond, s.cfg.Width)})
}

func (s *GPIODSource) AwaitNextEdge(ctx context.Context) (ticks.RawTick, error) {
	return s.queue.await(ctx)
}

func (s *GPIODSource) CounterWidthBits() uint8 { return uint8(s.cfg.Width) }
func (s *GPIODSource) TicksPerSecond() uint32  { return s.cfg.TicksPerSecond }

// Dropped returns the number of events lost to a full queue.
func (s *GPIODSource) Dropped() uint64 { return s.queue.dropped.Load() }

func (s *GPIODSource) Close() error {
	if !s.queue.close() {
		return nil
	}
	return s.line.Close()
}
