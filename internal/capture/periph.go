package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/crankshaft/internal/monitoring"
	"github.com/banshee-data/crankshaft/internal/ticks"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// edgeWait bounds each WaitForEdge call so the reader notices Close.
const edgeWait = 100 * time.Millisecond

// PeriphSource waits for edges on a pin through periph.io. Timestamps are
// taken from the monotonic clock when the wait returns, so they carry
// scheduling latency that GPIODSource avoids.
type PeriphSource struct {
	cfg   GPIOConfig
	pin   gpio.PinIO
	queue *edgeQueue
	done  chan struct{}
}

// NewPeriphSource initialises the host drivers and configures cfg.Pin as an
// edge-triggered input.
func NewPeriphSource(cfg GPIOConfig) (*PeriphSource, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	pin := gpioreg.ByName(cfg.Pin)
	if pin == nil {
		return nil, fmt.Errorf("unknown pin %q", cfg.Pin)
	}
	return newPeriphSource(cfg, pin)
}

func newPeriphSource(cfg GPIOConfig, pin gpio.PinIO) (*PeriphSource, error) {
	if err := pin.In(periphPull(cfg.Pull), periphEdge(cfg.Edge)); err != nil {
		return nil, fmt.Errorf("configure %s: %w", pin.Name(), err)
	}
	s := &PeriphSource{
		cfg:   cfg,
		pin:   pin,
		queue: newEdgeQueue(cfg.QueueDepth),
		done:  make(chan struct{}),
	}
	go s.read()
	monitoring.Logf("capture: periph pin %s, %s edges", pin.Name(), cfg.Edge)
	return s, nil
}

func periphPull(p Pull) gpio.Pull {
	switch p {
	case PullUp:
		return gpio.PullUp
	case PullDown:
		return gpio.PullDown
	default:
		return gpio.Float
	}
}

func periphEdge(e EdgeMode) gpio.Edge {
	switch e {
	case EdgeFalling:
		return gpio.FallingEdge
	case EdgeBoth:
		return gpio.BothEdges
	default:
		return gpio.RisingEdge
	}
}

func (s *PeriphSource) read() {
	defer close(s.done)
	for !s.queue.isClosed() {
		if !s.pin.WaitForEdge(edgeWait) {
			continue
		}
		s.queue.push(Edge{Tick: DurationToTicks(monotonicNow(), s.cfg.TicksPerSecond, s.cfg.Width)})
	}
}

func (s *PeriphSource) AwaitNextEdge(ctx context.Context) (ticks.RawTick, error) {
	return s.queue.await(ctx)
}

func (s *PeriphSource) CounterWidthBits() uint8 { return uint8(s.cfg.Width) }
func (s *PeriphSource) TicksPerSecond() uint32  { return s.cfg.TicksPerSecond }

// Dropped returns the number of edges lost to a full queue.
func (s *PeriphSource) Dropped() uint64 { return s.queue.dropped.Load() }

// Close stops the reader and disables edge detection on the pin.
func (s *PeriphSource) Close() error {
	if !s.queue.close() {
		return nil
	}
	<-s.done
	return s.pin.Halt()
}
