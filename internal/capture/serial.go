package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/crankshaft/internal/monitoring"
	"github.com/banshee-data/crankshaft/internal/serialmux"
	"github.com/banshee-data/crankshaft/internal/ticks"
)

// SerialSource reads edges from a capture microcontroller over a serial
// line multiplexed by serialmux.
type SerialSource struct {
	mux      serialmux.SerialMuxInterface
	settings BoardSettings
	board    *serialmux.BoardState

	subID       string
	lines       chan string
	closed      chan struct{}
	monitorDone chan struct{}
	once        sync.Once

	monitorErr atomic.Value // error
	badLines   atomic.Uint64
}

// NewSerialSource subscribes to mux, pushes the board settings and starts
// the mux monitor. The source owns mux and closes it on Close.
func NewSerialSource(ctx context.Context, mux serialmux.SerialMuxInterface, settings BoardSettings) (*SerialSource, error) {
	if err := settings.Width.Validate(); err != nil {
		return nil, err
	}
	if settings.TicksPerSecond == 0 {
		return nil, errors.New("ticks per second must be positive")
	}

	s := &SerialSource{
		mux:      mux,
		settings: settings,
		board:    serialmux.NewBoardState(),
		closed:   make(chan struct{}),

		monitorDone: make(chan struct{}),
	}
	s.subID, s.lines = mux.Subscribe()

	if err := mux.Initialize(settings.Commands()); err != nil {
		mux.Unsubscribe(s.subID)
		return nil, err
	}

	go func() {
		defer close(s.monitorDone)
		if err := mux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("capture: serial monitor stopped: %v", err)
			s.monitorErr.Store(err)
		}
	}()
	return s, nil
}

// Board returns the settings and status reported by the capture board.
func (s *SerialSource) Board() *serialmux.BoardState { return s.board }

// BadLines returns how many lines could not be parsed.
func (s *SerialSource) BadLines() uint64 { return s.badLines.Load() }

func (s *SerialSource) CounterWidthBits() uint8 { return uint8(s.settings.Width) }
func (s *SerialSource) TicksPerSecond() uint32  { return s.settings.TicksPerSecond }

// AwaitNextEdge returns the next edge line. Status and config lines are
// consumed along the way. Once the monitor has stopped and buffered lines are
// drained, the monitor error or io.EOF is returned.
func (s *SerialSource) AwaitNextEdge(ctx context.Context) (ticks.RawTick, error) {
	h := lineHandler{board: s.board}
	for {
		var (
			line string
			ok   bool
		)
		select {
		case <-s.closed:
			return 0, ErrClosed
		case <-ctx.Done():
			return 0, contextErr(ctx)
		case line, ok = <-s.lines:
		case <-s.monitorDone:
			select {
			case line, ok = <-s.lines:
			default:
				return 0, s.endErr()
			}
		}
		if !ok {
			return 0, s.endErr()
		}

		tick, isEdge, err := h.handle(line)
		if err != nil {
			s.badLines.Add(1)
			return 0, err
		}
		if isEdge {
			return tick, nil
		}
	}
}

// endErr reports why no more lines will arrive. A failed port is terminal,
// so its error wraps ErrClosed.
func (s *SerialSource) endErr() error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if err, _ := s.monitorErr.Load().(error); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return io.EOF
}

func (s *SerialSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.mux.Close()
	})
	return err
}
