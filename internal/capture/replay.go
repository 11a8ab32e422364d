package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/banshee-data/crankshaft/internal/serialmux"
	"github.com/banshee-data/crankshaft/internal/ticks"
)

// ReplaySource plays back a recorded capture in the board's line format.
// Each call returns the next edge line immediately; the recording ends with
// io.EOF. A read failure is returned once, wrapped, and then the recording
// ends.
type ReplaySource struct {
	width ticks.CounterWidth
	tps   uint32

	mu      sync.Mutex
	scanner *bufio.Scanner
	closer  io.Closer
	handler lineHandler
	line    int
	closed  bool
	failed  bool
}

// NewReplaySource reads capture lines from r. If r is an io.Closer it is
// closed with the source.
func NewReplaySource(r io.Reader, width ticks.CounterWidth, ticksPerSecond uint32) (*ReplaySource, error) {
	if err := width.Validate(); err != nil {
		return nil, err
	}
	if ticksPerSecond == 0 {
		return nil, errors.New("ticks per second must be positive")
	}
	s := &ReplaySource{
		width:   width,
		tps:     ticksPerSecond,
		scanner: bufio.NewScanner(r),
		handler: lineHandler{board: serialmux.NewBoardState()},
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s, nil
}

func (s *ReplaySource) CounterWidthBits() uint8 { return uint8(s.width) }
func (s *ReplaySource) TicksPerSecond() uint32  { return s.tps }

// Board returns the settings and status lines seen in the recording.
func (s *ReplaySource) Board() *serialmux.BoardState { return s.handler.board }

func (s *ReplaySource) AwaitNextEdge(ctx context.Context) (ticks.RawTick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.closed {
			return 0, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return 0, contextErr(ctx)
		}
		if s.failed || !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil && !s.failed {
				s.failed = true
				return 0, fmt.Errorf("read capture after line %d: %w", s.line, err)
			}
			return 0, io.EOF
		}
		s.line++
		tick, isEdge, err := s.handler.handle(s.scanner.Text())
		if err != nil {
			return 0, fmt.Errorf("line %d: %w", s.line, err)
		}
		if isEdge {
			return tick & ticks.RawTick(s.width.Mask()), nil
		}
	}
}

func (s *ReplaySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
