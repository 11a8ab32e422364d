package capture

import (
	"fmt"
	"strings"

	"github.com/banshee-data/crankshaft/internal/serialmux"
	"github.com/banshee-data/crankshaft/internal/ticks"
)

// Edge selects which transitions of the sensor signal are captured.
type EdgeMode string

const (
	EdgeRising  EdgeMode = "rising"
	EdgeFalling EdgeMode = "falling"
	EdgeBoth    EdgeMode = "both"
)

// Pull selects the input bias applied to the sensor line.
type Pull string

const (
	PullNone Pull = "none"
	PullUp   Pull = "up"
	PullDown Pull = "down"
)

// BoardSettings are pushed to the capture board when a serial source starts.
type BoardSettings struct {
	TicksPerSecond uint32
	Width          ticks.CounterWidth
	Edge           EdgeMode
	Pull           Pull
}

// Commands renders the settings in the board's command syntax.
func (b BoardSettings) Commands() []string {
	edge := b.Edge
	if edge == "" {
		edge = EdgeRising
	}
	pull := b.Pull
	if pull == "" {
		pull = PullNone
	}
	return []string{
		fmt.Sprintf("RATE=%d", b.TicksPerSecond),
		fmt.Sprintf("WIDTH=%d", uint8(b.Width)),
		"EDGE=" + strings.ToUpper(string(edge)),
		"PULL=" + strings.ToUpper(string(pull)),
	}
}

// lineHandler turns board lines into edges, routing status and config lines
// to the board state.
type lineHandler struct {
	board *serialmux.BoardState
}

// handle returns the edge carried by line, or ok=false for non-edge lines.
func (h lineHandler) handle(line string) (tick ticks.RawTick, ok bool, err error) {
	switch serialmux.ClassifyLine(line) {
	case serialmux.LineEdge:
		v, err := serialmux.ParseEdge(line)
		if err != nil {
			return 0, false, err
		}
		return ticks.RawTick(v), true, nil
	case serialmux.LineStatus:
		if h.board != nil {
			h.board.HandleStatusLine(line)
		}
	case serialmux.LineConfig:
		if h.board != nil {
			if err := h.board.HandleConfigLine(line); err != nil {
				return 0, false, err
			}
		}
	case serialmux.LineBlank:
	default:
		return 0, false, fmt.Errorf("unrecognised capture line %q", line)
	}
	return 0, false, nil
}
