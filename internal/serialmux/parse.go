package serialmux

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Line kinds emitted by the capture board.
const (
	LineEdge    = "edge"    // "E,<ticks>" or a bare decimal counter value
	LineStatus  = "status"  // "# ..." free-form board status
	LineConfig  = "config"  // "{...}" JSON echo of the board settings
	LineBlank   = "blank"   // empty line
	LineUnknown = "unknown" // anything else
)

// ErrMalformedEdge is returned by ParseEdge for edge lines whose counter value
// cannot be read.
var ErrMalformedEdge = errors.New("malformed edge line")

// ClassifyLine inspects a line from the capture board and returns its kind.
func ClassifyLine(line string) string {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return LineBlank
	case strings.HasPrefix(line, "#"):
		return LineStatus
	case strings.HasPrefix(line, "{"):
		return LineConfig
	case strings.HasPrefix(line, "E,"), strings.HasPrefix(line, "e,"):
		return LineEdge
	case line[0] >= '0' && line[0] <= '9':
		return LineEdge
	default:
		return LineUnknown
	}
}

// ParseEdge returns the counter value carried by an edge line. Values must
// fit in 32 bits; narrower counters are masked by the consumer.
func ParseEdge(line string) (uint32, error) {
	line = strings.TrimSpace(line)
	if len(line) >= 2 && (line[0] == 'E' || line[0] == 'e') && line[1] == ',' {
		line = strings.TrimSpace(line[2:])
	}
	v, err := strconv.ParseUint(line, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %v", ErrMalformedEdge, line, err)
	}
	return uint32(v), nil
}
