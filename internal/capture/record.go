package capture

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Record copies edges from src to w in the capture line format read by
// ReplaySource: a status line, a settings line, then one "E,<ticks>" line per
// edge. It stops after limit edges (limit <= 0 means until the source ends)
// and returns the number of edges written.
func Record(ctx context.Context, w io.Writer, src Source, limit int) (int, error) {
	bw := bufio.NewWriter(w)
	settings, err := json.Marshal(map[string]any{
		"rate":  src.TicksPerSecond(),
		"width": src.CounterWidthBits(),
	})
	if err != nil {
		return 0, err
	}
	if _, err := fmt.Fprintf(bw, "# crankshaft capture\n%s\n", settings); err != nil {
		return 0, err
	}

	n := 0
	for limit <= 0 || n < limit {
		tick, err := src.AwaitNextEdge(ctx)
		if errors.Is(err, io.EOF) || errors.Is(err, ErrClosed) {
			break
		}
		if err != nil {
			_ = bw.Flush()
			return n, err
		}
		if _, err := fmt.Fprintf(bw, "E,%d\n", tick); err != nil {
			return n, err
		}
		n++
	}
	return n, bw.Flush()
}
