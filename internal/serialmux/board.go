package serialmux

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/banshee-data/crankshaft/internal/monitoring"
)

// BoardState holds the latest settings echoed by the capture board and its
// most recent status line.
type BoardState struct {
	mu         sync.RWMutex
	settings   map[string]any
	lastStatus string
}

// NewBoardState returns an empty BoardState.
func NewBoardState() *BoardState {
	return &BoardState{settings: make(map[string]any)}
}

// HandleConfigLine merges a JSON settings echo into the state.
func (b *BoardState) HandleConfigLine(payload string) error {
	var values map[string]any
	if err := json.Unmarshal([]byte(payload), &values); err != nil {
		return fmt.Errorf("failed to unmarshal board config: %w", err)
	}

	b.mu.Lock()
	for k, v := range values {
		b.settings[k] = v
	}
	b.mu.Unlock()

	monitoring.Logf("capture board config: %s", payload)
	return nil
}

// HandleStatusLine records a "#" status line.
func (b *BoardState) HandleStatusLine(line string) {
	status := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "#"))
	b.mu.Lock()
	b.lastStatus = status
	b.mu.Unlock()
	monitoring.Logf("capture board: %s", status)
}

// Settings returns a copy of the known board settings.
func (b *BoardState) Settings() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]any, len(b.settings))
	for k, v := range b.settings {
		out[k] = v
	}
	return out
}

// LastStatus returns the most recent status line without its "#" prefix.
func (b *BoardState) LastStatus() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastStatus
}
