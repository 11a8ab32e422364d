// Package testutil provides shared test helpers for the debug HTTP surfaces
// and the package logger.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/banshee-data/crankshaft/internal/monitoring"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// LocalhostRequest creates a request that appears to come from localhost so
// it passes the tsweb debug access check.
func LocalhostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// Serve runs req against h and returns the recorded response.
func Serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// QuietLogs mutes the package logger for the duration of the test.
func QuietLogs(t testing.TB) {
	t.Helper()
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = original })
}

// LogBuffer collects formatted log lines.
type LogBuffer struct {
	mu    sync.Mutex
	lines []string
}

// CaptureLogs redirects the package logger into a LogBuffer until the test
// ends.
func CaptureLogs(t testing.TB) *LogBuffer {
	t.Helper()
	buf := &LogBuffer{}
	original := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		buf.mu.Lock()
		defer buf.mu.Unlock()
		buf.lines = append(buf.lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.Logf = original })
	return buf
}

// Lines returns a copy of the captured lines.
func (b *LogBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

// Contains reports whether any captured line contains substr.
func (b *LogBuffer) Contains(substr string) bool {
	for _, l := range b.Lines() {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}
