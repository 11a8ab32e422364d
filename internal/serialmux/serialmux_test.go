package serialmux

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/crankshaft/internal/config"
	"github.com/banshee-data/crankshaft/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestClassifyLine(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"E,12345", LineEdge},
		{"e,1", LineEdge},
		{"  987654  ", LineEdge},
		{"# overflow count 3", LineStatus},
		{`{"rate":1000000}`, LineConfig},
		{"", LineBlank},
		{"   ", LineBlank},
		{"OK", LineUnknown},
		{"X,12", LineUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyLine(tt.line); got != tt.want {
			t.Errorf("ClassifyLine(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestParseEdge(t *testing.T) {
	tests := []struct {
		line    string
		want    uint32
		wantErr bool
	}{
		{"E,12345", 12345, false},
		{"E, 42", 42, false},
		{"65535", 65535, false},
		{"4294967295", 4294967295, false},
		{"4294967296", 0, true},
		{"E,", 0, true},
		{"E,-5", 0, true},
		{"E,12abc", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseEdge(tt.line)
		if tt.wantErr {
			if err == nil || !errors.Is(err, ErrMalformedEdge) {
				t.Errorf("ParseEdge(%q) error = %v, want ErrMalformedEdge", tt.line, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseEdge(%q) = %d, %v, want %d", tt.line, got, err, tt.want)
		}
	}
}

func TestPortOptions(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}, opts)

	mode, err := PortOptions{BaudRate: 9600, StopBits: 2, Parity: "even"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 9600, mode.BaudRate)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.EvenParity, mode.Parity)

	for _, bad := range []PortOptions{
		{DataBits: 9},
		{StopBits: 3},
		{Parity: "M"},
	} {
		_, err := bad.SerialMode()
		assert.Error(t, err, "%+v", bad)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	assert.Equal(t, PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}, OptionsFromConfig(nil))

	baud := 57600
	parity := "o"
	got := OptionsFromConfig(&config.SerialConfig{BaudRate: &baud, Parity: &parity})
	assert.Equal(t, 57600, got.BaudRate)
	assert.Equal(t, "O", got.Parity)
}

func TestNewRealSerialMux_MissingPort(t *testing.T) {
	mux, err := NewRealSerialMux("/dev/nonexistent-serial-port-12345", PortOptions{})
	assert.Error(t, err)
	assert.Nil(t, mux)

	_, err = NewRealSerialMux("/dev/null", PortOptions{Parity: "Q"})
	assert.Error(t, err)
}

func TestMonitor_FansOutLines(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	_, a := mux.Subscribe()
	_, b := mux.Subscribe()

	port.AddReadData("E,100\nE,200\n# hello\n")
	port.EndOfData()

	require.NoError(t, mux.Monitor(context.Background()))

	for _, ch := range []chan string{a, b} {
		require.Len(t, ch, 3)
		assert.Equal(t, "E,100", <-ch)
		assert.Equal(t, "E,200", <-ch)
		assert.Equal(t, "# hello", <-ch)
	}

	lines, dropped := mux.Stats()
	assert.Equal(t, uint64(3), lines)
	assert.Zero(t, dropped)
}

func TestMonitor_CountsDropsForSlowSubscriber(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	var sb strings.Builder
	for i := 0; i < DefaultSubscriberBuffer+10; i++ {
		sb.WriteString("E,1\n")
	}
	port.AddReadData(sb.String())
	port.EndOfData()

	require.NoError(t, mux.Monitor(context.Background()))

	_, dropped := mux.Stats()
	assert.Equal(t, uint64(10), dropped)
	assert.Len(t, ch, DefaultSubscriberBuffer)
}

func TestMonitor_ContextCancel(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
	port.Close()
}

func TestClose_ClosesSubscribers(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	id, ch := mux.Subscribe()

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()

	require.NoError(t, mux.Close())
	_, ok := <-ch
	assert.False(t, ok, "subscriber channel closed")

	select {
	case err := <-done:
		assert.NoError(t, err, "closing the mux is a clean stop")
	case <-time.After(5 * time.Second):
		t.Fatal("Monitor did not return after Close")
	}

	mux.Unsubscribe(id) // already removed; must not panic
}

func TestInitialize(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	require.NoError(t, mux.Initialize([]string{"RATE=1000000", "WIDTH=32\n"}))
	assert.Equal(t, "RATE=1000000\nWIDTH=32\n", port.Written())

	port.WriteError = errors.New("boom")
	err := mux.Initialize([]string{"EDGE=RISING", "PULL=UP"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EDGE=RISING")
}

func TestBoardState(t *testing.T) {
	testutil.QuietLogs(t)
	b := NewBoardState()

	require.NoError(t, b.HandleConfigLine(`{"rate": 1000000, "width": 32}`))
	require.NoError(t, b.HandleConfigLine(`{"edge": "RISING"}`))
	require.Error(t, b.HandleConfigLine(`{not json`))

	s := b.Settings()
	assert.Equal(t, float64(1000000), s["rate"])
	assert.Equal(t, "RISING", s["edge"])

	b.HandleStatusLine("#  capture overflow 2")
	assert.Equal(t, "capture overflow 2", b.LastStatus())

	s["rate"] = 1
	assert.Equal(t, float64(1000000), b.Settings()["rate"], "Settings returns a copy")
}

func TestAttachAdminRoutes_SendCommandAPI(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	tests := []struct {
		name           string
		method         string
		form           url.Values
		expectedStatus int
		bodyContains   string
	}{
		{"valid POST", http.MethodPost, url.Values{"command": {"RATE=2000000"}}, http.StatusOK, "RATE=2000000"},
		{"empty command", http.MethodPost, url.Values{"command": {"  "}}, http.StatusBadRequest, "Missing command"},
		{"missing command", http.MethodPost, url.Values{}, http.StatusBadRequest, "Missing command"},
		{"GET not allowed", http.MethodGet, nil, http.StatusMethodNotAllowed, "Method not allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.form != nil {
				body = strings.NewReader(tt.form.Encode())
			}
			req := testutil.LocalhostRequest(tt.method, "/debug/send-command-api", body)
			if tt.form != nil {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}
			w := httptest.NewRecorder()
			httpMux.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), tt.bodyContains)
		})
	}

	assert.Equal(t, "RATE=2000000\n", port.Written())
}

func TestAttachAdminRoutes_SendCommandPage(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, testutil.LocalhostRequest(http.MethodGet, "/debug/send-command", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/debug/send-command-api")
	assert.Contains(t, w.Body.String(), "EventSource")
}

func TestAttachAdminRoutes_RejectsRemote(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	req := httptest.NewRequest(http.MethodPost, "/debug/send-command-api", strings.NewReader("command=X"))
	req.RemoteAddr = "203.0.113.9:4444"
	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestDisabledSerialMux(t *testing.T) {
	d := NewDisabledSerialMux()

	id, ch := d.Subscribe()
	assert.NoError(t, d.SendCommand("RATE=1"))
	assert.NoError(t, d.Initialize([]string{"A", "B"}))
	lines, dropped := d.Stats()
	assert.Zero(t, lines+dropped)

	d.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)

	_, ch2 := d.Subscribe()
	require.NoError(t, d.Close())
	_, ok = <-ch2
	assert.False(t, ok)
	require.NoError(t, d.Close())

	_, ch3 := d.Subscribe()
	_, ok = <-ch3
	assert.False(t, ok, "subscribe after close yields a closed channel")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Monitor(ctx), context.Canceled)

	httpMux := http.NewServeMux()
	d.AttachAdminRoutes(httpMux)
	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/serial-disabled", nil))
	assert.Equal(t, "serial disabled", w.Body.String())
}
