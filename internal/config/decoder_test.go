package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestDefaultDecoderConfig(t *testing.T) {
	cfg := DefaultDecoderConfig()

	if cfg.Wheel == nil || *cfg.Wheel != "36-1" {
		t.Errorf("Expected Wheel 36-1, got %v", cfg.Wheel)
	}
	if cfg.CounterWidthBits == nil || *cfg.CounterWidthBits != 32 {
		t.Errorf("Expected CounterWidthBits 32, got %v", cfg.CounterWidthBits)
	}
	if cfg.SignalTimeout == nil || *cfg.SignalTimeout != "500ms" {
		t.Errorf("Expected SignalTimeout '500ms', got %v", cfg.SignalTimeout)
	}
	if cfg.GetMeasurementNoise() != 10.0 {
		t.Errorf("GetMeasurementNoise() = %f, want 10", cfg.GetMeasurementNoise())
	}
	if cfg.Serial.GetBaudRate() != 115200 {
		t.Errorf("GetBaudRate() = %d, want 115200", cfg.Serial.GetBaudRate())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestChartHistoryIsIndependentOfTickRing(t *testing.T) {
	cfg := EmptyDecoderConfig()
	if got := cfg.GetChartHistoryCapacity(); got != 4096 {
		t.Errorf("GetChartHistoryCapacity() = %d, want 4096", got)
	}

	cfg.HistoryCapacity = ptrInt(16)
	if got := cfg.GetChartHistoryCapacity(); got != 4096 {
		t.Errorf("history_capacity leaked into chart capacity: got %d", got)
	}
	cfg.ChartHistoryCapacity = ptrInt(500)
	if got := cfg.GetChartHistoryCapacity(); got != 500 {
		t.Errorf("GetChartHistoryCapacity() = %d, want 500", got)
	}
	if cfg.GetHistoryCapacity() != 16 {
		t.Errorf("GetHistoryCapacity() = %d, want 16", cfg.GetHistoryCapacity())
	}
}

func TestDefaultsFileMatchesBuiltins(t *testing.T) {
	fromFile := MustLoadDefaultConfig()
	if diff := cmp.Diff(DefaultDecoderConfig(), fromFile); diff != "" {
		t.Errorf("%s drifted from built-in defaults (-builtin +file):\n%s", DefaultConfigPath, diff)
	}
}

func TestLoadDecoderConfig(t *testing.T) {
	path := writeConfig(t, "test_config.json", `{
  "wheel": "60-2",
  "counter_width_bits": 16,
  "ticks_per_second": 2000000,
  "fixed_step": true,
  "signal_timeout": "1s",
  "serial": {"baud_rate": 9600, "parity": "e"}
}`)

	cfg, err := LoadDecoderConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.GetWheel() != "60-2" {
		t.Errorf("GetWheel() = %q, want 60-2", cfg.GetWheel())
	}
	if cfg.GetCounterWidthBits() != 16 {
		t.Errorf("GetCounterWidthBits() = %d, want 16", cfg.GetCounterWidthBits())
	}
	if cfg.GetTicksPerSecond() != 2_000_000 {
		t.Errorf("GetTicksPerSecond() = %d, want 2000000", cfg.GetTicksPerSecond())
	}
	if !cfg.GetFixedStep() {
		t.Error("GetFixedStep() = false, want true")
	}
	if cfg.GetSignalTimeout() != time.Second {
		t.Errorf("GetSignalTimeout() = %v, want 1s", cfg.GetSignalTimeout())
	}
	if cfg.Serial.GetBaudRate() != 9600 || cfg.Serial.GetParity() != "E" {
		t.Errorf("serial = %d/%s, want 9600/E", cfg.Serial.GetBaudRate(), cfg.Serial.GetParity())
	}
	// omitted fields fall back to defaults
	if cfg.GetNormalBand() != 0.4 {
		t.Errorf("GetNormalBand() = %f, want default 0.4", cfg.GetNormalBand())
	}
	if cfg.Serial.GetDataBits() != 8 {
		t.Errorf("GetDataBits() = %d, want default 8", cfg.Serial.GetDataBits())
	}
}

func TestLoadDecoderConfigMissing(t *testing.T) {
	_, err := LoadDecoderConfig("/nonexistent/path/to/config.json")
	if err == nil {
		t.Error("Expected error when loading missing file, got nil")
	}
}

func TestLoadDecoderConfigWrongExtension(t *testing.T) {
	path := writeConfig(t, "config.yaml", "wheel: 36-1\n")
	_, err := LoadDecoderConfig(path)
	if err == nil || !strings.Contains(err.Error(), ".json") {
		t.Errorf("Expected extension error, got %v", err)
	}
}

func TestLoadDecoderConfigTooLarge(t *testing.T) {
	body := `{"wheel": "36-1", "pad": "` + strings.Repeat("x", 1024*1024) + `"}`
	path := writeConfig(t, "big.json", body)
	_, err := LoadDecoderConfig(path)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("Expected size error, got %v", err)
	}
}

func TestLoadDecoderConfigInvalid(t *testing.T) {
	path := writeConfig(t, "invalid_config.json", `{
  "wheel": 36
`)
	if _, err := LoadDecoderConfig(path); err == nil {
		t.Error("Expected error when loading invalid JSON, got nil")
	}

	path = writeConfig(t, "bad_values.json", `{"counter_width_bits": 24}`)
	if _, err := LoadDecoderConfig(path); err == nil {
		t.Error("Expected validation error, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *DecoderConfig
		wantErr string
	}{
		{"empty config", &DecoderConfig{}, ""},
		{"zero capacity", &DecoderConfig{HistoryCapacity: ptrInt(0)}, "history_capacity"},
		{"blank wheel", &DecoderConfig{Wheel: ptrString("  ")}, "wheel"},
		{"width 24", &DecoderConfig{CounterWidthBits: ptrInt(24)}, "counter_width_bits"},
		{"zero tps", &DecoderConfig{TicksPerSecond: ptrInt64(0)}, "ticks_per_second"},
		{"tps overflow", &DecoderConfig{TicksPerSecond: ptrInt64(1 << 33)}, "ticks_per_second"},
		{"bad edge", &DecoderConfig{Edge: ptrString("sideways")}, "edge"},
		{"edge case insensitive", &DecoderConfig{Edge: ptrString("BOTH")}, ""},
		{"bad pull", &DecoderConfig{Pull: ptrString("left")}, "pull"},
		{"zero nominal dt", &DecoderConfig{NominalDt: ptrFloat64(0)}, "nominal_dt"},
		{"negative measurement noise", &DecoderConfig{MeasurementNoise: ptrFloat64(-1)}, "measurement_noise"},
		{"negative process noise", &DecoderConfig{ProcessNoiseVelocity: ptrFloat64(-0.1)}, "process_noise_velocity"},
		{"zero process noise ok", &DecoderConfig{ProcessNoiseAngle: ptrFloat64(0)}, ""},
		{"bad timeout", &DecoderConfig{SignalTimeout: ptrString("soon")}, "signal_timeout"},
		{"negative timeout", &DecoderConfig{SignalTimeout: ptrString("-1s")}, "signal_timeout"},
		{"zero timeout ok", &DecoderConfig{SignalTimeout: ptrString("0s")}, ""},
		{"bad heartbeat", &DecoderConfig{HeartbeatInterval: ptrString("often")}, "heartbeat_interval"},
		{"band too wide", &DecoderConfig{NormalBand: ptrFloat64(0.6)}, "normal_band"},
		{"zero rejects", &DecoderConfig{MaxConsecutiveRejects: ptrInt(0)}, "max_consecutive_rejects"},
		{"smoothing above one", &DecoderConfig{IntervalSmoothing: ptrFloat64(1.5)}, "interval_smoothing"},
		{"negative log every", &DecoderConfig{LogEvery: ptrInt(-1)}, "log_every"},
		{"zero chart history", &DecoderConfig{ChartHistoryCapacity: ptrInt(0)}, "chart_history_capacity"},
		{"bad parity", &DecoderConfig{Serial: &SerialConfig{Parity: ptrString("X")}}, "parity"},
		{"bad stop bits", &DecoderConfig{Serial: &SerialConfig{StopBits: ptrInt(3)}}, "stop_bits"},
		{"bad data bits", &DecoderConfig{Serial: &SerialConfig{DataBits: ptrInt(9)}}, "data_bits"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestGetDurationsFallBackOnParseError(t *testing.T) {
	cfg := &DecoderConfig{
		SignalTimeout:     ptrString("garbage"),
		HeartbeatInterval: ptrString(""),
	}
	if cfg.GetSignalTimeout() != 500*time.Millisecond {
		t.Errorf("GetSignalTimeout() = %v, want 500ms", cfg.GetSignalTimeout())
	}
	if cfg.GetHeartbeatInterval() != 10*time.Second {
		t.Errorf("GetHeartbeatInterval() = %v, want 10s", cfg.GetHeartbeatInterval())
	}
}

func TestSerialConfigNilReceiver(t *testing.T) {
	var s *SerialConfig
	if s.GetParity() != "N" || s.GetStopBits() != 1 {
		t.Errorf("nil serial config should yield defaults, got %s/%d", s.GetParity(), s.GetStopBits())
	}
	if err := s.Validate(); err != nil {
		t.Errorf("nil serial config should validate: %v", err)
	}
}
