package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultConfigPath is the path to the canonical decoder defaults file.
const DefaultConfigPath = "config/decoder.defaults.json"

// DecoderConfig is the root configuration for the decoder daemon. Every field
// is optional; the Get* methods return the built-in default for fields left
// out of the JSON.
type DecoderConfig struct {
	// Capture
	HistoryCapacity  *int    `json:"history_capacity,omitempty"`
	Wheel            *string `json:"wheel,omitempty"`
	CounterWidthBits *int    `json:"counter_width_bits,omitempty"`
	TicksPerSecond   *int64  `json:"ticks_per_second,omitempty"`
	Edge             *string `json:"edge,omitempty"` // rising, falling, both
	Pull             *string `json:"pull,omitempty"` // none, up, down

	// Estimator
	NominalDt                     *float64 `json:"nominal_dt,omitempty"`
	FixedStep                     *bool    `json:"fixed_step,omitempty"`
	MaxPredictDt                  *float64 `json:"max_predict_dt,omitempty"`
	ProcessNoiseAngle             *float64 `json:"process_noise_angle,omitempty"`
	ProcessNoiseVelocity          *float64 `json:"process_noise_velocity,omitempty"`
	ProcessNoiseAcceleration      *float64 `json:"process_noise_acceleration,omitempty"`
	MeasurementNoise              *float64 `json:"measurement_noise,omitempty"`
	InitialCovarianceAngle        *float64 `json:"initial_covariance_angle,omitempty"`
	InitialCovarianceVelocity     *float64 `json:"initial_covariance_velocity,omitempty"`
	InitialCovarianceAcceleration *float64 `json:"initial_covariance_acceleration,omitempty"`

	// Decoder loop
	SignalTimeout         *string  `json:"signal_timeout,omitempty"` // duration string like "500ms"; "0s" waits forever
	NormalBand            *float64 `json:"normal_band,omitempty"`
	MaxConsecutiveRejects *int     `json:"max_consecutive_rejects,omitempty"`
	IntervalSmoothing     *float64 `json:"interval_smoothing,omitempty"`

	// Output
	LogEvery             *int    `json:"log_every,omitempty"`
	HeartbeatInterval    *string `json:"heartbeat_interval,omitempty"`
	ChartHistoryCapacity *int    `json:"chart_history_capacity,omitempty"` // estimates kept for the debug chart

	Serial *SerialConfig `json:"serial,omitempty"`
}

// SerialConfig holds the line settings of the capture board's serial port.
type SerialConfig struct {
	BaudRate *int    `json:"baud_rate,omitempty"`
	DataBits *int    `json:"data_bits,omitempty"`
	StopBits *int    `json:"stop_bits,omitempty"`
	Parity   *string `json:"parity,omitempty"` // N, E, O
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrInt64(v int64) *int64       { return &v }

// EmptyDecoderConfig returns a DecoderConfig with all fields set to nil.
func EmptyDecoderConfig() *DecoderConfig {
	return &DecoderConfig{}
}

// DefaultDecoderConfig returns a DecoderConfig with every field populated
// from the built-in defaults.
func DefaultDecoderConfig() *DecoderConfig {
	c := EmptyDecoderConfig()
	return &DecoderConfig{
		HistoryCapacity:               ptrInt(c.GetHistoryCapacity()),
		Wheel:                         ptrString(c.GetWheel()),
		CounterWidthBits:              ptrInt(c.GetCounterWidthBits()),
		TicksPerSecond:                ptrInt64(c.GetTicksPerSecond()),
		Edge:                          ptrString(c.GetEdge()),
		Pull:                          ptrString(c.GetPull()),
		NominalDt:                     ptrFloat64(c.GetNominalDt()),
		FixedStep:                     ptrBool(c.GetFixedStep()),
		MaxPredictDt:                  ptrFloat64(c.GetMaxPredictDt()),
		ProcessNoiseAngle:             ptrFloat64(c.GetProcessNoiseAngle()),
		ProcessNoiseVelocity:          ptrFloat64(c.GetProcessNoiseVelocity()),
		ProcessNoiseAcceleration:      ptrFloat64(c.GetProcessNoiseAcceleration()),
		MeasurementNoise:              ptrFloat64(c.GetMeasurementNoise()),
		InitialCovarianceAngle:        ptrFloat64(c.GetInitialCovarianceAngle()),
		InitialCovarianceVelocity:     ptrFloat64(c.GetInitialCovarianceVelocity()),
		InitialCovarianceAcceleration: ptrFloat64(c.GetInitialCovarianceAcceleration()),
		SignalTimeout:                 ptrString(c.GetSignalTimeout().String()),
		NormalBand:                    ptrFloat64(c.GetNormalBand()),
		MaxConsecutiveRejects:         ptrInt(c.GetMaxConsecutiveRejects()),
		IntervalSmoothing:             ptrFloat64(c.GetIntervalSmoothing()),
		LogEvery:                      ptrInt(c.GetLogEvery()),
		HeartbeatInterval:             ptrString(c.GetHeartbeatInterval().String()),
		ChartHistoryCapacity:          ptrInt(c.GetChartHistoryCapacity()),
		Serial: &SerialConfig{
			BaudRate: ptrInt(c.Serial.GetBaudRate()),
			DataBits: ptrInt(c.Serial.GetDataBits()),
			StopBits: ptrInt(c.Serial.GetStopBits()),
			Parity:   ptrString(c.Serial.GetParity()),
		},
	}
}

// LoadDecoderConfig loads a DecoderConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file fall back to their defaults, so
// partial configs are safe.
func LoadDecoderConfig(path string) (*DecoderConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyDecoderConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *DecoderConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from cmd/tools/trace-plot/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadDecoderConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid. Wheel names are
// checked against the preset table by the caller.
func (c *DecoderConfig) Validate() error {
	if c.HistoryCapacity != nil && *c.HistoryCapacity <= 0 {
		return fmt.Errorf("history_capacity must be positive, got %d", *c.HistoryCapacity)
	}
	if c.Wheel != nil && strings.TrimSpace(*c.Wheel) == "" {
		return fmt.Errorf("wheel must not be empty")
	}
	if c.CounterWidthBits != nil && *c.CounterWidthBits != 16 && *c.CounterWidthBits != 32 {
		return fmt.Errorf("counter_width_bits must be 16 or 32, got %d", *c.CounterWidthBits)
	}
	if c.TicksPerSecond != nil && (*c.TicksPerSecond <= 0 || *c.TicksPerSecond > 1<<32-1) {
		return fmt.Errorf("ticks_per_second must be in (0, 2^32), got %d", *c.TicksPerSecond)
	}
	if c.Edge != nil {
		switch strings.ToLower(*c.Edge) {
		case "rising", "falling", "both":
		default:
			return fmt.Errorf("edge must be rising, falling or both, got %q", *c.Edge)
		}
	}
	if c.Pull != nil {
		switch strings.ToLower(*c.Pull) {
		case "none", "up", "down":
		default:
			return fmt.Errorf("pull must be none, up or down, got %q", *c.Pull)
		}
	}

	positive := map[string]*float64{
		"nominal_dt":                      c.NominalDt,
		"max_predict_dt":                  c.MaxPredictDt,
		"measurement_noise":               c.MeasurementNoise,
		"initial_covariance_angle":        c.InitialCovarianceAngle,
		"initial_covariance_velocity":     c.InitialCovarianceVelocity,
		"initial_covariance_acceleration": c.InitialCovarianceAcceleration,
	}
	for name, v := range positive {
		if v != nil && !(*v > 0) {
			return fmt.Errorf("%s must be positive, got %f", name, *v)
		}
	}
	nonNegative := map[string]*float64{
		"process_noise_angle":        c.ProcessNoiseAngle,
		"process_noise_velocity":     c.ProcessNoiseVelocity,
		"process_noise_acceleration": c.ProcessNoiseAcceleration,
	}
	for name, v := range nonNegative {
		if v != nil && !(*v >= 0) {
			return fmt.Errorf("%s must be non-negative, got %f", name, *v)
		}
	}

	if c.SignalTimeout != nil && *c.SignalTimeout != "" {
		d, err := time.ParseDuration(*c.SignalTimeout)
		if err != nil {
			return fmt.Errorf("invalid signal_timeout '%s': %w", *c.SignalTimeout, err)
		}
		if d < 0 {
			return fmt.Errorf("signal_timeout must not be negative, got %s", d)
		}
	}
	if c.HeartbeatInterval != nil && *c.HeartbeatInterval != "" {
		d, err := time.ParseDuration(*c.HeartbeatInterval)
		if err != nil {
			return fmt.Errorf("invalid heartbeat_interval '%s': %w", *c.HeartbeatInterval, err)
		}
		if d < 0 {
			return fmt.Errorf("heartbeat_interval must not be negative, got %s", d)
		}
	}

	if c.NormalBand != nil && !(*c.NormalBand > 0 && *c.NormalBand <= 0.5) {
		return fmt.Errorf("normal_band must be in (0, 0.5], got %f", *c.NormalBand)
	}
	if c.MaxConsecutiveRejects != nil && *c.MaxConsecutiveRejects < 1 {
		return fmt.Errorf("max_consecutive_rejects must be at least 1, got %d", *c.MaxConsecutiveRejects)
	}
	if c.IntervalSmoothing != nil && !(*c.IntervalSmoothing > 0 && *c.IntervalSmoothing <= 1) {
		return fmt.Errorf("interval_smoothing must be in (0, 1], got %f", *c.IntervalSmoothing)
	}
	if c.LogEvery != nil && *c.LogEvery < 0 {
		return fmt.Errorf("log_every must be non-negative, got %d", *c.LogEvery)
	}
	if c.ChartHistoryCapacity != nil && *c.ChartHistoryCapacity <= 0 {
		return fmt.Errorf("chart_history_capacity must be positive, got %d", *c.ChartHistoryCapacity)
	}

	if c.Serial != nil {
		if err := c.Serial.Validate(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}

	return nil
}

// GetHistoryCapacity returns the history_capacity value or the default.
func (c *DecoderConfig) GetHistoryCapacity() int {
	if c.HistoryCapacity == nil {
		return 128
	}
	return *c.HistoryCapacity
}

// GetWheel returns the wheel preset name or the default.
func (c *DecoderConfig) GetWheel() string {
	if c.Wheel == nil {
		return "36-1"
	}
	return *c.Wheel
}

// GetCounterWidthBits returns the counter_width_bits value or the default.
func (c *DecoderConfig) GetCounterWidthBits() int {
	if c.CounterWidthBits == nil {
		return 32
	}
	return *c.CounterWidthBits
}

// GetTicksPerSecond returns the ticks_per_second value or the default.
func (c *DecoderConfig) GetTicksPerSecond() int64 {
	if c.TicksPerSecond == nil {
		return 1_000_000
	}
	return *c.TicksPerSecond
}

// GetEdge returns the edge value or the default.
func (c *DecoderConfig) GetEdge() string {
	if c.Edge == nil {
		return "rising"
	}
	return strings.ToLower(*c.Edge)
}

// GetPull returns the pull value or the default.
func (c *DecoderConfig) GetPull() string {
	if c.Pull == nil {
		return "none"
	}
	return strings.ToLower(*c.Pull)
}

// GetNominalDt returns the nominal_dt value or the default.
func (c *DecoderConfig) GetNominalDt() float64 {
	if c.NominalDt == nil {
		return 0.01
	}
	return *c.NominalDt
}

// GetFixedStep returns the fixed_step value or the default.
func (c *DecoderConfig) GetFixedStep() bool {
	if c.FixedStep == nil {
		return false
	}
	return *c.FixedStep
}

// GetMaxPredictDt returns the max_predict_dt value or the default.
func (c *DecoderConfig) GetMaxPredictDt() float64 {
	if c.MaxPredictDt == nil {
		return 0.25
	}
	return *c.MaxPredictDt
}

// GetProcessNoiseAngle returns the process_noise_angle value or the default.
func (c *DecoderConfig) GetProcessNoiseAngle() float64 {
	if c.ProcessNoiseAngle == nil {
		return 0.001
	}
	return *c.ProcessNoiseAngle
}

// GetProcessNoiseVelocity returns the process_noise_velocity value or the default.
func (c *DecoderConfig) GetProcessNoiseVelocity() float64 {
	if c.ProcessNoiseVelocity == nil {
		return 0.01
	}
	return *c.ProcessNoiseVelocity
}

// GetProcessNoiseAcceleration returns the process_noise_acceleration value or the default.
func (c *DecoderConfig) GetProcessNoiseAcceleration() float64 {
	if c.ProcessNoiseAcceleration == nil {
		return 0.1
	}
	return *c.ProcessNoiseAcceleration
}

// GetMeasurementNoise returns the measurement_noise value or the default.
func (c *DecoderConfig) GetMeasurementNoise() float64 {
	if c.MeasurementNoise == nil {
		return 10.0
	}
	return *c.MeasurementNoise
}

// GetInitialCovarianceAngle returns the initial_covariance_angle value or the default.
func (c *DecoderConfig) GetInitialCovarianceAngle() float64 {
	if c.InitialCovarianceAngle == nil {
		return 1.0
	}
	return *c.InitialCovarianceAngle
}

// GetInitialCovarianceVelocity returns the initial_covariance_velocity value or the default.
func (c *DecoderConfig) GetInitialCovarianceVelocity() float64 {
	if c.InitialCovarianceVelocity == nil {
		return 1e4
	}
	return *c.InitialCovarianceVelocity
}

// GetInitialCovarianceAcceleration returns the initial_covariance_acceleration value or the default.
func (c *DecoderConfig) GetInitialCovarianceAcceleration() float64 {
	if c.InitialCovarianceAcceleration == nil {
		return 1e2
	}
	return *c.InitialCovarianceAcceleration
}

// GetSignalTimeout parses and returns the SignalTimeout as a time.Duration.
// Zero means wait for the next edge forever.
func (c *DecoderConfig) GetSignalTimeout() time.Duration {
	if c.SignalTimeout == nil || *c.SignalTimeout == "" {
		return 500 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.SignalTimeout)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// GetNormalBand returns the normal_band value or the default.
func (c *DecoderConfig) GetNormalBand() float64 {
	if c.NormalBand == nil {
		return 0.4
	}
	return *c.NormalBand
}

// GetMaxConsecutiveRejects returns the max_consecutive_rejects value or the default.
func (c *DecoderConfig) GetMaxConsecutiveRejects() int {
	if c.MaxConsecutiveRejects == nil {
		return 4
	}
	return *c.MaxConsecutiveRejects
}

// GetIntervalSmoothing returns the interval_smoothing value or the default.
func (c *DecoderConfig) GetIntervalSmoothing() float64 {
	if c.IntervalSmoothing == nil {
		return 0.2
	}
	return *c.IntervalSmoothing
}

// GetLogEvery returns the log_every value or the default.
func (c *DecoderConfig) GetLogEvery() int {
	if c.LogEvery == nil {
		return 100
	}
	return *c.LogEvery
}

// GetChartHistoryCapacity returns the chart_history_capacity value or the
// default: about three seconds of estimates from a 36-1 wheel at 3000 RPM.
func (c *DecoderConfig) GetChartHistoryCapacity() int {
	if c.ChartHistoryCapacity == nil {
		return 4096
	}
	return *c.ChartHistoryCapacity
}

// GetHeartbeatInterval parses and returns the HeartbeatInterval as a time.Duration.
func (c *DecoderConfig) GetHeartbeatInterval() time.Duration {
	if c.HeartbeatInterval == nil || *c.HeartbeatInterval == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(*c.HeartbeatInterval)
	if err != nil {
		return 10 * time.Second
	}
	return d
}
