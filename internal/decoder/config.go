package decoder

import (
	"fmt"
	"time"

	"github.com/banshee-data/crankshaft/internal/config"
	"github.com/banshee-data/crankshaft/internal/estimator"
	"github.com/banshee-data/crankshaft/internal/ticks"
)

// Config controls the decoder loop.
type Config struct {
	Estimator estimator.Config

	HistoryCapacity int
	// SignalTimeout is how long Run waits for an edge before declaring the
	// signal lost. Zero waits forever.
	SignalTimeout time.Duration
	// NormalBand is the accepted relative deviation of a tooth interval from
	// the running average, e.g. 0.4 accepts 0.6x to 1.4x.
	NormalBand float64
	// MaxConsecutiveRejects glitches in a row re-seed the running average.
	MaxConsecutiveRejects int
	// IntervalSmoothing is the weight of a new normal interval in the running
	// average.
	IntervalSmoothing float64
}

// DefaultConfig returns the decoder defaults.
func DefaultConfig() Config {
	return Config{
		Estimator:             estimator.DefaultConfig(),
		HistoryCapacity:       ticks.DefaultCapacity,
		SignalTimeout:         500 * time.Millisecond,
		NormalBand:            0.4,
		MaxConsecutiveRejects: 4,
		IntervalSmoothing:     0.2,
	}
}

// ConfigFromTuning maps the JSON configuration onto a decoder Config.
func ConfigFromTuning(c *config.DecoderConfig) Config {
	return Config{
		Estimator: estimator.Config{
			NominalDt: c.GetNominalDt(),
			FixedStep: c.GetFixedStep(),
			MaxDt:     c.GetMaxPredictDt(),
			ProcessNoise: [3]float64{
				c.GetProcessNoiseAngle(),
				c.GetProcessNoiseVelocity(),
				c.GetProcessNoiseAcceleration(),
			},
			MeasurementNoise: c.GetMeasurementNoise(),
			InitialCovariance: [3]float64{
				c.GetInitialCovarianceAngle(),
				c.GetInitialCovarianceVelocity(),
				c.GetInitialCovarianceAcceleration(),
			},
		},
		HistoryCapacity:       c.GetHistoryCapacity(),
		SignalTimeout:         c.GetSignalTimeout(),
		NormalBand:            c.GetNormalBand(),
		MaxConsecutiveRejects: c.GetMaxConsecutiveRejects(),
		IntervalSmoothing:     c.GetIntervalSmoothing(),
	}
}

// Validate checks the loop settings and the embedded estimator config.
func (c Config) Validate() error {
	if err := c.Estimator.Validate(); err != nil {
		return fmt.Errorf("estimator: %w", err)
	}
	if c.HistoryCapacity <= 0 {
		return fmt.Errorf("history capacity must be positive, got %d", c.HistoryCapacity)
	}
	if c.SignalTimeout < 0 {
		return fmt.Errorf("signal timeout must not be negative, got %s", c.SignalTimeout)
	}
	if !(c.NormalBand > 0 && c.NormalBand <= 0.5) {
		return fmt.Errorf("normal band must be in (0, 0.5], got %v", c.NormalBand)
	}
	if c.MaxConsecutiveRejects < 1 {
		return fmt.Errorf("max consecutive rejects must be at least 1, got %d", c.MaxConsecutiveRejects)
	}
	if !(c.IntervalSmoothing > 0 && c.IntervalSmoothing <= 1) {
		return fmt.Errorf("interval smoothing must be in (0, 1], got %v", c.IntervalSmoothing)
	}
	return nil
}
