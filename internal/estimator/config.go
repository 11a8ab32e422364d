package estimator

import (
	"fmt"
	"math"
)

// Config holds the filter model constants. The transition, process noise,
// observation and observation noise matrices are all derived from it.
type Config struct {
	// NominalDt is the step length (seconds) used by Predict and the time base
	// the process noise values are expressed in.
	NominalDt float64
	// FixedStep makes callers use Predict() for every sample instead of
	// PredictDt with the measured elapsed time.
	FixedStep bool
	// MaxDt caps a single PredictDt step (seconds) so a long pause does not
	// blow up the covariance.
	MaxDt float64

	// ProcessNoise is the diagonal of Q per NominalDt: angle, velocity,
	// acceleration.
	ProcessNoise [3]float64
	// MeasurementNoise is R, the variance of a velocity measurement (rad/s)².
	MeasurementNoise float64
	// InitialCovariance is the diagonal of P at start and after a reset.
	InitialCovariance [3]float64
}

// DefaultConfig returns the tuning used on the bench Hall sensor.
func DefaultConfig() Config {
	return Config{
		NominalDt:         0.01,
		FixedStep:         false,
		MaxDt:             0.25,
		ProcessNoise:      [3]float64{0.001, 0.01, 0.1},
		MeasurementNoise:  10.0,
		InitialCovariance: [3]float64{1, 1e4, 1e2},
	}
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Validate checks that the configuration describes a usable filter.
func (c Config) Validate() error {
	if !finite(c.NominalDt) || c.NominalDt <= 0 {
		return fmt.Errorf("nominal dt must be positive, got %v", c.NominalDt)
	}
	if !finite(c.MaxDt) || c.MaxDt <= 0 {
		return fmt.Errorf("max dt must be positive, got %v", c.MaxDt)
	}
	for i, q := range c.ProcessNoise {
		if !finite(q) || q < 0 {
			return fmt.Errorf("process noise[%d] must be non-negative, got %v", i, q)
		}
	}
	if !finite(c.MeasurementNoise) || c.MeasurementNoise <= 0 {
		return fmt.Errorf("measurement noise must be positive, got %v", c.MeasurementNoise)
	}
	for i, p := range c.InitialCovariance {
		if !finite(p) || p <= 0 {
			return fmt.Errorf("initial covariance[%d] must be positive, got %v", i, p)
		}
	}
	return nil
}
