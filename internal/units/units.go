// Package units provides shared constants and conversions for angular units
package units

import "math"

// Unit constants for angular velocity
const (
	RadPerSec = "rad/s"
	RPM       = "rpm"
	Hz        = "hz"
	DegPerSec = "deg/s"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{RadPerSec, RPM, Hz, DegPerSec}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "rad/s, rpm, hz, deg/s"
}

// RadPerSecToRPM converts angular velocity to revolutions per minute.
func RadPerSecToRPM(v float64) float64 { return v * 60 / (2 * math.Pi) }

// RPMToRadPerSec converts revolutions per minute to rad/s.
func RPMToRadPerSec(rpm float64) float64 { return rpm * 2 * math.Pi / 60 }

// Degrees converts an angle in radians to degrees.
func Degrees(rad float64) float64 { return rad * 180 / math.Pi }

// WrapAngle reduces an unbounded angle to [0, 2π).
func WrapAngle(rad float64) float64 {
	w := math.Mod(rad, 2*math.Pi)
	if w < 0 {
		w += 2 * math.Pi
	}
	return w
}

// ConvertVelocity converts an angular velocity from rad/s to the target units
// Estimates are always produced in rad/s
func ConvertVelocity(radPerSec float64, targetUnits string) float64 {
	switch targetUnits {
	case RPM:
		return RadPerSecToRPM(radPerSec)
	case Hz:
		return radPerSec / (2 * math.Pi)
	case DegPerSec:
		return Degrees(radPerSec)
	default:
		return radPerSec
	}
}
