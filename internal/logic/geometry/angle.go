// Package geometry holds the pure angle arithmetic shared by the motion
// controller, the command parser and the HTTP binding.
package geometry

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Servo travel limits, in degrees.
const (
	MinAngle = 0.0
	MaxAngle = 180.0
)

var (
	// ErrInvalidFormat is returned when a value is not a number.
	ErrInvalidFormat = errors.New("invalid angle format")
	// ErrInvalidAngle is returned when a number lies outside [MinAngle, MaxAngle].
	ErrInvalidAngle = errors.New("angle out of range")
)

// Clamp bounds angle to [MinAngle, MaxAngle]. NaN maps to MinAngle.
func Clamp(angle float64) float64 {
	if math.IsNaN(angle) {
		return MinAngle
	}
	return math.Max(MinAngle, math.Min(MaxAngle, angle))
}

// InRange reports whether angle is a valid servo position without clamping.
func InRange(angle float64) bool {
	return angle >= MinAngle && angle <= MaxAngle
}

// Validate returns ErrInvalidAngle when angle is outside the servo travel.
func Validate(angle float64) error {
	if !InRange(angle) {
		return fmt.Errorf("%w: %v (must be between %.0f and %.0f)", ErrInvalidAngle, angle, MinAngle, MaxAngle)
	}
	return nil
}

// Parse converts a decimal string into a validated angle.
func Parse(s string) (float64, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	if err := Validate(v); err != nil {
		return 0, err
	}
	return v, nil
}

// Truncate returns the integer part of angle, as reported on the wire.
func Truncate(angle float64) int {
	return int(angle)
}

// Midpoint returns the angle halfway between from and to.
func Midpoint(from, to float64) float64 {
	return (from + to) / 2
}
