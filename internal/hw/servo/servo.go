// Package servo converts an angle into a PWM duty cycle and applies it to a
// GPIO pin. It is the position signal driver used by the motion controller.
package servo

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/multierr"

	"github.com/cjeanneret/trichopi/internal/debug"
	"github.com/cjeanneret/trichopi/internal/hw/gpio"
)

// ErrReleased is returned by Apply once Release has been called.
var ErrReleased = errors.New("servo: PWM output released")

// Config holds the hardware configuration of a PWM servo.
type Config struct {
	Pin         int
	FrequencyHz int
	MinDuty     float64 // duty cycle (%) at 0°
	MaxDuty     float64 // duty cycle (%) at 180°
	MinPulseUs  int     // pulse width at 0°; when both pulse bounds are set they win over duty bounds
	MaxPulseUs  int     // pulse width at 180°
}

// Servo drives a hobby servo from a hardware PWM channel.
type Servo struct {
	gpio gpio.Driver
	cfg  Config
	log  *debug.Logger

	mu       sync.Mutex
	released bool
}

// New configures the PWM channel and returns a Servo. The output starts with
// a 0% duty cycle, i.e. no pulse, until the first Apply.
func New(g gpio.Driver, cfg Config, log *debug.Logger) (*Servo, error) {
	if log == nil {
		log = debug.Nop()
	}
	if err := g.SetupPWM(cfg.Pin, cfg.FrequencyHz); err != nil {
		return nil, fmt.Errorf("setup PWM on pin %d: %w", cfg.Pin, err)
	}
	return &Servo{gpio: g, cfg: cfg, log: log}, nil
}

// Pin returns the BCM pin the servo is wired to.
func (s *Servo) Pin() int {
	return s.cfg.Pin
}

// AngleToDuty maps an angle (clamped to 0-180°) onto the configured duty range.
func (s *Servo) AngleToDuty(angle float64) float64 {
	angle = math.Max(0, math.Min(180, angle))
	minDuty, maxDuty := s.dutyBounds()
	return minDuty + (angle/180.0)*(maxDuty-minDuty)
}

func (s *Servo) dutyBounds() (float64, float64) {
	if s.cfg.MinPulseUs > 0 && s.cfg.MaxPulseUs > s.cfg.MinPulseUs {
		return pulseToDuty(s.cfg.MinPulseUs, s.cfg.FrequencyHz), pulseToDuty(s.cfg.MaxPulseUs, s.cfg.FrequencyHz)
	}
	return s.cfg.MinDuty, s.cfg.MaxDuty
}

// pulseToDuty returns the duty cycle (%) of a pulse of widthUs at frequencyHz.
func pulseToDuty(widthUs, frequencyHz int) float64 {
	return float64(widthUs) * float64(frequencyHz) / 1e6 * 100
}

// Apply moves the servo to angle.
func (s *Servo) Apply(angle float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrReleased
	}

	duty := s.AngleToDuty(angle)
	if err := s.gpio.SetDutyCycle(s.cfg.Pin, duty); err != nil {
		return fmt.Errorf("set duty cycle %.2f%% on pin %d: %w", duty, s.cfg.Pin, err)
	}
	s.log.Debug("servo at %.1f° (duty cycle: %.2f%%)", angle, duty)
	return nil
}

// Release stops the PWM output and closes the GPIO driver. Safe to call more
// than once; only the first call touches the hardware.
func (s *Servo) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true

	var err error
	err = multierr.Append(err, s.gpio.StopPWM(s.cfg.Pin))
	err = multierr.Append(err, s.gpio.Close())
	if err != nil {
		return fmt.Errorf("release servo on pin %d: %w", s.cfg.Pin, err)
	}
	s.log.Info("GPIO pin %d released", s.cfg.Pin)
	return nil
}
