package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/trichopi/internal/debug"
)

// Driver defines the abstract interface for PWM outputs.
// This allows plugging in a real Raspberry Pi implementation
// or a mock for development on PC.
type Driver interface {
	SetupPWM(pin int, frequencyHz int) error
	SetDutyCycle(pin int, dutyPercent float64) error
	StopPWM(pin int) error
	Close() error
}

// MockDriver is a test implementation that logs actions and remembers
// the last duty cycle written to each pin.
// Used for development on PC or testing.
type MockDriver struct {
	log  *debug.Logger
	mu   sync.Mutex
	freq map[int]int
	duty map[int]float64
}

// NewMockDriver creates a MockDriver. A nil logger discards output.
func NewMockDriver(log *debug.Logger) *MockDriver {
	if log == nil {
		log = debug.Nop()
	}
	return &MockDriver{
		log:  log,
		freq: make(map[int]int),
		duty: make(map[int]float64),
	}
}

// NewDriver creates a GPIO driver based on the chosen mode.
// If mock is true, returns a MockDriver (for dev/test).
// If mock is false, returns a real RPiDriver (for Raspberry Pi).
func NewDriver(mock bool, log *debug.Logger) (Driver, error) {
	if log == nil {
		log = debug.Nop()
	}
	if mock {
		log.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(log), nil
	}
	d, err := NewRPiRealDriver(log)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (m *MockDriver) SetupPWM(pin int, frequencyHz int) error {
	m.log.PWM("SetupPWM", pin, frequencyHz)
	if frequencyHz <= 0 {
		return fmt.Errorf("invalid PWM frequency %d Hz", frequencyHz)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freq[pin] = frequencyHz
	m.duty[pin] = 0
	return nil
}

func (m *MockDriver) SetDutyCycle(pin int, dutyPercent float64) error {
	m.log.PWM("SetDutyCycle", pin, dutyPercent)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.freq[pin]; !ok {
		return fmt.Errorf("pin %d not configured for PWM", pin)
	}
	m.duty[pin] = dutyPercent
	return nil
}

func (m *MockDriver) StopPWM(pin int) error {
	m.log.PWM("StopPWM", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.freq, pin)
	delete(m.duty, pin)
	return nil
}

// Duty returns the last duty cycle written to pin and whether the pin is active.
func (m *MockDriver) Duty(pin int) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.duty[pin]
	return d, ok
}

func (m *MockDriver) Close() error {
	m.log.Debug("GPIO Close (mock)")
	return nil
}
