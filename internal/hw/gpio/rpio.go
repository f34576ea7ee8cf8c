package gpio

import (
	"fmt"
	"math"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"

	"github.com/cjeanneret/trichopi/internal/debug"
)

// cycleLen is the number of PWM clock ticks per period. The clock is set to
// frequency*cycleLen so a 50 Hz servo runs the PWM clock at 1 MHz.
const cycleLen uint32 = 20000

// RPiDriver is the real implementation for Raspberry Pi using go-rpio
// hardware PWM.
type RPiDriver struct {
	log  *debug.Logger
	mu   sync.Mutex
	pins map[int]rpio.Pin
}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
// Hardware PWM needs /dev/mem, i.e. root.
func NewRPiRealDriver(log *debug.Logger) (*RPiDriver, error) {
	log.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	log.Debug("GPIO memory mapped successfully")

	return &RPiDriver{
		log:  log,
		pins: make(map[int]rpio.Pin),
	}, nil
}

// HardwarePWMPin reports whether a BCM pin can be routed to a PWM channel.
func HardwarePWMPin(pin int) bool {
	switch pin {
	case 12, 13, 18, 19:
		return true
	}
	return false
}

func (r *RPiDriver) SetupPWM(pin int, frequencyHz int) error {
	r.log.PWM("SetupPWM", pin, frequencyHz)

	if !HardwarePWMPin(pin) {
		return fmt.Errorf("pin %d has no hardware PWM (use 12, 13, 18 or 19)", pin)
	}
	if frequencyHz <= 0 {
		return fmt.Errorf("invalid PWM frequency %d Hz", frequencyHz)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p := rpio.Pin(pin)
	p.Pwm()
	p.Freq(frequencyHz * int(cycleLen))
	p.DutyCycle(0, cycleLen)
	rpio.StartPwm()
	r.pins[pin] = p
	return nil
}

func (r *RPiDriver) SetDutyCycle(pin int, dutyPercent float64) error {
	r.log.PWM("SetDutyCycle", pin, dutyPercent)

	if math.IsNaN(dutyPercent) || dutyPercent < 0 || dutyPercent > 100 {
		return fmt.Errorf("duty cycle %.2f%% out of range", dutyPercent)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pins[pin]
	if !ok {
		return fmt.Errorf("pin %d not configured for PWM", pin)
	}
	dutyLen := uint32(math.Round(dutyPercent / 100 * float64(cycleLen)))
	p.DutyCycle(dutyLen, cycleLen)
	return nil
}

func (r *RPiDriver) StopPWM(pin int) error {
	r.log.PWM("StopPWM", pin, nil)

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pins[pin]
	if !ok {
		return nil
	}
	p.DutyCycle(0, cycleLen)
	p.Input()
	delete(r.pins, pin)
	return nil
}

func (r *RPiDriver) Close() error {
	r.log.Debug("GPIO Close (real driver)")

	r.mu.Lock()
	// Reset all pins to input (safe state)
	for pin, p := range r.pins {
		r.log.Debug("Resetting pin %d to input", pin)
		p.DutyCycle(0, cycleLen)
		p.Input()
	}
	r.pins = make(map[int]rpio.Pin)
	r.mu.Unlock()

	rpio.StopPwm()
	return rpio.Close()
}
