package motion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/trichopi/internal/debug"
	"github.com/cjeanneret/trichopi/internal/logic/geometry"
)

const (
	// DefaultSettleDelay is the time given to the servo to reach a new position.
	DefaultSettleDelay = 100 * time.Millisecond
	// DefaultStopTimeout bounds how long StopSweep waits for the sweep to exit.
	DefaultStopTimeout = 2 * time.Second
)

var (
	// ErrNotInitialized is returned by motion operations when no working
	// driver is available (safe mode) or after Shutdown.
	ErrNotInitialized = errors.New("servo not initialized")
	// ErrDriver wraps a failure of the position signal driver.
	ErrDriver = errors.New("failed to move servo")
)

// PositionDriver applies a position signal to the actuator.
// *servo.Servo implements it.
type PositionDriver interface {
	Apply(angle float64) error
	Release() error
}

// Options tunes a Controller. Zero durations select the defaults; a negative
// SettleDelay disables the settle pause.
type Options struct {
	SettleDelay  time.Duration
	StopTimeout  time.Duration
	InitialAngle float64
}

// SweepSpec describes one sweep: from -> to in increments of Step degrees,
// pausing Delay between positions.
type SweepSpec struct {
	From  float64
	To    float64
	Step  float64
	Delay time.Duration
}

// State is a point-in-time view of the controller.
type State struct {
	Angle       float64
	Initialized bool
	Sweeping    bool
}

// Controller owns the servo position and the background sweep.
// It's the layer between command handling and the position signal driver.
type Controller struct {
	log         *debug.Logger
	settle      time.Duration
	stopTimeout time.Duration

	// moveMu serializes driver access. It is held for the whole move,
	// settle delay included.
	moveMu      sync.Mutex
	driver      PositionDriver
	angleBits   atomic.Uint64
	initialized atomic.Bool

	// sweepMu serializes StartSweep, StopSweep and Shutdown.
	sweepMu sync.Mutex
	sweep   atomic.Pointer[sweepHandle]

	shutdownOnce sync.Once
	shutdownErr  error
}

// sweepHandle is the cancellation token and join handle of one sweep task.
type sweepHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *sweepHandle) live() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// NewController moves the servo to opts.InitialAngle and returns a ready
// controller. A nil driver, or a failing initial move, yields a controller in
// safe mode where every motion operation returns ErrNotInitialized.
func NewController(driver PositionDriver, opts Options, log *debug.Logger) *Controller {
	if log == nil {
		log = debug.Nop()
	}
	if opts.SettleDelay == 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}

	c := &Controller{
		log:         log,
		settle:      opts.SettleDelay,
		stopTimeout: opts.StopTimeout,
		driver:      driver,
	}
	initial := geometry.Clamp(opts.InitialAngle)
	c.storeAngle(initial)

	if driver == nil {
		c.log.Warn("No position driver available, servo running in safe mode")
		return c
	}
	if err := c.move(initial, false); err != nil {
		c.log.Error("Initial move to %.1f° failed, servo running in safe mode: %v", initial, err)
		return c
	}
	c.initialized.Store(true)
	c.log.Info("Servo initialized at %.1f°", initial)
	return c
}

func (c *Controller) storeAngle(a float64) {
	c.angleBits.Store(math.Float64bits(a))
}

// Angle returns the last angle successfully applied.
func (c *Controller) Angle() float64 {
	return math.Float64frombits(c.angleBits.Load())
}

// Initialized reports whether the controller has a working driver.
func (c *Controller) Initialized() bool {
	return c.initialized.Load()
}

// State returns the current angle, initialized flag and sweep status.
func (c *Controller) State() State {
	return State{
		Angle:       c.Angle(),
		Initialized: c.Initialized(),
		Sweeping:    c.IsSweeping(),
	}
}

// SetAngle clamps angle to the servo travel and moves there. The stored angle
// changes only when the driver succeeds. It returns after the settle delay.
func (c *Controller) SetAngle(angle float64) error {
	if !c.Initialized() {
		return ErrNotInitialized
	}
	return c.move(geometry.Clamp(angle), true)
}

// move applies angle under moveMu. With requireInit set it fails with
// ErrNotInitialized once the controller has been shut down, even if the
// caller queued on the lock before Shutdown.
func (c *Controller) move(angle float64, requireInit bool) error {
	c.moveMu.Lock()
	defer c.moveMu.Unlock()
	if requireInit && !c.Initialized() {
		return ErrNotInitialized
	}

	if err := c.driver.Apply(angle); err != nil {
		return fmt.Errorf("%w to %.1f°: %w", ErrDriver, angle, err)
	}
	c.storeAngle(angle)
	c.log.Info("Servo moved to %.1f°", angle)
	if c.settle > 0 {
		time.Sleep(c.settle)
	}
	return nil
}

// StartSweep cancels any running sweep and starts a new one in the
// background. It returns as soon as the sweep task is running.
func (c *Controller) StartSweep(spec SweepSpec) error {
	if !c.Initialized() {
		return ErrNotInitialized
	}
	plan, err := geometry.PlanSweep(geometry.Clamp(spec.From), geometry.Clamp(spec.To), spec.Step)
	if err != nil {
		return err
	}

	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()

	c.stopSweepLocked()

	ctx, cancel := context.WithCancel(context.Background())
	h := &sweepHandle{cancel: cancel, done: make(chan struct{})}
	c.sweep.Store(h)
	go c.runSweep(ctx, h, plan, spec.Delay)
	return nil
}

func (c *Controller) runSweep(ctx context.Context, h *sweepHandle, plan geometry.SweepPlan, delay time.Duration) {
	defer close(h.done)
	defer h.cancel()

	c.log.Info("Sweep started from %.1f° to %.1f°", plan.From, plan.To)
	for i := 0; i < plan.Count; i++ {
		pos := plan.At(i)
		if ctx.Err() != nil {
			break
		}
		if err := c.SetAngle(pos); err != nil {
			c.log.Warn("Sweep step to %.1f° failed: %v", pos, err)
		}
		if !sleepCtx(ctx, delay) {
			break
		}
	}

	if ctx.Err() != nil {
		c.log.Info("Sweep interrupted")
		return
	}
	// Endpoint is forced so rounding of the step never leaves the servo short.
	if err := c.SetAngle(plan.To); err != nil {
		c.log.Warn("Sweep endpoint %.1f° failed: %v", plan.To, err)
	}
	c.log.Info("Sweep completed")
}

// sleepCtx sleeps for d and reports false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// StopSweep cancels the running sweep, if any, and waits for it to exit for
// at most the configured stop timeout. Calling it with no sweep is a no-op.
//
// When the timeout elapses StopSweep returns while the task may still be
// finishing its current move; IsSweeping keeps reporting true until it exits.
func (c *Controller) StopSweep() {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()
	c.stopSweepLocked()
}

func (c *Controller) stopSweepLocked() {
	h := c.sweep.Load()
	if h == nil || !h.live() {
		return
	}
	c.log.Info("Stopping sweep in progress...")
	h.cancel()

	t := time.NewTimer(c.stopTimeout)
	defer t.Stop()
	select {
	case <-h.done:
	case <-t.C:
		c.log.Warn("Sweep did not stop within %s", c.stopTimeout)
	}
}

// IsSweeping reports whether a sweep task is currently live.
func (c *Controller) IsSweeping() bool {
	h := c.sweep.Load()
	return h != nil && h.live()
}

// SweepDone returns a channel closed when the current sweep exits. With no
// sweep the returned channel is already closed.
func (c *Controller) SweepDone() <-chan struct{} {
	if h := c.sweep.Load(); h != nil {
		return h.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Shutdown stops any sweep and releases the driver. Only the first call has
// an effect; later calls return the first call's result.
func (c *Controller) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.log.Info("Cleaning up servo resources...")
		c.StopSweep()

		c.moveMu.Lock()
		defer c.moveMu.Unlock()
		c.initialized.Store(false)
		if c.driver == nil {
			return
		}
		if err := c.driver.Release(); err != nil {
			c.shutdownErr = fmt.Errorf("release position driver: %w", err)
			c.log.Error("Error releasing GPIO: %v", err)
			return
		}
		c.log.Info("GPIO cleaned up successfully")
	})
	return c.shutdownErr
}
