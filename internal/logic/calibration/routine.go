// Package calibration runs the servo calibration routine: a sweep over the
// configured range followed by a return to the middle of that range.
package calibration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/trichopi/internal/debug"
	"github.com/cjeanneret/trichopi/internal/logic/geometry"
	"github.com/cjeanneret/trichopi/internal/logic/motion"
)

// Sweeper is the part of the motion controller the routine drives.
type Sweeper interface {
	Initialized() bool
	SetAngle(angle float64) error
	StartSweep(spec motion.SweepSpec) error
	StopSweep()
	SweepDone() <-chan struct{}
}

// Params defines the calibration sweep.
type Params struct {
	From  float64       // first angle of the sweep
	To    float64       // last angle of the sweep
	Step  float64       // degrees between positions
	Delay time.Duration // pause at each position
}

// Midpoint is the angle the servo returns to once the sweep has finished.
func (p Params) Midpoint() float64 {
	return geometry.Midpoint(p.From, p.To)
}

func (p Params) spec() motion.SweepSpec {
	return motion.SweepSpec{From: p.From, To: p.To, Step: p.Step, Delay: p.Delay}
}

// Routine contains the calibration logic shared by the line protocol
// (asynchronous) and the HTTP binding (blocking).
type Routine struct {
	ctrl   Sweeper
	params Params
	log    *debug.Logger

	mu  sync.Mutex
	gen uint64 // incremented by every calibration; watchers of older ones give up
	wg  sync.WaitGroup
}

func NewRoutine(ctrl Sweeper, p Params, log *debug.Logger) *Routine {
	if log == nil {
		log = debug.Nop()
	}
	return &Routine{ctrl: ctrl, params: p, log: log}
}

// begin stops any sweep and starts the calibration sweep. It returns the
// generation of this calibration and the channel closed when its sweep exits.
func (r *Routine) begin() (uint64, <-chan struct{}, error) {
	if !r.ctrl.Initialized() {
		return 0, nil, motion.ErrNotInitialized
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.ctrl.StopSweep()
	r.log.Section("Calibration")
	r.log.Value("from", r.params.From)
	r.log.Value("to", r.params.To)
	r.log.Value("step", r.params.Step)
	r.log.Value("delay", r.params.Delay)
	if err := r.ctrl.StartSweep(r.params.spec()); err != nil {
		return 0, nil, fmt.Errorf("start calibration sweep: %w", err)
	}
	r.gen++
	return r.gen, r.ctrl.SweepDone(), nil
}

func (r *Routine) current(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen == gen
}

func (r *Routine) returnToMidpoint() error {
	mid := r.params.Midpoint()
	if err := r.ctrl.SetAngle(mid); err != nil {
		return fmt.Errorf("return to midpoint %.1f°: %w", mid, err)
	}
	r.log.Info("Calibration complete, servo at %.1f°", mid)
	return nil
}

// Start launches a calibration and returns immediately. A background watcher
// moves the servo to the midpoint once the sweep exits, unless a newer
// calibration has started in the meantime.
func (r *Routine) Start() error {
	gen, done, err := r.begin()
	if err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		<-done
		if !r.current(gen) {
			r.log.Debug("Calibration %d superseded, not returning to midpoint", gen)
			return
		}
		if err := r.returnToMidpoint(); err != nil {
			r.log.Warn("%v", err)
		}
	}()
	return nil
}

// Run performs a calibration and blocks until the servo is back at the
// midpoint. Cancelling ctx stops the sweep and returns ctx.Err().
func (r *Routine) Run(ctx context.Context) error {
	_, done, err := r.begin()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		r.ctrl.StopSweep()
		return ctx.Err()
	case <-done:
	}
	return r.returnToMidpoint()
}

// Wait blocks until all background watchers started by Start have returned.
func (r *Routine) Wait() {
	r.wg.Wait()
}
