package motion

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingDriver records applied angles and can be told to fail.
type recordingDriver struct {
	mu       sync.Mutex
	applied  []float64
	fail     bool
	released int
}

func (d *recordingDriver) Apply(angle float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errors.New("pwm write failed")
	}
	d.applied = append(d.applied, angle)
	return nil
}

func (d *recordingDriver) Release() error {
	d.mu.Lock()
	d.released++
	d.mu.Unlock()
	return nil
}

func (d *recordingDriver) setFail(v bool) {
	d.mu.Lock()
	d.fail = v
	d.mu.Unlock()
}

func (d *recordingDriver) angles() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]float64(nil), d.applied...)
}

func newTestController(t *testing.T) (*Controller, *recordingDriver) {
	t.Helper()
	drv := &recordingDriver{}
	c := NewController(drv, Options{SettleDelay: time.Microsecond, InitialAngle: 90}, nil)
	t.Cleanup(func() { _ = c.Shutdown() })
	return c, drv
}

func waitSweepDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.SweepDone():
	case <-time.After(5 * time.Second):
		t.Fatal("sweep did not finish")
	}
}

func TestNewController_InitialMove(t *testing.T) {
	c, drv := newTestController(t)
	if !c.Initialized() {
		t.Fatal("controller should be initialized")
	}
	if got := c.Angle(); got != 90 {
		t.Errorf("Angle() = %v, want 90", got)
	}
	if a := drv.angles(); len(a) != 1 || a[0] != 90 {
		t.Errorf("applied = %v, want [90]", a)
	}
}

func TestNewController_SafeMode(t *testing.T) {
	t.Run("nil_driver", func(t *testing.T) {
		c := NewController(nil, Options{}, nil)
		if c.Initialized() {
			t.Error("nil driver must put the controller in safe mode")
		}
		if err := c.SetAngle(10); !errors.Is(err, ErrNotInitialized) {
			t.Errorf("SetAngle = %v, want ErrNotInitialized", err)
		}
		if err := c.StartSweep(SweepSpec{From: 0, To: 180, Step: 10}); !errors.Is(err, ErrNotInitialized) {
			t.Errorf("StartSweep = %v, want ErrNotInitialized", err)
		}
		if err := c.Shutdown(); err != nil {
			t.Errorf("Shutdown on safe-mode controller: %v", err)
		}
	})
	t.Run("failing_initial_move", func(t *testing.T) {
		drv := &recordingDriver{fail: true}
		c := NewController(drv, Options{InitialAngle: 90}, nil)
		if c.Initialized() {
			t.Error("failed initial move must put the controller in safe mode")
		}
		_ = c.Shutdown()
		if drv.released != 1 {
			t.Errorf("driver released %d times, want 1", drv.released)
		}
	})
}

func TestSetAngle_Clamps(t *testing.T) {
	c, _ := newTestController(t)
	cases := []struct {
		in, want float64
	}{
		{-10, 0},
		{999, 180},
		{45, 45},
	}
	for _, tc := range cases {
		if err := c.SetAngle(tc.in); err != nil {
			t.Fatalf("SetAngle(%v): %v", tc.in, err)
		}
		if got := c.Angle(); got != tc.want {
			t.Errorf("SetAngle(%v) then Angle() = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSetAngle_DriverErrorKeepsState(t *testing.T) {
	c, drv := newTestController(t)
	drv.setFail(true)

	err := c.SetAngle(30)
	if !errors.Is(err, ErrDriver) {
		t.Fatalf("SetAngle error = %v, want ErrDriver", err)
	}
	if got := c.Angle(); got != 90 {
		t.Errorf("Angle() = %v after failed move, want 90", got)
	}
}

func TestSetAngle_SettleDelay(t *testing.T) {
	drv := &recordingDriver{}
	c := NewController(drv, Options{SettleDelay: 20 * time.Millisecond}, nil)
	defer c.Shutdown()

	start := time.Now()
	if err := c.SetAngle(10); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("SetAngle returned after %s, want at least the settle delay", elapsed)
	}
}

func TestSweep_ForcesEndpoint(t *testing.T) {
	c, drv := newTestController(t)

	if err := c.StartSweep(SweepSpec{From: 0, To: 100, Step: 30}); err != nil {
		t.Fatalf("StartSweep: %v", err)
	}
	waitSweepDone(t, c)

	if got := c.Angle(); got != 100 {
		t.Errorf("Angle() after sweep = %v, want 100", got)
	}
	want := []float64{90, 0, 30, 60, 90, 100}
	got := drv.angles()
	if len(got) != len(want) {
		t.Fatalf("applied = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("applied[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSweep_FullRange(t *testing.T) {
	c, _ := newTestController(t)
	if err := c.StartSweep(SweepSpec{From: 0, To: 180, Step: 10}); err != nil {
		t.Fatal(err)
	}
	waitSweepDone(t, c)
	if got := c.Angle(); got != 180 {
		t.Errorf("Angle() = %v, want 180", got)
	}
}

func TestSweep_Descending(t *testing.T) {
	c, _ := newTestController(t)
	if err := c.StartSweep(SweepSpec{From: 170, To: 20, Step: 50}); err != nil {
		t.Fatal(err)
	}
	waitSweepDone(t, c)
	if got := c.Angle(); got != 20 {
		t.Errorf("Angle() = %v, want 20", got)
	}
}

func TestSweep_InvalidStep(t *testing.T) {
	c, _ := newTestController(t)
	if err := c.StartSweep(SweepSpec{From: 0, To: 180, Step: 0}); err == nil {
		t.Error("expected error for zero step")
	}
	if c.IsSweeping() {
		t.Error("no sweep should be running")
	}
}

func TestStopSweep_Cancels(t *testing.T) {
	c, _ := newTestController(t)

	if err := c.StartSweep(SweepSpec{From: 0, To: 180, Step: 1, Delay: 50 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	if !c.IsSweeping() {
		t.Fatal("IsSweeping() = false right after StartSweep")
	}

	start := time.Now()
	c.StopSweep()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("StopSweep took %s", elapsed)
	}
	if c.IsSweeping() {
		t.Error("IsSweeping() = true after StopSweep")
	}
	if got := c.Angle(); got == 180 {
		t.Error("cancelled sweep must not force the endpoint")
	}
}

func TestStopSweep_Idempotent(t *testing.T) {
	c, _ := newTestController(t)

	// No sweep at all.
	c.StopSweep()

	_ = c.StartSweep(SweepSpec{From: 0, To: 180, Step: 1, Delay: 20 * time.Millisecond})
	c.StopSweep()

	start := time.Now()
	c.StopSweep()
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("second StopSweep took %s, want prompt return", elapsed)
	}
}

func TestStopSweep_Timeout(t *testing.T) {
	drv := &recordingDriver{}
	c := NewController(drv, Options{SettleDelay: 300 * time.Millisecond, StopTimeout: 20 * time.Millisecond}, nil)
	defer c.Shutdown()

	_ = c.StartSweep(SweepSpec{From: 0, To: 180, Step: 90})
	time.Sleep(10 * time.Millisecond) // sweep is now inside its first settle delay

	start := time.Now()
	c.StopSweep()
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("StopSweep waited %s, want roughly the stop timeout", elapsed)
	}
	if !c.IsSweeping() {
		t.Error("task still finishing its move should be reported as sweeping")
	}
	waitSweepDone(t, c)
}

func TestStartSweep_ReplacesRunningSweep(t *testing.T) {
	c, _ := newTestController(t)

	_ = c.StartSweep(SweepSpec{From: 0, To: 180, Step: 1, Delay: 50 * time.Millisecond})
	first := c.SweepDone()

	if err := c.StartSweep(SweepSpec{From: 10, To: 20, Step: 5}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-first:
	default:
		t.Error("first sweep should have exited before the second started")
	}
	waitSweepDone(t, c)
	if got := c.Angle(); got != 20 {
		t.Errorf("Angle() = %v, want 20", got)
	}
}

func TestSetAngle_ConcurrentWithSweep(t *testing.T) {
	c, _ := newTestController(t)

	_ = c.StartSweep(SweepSpec{From: 0, To: 180, Step: 10})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.SetAngle(45)
			if a := c.Angle(); a < 0 || a > 180 {
				t.Errorf("Angle() = %v outside [0,180]", a)
			}
		}()
	}
	wg.Wait()
	waitSweepDone(t, c)

	a := c.Angle()
	if a != 45 && a != 180 {
		t.Errorf("final angle = %v, want one of the competing targets (45 or 180)", a)
	}
}

func TestShutdown(t *testing.T) {
	drv := &recordingDriver{}
	c := NewController(drv, Options{}, nil)
	_ = c.StartSweep(SweepSpec{From: 0, To: 180, Step: 1, Delay: 20 * time.Millisecond})

	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := c.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if drv.released != 1 {
		t.Errorf("driver released %d times, want 1", drv.released)
	}
	if c.IsSweeping() {
		t.Error("sweep should be stopped after Shutdown")
	}
	if err := c.SetAngle(10); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("SetAngle after Shutdown = %v, want ErrNotInitialized", err)
	}
}

func TestState(t *testing.T) {
	c, _ := newTestController(t)
	s := c.State()
	if s.Angle != 90 || !s.Initialized || s.Sweeping {
		t.Errorf("State() = %+v, want {90 true false}", s)
	}
}

func TestNewController_SettleDelayDefaults(t *testing.T) {
	cases := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{"zero_selects_default", 0, DefaultSettleDelay},
		{"negative_disables", -1, 0},
		{"explicit", 5 * time.Millisecond, 5 * time.Millisecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewController(nil, Options{SettleDelay: tc.in}, nil)
			if c.settle != tc.want {
				t.Errorf("settle = %s, want %s", c.settle, tc.want)
			}
		})
	}
}

func TestSetAngle_QueuedBehindShutdownIsNotInitialized(t *testing.T) {
	c, drv := newTestController(t)

	// Hold the move lock the way Shutdown does, with a SetAngle waiting on it.
	c.moveMu.Lock()
	errCh := make(chan error, 1)
	go func() { errCh <- c.SetAngle(20) }()
	time.Sleep(50 * time.Millisecond)
	c.initialized.Store(false)
	c.moveMu.Unlock()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrNotInitialized) {
			t.Errorf("SetAngle = %v, want ErrNotInitialized", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SetAngle did not return")
	}
	for _, a := range drv.angles() {
		if a == 20 {
			t.Error("driver must not be written after shutdown")
		}
	}
}
