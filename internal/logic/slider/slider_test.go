package slider

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cjeanneret/SlideGo/internal/hw/gpio"
	"github.com/cjeanneret/SlideGo/internal/hw/stepper"
	"github.com/cjeanneret/SlideGo/internal/logic/geometry"
	"github.com/cjeanneret/SlideGo/internal/logic/motion"
)

// recordingNotifier records broadcast events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Broadcast(level, msg string) {
	n.mu.Lock()
	n.events = append(n.events, level+": "+msg)
	n.mu.Unlock()
}

func (n *recordingNotifier) has(substr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

type fakeSwitch struct{ name string }

func (s *fakeSwitch) Name() string             { return s.name }
func (s *fakeSwitch) Asserted() (bool, error)  { return true, nil }
func (s *fakeSwitch) Triggered() (bool, error) { return false, nil }

type fixture struct {
	slider *Slider
	motor  *motion.Motor
	gpio   *gpio.MockDriver
	clock  *clock.Mock
	notes  *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	g := gpio.NewMockDriver()
	drv, err := stepper.NewDriver(g, stepper.Config{StepPin: 18, DirPin: 23, MS1Pin: 24, MS2Pin: 25, MS3Pin: 8})
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	clk := clock.NewMock()
	planner := geometry.NewPlanner(geometry.NewStepsCalculatorFor(200, 10.2), 800)
	m := motion.NewMotor(drv, motion.NewLock(), planner, clk, motion.Config{
		HomingFrequencyHz:  1000,
		HomingResolution:   1,
		ReleaseFrequencyHz: 1000,
		ReleaseResolution:  4,
		Debounce:           750 * time.Millisecond,
	})
	notes := &recordingNotifier{}
	s := New(m, notes, Config{HomingTimeout: 120 * time.Second})
	t.Cleanup(func() { _ = s.Close() })
	return &fixture{slider: s, motor: m, gpio: g, clock: clk, notes: notes}
}

// hitEndstop fires a switch and services it the way the watcher does.
func (f *fixture) hitEndstop(t *testing.T, name string) {
	t.Helper()
	f.motor.NotifyEndstop(&fakeSwitch{name: name})
	released, err := f.motor.ServiceEndstop(context.Background())
	if err != nil || !released {
		t.Fatalf("ServiceEndstop = %v, %v", released, err)
	}
}

// waitFor polls cond in real time.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func seconds(s float64) *float64 { return &s }

func TestSlider_MoveDollyCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.slider.MoveDolly(ctx, 100, stepper.Right, seconds(10)); err != nil {
		t.Fatalf("MoveDolly: %v", err)
	}
	st := f.slider.Status()
	if st.Task.State != Running || !st.Locked || st.Holder != st.Task.Owner {
		t.Fatalf("status = %+v, want running and locked by the task", st)
	}

	f.clock.Add(9997 * time.Millisecond)
	f.slider.Wait()

	st = f.slider.Status()
	if st.Task.State != Completed {
		t.Errorf("task state = %s, want completed", st.Task.State)
	}
	if st.DollyPosition != 100 {
		t.Errorf("dolly position = %v, want 100", st.DollyPosition)
	}
	if st.Locked || st.Driver.Running {
		t.Errorf("locked=%v running=%v after completion", st.Locked, st.Driver.Running)
	}
	if !f.notes.has("completed") {
		t.Errorf("no completion event in %v", f.notes.events)
	}
}

func TestSlider_ConcurrentMoveIsLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.slider.MoveDolly(ctx, 100, stepper.Left, seconds(5)); err != nil {
		t.Fatalf("MoveDolly A: %v", err)
	}
	err := f.slider.MoveDolly(ctx, 50, stepper.Right, seconds(2))
	if !errors.Is(err, motion.ErrLockHeld) {
		t.Fatalf("MoveDolly B err = %v, want ErrLockHeld", err)
	}
	// the rejected move did not touch the running one
	if st := f.slider.Status(); st.Driver.Direction != stepper.Left || !st.Driver.Running {
		t.Errorf("driver = %+v, want move A still running left", st.Driver)
	}

	f.clock.Add(5 * time.Second)
	f.slider.Wait()
	if err := f.slider.MoveDolly(ctx, 50, stepper.Right, seconds(2)); err != nil {
		t.Errorf("MoveDolly B after A completed: %v", err)
	}
}

func TestSlider_MoveDollyRejectsBadSpeed(t *testing.T) {
	f := newFixture(t)
	err := f.slider.MoveDolly(context.Background(), 1000, stepper.Right, seconds(1))
	if !errors.Is(err, motion.ErrSpeedOutOfRange) {
		t.Fatalf("err = %v, want ErrSpeedOutOfRange", err)
	}
	st := f.slider.Status()
	if st.Locked || st.Driver.Running || st.Task.State != Idle {
		t.Errorf("status = %+v, want idle, unlocked, stopped", st)
	}
}

func TestSlider_StopCancelsMove(t *testing.T) {
	f := newFixture(t)
	if err := f.slider.MoveDolly(context.Background(), 100, stepper.Right, seconds(10)); err != nil {
		t.Fatalf("MoveDolly: %v", err)
	}
	f.clock.Add(2 * time.Second)

	if err := f.slider.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	f.slider.Wait()

	st := f.slider.Status()
	if st.Task.State != Cancelled {
		t.Errorf("task state = %s, want cancelled", st.Task.State)
	}
	if math.Abs(st.DollyPosition-20.01) > 0.1 {
		t.Errorf("dolly position = %v, want ≈ 20 mm travelled", st.DollyPosition)
	}
	if st.Locked || st.Driver.Running {
		t.Errorf("locked=%v running=%v after stop", st.Locked, st.Driver.Running)
	}
}

func TestSlider_StopWhenIdle(t *testing.T) {
	f := newFixture(t)
	if err := f.slider.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestSlider_GotoStartReachesEndstop(t *testing.T) {
	f := newFixture(t)
	f.slider.Dolly().SetPosition(250)

	if err := f.slider.GotoStart(context.Background()); err != nil {
		t.Fatalf("GotoStart: %v", err)
	}
	if hz, ok := f.gpio.PWMFrequency(18); !ok || hz != 1000 {
		t.Fatalf("homing PWM = %d,%v, want 1000 Hz", hz, ok)
	}
	f.hitEndstop(t, "start")
	f.slider.Wait()

	st := f.slider.Status()
	if st.Task.State != Completed || st.DollyPosition != 0 {
		t.Errorf("task=%s position=%v, want completed at 0", st.Task.State, st.DollyPosition)
	}
	if st.Locked {
		t.Errorf("lock still held by %q", st.Holder)
	}
}

func TestSlider_GotoEndLockedByMove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.slider.MoveDolly(ctx, 100, stepper.Right, seconds(10))
	if err := f.slider.GotoEnd(ctx); !errors.Is(err, motion.ErrLockHeld) {
		t.Errorf("GotoEnd err = %v, want ErrLockHeld", err)
	}
}

func TestSlider_HomingTimeout(t *testing.T) {
	f := newFixture(t)
	if err := f.slider.GotoEnd(context.Background()); err != nil {
		t.Fatalf("GotoEnd: %v", err)
	}
	f.clock.Add(121 * time.Second)
	f.slider.Wait()

	st := f.slider.Status()
	if st.Task.State != Failed || !strings.Contains(st.Task.Error, "homing timeout") {
		t.Errorf("task = %+v, want failed with homing timeout", st.Task)
	}
	if st.Locked || st.Driver.Running {
		t.Errorf("locked=%v running=%v after timeout", st.Locked, st.Driver.Running)
	}
	if !f.notes.has("error: home-") {
		t.Errorf("no error event in %v", f.notes.events)
	}
}

func TestSlider_Calibrate(t *testing.T) {
	f := newFixture(t)
	if err := f.slider.Calibrate(context.Background()); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	f.hitEndstop(t, "start")

	waitFor(t, "homing to the end", func() bool {
		mv := f.motor.Running()
		return mv != nil && mv.Direction() == stepper.Right
	})
	// 10 s at 1000 full steps/s = 10000 steps ≈ 1602.2 mm
	f.clock.Add(10 * time.Second)
	f.hitEndstop(t, "end")
	f.slider.Wait()

	st := f.slider.Status()
	if st.Task.State != Completed || st.Task.Kind != "calibrate" {
		t.Fatalf("task = %+v, want completed calibrate", st.Task)
	}
	want := 10000 / (200 / (math.Pi * 10.2))
	if math.Abs(st.SliderLength-want) > 0.01 {
		t.Errorf("slider length = %v, want %v", st.SliderLength, want)
	}
	if st.DollyPosition != st.SliderLength {
		t.Errorf("dolly position = %v, want at the end (%v)", st.DollyPosition, st.SliderLength)
	}
}

func TestSlider_CalibrateLocked(t *testing.T) {
	f := newFixture(t)
	_ = f.slider.MoveDolly(context.Background(), 100, stepper.Right, seconds(10))
	if err := f.slider.Calibrate(context.Background()); !errors.Is(err, motion.ErrLockHeld) {
		t.Errorf("Calibrate err = %v, want ErrLockHeld", err)
	}
}

func TestSlider_SetDriver(t *testing.T) {
	f := newFixture(t)
	if err := f.slider.SetDriver(8, stepper.Right); err != nil {
		t.Fatalf("SetDriver: %v", err)
	}
	st := f.slider.Status().Driver
	if st.Resolution != 8 || st.Direction != stepper.Right {
		t.Errorf("driver = %+v, want 1/8 right", st)
	}
	if f.motor.Lock().IsLocked() {
		t.Error("driver command should release the lock")
	}

	if err := f.slider.SetDriver(3, stepper.Left); !errors.Is(err, stepper.ErrInvalidResolution) {
		t.Errorf("SetDriver(3) err = %v, want ErrInvalidResolution", err)
	}
	if err := f.slider.SetResolution(32); !errors.Is(err, stepper.ErrInvalidResolution) {
		t.Errorf("SetResolution(32) err = %v, want ErrInvalidResolution", err)
	}
}

func TestSlider_DriverCommandsLockedDuringMove(t *testing.T) {
	f := newFixture(t)
	_ = f.slider.MoveDolly(context.Background(), 100, stepper.Right, seconds(10))

	if err := f.slider.SetDriver(4, stepper.Left); !errors.Is(err, motion.ErrLockHeld) {
		t.Errorf("SetDriver err = %v, want ErrLockHeld", err)
	}
	if err := f.slider.SetResolution(4); !errors.Is(err, motion.ErrLockHeld) {
		t.Errorf("SetResolution err = %v, want ErrLockHeld", err)
	}
	if err := f.slider.SetSpeed(400); !errors.Is(err, motion.ErrLockHeld) {
		t.Errorf("SetSpeed err = %v, want ErrLockHeld", err)
	}
	if st := f.slider.Status().Driver; st.Resolution != 16 {
		t.Errorf("resolution changed under a running move: %d", st.Resolution)
	}
}

func TestSlider_SetSpeed(t *testing.T) {
	f := newFixture(t)
	if err := f.slider.SetSpeed(400); err != nil {
		t.Fatalf("SetSpeed: %v", err)
	}
	if got := f.slider.Status().Speed; got != 400 {
		t.Errorf("speed = %d, want 400", got)
	}
	if err := f.slider.SetSpeed(5000); !errors.Is(err, motion.ErrSpeedOutOfRange) {
		t.Errorf("SetSpeed(5000) err = %v, want ErrSpeedOutOfRange", err)
	}
}

func TestSlider_StatusTracksRunningMove(t *testing.T) {
	f := newFixture(t)
	_ = f.slider.MoveDolly(context.Background(), 100, stepper.Right, seconds(10))
	f.clock.Add(5 * time.Second)

	st := f.slider.Status()
	if st.Move == nil || st.Move.Outcome != motion.OutcomeRunning {
		t.Fatalf("move = %+v, want running", st.Move)
	}
	// halfway through a 100 mm move
	if st.DollyPosition < 45 || st.DollyPosition > 55 {
		t.Errorf("live dolly position = %v, want ≈ 50", st.DollyPosition)
	}
}

func TestSlider_TimedMoveStoppedByEndstopSnaps(t *testing.T) {
	cases := []struct {
		name   string
		from   float64
		dir    stepper.Direction
		sw     string
		wantMm float64
	}{
		{"right_to_end", 850, stepper.Right, "end", 900},
		{"left_to_start", 30, stepper.Left, "start", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.slider.Dolly().SetLength(900)
			f.slider.Dolly().SetPosition(tc.from)

			if err := f.slider.MoveDolly(context.Background(), 100, tc.dir, seconds(10)); err != nil {
				t.Fatalf("MoveDolly: %v", err)
			}
			f.clock.Add(2 * time.Second)
			f.hitEndstop(t, tc.sw)
			f.slider.Wait()

			st := f.slider.Status()
			if st.DollyPosition != tc.wantMm {
				t.Errorf("position = %.2f, want %.0f", st.DollyPosition, tc.wantMm)
			}
			if st.Task.State != Completed {
				t.Errorf("task state = %s, want completed", st.Task.State)
			}
		})
	}
}
