package slider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/SlideGo/internal/debug"
	"github.com/cjeanneret/SlideGo/internal/hw/stepper"
	"github.com/cjeanneret/SlideGo/internal/logic/motion"
)

// ErrHomingTimeout is returned when no endstop is reached in time.
var ErrHomingTimeout = errors.New("homing timeout")

// State of a motion task.
type State string

const (
	Idle      State = "idle"
	Running   State = "running"
	Completed State = "completed"
	Cancelled State = "cancelled"
	Failed    State = "failed"
)

// Notifier receives task events, e.g. to push them to clients.
type Notifier interface {
	Broadcast(level, msg string)
}

// Config holds the orchestration settings.
type Config struct {
	HomingTimeout time.Duration // 0 = wait for the endstop forever
}

// TaskStatus describes the current or last motion task.
type TaskStatus struct {
	ID    int64  `json:"id"`
	Kind  string `json:"kind"`
	Owner string `json:"owner"`
	State State  `json:"state"`
	Error string `json:"error,omitempty"`
}

// Status is the full slider state reported to clients.
type Status struct {
	DollyPosition float64            `json:"dolly_position"`
	SliderLength  float64            `json:"slider_length"`
	Task          TaskStatus         `json:"task"`
	Locked        bool               `json:"locked"`
	Holder        string             `json:"holder,omitempty"`
	Speed         int                `json:"speed"`
	Driver        stepper.State      `json:"driver"`
	Move          *motion.MoveStatus `json:"move,omitempty"`
}

type task struct {
	TaskStatus
	cancel context.CancelFunc
	move   *motion.Move
}

// Slider orchestrates dolly moves, homing and calibration. Motion runs in
// background tasks; operations return as soon as the motor is locked and
// started, so lock and planning errors come back to the caller.
type Slider struct {
	motor  *motion.Motor
	dolly  *Dolly
	notify Notifier
	cfg    Config
	seq    atomic.Int64
	wg     sync.WaitGroup

	mu   sync.Mutex
	task *task
}

// New creates a slider. notify may be nil.
func New(m *motion.Motor, notify Notifier, cfg Config) *Slider {
	return &Slider{motor: m, dolly: &Dolly{}, notify: notify, cfg: cfg}
}

// Dolly returns the tracked carriage.
func (s *Slider) Dolly() *Dolly {
	return s.dolly
}

// GotoStart homes the dolly towards the start endstop.
func (s *Slider) GotoStart(ctx context.Context) error {
	return s.home(ctx, stepper.Left)
}

// GotoEnd homes the dolly towards the end endstop.
func (s *Slider) GotoEnd(ctx context.Context) error {
	return s.home(ctx, stepper.Right)
}

func (s *Slider) home(ctx context.Context, dir stepper.Direction) error {
	id, owner := s.owner("home")
	mv, err := s.motor.MoveToEdge(owner, dir, 0, 0)
	if err != nil {
		return err
	}
	t, tctx := s.startTask(ctx, id, "home", owner, mv)
	hctx, cancel := s.homingContext(tctx)
	s.run(t, func() error {
		defer cancel()
		return s.awaitEdge(hctx, mv)
	})
	return nil
}

// MoveDolly moves the dolly by distanceMm in dir, in timeS seconds or at
// the default speed when timeS is nil.
func (s *Slider) MoveDolly(ctx context.Context, distanceMm float64, dir stepper.Direction, timeS *float64) error {
	id, owner := s.owner("move")
	mv, err := s.motor.Begin(owner, dir, distanceMm, timeS)
	if err != nil {
		return err
	}
	t, tctx := s.startTask(ctx, id, "move", owner, mv)
	s.run(t, func() error {
		err := mv.Wait(tctx)
		s.track(mv)
		return err
	})
	return nil
}

// Calibrate homes to the start, zeroes the dolly, then homes to the end
// and takes the travelled distance as the rail length.
func (s *Slider) Calibrate(ctx context.Context) error {
	id, owner := s.owner("calibrate")
	first, err := s.motor.MoveToEdge(owner, stepper.Left, 0, 0)
	if err != nil {
		return err
	}
	t, tctx := s.startTask(ctx, id, "calibrate", owner, first)
	hctx, cancel := s.homingContext(tctx)
	s.run(t, func() error {
		debug.Step(1, "home to start")
		err := s.awaitEdge(hctx, first)
		cancel()
		if err != nil {
			return err
		}
		s.dolly.SetLength(0)
		s.dolly.SetPosition(0)

		if err := tctx.Err(); err != nil {
			return err
		}
		debug.Step(2, "measure travel to end")
		second, err := s.motor.MoveToEdge(owner, stepper.Right, 0, 0)
		if err != nil {
			return err
		}
		s.setMove(t, second)
		ectx, cancelEnd := s.homingContext(tctx)
		defer cancelEnd()
		if err := s.awaitEdge(ectx, second); err != nil {
			return err
		}
		length := second.Travelled()
		s.dolly.SetLength(length)
		s.dolly.SetPosition(length)
		debug.Info("Slider calibrated: %.1f mm", length)
		return nil
	})
	return nil
}

// homingContext bounds a homing run by the homing timeout.
func (s *Slider) homingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.HomingTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return s.motor.Clock().WithTimeout(ctx, s.cfg.HomingTimeout)
}

// awaitEdge waits for a homing move to reach its endstop and updates the
// dolly position.
func (s *Slider) awaitEdge(ctx context.Context, mv *motion.Move) error {
	err := mv.Wait(ctx)
	s.track(mv)
	if mv.Outcome() == motion.OutcomeEndstop {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %v", ErrHomingTimeout, s.cfg.HomingTimeout)
	}
	return err
}

// track updates the dolly after a finalized move. A move halted by a
// limit switch puts the dolly at that end of the rail.
func (s *Slider) track(mv *motion.Move) {
	if mv.Outcome() != motion.OutcomeEndstop {
		s.dolly.Change(mv.Travelled(), mv.Direction())
		return
	}
	switch l := s.dolly.Length(); {
	case mv.Direction() == stepper.Left:
		s.dolly.SetPosition(0)
	case l > 0:
		s.dolly.SetPosition(l)
	default:
		s.dolly.Change(mv.Travelled(), mv.Direction())
	}
}

// Stop cancels the running task, then stops the motor. Always safe.
func (s *Slider) Stop() error {
	s.mu.Lock()
	t := s.task
	s.mu.Unlock()
	if t != nil {
		t.cancel()
	}
	return s.motor.Stop()
}

// SetDriver programs resolution and direction directly on the driver.
func (s *Slider) SetDriver(resolution int, dir stepper.Direction) error {
	if !stepper.ValidResolution(resolution) {
		return fmt.Errorf("%w: %d", stepper.ErrInvalidResolution, resolution)
	}
	_, owner := s.owner("driver")
	return s.motor.Lock().With(owner, func() error {
		drv := s.motor.Driver()
		if err := drv.SetResolution(resolution); err != nil {
			return err
		}
		drv.SetDirection(dir)
		return nil
	})
}

// SetResolution programs the microstep resolution on the driver.
func (s *Slider) SetResolution(resolution int) error {
	_, owner := s.owner("resolution")
	return s.motor.Lock().With(owner, func() error {
		return s.motor.Driver().SetResolution(resolution)
	})
}

// SetSpeed changes the full-step frequency of moves without a time.
func (s *Slider) SetSpeed(hz int) error {
	_, owner := s.owner("speed")
	return s.motor.Lock().With(owner, func() error {
		return s.motor.SetDefaultFrequency(hz)
	})
}

// Status returns the slider state. While a move runs the dolly position
// includes the distance travelled so far.
func (s *Slider) Status() Status {
	lock := s.motor.Lock()
	st := Status{
		DollyPosition: s.dolly.Position(),
		SliderLength:  s.dolly.Length(),
		Task:          TaskStatus{State: Idle},
		Locked:        lock.IsLocked(),
		Holder:        lock.Holder(),
		Speed:         s.motor.Planner().DefaultFrequency(),
		Driver:        s.motor.Driver().State(),
		Move:          s.motor.Current(),
	}

	s.mu.Lock()
	if s.task != nil {
		st.Task = s.task.TaskStatus
		if mv := s.task.move; st.Task.State == Running && mv.Outcome() == motion.OutcomeRunning {
			st.DollyPosition = s.dolly.clamped(st.DollyPosition + sign(mv.Direction())*mv.Travelled())
		}
	}
	s.mu.Unlock()
	return st
}

// Wait blocks until every background task has finished.
func (s *Slider) Wait() {
	s.wg.Wait()
}

// Close stops the motor and waits for the tasks to wind down.
func (s *Slider) Close() error {
	err := s.Stop()
	s.Wait()
	return err
}

func (s *Slider) owner(kind string) (int64, string) {
	id := s.seq.Add(1)
	return id, fmt.Sprintf("%s-%d", kind, id)
}

// startTask records a running task. Its context outlives the caller's:
// only Stop or Close cancel it.
func (s *Slider) startTask(ctx context.Context, id int64, kind, owner string, mv *motion.Move) (*task, context.Context) {
	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &task{
		TaskStatus: TaskStatus{ID: id, Kind: kind, Owner: owner, State: Running},
		cancel:     cancel,
		move:       mv,
	}
	s.mu.Lock()
	s.task = t
	s.mu.Unlock()
	s.emit("info", owner+" started")
	return t, tctx
}

func (s *Slider) setMove(t *task, mv *motion.Move) {
	s.mu.Lock()
	t.move = mv
	s.mu.Unlock()
}

// run executes fn in the background and settles the task state from its
// result.
func (s *Slider) run(t *task, fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer t.cancel()

		err := fn()
		state := Completed
		switch {
		case err == nil:
		case errors.Is(err, motion.ErrStopped), errors.Is(err, context.Canceled):
			state = Cancelled
		default:
			state = Failed
		}

		s.mu.Lock()
		t.State = state
		if state == Failed {
			t.Error = err.Error()
		}
		s.mu.Unlock()

		if state == Failed {
			debug.Error(fmt.Errorf("slider: %s: %w", t.Owner, err))
			s.emit("error", fmt.Sprintf("%s failed: %v", t.Owner, err))
			return
		}
		debug.Live("Task %s %s", t.Owner, state)
		s.emit("info", fmt.Sprintf("%s %s", t.Owner, state))
	}()
}

func (s *Slider) emit(level, msg string) {
	if s.notify != nil {
		s.notify.Broadcast(level, msg)
	}
}
