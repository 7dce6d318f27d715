package motion

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/cjeanneret/SlideGo/internal/config"
	"github.com/cjeanneret/SlideGo/internal/debug"
	"github.com/cjeanneret/SlideGo/internal/hw/endstop"
	"github.com/cjeanneret/SlideGo/internal/hw/stepper"
	"github.com/cjeanneret/SlideGo/internal/logic/geometry"
)

// Planner errors, re-exported for callers of the motor.
var (
	ErrSpeedOutOfRange = geometry.ErrSpeedOutOfRange
	ErrInvalidDistance = geometry.ErrInvalidDistance
)

// releaseOwner holds the lock during an endstop release when nobody else does.
const releaseOwner = "endstop"

// Config holds the homing and endstop release profile.
type Config struct {
	HomingFrequencyHz  int
	HomingResolution   int
	ReleaseFrequencyHz int
	ReleaseResolution  int
	ReleaseSettle      time.Duration // 0 skips the settle wait
	Debounce           time.Duration
}

// ConfigFrom extracts the motor profile from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		HomingFrequencyHz:  cfg.Motor.HomingFrequencyHz,
		HomingResolution:   cfg.Motor.HomingResolution,
		ReleaseFrequencyHz: cfg.Motor.ReleaseFrequencyHz,
		ReleaseResolution:  cfg.Motor.ReleaseResolution,
		ReleaseSettle:      cfg.ReleaseSettle(),
		Debounce:           cfg.Debounce(),
	}
}

type trigger struct {
	sw endstop.Switch
	at time.Time
}

// Motor plans and runs moves on the stepper driver. Every path that drives
// the motor goes through the Lock.
type Motor struct {
	driver  *stepper.Driver
	lock    *Lock
	planner *geometry.Planner
	clock   clock.Clock
	cfg     Config

	pending atomic.Pointer[trigger]

	mu          sync.Mutex
	current     *Move
	last        *Move
	lastTrigger map[string]time.Time // per switch name
}

// NewMotor wires a motor. lock is shared with every other component that
// touches the driver.
func NewMotor(drv *stepper.Driver, lock *Lock, planner *geometry.Planner, clk clock.Clock, cfg Config) *Motor {
	if clk == nil {
		clk = clock.New()
	}
	return &Motor{
		driver:      drv,
		lock:        lock,
		planner:     planner,
		clock:       clk,
		cfg:         cfg,
		lastTrigger: make(map[string]time.Time),
	}
}

// Driver returns the stepper driver the motor programs.
func (m *Motor) Driver() *stepper.Driver { return m.driver }

// Lock returns the lock shared with other motor users.
func (m *Motor) Lock() *Lock { return m.lock }

// Planner returns the timed-move planner.
func (m *Motor) Planner() *geometry.Planner { return m.planner }

// Clock returns the time source of moves and debounce.
func (m *Motor) Clock() clock.Clock { return m.clock }

// Calculate plans a move of distanceMm in timeS seconds.
func (m *Motor) Calculate(distanceMm, timeS float64) (geometry.Plan, error) {
	return m.planner.Calculate(distanceMm, timeS)
}

// Begin locks the motor for owner, plans the move and starts the driver.
// Without timeS the move runs at the default full-step frequency. The
// returned Move must be waited on (or stopped) to release the lock.
func (m *Motor) Begin(owner string, dir stepper.Direction, distanceMm float64, timeS *float64) (*Move, error) {
	if err := m.acquire(owner); err != nil {
		return nil, err
	}

	var plan geometry.Plan
	var err error
	if timeS != nil {
		plan, err = m.planner.Calculate(distanceMm, *timeS)
	} else {
		plan, err = m.planner.Default(distanceMm)
	}
	if err != nil {
		m.lock.Unlock(owner)
		return nil, err
	}

	mv := m.newMove(owner, KindTimed, dir, plan, distanceMm)
	if err := m.launch(mv); err != nil {
		return nil, err
	}
	return mv, nil
}

// Move runs a timed move to completion. ctx cancellation stops it.
func (m *Motor) Move(ctx context.Context, owner string, dir stepper.Direction, distanceMm float64, timeS *float64) error {
	mv, err := m.Begin(owner, dir, distanceMm, timeS)
	if err != nil {
		return err
	}
	return mv.Wait(ctx)
}

// MoveToEdge drives towards the limit switch in dir until an endstop or
// Stop finalizes the move. resolution and frequencyHz default to the
// homing profile when 0.
func (m *Motor) MoveToEdge(owner string, dir stepper.Direction, resolution, frequencyHz int) (*Move, error) {
	if resolution == 0 {
		resolution = m.cfg.HomingResolution
	}
	if frequencyHz == 0 {
		frequencyHz = m.cfg.HomingFrequencyHz
	}
	if !stepper.ValidResolution(resolution) {
		return nil, fmt.Errorf("%w: %d", stepper.ErrInvalidResolution, resolution)
	}
	if err := m.acquire(owner); err != nil {
		return nil, err
	}

	plan := geometry.Plan{FrequencyHz: frequencyHz, Microsteps: resolution}
	mv := m.newMove(owner, KindHoming, dir, plan, 0)
	if err := m.launch(mv); err != nil {
		return nil, err
	}
	return mv, nil
}

// acquire takes the lock for owner, superseding a move the same owner
// still has running.
func (m *Motor) acquire(owner string) error {
	m.mu.Lock()
	prev := m.current
	m.mu.Unlock()
	if prev != nil && prev.owner == owner {
		prev.finish(OutcomeStopped, nil)
	}
	return m.lock.Lock(owner)
}

func (m *Motor) newMove(owner string, kind Kind, dir stepper.Direction, plan geometry.Plan, distanceMm float64) *Move {
	return &Move{
		motor:      m,
		owner:      owner,
		kind:       kind,
		direction:  dir,
		plan:       plan,
		distanceMm: distanceMm,
		done:       make(chan struct{}),
		outcome:    OutcomeRunning,
	}
}

// launch programs the driver and starts the pulse train. On failure the
// driver is left stopped and the lock released.
func (m *Motor) launch(mv *Move) error {
	m.driver.SetDirection(mv.direction)
	err := m.driver.SetResolution(mv.plan.Microsteps)
	if err == nil {
		err = m.driver.Start(mv.plan.FrequencyHz)
	}
	if err != nil {
		err = multierr.Append(err, m.driver.Stop())
		m.lock.Unlock(mv.owner)
		return fmt.Errorf("start %s move: %w", mv.kind, err)
	}

	mv.start = m.clock.Now()
	if mv.kind == KindTimed {
		mv.timer = m.clock.Timer(mv.plan.Duration)
	}
	m.mu.Lock()
	m.current = mv
	m.mu.Unlock()

	debug.Move(mv.owner, mv.direction.String(), mv.plan.FrequencyHz, mv.plan.Microsteps, mv.plan.DurationMs())
	return nil
}

// NotifyEndstop records a switch activation. It only stores the trigger;
// ServiceEndstop does the work on the next tick.
func (m *Motor) NotifyEndstop(sw endstop.Switch) {
	m.pending.Store(&trigger{sw: sw, at: m.clock.Now()})
}

// ServiceEndstop consumes a pending trigger. A trigger inside the debounce
// window of the previous accepted one from the same switch, or from a switch that no longer
// reads asserted, is dropped. Otherwise the motor is stopped, backed off
// the switch, and the current move finalized. Reports whether a release
// ran.
func (m *Motor) ServiceEndstop(ctx context.Context) (bool, error) {
	t := m.pending.Swap(nil)
	if t == nil {
		return false, nil
	}

	name := t.sw.Name()
	m.mu.Lock()
	last := m.lastTrigger[name]
	m.mu.Unlock()
	if !last.IsZero() && t.at.Sub(last) < m.cfg.Debounce {
		debug.Verbose("Endstop %s: ignored, %v after previous trigger", name, t.at.Sub(last))
		return false, nil
	}

	asserted, err := t.sw.Asserted()
	if err != nil {
		return false, fmt.Errorf("read endstop %s: %w", t.sw.Name(), err)
	}
	if !asserted {
		debug.Verbose("Endstop %s: glitch, line not asserted", t.sw.Name())
		return false, nil
	}

	debug.Endstop(t.sw.Name() + " reached, releasing")
	if m.lock.Lock(releaseOwner) == nil {
		defer m.lock.Unlock(releaseOwner)
	}
	err = m.release(ctx)
	err = multierr.Append(err, m.halt(OutcomeEndstop))

	m.mu.Lock()
	m.lastTrigger[name] = m.clock.Now()
	m.mu.Unlock()
	return true, err
}

// release backs the dolly off the switch: reverse, run the release
// profile for the settle time, stop.
func (m *Motor) release(ctx context.Context) error {
	err := m.driver.Stop()
	m.driver.SetOppositeDirection()
	if err == nil {
		err = m.driver.SetResolution(m.cfg.ReleaseResolution)
	}
	if err == nil {
		err = m.driver.Start(m.cfg.ReleaseFrequencyHz)
	}
	if err == nil && m.cfg.ReleaseSettle > 0 {
		settle := m.clock.Timer(m.cfg.ReleaseSettle)
		select {
		case <-settle.C:
		case <-ctx.Done():
			settle.Stop()
		}
	}
	return multierr.Append(err, m.driver.Stop())
}

// Stop halts the driver, finalizes the current move and releases its
// owner's lock. Safe when idle.
func (m *Motor) Stop() error {
	debug.Live("Motor stop")
	return m.halt(OutcomeStopped)
}

func (m *Motor) halt(outcome Outcome) error {
	err := m.driver.Stop()
	m.mu.Lock()
	mv := m.current
	m.mu.Unlock()
	// finish unlocks the move's owner only; a holder that has not
	// launched yet keeps the lock
	if mv != nil {
		mv.finish(outcome, nil)
	}
	return err
}

// SetDefaultFrequency changes the speed of untimed moves.
func (m *Motor) SetDefaultFrequency(hz int) error {
	return m.planner.SetDefaultFrequency(hz)
}

// Running returns the move in progress, if any.
func (m *Motor) Running() *Move {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Current returns the status of the move in progress, or of the last one.
func (m *Motor) Current() *MoveStatus {
	m.mu.Lock()
	mv := m.current
	if mv == nil {
		mv = m.last
	}
	m.mu.Unlock()
	if mv == nil {
		return nil
	}
	st := mv.Status()
	return &st
}
