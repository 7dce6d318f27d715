package motion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/cjeanneret/SlideGo/internal/debug"
	"github.com/cjeanneret/SlideGo/internal/hw/stepper"
	"github.com/cjeanneret/SlideGo/internal/logic/geometry"
)

// ErrStopped is returned by Wait when the move was halted by Stop.
var ErrStopped = errors.New("move stopped")

// Kind distinguishes timed moves from homing runs.
type Kind string

const (
	KindTimed  Kind = "timed"
	KindHoming Kind = "homing"
)

// Outcome is how a move ended.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeCompleted Outcome = "completed" // planned duration elapsed
	OutcomeEndstop   Outcome = "endstop"   // halted by a limit switch
	OutcomeStopped   Outcome = "stopped"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Move is one start-stop bracket of the motor. It is finalized exactly
// once: the driver is stopped, the end time recorded and the owner's lock
// released, whichever path gets there first.
type Move struct {
	motor      *Motor
	owner      string
	kind       Kind
	direction  stepper.Direction
	plan       geometry.Plan
	distanceMm float64
	start      time.Time
	timer      *clock.Timer
	done       chan struct{}
	once       sync.Once

	mu      sync.Mutex
	end     time.Time
	outcome Outcome
	err     error
}

// MoveStatus is a point-in-time view of a move.
type MoveStatus struct {
	Owner       string     `json:"owner"`
	Kind        Kind       `json:"kind"`
	Direction   string     `json:"direction"`
	FrequencyHz int        `json:"frequency"`
	Microsteps  int        `json:"microsteps"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
	ElapsedMs   int64      `json:"elapsed_ms"`
	TimeLeftMs  int64      `json:"time_left_ms,omitempty"`
	DistanceMm  float64    `json:"distance_mm"`
	Outcome     Outcome    `json:"outcome"`
	Start       time.Time  `json:"start"`
	End         *time.Time `json:"end,omitempty"`
}

// Owner returns the lock owner the move runs under.
func (mv *Move) Owner() string { return mv.owner }

// Kind returns whether the move is timed or a homing run.
func (mv *Move) Kind() Kind { return mv.kind }

// Direction returns the direction of travel.
func (mv *Move) Direction() stepper.Direction { return mv.direction }

// Plan returns the frequency, resolution and duration of the move.
func (mv *Move) Plan() geometry.Plan { return mv.plan }

// Start returns when the pulses started.
func (mv *Move) Start() time.Time { return mv.start }

// Done is closed once the move is finalized.
func (mv *Move) Done() <-chan struct{} {
	return mv.done
}

// Outcome returns OutcomeRunning until the move is finalized.
func (mv *Move) Outcome() Outcome {
	mv.mu.Lock()
	defer mv.mu.Unlock()
	return mv.outcome
}

// Err returns nil for a move that completed or reached an endstop.
func (mv *Move) Err() error {
	mv.mu.Lock()
	defer mv.mu.Unlock()
	switch mv.outcome {
	case OutcomeRunning, OutcomeCompleted, OutcomeEndstop:
		return nil
	case OutcomeStopped:
		return ErrStopped
	}
	return mv.err
}

// Wait blocks until the move is finalized: planned duration elapsed,
// halted by Stop or an endstop, or ctx done. Cancelling ctx finalizes the
// move.
func (mv *Move) Wait(ctx context.Context) error {
	var expired <-chan time.Time
	if mv.timer != nil {
		expired = mv.timer.C
	}
	select {
	case <-mv.done:
	case <-expired:
		mv.finish(OutcomeCompleted, nil)
	case <-ctx.Done():
		mv.finish(OutcomeCancelled, ctx.Err())
	}
	return mv.Err()
}

// Travelled estimates the distance covered so far, in millimetres.
func (mv *Move) Travelled() float64 {
	mv.mu.Lock()
	outcome, end := mv.outcome, mv.end
	mv.mu.Unlock()

	if mv.kind == KindTimed && outcome == OutcomeCompleted {
		return mv.distanceMm
	}
	if end.IsZero() {
		end = mv.motor.clock.Now()
	}
	pulses := float64(mv.plan.FrequencyHz) * end.Sub(mv.start).Seconds()
	travelled := mv.motor.planner.Steps().DistanceFromPulses(pulses, mv.plan.Microsteps)
	if mv.kind == KindTimed && travelled > mv.distanceMm {
		travelled = mv.distanceMm
	}
	return travelled
}

// Status returns a snapshot of the move.
func (mv *Move) Status() MoveStatus {
	mv.mu.Lock()
	outcome, end := mv.outcome, mv.end
	mv.mu.Unlock()

	st := MoveStatus{
		Owner:       mv.owner,
		Kind:        mv.kind,
		Direction:   mv.direction.String(),
		FrequencyHz: mv.plan.FrequencyHz,
		Microsteps:  mv.plan.Microsteps,
		DurationMs:  mv.plan.DurationMs(),
		DistanceMm:  mv.Travelled(),
		Outcome:     outcome,
		Start:       mv.start,
	}
	now := end
	if end.IsZero() {
		now = mv.motor.clock.Now()
	} else {
		st.End = &end
	}
	st.ElapsedMs = now.Sub(mv.start).Milliseconds()
	if st.DurationMs > st.ElapsedMs && outcome == OutcomeRunning {
		st.TimeLeftMs = st.DurationMs - st.ElapsedMs
	}
	return st
}

func (mv *Move) finish(outcome Outcome, cause error) {
	mv.once.Do(func() {
		m := mv.motor
		if mv.timer != nil {
			mv.timer.Stop()
		}
		if err := m.driver.Stop(); err != nil {
			cause = multierr.Append(cause, fmt.Errorf("stop driver: %w", err))
			outcome = OutcomeFailed
		}

		mv.mu.Lock()
		mv.end = m.clock.Now()
		mv.outcome = outcome
		mv.err = cause
		elapsed := mv.end.Sub(mv.start)
		mv.mu.Unlock()

		m.lock.Unlock(mv.owner)
		m.mu.Lock()
		if m.current == mv {
			m.current = nil
		}
		m.last = mv
		m.mu.Unlock()
		close(mv.done)

		debug.Live("Motor %s: %s %s after %d ms", mv.owner, mv.kind, outcome, elapsed.Milliseconds())
	})
}
