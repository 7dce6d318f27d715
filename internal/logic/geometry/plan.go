package geometry

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var (
	// ErrSpeedOutOfRange is returned when no microstep resolution can
	// cover the distance in the requested time within the frequency limits.
	ErrSpeedOutOfRange = errors.New("speed out of range")
	// ErrInvalidDistance is returned for a non-positive distance.
	ErrInvalidDistance = errors.New("invalid distance")
)

// Frequency limits of the step train: strictly above MinFrequencyHz, at
// most MaxFrequencyHz.
const (
	MinFrequencyHz = 1
	MaxFrequencyHz = 1000
)

// planResolutions is the search order: finest first, so the smoothest
// resolution that stays under the frequency ceiling wins.
var planResolutions = []int{16, 8, 4, 2, 1}

// Plan is a motion profile: a constant pulse frequency at a microstep
// resolution for a duration.
type Plan struct {
	FrequencyHz int           `json:"frequency"`
	Microsteps  int           `json:"microsteps"`
	Duration    time.Duration `json:"-"`
}

// DurationMs returns the plan duration in whole milliseconds.
func (p Plan) DurationMs() int64 {
	return p.Duration.Milliseconds()
}

// Planner turns distance/time requests into Plans.
type Planner struct {
	steps *StepsCalculator

	mu          sync.Mutex
	defaultFreq int
}

// NewPlanner creates a planner. defaultFreqHz is the full-step frequency
// of moves without a requested time.
func NewPlanner(steps *StepsCalculator, defaultFreqHz int) *Planner {
	return &Planner{steps: steps, defaultFreq: defaultFreqHz}
}

// Steps returns the underlying step calculator.
func (p *Planner) Steps() *StepsCalculator {
	return p.steps
}

// DefaultFrequency returns the full-step frequency of untimed moves.
func (p *Planner) DefaultFrequency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.defaultFreq
}

// SetDefaultFrequency changes the frequency of untimed moves.
func (p *Planner) SetDefaultFrequency(hz int) error {
	if hz <= MinFrequencyHz || hz > MaxFrequencyHz {
		return fmt.Errorf("%w: %d Hz", ErrSpeedOutOfRange, hz)
	}
	p.mu.Lock()
	p.defaultFreq = hz
	p.mu.Unlock()
	return nil
}

// Calculate finds the frequency and resolution covering distanceMm in
// timeS seconds. The returned duration is recomputed from the rounded-up
// frequency, so it can be slightly shorter than timeS.
func (p *Planner) Calculate(distanceMm, timeS float64) (Plan, error) {
	if distanceMm <= 0 {
		return Plan{}, fmt.Errorf("%w: %v mm", ErrInvalidDistance, distanceMm)
	}
	if timeS <= 0 {
		return Plan{}, fmt.Errorf("%w: time %v s", ErrSpeedOutOfRange, timeS)
	}

	steps := p.steps.StepsFromDistance(distanceMm)
	for _, r := range planResolutions {
		f := math.Ceil(steps / timeS * float64(r))
		if f <= MinFrequencyHz || f > MaxFrequencyHz {
			continue
		}
		microstepMm := p.steps.StepMm() / float64(r)
		ms := math.Ceil(distanceMm / microstepMm / f * 1000)
		return Plan{
			FrequencyHz: int(f),
			Microsteps:  r,
			Duration:    time.Duration(ms) * time.Millisecond,
		}, nil
	}
	return Plan{}, fmt.Errorf("%w: %v mm in %v s", ErrSpeedOutOfRange, distanceMm, timeS)
}

// Default returns the plan of a move without a requested time: full steps
// at the default frequency for as long as the distance needs.
func (p *Planner) Default(distanceMm float64) (Plan, error) {
	if distanceMm <= 0 {
		return Plan{}, fmt.Errorf("%w: %v mm", ErrInvalidDistance, distanceMm)
	}
	freq := p.DefaultFrequency()
	steps := p.steps.StepsFromDistance(distanceMm)
	ms := math.Ceil(steps / float64(freq) * 1000)
	return Plan{
		FrequencyHz: freq,
		Microsteps:  1,
		Duration:    time.Duration(ms) * time.Millisecond,
	}, nil
}
