package geometry

import (
	"math"

	"github.com/cjeanneret/SlideGo/internal/config"
)

// StepsCalculator converts belt travel to motor full steps.
type StepsCalculator struct {
	stepsPerMm float64
}

// NewStepsCalculator creates a step calculator from configuration.
func NewStepsCalculator(cfg *config.Config) *StepsCalculator {
	return NewStepsCalculatorFor(cfg.Motor.StepsPerRev, cfg.Motor.PulleyDiameterMm)
}

// NewStepsCalculatorFor builds a calculator for a motor with stepsPerRev
// full steps per revolution driving a pulley of the given diameter.
func NewStepsCalculatorFor(stepsPerRev int, pulleyDiameterMm float64) *StepsCalculator {
	// One revolution moves the belt by the pulley circumference.
	circumference := math.Pi * pulleyDiameterMm
	return &StepsCalculator{stepsPerMm: float64(stepsPerRev) / circumference}
}

// StepsPerMm returns the number of full steps per millimetre of travel.
func (s *StepsCalculator) StepsPerMm() float64 {
	return s.stepsPerMm
}

// StepMm returns the belt travel of one full step in millimetres.
func (s *StepsCalculator) StepMm() float64 {
	return 1 / s.stepsPerMm
}

// StepsFromDistance converts a distance in millimetres to full steps.
func (s *StepsCalculator) StepsFromDistance(distanceMm float64) float64 {
	return distanceMm * s.stepsPerMm
}

// DistanceFromPulses converts pulses emitted at a given microstep
// resolution back to millimetres.
func (s *StepsCalculator) DistanceFromPulses(pulses float64, microsteps int) float64 {
	if microsteps <= 0 {
		microsteps = 1
	}
	return pulses * s.StepMm() / float64(microsteps)
}
