package stepper

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cjeanneret/SlideGo/internal/debug"
	"github.com/cjeanneret/SlideGo/internal/hw/gpio"
)

// ErrInvalidResolution is returned for a microstep resolution outside Resolutions.
var ErrInvalidResolution = errors.New("invalid resolution")

// Direction of travel along the rail.
type Direction int

const (
	Left  Direction = 0 // towards the start of the rail
	Right Direction = 1 // towards the end of the rail
)

func (d Direction) String() string {
	if d == Right {
		return "right"
	}
	return "left"
}

// Opposite returns the reverse direction.
func (d Direction) Opposite() Direction {
	if d == Right {
		return Left
	}
	return Right
}

// Resolutions lists the supported microstep resolutions, coarsest first.
var Resolutions = []int{1, 2, 4, 8, 16}

// msTable maps a resolution to the MS1, MS2, MS3 select levels.
var msTable = map[int][3]gpio.Level{
	1:  {gpio.Low, gpio.Low, gpio.Low},
	2:  {gpio.High, gpio.Low, gpio.Low},
	4:  {gpio.Low, gpio.High, gpio.Low},
	8:  {gpio.High, gpio.High, gpio.Low},
	16: {gpio.High, gpio.High, gpio.High},
}

// ValidResolution reports whether r is a supported microstep resolution.
func ValidResolution(r int) bool {
	_, ok := msTable[r]
	return ok
}

// Config holds the hardware configuration for a stepper driver.
type Config struct {
	StepPin   int // STEP line, driven by hardware PWM
	DirPin    int
	MS1Pin    int
	MS2Pin    int
	MS3Pin    int
	EnablePin int // ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
}

// State is a snapshot of the driver outputs.
type State struct {
	Direction  Direction `json:"direction"`
	Resolution int       `json:"resolution"`
	Running    bool      `json:"running"`
	Frequency  int       `json:"frequency"`
}

// Driver translates a direction, a microstep resolution and a pulse
// frequency into the DIR, MS1-3 and STEP signals of the stepper driver.
// No queuing and no ramp: frequency and resolution stay fixed between a
// Start and the following Stop.
type Driver struct {
	gpio gpio.Driver
	cfg  Config

	mu    sync.Mutex
	state State
}

// NewDriver creates a stepper driver and puts it in full-step, stopped state.
func NewDriver(g gpio.Driver, cfg Config) (*Driver, error) {
	for _, pin := range []int{cfg.DirPin, cfg.MS1Pin, cfg.MS2Pin, cfg.MS3Pin} {
		if err := g.SetupPin(pin, gpio.Output); err != nil {
			return nil, fmt.Errorf("setup pin %d: %w", pin, err)
		}
	}

	d := &Driver{gpio: g, cfg: cfg}

	// ENABLE: active LOW. LOW = enabled, HIGH = disabled.
	if cfg.EnablePin > 0 {
		if err := g.SetupPin(cfg.EnablePin, gpio.Output); err != nil {
			return nil, fmt.Errorf("setup enable pin %d: %w", cfg.EnablePin, err)
		}
		if err := g.WritePin(cfg.EnablePin, gpio.Low); err != nil {
			return nil, err
		}
	}

	if err := g.StopPWM(cfg.StepPin); err != nil {
		return nil, err
	}
	if err := d.SetResolution(1); err != nil {
		return nil, err
	}
	d.SetDirection(Left)
	return d, nil
}

// SetDirection sets the DIR output. Changes apply to pulses emitted from now on.
func (d *Driver) SetDirection(dir Direction) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeDirection(dir)
	return d
}

// SetOppositeDirection reverses the current DIR output.
func (d *Driver) SetOppositeDirection() *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeDirection(d.state.Direction.Opposite())
	return d
}

func (d *Driver) writeDirection(dir Direction) {
	level := gpio.Low
	if dir == Right {
		level = gpio.High
	}
	if err := d.gpio.WritePin(d.cfg.DirPin, level); err != nil {
		debug.Error(fmt.Errorf("stepper: write dir pin: %w", err))
		return
	}
	d.state.Direction = dir
}

// SetResolution programs the microstep select lines.
func (d *Driver) SetResolution(r int) error {
	levels, ok := msTable[r]
	if !ok {
		return fmt.Errorf("%w: %d (supported: %v)", ErrInvalidResolution, r, Resolutions)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i, pin := range []int{d.cfg.MS1Pin, d.cfg.MS2Pin, d.cfg.MS3Pin} {
		if err := d.gpio.WritePin(pin, levels[i]); err != nil {
			return fmt.Errorf("write ms%d pin: %w", i+1, err)
		}
	}
	d.state.Resolution = r
	return nil
}

// Start emits the step pulse train at frequencyHz. Restarts at the new
// frequency if already running.
func (d *Driver) Start(frequencyHz int) error {
	if frequencyHz <= 0 {
		return fmt.Errorf("stepper: frequency must be > 0, got %d", frequencyHz)
	}
	if err := d.Enable(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	debug.Printf("Stepper: start %d Hz (%s, 1/%d) on pin %d", frequencyHz, d.state.Direction, d.state.Resolution, d.cfg.StepPin)
	if err := d.gpio.StartPWM(d.cfg.StepPin, frequencyHz); err != nil {
		return fmt.Errorf("start pwm: %w", err)
	}
	d.state.Running = true
	d.state.Frequency = frequencyHz
	return nil
}

// Stop halts the pulse train. Safe to call when already stopped.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.Running = false
	d.state.Frequency = 0
	if err := d.gpio.StopPWM(d.cfg.StepPin); err != nil {
		return fmt.Errorf("stop pwm: %w", err)
	}
	return nil
}

// State returns a snapshot of the driver outputs.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Enable turns on the motor driver (ENABLE=LOW). Motor holds position.
func (d *Driver) Enable() error {
	if d.cfg.EnablePin <= 0 {
		return nil
	}
	return d.gpio.WritePin(d.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (ENABLE=HIGH). Motor freewheels, no holding torque.
func (d *Driver) Disable() error {
	if d.cfg.EnablePin <= 0 {
		return nil
	}
	return d.gpio.WritePin(d.cfg.EnablePin, gpio.High)
}
