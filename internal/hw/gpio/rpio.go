package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/SlideGo/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// pwmCycleLen is the PWM range used for the step train. The PWM clock runs
// at frequency*pwmCycleLen, which keeps it inside the 4.8 kHz - 19.2 MHz
// window of the BCM283x clock divider for step rates from 1 Hz to 1 kHz.
const pwmCycleLen = 4800

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
type RPiDriver struct {
	mu   sync.Mutex
	pins map[int]rpio.Pin
	pwm  map[int]bool
}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	debug.Verbose("GPIO memory mapped successfully")

	return &RPiDriver{
		pins: make(map[int]rpio.Pin),
		pwm:  make(map[int]bool),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setup(pin, mode)
}

func (r *RPiDriver) setup(pin int, mode PinMode) error {
	p := rpio.Pin(pin)
	r.pins[pin] = p

	switch mode {
	case Input:
		p.Input()
	case InputPullUp:
		p.Input()
		p.PullUp()
	case Output:
		p.Output()
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}

	return nil
}

// pin returns the configured pin, setting it up with mode on first use.
func (r *RPiDriver) pin(pin int, mode PinMode) (rpio.Pin, error) {
	p, ok := r.pins[pin]
	if !ok {
		if err := r.setup(pin, mode); err != nil {
			return 0, err
		}
		p = r.pins[pin]
	}
	return p, nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.pin(pin, Output)
	if err != nil {
		return err
	}
	if level == High {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.pin(pin, Input)
	if err != nil {
		return Low, err
	}
	if p.Read() == rpio.High {
		return High, nil
	}
	return Low, nil
}

func (r *RPiDriver) StartPWM(pin int, frequencyHz int) error {
	debug.GPIO("StartPWM", pin, frequencyHz)
	if frequencyHz <= 0 {
		return fmt.Errorf("pwm frequency must be > 0, got %d", frequencyHz)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p := rpio.Pin(pin)
	if !r.pwm[pin] {
		p.Mode(rpio.Pwm)
		r.pins[pin] = p
		r.pwm[pin] = true
	}
	p.Freq(frequencyHz * pwmCycleLen)
	p.DutyCycle(pwmCycleLen/2, pwmCycleLen)
	return nil
}

func (r *RPiDriver) StopPWM(pin int) error {
	debug.GPIO("StopPWM", pin, nil)
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.pwm[pin] {
		return nil
	}
	rpio.Pin(pin).DutyCycle(0, pwmCycleLen)
	return nil
}

func (r *RPiDriver) DetectEdge(pin int, edge Edge) error {
	debug.GPIO("DetectEdge", pin, edge)
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.pin(pin, Input)
	if err != nil {
		return err
	}
	switch edge {
	case NoEdge:
		p.Detect(rpio.NoEdge)
	case RiseEdge:
		p.Detect(rpio.RiseEdge)
	case FallEdge:
		p.Detect(rpio.FallEdge)
	case AnyEdge:
		p.Detect(rpio.AnyEdge)
	default:
		return fmt.Errorf("unknown edge: %d", edge)
	}
	return nil
}

func (r *RPiDriver) EdgeDetected(pin int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pins[pin]
	if !ok {
		return false, fmt.Errorf("edge detection not armed on pin %d", pin)
	}
	return p.EdgeDetected(), nil
}

func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")
	r.mu.Lock()
	defer r.mu.Unlock()

	// Reset all pins to input (safe state)
	for pin, p := range r.pins {
		debug.Verbose("Resetting pin %d to input", pin)
		if r.pwm[pin] {
			p.DutyCycle(0, pwmCycleLen)
		}
		p.Detect(rpio.NoEdge)
		p.Input()
	}

	return rpio.Close()
}
