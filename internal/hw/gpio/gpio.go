package gpio

import (
	"sync"

	"github.com/cjeanneret/SlideGo/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
	InputPullUp
)

// Edge selects which transitions are latched by edge detection.
type Edge int

const (
	NoEdge Edge = iota
	RiseEdge
	FallEdge
	AnyEdge
)

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real Raspberry Pi implementation
// or a mock for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)

	// StartPWM emits a 50% duty square wave of frequencyHz on pin.
	// Calling it on a running pin restarts it at the new frequency.
	StartPWM(pin int, frequencyHz int) error
	// StopPWM halts the square wave; the pin rests LOW.
	StopPWM(pin int) error

	// DetectEdge arms edge latching on an input pin.
	DetectEdge(pin int, edge Edge) error
	// EdgeDetected reports and clears a latched edge event.
	EdgeDetected(pin int) (bool, error)

	Close() error
}

// MockDriver is a test implementation that logs actions and keeps pin
// state in memory. Used for development on PC or testing.
type MockDriver struct {
	mu     sync.Mutex
	levels map[int]Level
	pwm    map[int]int
	edges  map[int]Edge
	events map[int]bool
}

// NewDriver creates a GPIO driver based on the chosen mode.
// If mock is true, returns a MockDriver (for dev/test).
// If mock is false, returns a real RPiDriver (for Raspberry Pi).
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	}
	return NewRPiRealDriver()
}

// NewMockDriver returns an empty in-memory driver.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		levels: make(map[int]Level),
		pwm:    make(map[int]int),
		edges:  make(map[int]Edge),
		events: make(map[int]bool),
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	if mode == InputPullUp {
		m.mu.Lock()
		if _, ok := m.levels[pin]; !ok {
			m.levels[pin] = High
		}
		m.mu.Unlock()
	}
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	m.levels[pin] = level
	m.mu.Unlock()
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	m.mu.Lock()
	level := m.levels[pin]
	m.mu.Unlock()
	debug.GPIO("ReadPin", pin, level)
	return level, nil
}

func (m *MockDriver) StartPWM(pin int, frequencyHz int) error {
	debug.GPIO("StartPWM", pin, frequencyHz)
	m.mu.Lock()
	m.pwm[pin] = frequencyHz
	m.mu.Unlock()
	return nil
}

func (m *MockDriver) StopPWM(pin int) error {
	debug.GPIO("StopPWM", pin, nil)
	m.mu.Lock()
	delete(m.pwm, pin)
	m.levels[pin] = Low
	m.mu.Unlock()
	return nil
}

func (m *MockDriver) DetectEdge(pin int, edge Edge) error {
	debug.GPIO("DetectEdge", pin, edge)
	m.mu.Lock()
	m.edges[pin] = edge
	delete(m.events, pin)
	m.mu.Unlock()
	return nil
}

func (m *MockDriver) EdgeDetected(pin int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.events[pin]
	delete(m.events, pin)
	return ev, nil
}

// SetInput simulates an external level change on pin, latching an edge
// event when the transition matches the armed edge.
func (m *MockDriver) SetInput(pin int, level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.levels[pin]
	m.levels[pin] = level
	if prev == level {
		return
	}
	switch m.edges[pin] {
	case AnyEdge:
		m.events[pin] = true
	case RiseEdge:
		m.events[pin] = m.events[pin] || level == High
	case FallEdge:
		m.events[pin] = m.events[pin] || level == Low
	}
}

// PWMFrequency returns the frequency running on pin and whether it runs.
func (m *MockDriver) PWMFrequency(pin int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hz, ok := m.pwm[pin]
	return hz, ok
}

// Level returns the last level written to or simulated on pin.
func (m *MockDriver) Level(pin int) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[pin]
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
