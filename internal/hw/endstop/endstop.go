package endstop

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cjeanneret/SlideGo/internal/debug"
	"github.com/cjeanneret/SlideGo/internal/hw/gpio"
)

// Switch is a limit switch at one end of the rail, regardless of how it
// is wired (GPIO, I/O expander, etc.).
type Switch interface {
	// Name identifies the switch in logs ("start", "end").
	Name() string
	// Asserted reads the switch line right now.
	Asserted() (bool, error)
	// Triggered reports and clears a latched activation edge.
	Triggered() (bool, error)
}

// Handler consumes endstop triggers. NotifyEndstop runs in the polling
// context and must only record the event; ServiceEndstop runs at the top
// of the next tick and does the actual work.
type Handler interface {
	NotifyEndstop(sw Switch)
	ServiceEndstop(ctx context.Context) (bool, error)
}

// GPIOSwitch is a Switch wired to a GPIO input with edge detection.
type GPIOSwitch struct {
	gpio      gpio.Driver
	name      string
	pin       int
	activeLow bool
}

// NewGPIOSwitch configures pin as an input and arms edge detection on the
// activation edge: falling for an active-low switch (with pull-up), rising
// otherwise.
func NewGPIOSwitch(g gpio.Driver, name string, pin int, activeLow bool) (*GPIOSwitch, error) {
	mode, edge := gpio.Input, gpio.RiseEdge
	if activeLow {
		mode, edge = gpio.InputPullUp, gpio.FallEdge
	}
	if err := g.SetupPin(pin, mode); err != nil {
		return nil, fmt.Errorf("setup endstop %s pin %d: %w", name, pin, err)
	}
	if err := g.DetectEdge(pin, edge); err != nil {
		return nil, fmt.Errorf("arm endstop %s pin %d: %w", name, pin, err)
	}
	return &GPIOSwitch{gpio: g, name: name, pin: pin, activeLow: activeLow}, nil
}

func (s *GPIOSwitch) Name() string { return s.name }

func (s *GPIOSwitch) Asserted() (bool, error) {
	level, err := s.gpio.ReadPin(s.pin)
	if err != nil {
		return false, err
	}
	if s.activeLow {
		return level == gpio.Low, nil
	}
	return level == gpio.High, nil
}

func (s *GPIOSwitch) Triggered() (bool, error) {
	return s.gpio.EdgeDetected(s.pin)
}

// Watcher polls the edge latches of a set of switches and forwards
// activations to a Handler.
type Watcher struct {
	clock    clock.Clock
	interval time.Duration
	switches []Switch
	handler  Handler
}

// NewWatcher creates a watcher polling every interval (5 ms if <= 0).
func NewWatcher(clk clock.Clock, interval time.Duration, h Handler, switches ...Switch) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Millisecond
	}
	return &Watcher{clock: clk, interval: interval, switches: switches, handler: h}
}

// Tick services any pending trigger, then polls every switch once.
func (w *Watcher) Tick(ctx context.Context) {
	if _, err := w.handler.ServiceEndstop(ctx); err != nil {
		debug.Error(fmt.Errorf("endstop: %w", err))
	}
	for _, sw := range w.switches {
		hit, err := sw.Triggered()
		if err != nil {
			debug.Error(fmt.Errorf("endstop %s: %w", sw.Name(), err))
			continue
		}
		if hit {
			debug.Trace("Endstop %s edge latched", sw.Name())
			w.handler.NotifyEndstop(sw)
		}
	}
}

// Run ticks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if len(w.switches) == 0 {
		debug.Info("No endstop configured, homing relies on the homing timeout")
	}
	ticker := w.clock.Ticker(w.interval)
	defer ticker.Stop()
	for {
		w.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
