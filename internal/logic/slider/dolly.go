package slider

import (
	"sync"

	"github.com/cjeanneret/SlideGo/internal/hw/stepper"
)

// Dolly tracks the carriage position along the rail, in millimetres from
// the start endstop. Moving right increases the position.
type Dolly struct {
	mu       sync.Mutex
	position float64
	length   float64 // 0 until calibrated
}

// Position returns the current position.
func (d *Dolly) Position() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.position
}

// SetPosition places the dolly at mm.
func (d *Dolly) SetPosition(mm float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.position = d.clamp(mm)
}

// Change moves the dolly by mm in dir.
func (d *Dolly) Change(mm float64, dir stepper.Direction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.position = d.clamp(d.position + sign(dir)*mm)
}

// Length returns the calibrated rail length, 0 if unknown.
func (d *Dolly) Length() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.length
}

// SetLength records the calibrated rail length.
func (d *Dolly) SetLength(mm float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.length = mm
}

func (d *Dolly) clamped(mm float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clamp(mm)
}

// clamp keeps the position on the rail once its length is known.
func (d *Dolly) clamp(mm float64) float64 {
	if d.length <= 0 {
		return mm
	}
	return min(max(mm, 0), d.length)
}

func sign(dir stepper.Direction) float64 {
	if dir == stepper.Right {
		return 1
	}
	return -1
}
