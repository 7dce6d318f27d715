package motion

import (
	"errors"
	"fmt"
	"sync"
)

// ErrLockHeld is returned when the motor is held by another owner.
var ErrLockHeld = errors.New("motor locked")

// Lock arbitrates access to the motor. It is re-entrant for the current
// holder; unlocking by anyone else is a no-op.
type Lock struct {
	mu     sync.Mutex
	held   bool
	holder string
}

// NewLock returns a released lock.
func NewLock() *Lock {
	return &Lock{}
}

// Lock marks the motor held by owner.
func (l *Lock) Lock(owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held && l.holder != owner {
		return fmt.Errorf("%w by %q", ErrLockHeld, l.holder)
	}
	l.held = true
	l.holder = owner
	return nil
}

// Unlock releases the lock if owner holds it.
func (l *Lock) Unlock(owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held && l.holder == owner {
		l.held = false
		l.holder = ""
	}
}

// IsLocked reports whether anyone holds the lock.
func (l *Lock) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Holder returns the current owner, or "" when released.
func (l *Lock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}

// With runs fn while holding the lock as owner and releases it afterwards.
func (l *Lock) With(owner string, fn func() error) error {
	if err := l.Lock(owner); err != nil {
		return err
	}
	defer l.Unlock(owner)
	return fn()
}
