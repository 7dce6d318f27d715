package motion

import (
	"errors"
	"testing"
)

func TestLock_ConflictAndRelease(t *testing.T) {
	l := NewLock()
	if err := l.Lock("A"); err != nil {
		t.Fatalf("Lock(A): %v", err)
	}
	if err := l.Lock("B"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("Lock(B) err = %v, want ErrLockHeld", err)
	}
	l.Unlock("A")
	if err := l.Lock("B"); err != nil {
		t.Fatalf("Lock(B) after Unlock(A): %v", err)
	}
	if l.Holder() != "B" {
		t.Errorf("Holder = %q, want B", l.Holder())
	}
}

func TestLock_Reentrant(t *testing.T) {
	l := NewLock()
	_ = l.Lock("A")
	if err := l.Lock("A"); err != nil {
		t.Errorf("second Lock(A): %v", err)
	}
	l.Unlock("A")
	if l.IsLocked() {
		t.Error("a single Unlock should release a re-entered lock")
	}
}

func TestLock_UnlockByNonHolderIsNoop(t *testing.T) {
	l := NewLock()
	l.Unlock("nobody")
	if l.IsLocked() {
		t.Error("unlocking a free lock should leave it free")
	}

	_ = l.Lock("A")
	l.Unlock("B")
	if !l.IsLocked() || l.Holder() != "A" {
		t.Errorf("Unlock(B) changed state: locked=%v holder=%q", l.IsLocked(), l.Holder())
	}
}

func TestLock_HeldImpliesHolder(t *testing.T) {
	l := NewLock()
	if l.IsLocked() || l.Holder() != "" {
		t.Fatalf("new lock: locked=%v holder=%q", l.IsLocked(), l.Holder())
	}
	_ = l.Lock("A")
	if !l.IsLocked() || l.Holder() == "" {
		t.Errorf("locked=%v holder=%q", l.IsLocked(), l.Holder())
	}
}

func TestLock_With(t *testing.T) {
	l := NewLock()
	ran := false
	err := l.With("driver-1", func() error {
		ran = true
		if l.Holder() != "driver-1" {
			t.Errorf("Holder inside With = %q", l.Holder())
		}
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("With: err=%v ran=%v", err, ran)
	}
	if l.IsLocked() {
		t.Error("With should release the lock")
	}

	_ = l.Lock("move-1")
	err = l.With("driver-2", func() error {
		t.Error("fn should not run while another owner holds the lock")
		return nil
	})
	if !errors.Is(err, ErrLockHeld) {
		t.Errorf("With err = %v, want ErrLockHeld", err)
	}
}
