package sender

import (
	"fmt"
	"time"
)

// Pacer waits for the next send slot. Implementations must not return before
// start+offset.
type Pacer interface {
	WaitUntil(start time.Time, offset time.Duration)
}

// SpinPacer busy-waits on the monotonic clock. It burns a full CPU but has
// the lowest wake-up jitter.
type SpinPacer struct{}

// WaitUntil spins until offset has elapsed since start.
func (SpinPacer) WaitUntil(start time.Time, offset time.Duration) {
	for time.Since(start) < offset {
		// Spin.
	}
}

// HybridPacer sleeps while the slot is far away and spins for the last
// SpinWindow.
type HybridPacer struct {
	SpinWindow time.Duration
}

// WaitUntil sleeps, then spins, until offset has elapsed since start.
func (p HybridPacer) WaitUntil(start time.Time, offset time.Duration) {
	for {
		remaining := offset - time.Since(start)
		if remaining <= 0 {
			return
		}
		if remaining > p.SpinWindow {
			time.Sleep(remaining - p.SpinWindow)
		}
	}
}

// Pacer names accepted by NewPacer.
const (
	PacerSpin   = "spin"
	PacerHybrid = "hybrid"
)

// DefaultSpinWindow is the spin window of the hybrid pacer.
const DefaultSpinWindow = 200 * time.Microsecond

// NewPacer returns the pacer with the given name. The empty name selects
// the spin pacer.
func NewPacer(name string) (Pacer, error) {
	switch name {
	case "", PacerSpin:
		return SpinPacer{}, nil
	case PacerHybrid:
		return HybridPacer{SpinWindow: DefaultSpinWindow}, nil
	default:
		return nil, fmt.Errorf("unknown pacer: %q", name)
	}
}
