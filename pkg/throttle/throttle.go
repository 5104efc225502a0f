// Package throttle enforces a minimum spacing between consecutive storage
// operations so the card controller is never hit with back-to-back commands.
package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
)

const (
	// DiagnosticFloor is the inter-operation spacing for the diagnostic
	// variant, sized for the most sensitive controllers observed.
	DiagnosticFloor = 500 * time.Millisecond

	// LeanFloor is the spacing for the lean variant.
	LeanFloor = 250 * time.Millisecond
)

// Throttle blocks callers that issue storage operations closer together than
// the configured floor. It is a cooperative guard for a single logical caller
// at a time; it does not order concurrent callers.
type Throttle struct {
	floor time.Duration

	mu  sync.Mutex
	lim *rate.Limiter
}

// New returns a Throttle with the given floor. The bucket starts full, so the
// first Wait never blocks.
func New(floor time.Duration) *Throttle {
	return &Throttle{
		floor: floor,
		lim:   rate.NewLimiter(rate.Every(floor), 1),
	}
}

// Wait blocks until at least the floor has elapsed since the previous
// operation, then records now as the new last-operation time. For two calls
// separated by a wall-clock interval d, the second waits floor-d, clamped
// at zero.
func (t *Throttle) Wait() {
	t.mu.Lock()
	r := t.lim.Reserve()
	t.mu.Unlock()

	if d := r.Delay(); d > 0 {
		klog.V(4).Infof("Rate limiting: waiting %v", d)
		time.Sleep(d)
	}
}

// Reset forgets the last operation time, as after an unmount.
func (t *Throttle) Reset() {
	t.mu.Lock()
	t.lim = rate.NewLimiter(rate.Every(t.floor), 1)
	t.mu.Unlock()
}

// Floor returns the configured spacing.
func (t *Throttle) Floor() time.Duration {
	return t.floor
}
