// Package circuitbreaker guards the mount path against retry storms: after
// repeated consecutive mount failures the breaker opens and further attempts
// fail fast until the cooldown elapses.
package circuitbreaker

import (
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/sd-mount-helper/pkg/utils"
)

const (
	// DefaultConsecutiveFailures is the number of failures before the
	// breaker opens
	DefaultConsecutiveFailures = 3

	// DefaultTimeout is how long the breaker stays open before allowing a
	// retry
	DefaultTimeout = 30 * time.Second

	// DefaultInterval is the cyclic period of the closed state used to clear
	// failure counts
	DefaultInterval = 1 * time.Minute
)

// MountBreaker wraps mount attempts for a single card.
type MountBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewMountBreaker creates a breaker named after the mount path it guards.
func NewMountBreaker(name string) *MountBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // Only 1 attempt allowed in half-open state
		Interval:    DefaultInterval,
		Timeout:     DefaultTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= DefaultConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			klog.Infof("Mount breaker for %s: %s -> %s", name, from, to)
		},
	}

	return &MountBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn with breaker protection. When the breaker is open the
// attempt is rejected without touching the hardware.
func (b *MountBreaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("%w: %d consecutive failures on %s, next attempt allowed after %v",
			utils.ErrBreakerOpen, DefaultConsecutiveFailures, b.cb.Name(), DefaultTimeout)
	}

	return err
}

// State returns the current breaker state for diagnostics.
func (b *MountBreaker) State() gobreaker.State {
	return b.cb.State()
}
