package utils

import (
	"errors"
	"strings"

	"golang.org/x/sys/unix"
)

// Sentinel errors for common conditions.
// Use errors.Is() to check for these rather than string matching.
var (
	// ErrNotMounted indicates an operation that requires a mounted card
	ErrNotMounted = errors.New("sd card not mounted")

	// ErrCardInit indicates the bus or card handle could not be constructed
	ErrCardInit = errors.New("sd card initialization failed")

	// ErrNoCommunication indicates the card did not answer the block-count query
	ErrNoCommunication = errors.New("no response from sd card")

	// ErrMountTimeout indicates the mount deadline was exceeded
	ErrMountTimeout = errors.New("mount timeout")

	// ErrMountFailed indicates the filesystem mount call failed
	ErrMountFailed = errors.New("mount failed")

	// ErrUnmountFailed indicates an unmount operation failed
	ErrUnmountFailed = errors.New("unmount failed")

	// ErrReadOnly indicates a write was rejected by a read-only filesystem
	ErrReadOnly = errors.New("filesystem is read-only")

	// ErrBreakerOpen indicates mounting is suspended after repeated failures
	ErrBreakerOpen = errors.New("mount breaker open")
)

// IsReadOnlyError reports whether err is a write rejected by a read-only
// filesystem. On the default mount this is expected behavior, not a defect,
// so callers surface it differently from generic I/O failures.
func IsReadOnlyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReadOnly) || errors.Is(err, unix.EROFS) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "read-only")
}

// IsTimeoutError reports whether err is a mount deadline overrun.
func IsTimeoutError(err error) bool {
	return errors.Is(err, ErrMountTimeout)
}
