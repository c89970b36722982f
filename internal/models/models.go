package models

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy shared by every tier and the engine.
var (
	// ErrNotAvailable is returned by cache-only lookups that found nothing.
	ErrNotAvailable = errors.New("resource not available in cache")
	// ErrCapacity is returned when a tier cannot make room for an entry.
	ErrCapacity = errors.New("tier capacity exceeded")
	// ErrSerialization is returned when a stored record cannot be encoded or read back.
	ErrSerialization = errors.New("cache record serialization failed")
	// ErrTierUnavailable is returned by tiers that cannot serve the operation at all.
	ErrTierUnavailable = errors.New("tier unavailable")
	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("cache closed")
)

// NetworkError is surfaced from the fetch collaborator.
type NetworkError struct {
	URL       string
	Status    int
	Err       error
	Retryable bool
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Temporary lets the retrier decide whether the fetch is worth repeating.
func (e *NetworkError) Temporary() bool { return e.Retryable }

// IsNetworkError reports whether err carries a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// Clock provides the current time; tests substitute a fixed one.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }
