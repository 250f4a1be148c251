// Package storage defines the atomic capability interfaces a backend must
// implement for a strategy to use it, per the three capability sets: counter
// (Fixed Window, Sliding Window Counter), moving-window log (Moving Window),
// and sliding two-window read (Sliding Window Counter).
package storage

import "errors"

// ErrStorageUnavailable indicates the backend I/O failed or timed out. It is
// transient: the caller may retry at the application layer.
var ErrStorageUnavailable = errors.New("storage: backend unavailable")

// ErrCapabilityMismatch indicates the configured storage does not implement
// the capability interface a strategy requires. Strategies check this at
// construction time, never mid-operation.
var ErrCapabilityMismatch = errors.New("storage: backend does not support the required capability")

// ErrConcurrencyExhausted indicates CAS emulation exceeded its retry budget.
// It is surfaced to callers wrapped in ErrStorageUnavailable, per spec.
var ErrConcurrencyExhausted = errors.New("storage: concurrency retry budget exhausted")

// IsUnavailable reports whether err is, or wraps, a transient storage
// failure (including a retry-budget exhaustion).
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrConcurrencyExhausted)
}
