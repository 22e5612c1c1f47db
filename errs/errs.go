// Package errs declares the stable error identifiers shared across shardrun's
// components. Every component wraps one of these with
// fmt.Errorf("...: %w", errs.Err...) to attach detail; callers match with
// errors.Is. This package has no dependencies so every other package can
// import it without cycles.
package errs

import "errors"

var (
	// ErrShapeDiscoveryFailed means required shape metadata was missing or
	// inconsistent.
	ErrShapeDiscoveryFailed = errors.New("shape discovery failed")

	// ErrClassificationMismatch means tensor role counts did not resolve to
	// exactly one cache tensor of each kind per (layer, head) slot.
	ErrClassificationMismatch = errors.New("tensor classification mismatch")

	// ErrAllocationFailed means the host could not provide cache or arena
	// memory of the requested size/alignment.
	ErrAllocationFailed = errors.New("cache allocation failed")

	// ErrBindingMissing means a required tensor role was absent from a
	// graph's binding plan.
	ErrBindingMissing = errors.New("required tensor binding missing")

	// ErrRuntimeFailure means the external accelerator runtime rejected a
	// call.
	ErrRuntimeFailure = errors.New("accelerator runtime failure")

	// ErrInvariantViolation means an internal consistency check failed.
	// This is the driver's bug class, not a recoverable runtime condition.
	ErrInvariantViolation = errors.New("internal invariant violation")

	// ErrCancelled means the caller requested cancellation between decode
	// steps.
	ErrCancelled = errors.New("generation cancelled")
)
