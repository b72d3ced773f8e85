package cron

import "errors"

var (
	// ErrInvalidEntry wraps all creation-time validation failures
	// (bad kind, out-of-range schedule fields, empty or oversized action).
	ErrInvalidEntry = errors.New("invalid entry")

	// ErrTableFull is returned when no empty slot exists.
	ErrTableFull = errors.New("no free schedule slots")

	// ErrIDsExhausted is returned when all ids 1-255 are live.
	ErrIDsExhausted = errors.New("no free entry ids")

	// ErrNotFound is returned by delete for an id with no live entry.
	ErrNotFound = errors.New("entry not found")

	// ErrLockTimeout is returned when the table lock could not be acquired
	// within the bounded wait. Safe to retry.
	ErrLockTimeout = errors.New("table lock timeout")

	// ErrPersistFailed wraps durable-store write failures.
	ErrPersistFailed = errors.New("persist failed")

	// ErrInvalidTimezone covers descriptors that fail shape validation or
	// cannot be resolved to a location.
	ErrInvalidTimezone = errors.New("invalid timezone")
)
