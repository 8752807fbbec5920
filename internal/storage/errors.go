package storage

import (
	"errors"
	"fmt"
)

// Error kinds reported by the engine. Every failure returned by this module
// matches exactly one of these with errors.Is.
var (
	// ErrKeyExists is returned when creating a key that already has a live entry.
	ErrKeyExists = errors.New("key already exists")

	// ErrNotFound is returned when a key has no live entry.
	ErrNotFound = errors.New("key not found")

	// ErrCorruptRead is returned when an index entry points past the data
	// actually present in the volume.
	ErrCorruptRead = errors.New("corrupt read")

	// ErrIOFailure wraps open/seek/read/write/flush failures on any of the
	// engine's files.
	ErrIOFailure = errors.New("io failure")

	// ErrSerialization wraps snapshot or record encode/decode failures.
	ErrSerialization = errors.New("serialization failure")

	// ErrMalformedInput is returned for an empty key or payload.
	ErrMalformedInput = errors.New("malformed input")
)

// IOFailure wraps err so that it matches both ErrIOFailure and the original
// error (e.g. syscall.ENOSPC or fs.ErrPermission).
func IOFailure(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrIOFailure, err)
}

// SerializationFailure wraps err so that it matches ErrSerialization.
func SerializationFailure(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrSerialization, err)
}

// KeyError annotates one of the key-level kinds with the offending key.
func KeyError(kind error, key string) error {
	return fmt.Errorf("%w: %q", kind, key)
}
