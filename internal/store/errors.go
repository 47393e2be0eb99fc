package store

import "fmt"

// StorageUnavailableError reports that the backing store could not be reached
// or committed after exhausting the configured retry budget. It wraps the
// last underlying cause and signals to callers that the whole request is safe
// to retry.
type StorageUnavailableError struct {
	Attempts int
	Err      error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Err }

// UnsupportedFormatError reports an export format outside the supported set.
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported export format %q (supported: json, csv, markdown)", e.Format)
}

// SerializationError reports a structured sub-field that could not be encoded
// or decoded at the storage boundary. It is never silently defaulted because
// a defaulted field would corrupt downstream statistics.
type SerializationError struct {
	Field string
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialize field %s: %v", e.Field, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }
