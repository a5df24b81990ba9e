package backup

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means an expected path or object is missing; callers may
	// recover by choosing a fallback tier.
	ErrNotFound = errors.New("backup not found")

	// ErrBusy means another mutating operation holds the single-flight
	// gate. Retry later; nothing is wrong.
	ErrBusy = errors.New("another backup operation is pending")

	// ErrIntegrityMismatch means a stored digest does not match freshly
	// hashed content.
	ErrIntegrityMismatch = errors.New("content hash mismatch")

	// ErrUnavailable means no tier holds the requested backup.
	ErrUnavailable = errors.New("backup is not available on any tier")

	// ErrAlreadyExists means a backup with the same name is already fully
	// present where it was about to be created.
	ErrAlreadyExists = errors.New("backup already exists")
)

// ConfigError reports an invalid configuration value. It is fatal and is
// always raised before any I/O.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func configErrorf(field, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StateError reports a tier transition whose predecessor state does not
// hold, e.g. compressing a backup whose raw copy never completed.
type StateError struct {
	Backup string
	Op     string
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("backup %s: %s: %s", e.Backup, e.Op, e.Reason)
}

// RemoteError wraps an object-store failure and carries the
// transient-vs-permanent distinction. Transient failures (rate limits,
// 5xx) are retried with backoff; everything else is surfaced immediately.
type RemoteError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *RemoteError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("object store: %s: %s error: %v", e.Op, kind, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable remote failure.
func IsTransient(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Transient
}

// StageError reports which orchestration stage of a run failed and why.
type StageError struct {
	Stage  string
	Backup string
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("backup %s: stage %s failed: %v", e.Backup, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
