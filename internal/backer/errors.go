package backer

import "errors"

// Error kinds returned by the engine. The daemon distinguishes AlreadyRunning
// (skip this tick, not fatal) from everything else (log and continue to the
// next backup); callers of the one-shot CLI verbs treat any of these as
// fatal for that invocation.
var (
	// ErrNotFound is returned when a requested filesystem, snapshot, or
	// remote object does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIncompatibleRemote is returned when a chain would be extended
	// against a remote whose type or identifying config differs from the
	// one the chain's existing generations were stored under.
	ErrIncompatibleRemote = errors.New("incompatible remote")

	// ErrAlreadyRunning is returned when the per-(fsguid,bid) advisory lock
	// is already held by another backup invocation.
	ErrAlreadyRunning = errors.New("backup already running")

	// ErrConfig marks a configuration problem: version mismatch or a
	// missing required key. Fatal at startup.
	ErrConfig = errors.New("config error")
)

// StreamError wraps any I/O failure encountered while sending, receiving,
// or transferring a stream to/from a remote. The wrapped snapshot generation
// is left with stored=false, so the next run retries it.
type StreamError struct {
	Op  string
	Err error
}

func (e *StreamError) Error() string { return "stream error during " + e.Op + ": " + e.Err.Error() }
func (e *StreamError) Unwrap() error { return e.Err }

func streamErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StreamError{Op: op, Err: err}
}
