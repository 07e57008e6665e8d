package vm

import "errors"

// ErrNotFound is returned when a VM ID does not exist in the registry.
var ErrNotFound = errors.New("VM not found")

// ErrVMNotRunning is returned when an exec request targets a VM that is not
// in the running state.
var ErrVMNotRunning = errors.New("VM is not running")

// OpError tags a lifecycle failure with the VM and the phase it failed in,
// so callers can tell retryable conditions (socket wait) from terminal ones
// (configuration rejected) without parsing messages.
type OpError struct {
	ID    string
	Phase string
	Err   error
}

func (e *OpError) Error() string {
	return "vm " + e.ID + ": " + e.Phase + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }
