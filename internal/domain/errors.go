package domain

import (
	"errors"
	"fmt"
)

// Lifecycle and registry errors that can be checked with errors.Is()
var (
	// ErrAlreadyRunning is returned when starting an instance whose status is RUNNING
	ErrAlreadyRunning = errors.New("vm is already running")

	// ErrAlreadyPulled is returned when a pull finds a local image with the remote digest
	ErrAlreadyPulled = errors.New("image is already pulled")

	// ErrRemoveRunningVM is returned when removing an instance that is still RUNNING
	ErrRemoveRunningVM = errors.New("cannot remove a running vm")

	// ErrStopFailed is returned when neither the graceful nor the forceful signal succeeded
	ErrStopFailed = errors.New("failed to stop vm")

	// ErrInvalidArgument is returned when caller input fails validation
	ErrInvalidArgument = errors.New("invalid argument")
)

// RegistryError reports a failed manifest fetch, push, pull or login.
type RegistryError struct {
	Op  string
	Ref string
	Err error
}

func (e *RegistryError) Error() string {
	if e.Ref == "" {
		return fmt.Sprintf("registry %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("registry %s %s: %v", e.Op, e.Ref, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }

// StorageError reports a persistence layer failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// InvocationError reports that a subprocess could not be spawned or its streams failed.
// A supervised process exiting non-zero is not an InvocationError.
type InvocationError struct {
	Command string
	Err     error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s: %v", e.Command, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }
