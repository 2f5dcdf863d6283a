package tester

import (
	"errors"
	"fmt"
)

// ErrorKind classifies tester failures. Memory mismatches are never
// represented as errors; they flow through results and stats.
type ErrorKind int

const (
	// ErrConfig covers invalid or unsatisfiable configuration, including an
	// explicit device index out of range.
	ErrConfig ErrorKind = iota

	// ErrDevice covers device acquisition, kernel build, and dispatch
	// failures. Fatal to the run, never retried.
	ErrDevice

	// ErrAllocation covers device buffer allocation failures.
	ErrAllocation

	// ErrTimeout covers a GPU readback exceeding its configured wait.
	ErrTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrConfig:
		return "config"
	case ErrDevice:
		return "device"
	case ErrAllocation:
		return "allocation"
	case ErrTimeout:
		return "timeout"
	}
	return "unknown"
}

// Error is the typed failure returned by all fallible tester operations.
type Error struct {
	Kind    ErrorKind
	Op      string // operation that failed, e.g. "gpu.NewTester"
	Message string
	Err     error // underlying cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s error: %s: %v", e.Op, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewConfigError creates a configuration error.
func NewConfigError(op, message string, err error) *Error {
	return &Error{Kind: ErrConfig, Op: op, Message: message, Err: err}
}

// NewDeviceError creates a device error.
func NewDeviceError(op, message string, err error) *Error {
	return &Error{Kind: ErrDevice, Op: op, Message: message, Err: err}
}

// NewAllocationError creates a buffer allocation error.
func NewAllocationError(op, message string, err error) *Error {
	return &Error{Kind: ErrAllocation, Op: op, Message: message, Err: err}
}

// NewTimeoutError creates a readback timeout error.
func NewTimeoutError(op, message string, err error) *Error {
	return &Error{Kind: ErrTimeout, Op: op, Message: message, Err: err}
}

// IsTimeout reports whether err is (or wraps) a tester timeout error.
func IsTimeout(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == ErrTimeout
}

// IsDeviceError reports whether err is (or wraps) a device error.
func IsDeviceError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == ErrDevice
}
