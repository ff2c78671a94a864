package step

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceNotFound is returned when the expected control-link path never
	// appears.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrAttemptsExhausted is returned by Poll when the probe never succeeds.
	ErrAttemptsExhausted = errors.New("attempts exhausted")
)

// CodedError is a step failure that carries its own error code.
type CodedError struct {
	Code int
	Err  error
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%v (error %d)", e.Err, e.Code)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// ErrorCode returns the code carried by the error.
func (e *CodedError) ErrorCode() int {
	return e.Code
}

// WithCode attaches an error code to err.
func WithCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Err: err}
}

type coder interface {
	ErrorCode() int
}

// CodeOf returns the error code carried anywhere in err's chain.
func CodeOf(err error) (int, bool) {
	var c coder
	if errors.As(err, &c) {
		return c.ErrorCode(), true
	}
	return 0, false
}
