package event

import (
	"errors"
	"fmt"
)

// ErrUnrecognizedChangeCode is the sentinel matched by errors.Is for codes
// outside the closed vocabulary.
var ErrUnrecognizedChangeCode = errors.New("unrecognized change code")

// UnrecognizedCodeError reports a raw code with no Kind.
type UnrecognizedCodeError struct {
	Code uint32
}

func (e *UnrecognizedCodeError) Error() string {
	return fmt.Sprintf("event: %s %#x", ErrUnrecognizedChangeCode, e.Code)
}

func (e *UnrecognizedCodeError) Unwrap() error { return ErrUnrecognizedChangeCode }
