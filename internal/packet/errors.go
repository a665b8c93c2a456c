package packet

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed marks events that can never decode. Fatal for the packet.
	ErrMalformed = errors.New("malformed packet")
	// ErrTooDeep marks memo chains nested past the configured depth.
	ErrTooDeep = errors.New("instruction chain too deep")
)

// DecodeError reports why an event could not be decoded.
// Kind is ErrMalformed or ErrTooDeep.
type DecodeError struct {
	Kind  error
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.Field, e.Err)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Field)
}

func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func malformed(field string, err error) *DecodeError {
	return &DecodeError{Kind: ErrMalformed, Field: field, Err: err}
}
