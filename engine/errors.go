package engine

import (
	"errors"
	"fmt"
)

// ErrInvalidInput is returned for malformed detection requests.
var ErrInvalidInput = errors.New("invalid input")

// GateClosedError means the PLC has not requested a detection: the trigger
// word read while connected was not the arm value.
type GateClosedError struct {
	Trigger int16
}

func (e *GateClosedError) Error() string {
	return fmt.Sprintf("plc not triggered (trigger=%d)", e.Trigger)
}

// IsGateClosed reports whether err is a GateClosedError.
func IsGateClosed(err error) bool {
	var g *GateClosedError
	return errors.As(err, &g)
}
