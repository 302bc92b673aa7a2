package action

import (
	"errors"
	"fmt"

	"github.com/kronberger-droid/nanonis-tipctl/internal/control"
)

// Classification is the closed set of failure kinds the Action Layer's
// retry policy dispatches on.
type Classification int

const (
	TransientProtocol Classification = iota
	HardwareReject
	Validation
	Fatal
)

func (c Classification) String() string {
	switch c {
	case TransientProtocol:
		return "TransientProtocol"
	case HardwareReject:
		return "HardwareReject"
	case Validation:
		return "Validation"
	default:
		return "Fatal"
	}
}

// classify maps an error from a Control Client call onto the closed set of
// retry-relevant classifications. Only TransientProtocol is retried.
func classify(err error) Classification {
	switch {
	case errors.Is(err, control.ErrIO), errors.Is(err, control.ErrTimeout):
		return TransientProtocol
	case errors.Is(err, control.ErrValidation):
		return Validation
	}
	var hw *control.HardwareRejectError
	if errors.As(err, &hw) {
		return HardwareReject
	}
	return Fatal
}

// ActionError wraps an action failure with its classification so callers
// (the engine) can branch without re-deriving it.
type ActionError struct {
	Kind           Kind
	Classification Classification
	Err            error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action: %s: %s: %v", e.Kind, e.Classification, e.Err)
}
func (e *ActionError) Unwrap() error { return e.Err }
