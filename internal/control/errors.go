package control

import (
	"errors"
	"fmt"

	"github.com/kronberger-droid/nanonis-tipctl/internal/metrics"
	"github.com/kronberger-droid/nanonis-tipctl/internal/wire"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is/As.
var (
	ErrIO         = errors.New("control: io error")
	ErrTimeout    = errors.New("control: timeout")
	ErrClosed     = errors.New("control: client closed")
	ErrValidation = errors.New("control: validation")
)

// HardwareRejectError reports a non-zero status returned by the controller.
type HardwareRejectError struct {
	Command string
	Status  uint32
	Detail  string
}

func (e *HardwareRejectError) Error() string {
	return fmt.Sprintf("control: hardware reject: %s: status=%d %q", e.Command, e.Status, e.Detail)
}

// ValidationError reports a parameter rejected before dispatch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("control: validation: %s: %s", e.Field, e.Reason)
}
func (e *ValidationError) Unwrap() error { return ErrValidation }

func validationErr(field, reason string) error {
	metrics.IncControlError(metrics.ErrControlValidate)
	return &ValidationError{Field: field, Reason: reason}
}

func hardwareReject(command string, status uint32, detail string) error {
	metrics.IncControlError(metrics.ErrControlHardware)
	return &HardwareRejectError{Command: command, Status: status, Detail: detail}
}

// mapErrToMetric maps an error to a bounded-cardinality metric label.
func mapErrToMetric(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return metrics.ErrControlTimeout
	case errors.Is(err, ErrIO):
		return metrics.ErrControlIO
	case errors.Is(err, ErrValidation):
		return metrics.ErrControlValidate
	default:
		var proto *wire.ProtocolError
		if errors.As(err, &proto) {
			return metrics.ErrControlProtocol
		}
		var hw *HardwareRejectError
		if errors.As(err, &hw) {
			return metrics.ErrControlHardware
		}
		return metrics.ErrControlIO
	}
}
