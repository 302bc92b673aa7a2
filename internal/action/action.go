// Package action implements the Action Layer: a closed enumeration of
// high-level operations, each mapping to one or more Control Client calls,
// with optional pre/post capture from the Buffered Reader and bounded
// retry of transient failures.
package action

import (
	"time"

	"github.com/kronberger-droid/nanonis-tipctl/internal/control"
)

// Kind is the closed set of operations the Action Layer can execute.
type Kind int

const (
	ReadBias Kind = iota
	SetBias
	ReadPiezoPosition
	SetPiezoPosition
	MovePiezoRelative
	MoveMotor3D
	AutoApproach
	Withdraw
	SafeReposition
	BiasPulse
	TipShaper
	CheckTipState
	CheckTipStability
	GetStableSignal
	ScanControl
	ReadScanStatus
	ReadOsci
	Store
	Retrieve
)

func (k Kind) String() string {
	switch k {
	case ReadBias:
		return "ReadBias"
	case SetBias:
		return "SetBias"
	case ReadPiezoPosition:
		return "ReadPiezoPosition"
	case SetPiezoPosition:
		return "SetPiezoPosition"
	case MovePiezoRelative:
		return "MovePiezoRelative"
	case MoveMotor3D:
		return "MoveMotor3D"
	case AutoApproach:
		return "AutoApproach"
	case Withdraw:
		return "Withdraw"
	case SafeReposition:
		return "SafeReposition"
	case BiasPulse:
		return "BiasPulse"
	case TipShaper:
		return "TipShaper"
	case CheckTipState:
		return "CheckTipState"
	case CheckTipStability:
		return "CheckTipStability"
	case GetStableSignal:
		return "GetStableSignal"
	case ScanControl:
		return "ScanControl"
	case ReadScanStatus:
		return "ReadScanStatus"
	case ReadOsci:
		return "ReadOsci"
	case Store:
		return "Store"
	case Retrieve:
		return "Retrieve"
	default:
		return "Unknown"
	}
}

// Polarity selects the sign of an applied bias or sweep.
type Polarity int

const (
	Positive Polarity = iota
	Negative
	Both
)

// StabilityParams configures the bias-sweep stability check composed inside
// a CheckTipStability action.
type StabilityParams struct {
	BiasLo, BiasHi     float64
	Steps              int
	StepPeriod         time.Duration
	Polarity           Polarity
	PrimarySignalIndex int
	AllowedChange      float64
	Window             time.Duration
}

// Action is a single requested operation with its parameters. Not every
// field applies to every Kind; dispatch.go shows which fields each Kind reads.
type Action struct {
	Kind Kind

	Bias               float64
	X, Y               float64
	Dx, Dy, Dz         float64
	MotorDir           control.MotorDirection
	MotorSteps         uint16
	MotorGroup         uint16
	Wait               bool
	CenterFreqShift    bool
	PulseVoltage       float64
	PulseWidth         time.Duration
	ZControllerHold    bool
	ScanAction         uint16
	ScanDirection      uint16
	OsciChannel        int
	SignalIndex        int
	CaptureWindow      time.Duration
	Stability          StabilityParams
	Key                string
}

// Status tags the outcome of an Execute call.
type Status int

const (
	OK Status = iota
	Failed
)

// Result is a tagged record of an executed Action: what ran, any returned
// scalars, and the outcome.
type Result struct {
	Kind    Kind
	Scalars map[string]float64
	Status  Status
	Reason  string
}

func okResult(kind Kind, scalars map[string]float64) Result {
	return Result{Kind: kind, Scalars: scalars, Status: OK}
}
