// Package tipprep implements the Tip-Preparation Engine: a state machine
// (Blunt -> Sharp -> Stable) that composes Actions using a pulse-voltage
// strategy and an optional bias-sweep stability check.
package tipprep

import (
	"log/slog"
	"time"

	"github.com/kronberger-droid/nanonis-tipctl/internal/action"
	"github.com/kronberger-droid/nanonis-tipctl/internal/eventlog"
	"github.com/kronberger-droid/nanonis-tipctl/internal/logging"
)

// State is the engine's closed set of states.
type State int

const (
	Blunt State = iota
	Sharp
	Stable
	Aborted
)

func (s State) String() string {
	switch s {
	case Blunt:
		return "Blunt"
	case Sharp:
		return "Sharp"
	case Stable:
		return "Stable"
	default:
		return "Aborted"
	}
}

// Classification is the per-cycle boundary-rule verdict on the primary
// signal, computed with a drop-front history buffer and a consecutive-good
// counter.
type Classification int

const (
	Bad Classification = iota
	Good
)

func (c Classification) String() string {
	if c == Good {
		return "Good"
	}
	return "Bad"
}

// ExitStatus is the library-level outcome of a Run call.
type ExitStatus int

const (
	Completed ExitStatus = iota
	AbortedByLimit
	AbortedByUser
	Failed
)

func (e ExitStatus) String() string {
	switch e {
	case Completed:
		return "Completed"
	case AbortedByLimit:
		return "AbortedByLimit"
	case AbortedByUser:
		return "AbortedByUser"
	default:
		return "Failed"
	}
}

// Bounds is an inclusive [f_min, f_max] range on the primary signal that
// defines a Good classification.
type Bounds struct{ Min, Max float64 }

func (b Bounds) contains(v float64) bool { return v >= b.Min && v <= b.Max }

// Config holds the engine's tunables, mirroring the tip_prep configuration
// block.
type Config struct {
	SharpBounds      Bounds
	MaxCycles        int
	MaxDuration      time.Duration
	InitialBias      float64
	InitialZSetpoint float64
	VerifyCount      int
	PrimarySignalIdx int
	SampleWindow     time.Duration
	PrePost          time.Duration
	CheckStability   bool
	Stability        action.StabilityParams
	MaxBiasVolts     float64
	WithdrawOnExit   bool
}

// MachineState is the engine's owned mutable state, never shared across the
// worker boundary; the Buffered Reader exposes snapshots, not references.
type MachineState struct {
	PrimarySignal  float64
	History        []float64 // bounded deque, oldest first
	Position       struct{ X, Y float64 }
	LastAction     action.Kind
	Classification Classification
}

const historyCapacity = 32

func (m *MachineState) pushHistory(v float64) {
	m.History = append(m.History, v)
	if len(m.History) > historyCapacity {
		m.History = m.History[len(m.History)-historyCapacity:]
	}
}

// Engine runs the Blunt -> Sharp -> Stable state machine.
type Engine struct {
	cfg      Config
	layer    *action.Layer
	strategy PulseStrategy
	sink     eventlog.Sink
	logger   *slog.Logger

	state      State
	machine    MachineState
	cycle      int
	goodStreak int
	cancelled  func() bool
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithCancel installs a cooperative cancellation predicate checked between
// actions and at each state transition.
func WithCancel(cancelled func() bool) Option {
	return func(e *Engine) {
		if cancelled != nil {
			e.cancelled = cancelled
		}
	}
}

// New constructs an Engine over layer using strategy for pulse voltages and
// sink for per-cycle records.
func New(cfg Config, layer *action.Layer, strategy PulseStrategy, sink eventlog.Sink, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		layer:     layer,
		strategy:  strategy,
		sink:      sink,
		logger:    logging.L(),
		state:     Blunt,
		cancelled: func() bool { return false },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the engine's current state.
func (e *Engine) State() State { return e.state }
