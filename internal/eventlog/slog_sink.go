package eventlog

import (
	"log/slog"

	"github.com/kronberger-droid/nanonis-tipctl/internal/logging"
)

// SlogSink writes each cycle record as a single structured log line.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink wraps l (or the package global logger if nil) as a Sink.
func NewSlogSink(l *slog.Logger) *SlogSink {
	if l == nil {
		l = logging.L()
	}
	return &SlogSink{logger: l}
}

func (s *SlogSink) WriteCycle(r Record) error {
	s.logger.Info("tip_prep_cycle",
		"cycle", r.Cycle,
		"state_before", r.StateBefore,
		"action", r.Action,
		"pulse_voltage", r.PulseVoltage,
		"classification", r.Classification,
		"pre_mean", r.PreSummary.Mean,
		"during_mean", r.DuringSummary.Mean,
		"post_mean", r.PostSummary.Mean,
	)
	return nil
}
