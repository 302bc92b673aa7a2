package tipprep

import (
	"context"
	"errors"
	"time"

	"github.com/kronberger-droid/nanonis-tipctl/internal/action"
	"github.com/kronberger-droid/nanonis-tipctl/internal/eventlog"
	"github.com/kronberger-droid/nanonis-tipctl/internal/metrics"
)

var stateLabels = []string{Blunt.String(), Sharp.String(), Stable.String(), Aborted.String()}

func (e *Engine) setState(s State) {
	e.state = s
	metrics.SetEngineState(s.String(), stateLabels)
}

// Run drives the Blunt -> Sharp -> Stable control loop to completion, an
// abort, or cancellation. It always executes the safe-shutdown path before
// returning, regardless of how the loop ended.
func (e *Engine) Run(ctx context.Context) (ExitStatus, error) {
	deadline := time.Now().Add(e.cfg.MaxDuration)
	e.setState(Blunt)

	if _, err := e.layer.Execute(ctx, action.Action{Kind: action.SetBias, Bias: e.cfg.InitialBias}); err != nil {
		e.safeShutdown(ctx)
		return Failed, err
	}

	status, err := e.loop(ctx, deadline)
	e.safeShutdown(ctx)
	return status, err
}

func (e *Engine) loop(ctx context.Context, deadline time.Time) (ExitStatus, error) {
	verified := 0
	for {
		if e.cancelled() {
			e.setState(Aborted)
			return AbortedByUser, nil
		}
		if e.cfg.MaxCycles > 0 && e.cycle >= e.cfg.MaxCycles {
			e.setState(Aborted)
			return AbortedByLimit, nil
		}
		if time.Now().After(deadline) {
			e.setState(Aborted)
			return AbortedByLimit, nil
		}

		prior := e.machine.PrimarySignal
		v, err := e.checkTipState(ctx)
		if err != nil {
			e.setState(Aborted)
			return Failed, err
		}
		class := e.observe(v)

		record := eventlog.Record{
			Timestamp:      time.Now(),
			Cycle:          e.cycle,
			StateBefore:    e.state.String(),
			Classification: class.String(),
		}

		switch e.state {
		case Blunt:
			if class == Bad {
				voltage, _ := e.strategy.NextPulse(CycleOutcome{
					Classification:     class,
					PrimarySignal:      v,
					PriorPrimarySignal: prior,
				})
				if err := e.pulseAndReposition(ctx, voltage); err != nil {
					e.setState(Aborted)
					return Failed, err
				}
				record.Action = action.BiasPulse.String()
				record.PulseVoltage = voltage
				e.cycle++
				metrics.IncEngineCycle()
				verified = 0
			} else {
				if err := e.reposition(ctx); err != nil {
					e.setState(Aborted)
					return Failed, err
				}
				verified++
				record.Action = "verify_reposition"
				if verified >= e.cfg.VerifyCount {
					e.setState(Sharp)
				}
			}

		case Sharp:
			if !e.cfg.CheckStability {
				e.setState(Stable)
				e.writeCycle(record)
				return Completed, nil
			}
			pass, maxDelta, err := e.runStabilitySweep(ctx)
			if err != nil {
				e.setState(Aborted)
				return Failed, err
			}
			record.Action = action.CheckTipStability.String()
			record.DuringSummary = eventlog.WindowSummary{Mean: maxDelta, N: 1}
			if pass {
				e.setState(Stable)
				e.writeCycle(record)
				return Completed, nil
			}
			voltage, _ := e.strategy.NextPulse(CycleOutcome{
				Classification:     Bad,
				PrimarySignal:      v,
				PriorPrimarySignal: prior,
			})
			if err := e.pulseAndReposition(ctx, voltage); err != nil {
				e.setState(Aborted)
				return Failed, err
			}
			record.Action = action.BiasPulse.String()
			record.PulseVoltage = voltage
			e.setState(Blunt)
			e.cycle++
			metrics.IncEngineCycle()
		}

		e.writeCycle(record)
	}
}

func (e *Engine) writeCycle(r eventlog.Record) {
	if e.sink == nil {
		return
	}
	if err := e.sink.WriteCycle(r); err != nil {
		e.logger.Warn("eventlog_write_failed", "error", err)
	}
}

func (e *Engine) checkTipState(ctx context.Context) (float64, error) {
	res, err := e.layer.Execute(ctx, action.Action{
		Kind:          action.CheckTipState,
		SignalIndex:   e.cfg.PrimarySignalIdx,
		CaptureWindow: e.cfg.SampleWindow,
	})
	if err != nil {
		return 0, err
	}
	return res.Scalars["primary"], nil
}

func (e *Engine) pulseAndReposition(ctx context.Context, voltage float64) error {
	if _, err := e.layer.Execute(ctx, action.Action{
		Kind:         action.BiasPulse,
		PulseVoltage: clampBias(voltage, e.cfg.MaxBiasVolts),
		PulseWidth:   100 * time.Millisecond,
	}); err != nil {
		return err
	}
	return e.reposition(ctx)
}

func (e *Engine) reposition(ctx context.Context) error {
	_, err := e.layer.Execute(ctx, action.Action{Kind: action.SafeReposition, Dx: 1e-9, Dy: 0})
	return err
}

func clampBias(v, max float64) float64 {
	if v > max {
		return max
	}
	if v < -max {
		return -max
	}
	return v
}

var errNoStabilityConfig = errors.New("tipprep: stability check enabled with no configured sweep")

func (e *Engine) runStabilitySweep(ctx context.Context) (pass bool, maxDelta float64, err error) {
	if e.cfg.Stability.Steps == 0 {
		return false, 0, errNoStabilityConfig
	}
	res, err := e.layer.Execute(ctx, action.Action{Kind: action.CheckTipStability, Stability: e.cfg.Stability})
	if err != nil {
		return false, 0, err
	}
	return res.Status == action.OK, res.Scalars["max_delta"], nil
}

// safeShutdown withdraws the tip when WithdrawOnExit is set, whichever way Run
// exited, and does nothing otherwise. It does not stop an auto-approach that
// is still running. Errors here are logged, not returned: the caller already
// has the loop's own error, if any.
func (e *Engine) safeShutdown(ctx context.Context) {
	if !e.cfg.WithdrawOnExit {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := e.layer.Execute(shutdownCtx, action.Action{Kind: action.Withdraw, Wait: true, CaptureWindow: 5 * time.Second}); err != nil {
		e.logger.Warn("safe_shutdown_withdraw_failed", "error", err)
	}
}
