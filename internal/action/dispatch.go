package action

import (
	"context"
	"fmt"
	"time"
)

// dispatch performs one attempt of a against the Control Client. It does not
// retry; Execute owns the retry loop so classification stays in one place.
func (l *Layer) dispatch(ctx context.Context, a Action) (Result, error) {
	switch a.Kind {
	case ReadBias:
		v, err := l.client.ReadBias(ctx)
		if err != nil {
			return Result{}, err
		}
		return okResult(a.Kind, map[string]float64{"bias": v}), nil

	case SetBias:
		if err := l.client.WriteBias(ctx, a.Bias); err != nil {
			return Result{}, err
		}
		return okResult(a.Kind, map[string]float64{"bias": a.Bias}), nil

	case ReadPiezoPosition:
		x, y, err := l.client.ReadPiezoPosition(ctx)
		if err != nil {
			return Result{}, err
		}
		return okResult(a.Kind, map[string]float64{"x": x, "y": y}), nil

	case SetPiezoPosition:
		if err := l.client.WritePiezoPosition(ctx, a.X, a.Y, a.Wait); err != nil {
			return Result{}, err
		}
		return okResult(a.Kind, map[string]float64{"x": a.X, "y": a.Y}), nil

	case MovePiezoRelative:
		x, y, err := l.client.ReadPiezoPosition(ctx)
		if err != nil {
			return Result{}, err
		}
		nx, ny := x+a.Dx, y+a.Dy
		if err := l.client.WritePiezoPosition(ctx, nx, ny, a.Wait); err != nil {
			return Result{}, err
		}
		return okResult(a.Kind, map[string]float64{"x": nx, "y": ny}), nil

	case MoveMotor3D:
		if err := l.client.MotorStartMove(ctx, a.MotorDir, a.MotorSteps, a.MotorGroup, a.Wait); err != nil {
			return Result{}, err
		}
		return okResult(a.Kind, nil), nil

	case AutoApproach:
		if err := l.client.AutoApproachOnOff(ctx, true); err != nil {
			return Result{}, err
		}
		running, err := l.pollAutoApproach(ctx)
		if err != nil {
			return Result{}, err
		}
		return okResult(a.Kind, map[string]float64{"running": boolToFloat(running)}), nil

	case Withdraw:
		if err := l.client.Withdraw(ctx, a.Wait, uint32(a.CaptureWindow/time.Millisecond)); err != nil {
			return Result{}, err
		}
		return okResult(a.Kind, nil), nil

	case SafeReposition:
		return l.safeReposition(ctx, a)

	case BiasPulse:
		if err := l.client.BiasPulse(ctx, a.PulseVoltage, a.PulseWidth.Seconds(), a.ZControllerHold); err != nil {
			return Result{}, err
		}
		return okResult(a.Kind, map[string]float64{"voltage": a.PulseVoltage}), nil

	case TipShaper:
		if err := l.client.TipShaper(ctx, a.Wait); err != nil {
			return Result{}, err
		}
		return okResult(a.Kind, nil), nil

	case CheckTipState, GetStableSignal:
		v, err := l.sampleWindow(ctx, a.SignalIndex, a.CaptureWindow)
		if err != nil {
			return Result{}, err
		}
		return okResult(a.Kind, map[string]float64{"primary": v}), nil

	case CheckTipStability:
		return l.checkStability(ctx, a)

	case ScanControl:
		if err := l.client.ScanAction(ctx, a.ScanAction, a.ScanDirection); err != nil {
			return Result{}, err
		}
		return okResult(a.Kind, nil), nil

	case ReadScanStatus:
		running, err := l.client.ScanStatusGet(ctx)
		if err != nil {
			return Result{}, err
		}
		return okResult(a.Kind, map[string]float64{"running": boolToFloat(running)}), nil

	case ReadOsci:
		data, dt, err := l.client.OsciDataGet(ctx, a.OsciChannel)
		if err != nil {
			return Result{}, err
		}
		return okResult(a.Kind, map[string]float64{"dt": dt, "samples": float64(len(data))}), nil

	case Store:
		l.Store(a.Key, l.lastResult())
		return okResult(a.Kind, nil), nil

	case Retrieve:
		r, ok := l.Retrieve(a.Key)
		if !ok {
			return Result{}, fmt.Errorf("action: retrieve: no result stored for key %q", a.Key)
		}
		return r, nil

	default:
		return Result{}, fmt.Errorf("action: unknown kind %v", a.Kind)
	}
}

// pollAutoApproach polls AutoApproachStatus until it reports not-running or
// ctx expires, per the spec's resolution of auto-approach completion: status
// is polled rather than assumed pushed as an event.
func (l *Layer) pollAutoApproach(ctx context.Context) (bool, error) {
	const pollInterval = 200 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		running, err := l.client.AutoApproachStatus(ctx)
		if err != nil {
			return false, err
		}
		if !running {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Layer) safeReposition(ctx context.Context, a Action) (Result, error) {
	if err := l.client.Withdraw(ctx, true, uint32(5000)); err != nil {
		return Result{}, err
	}
	x, y, err := l.client.ReadPiezoPosition(ctx)
	if err != nil {
		return Result{}, err
	}
	nx, ny := x+a.Dx, y+a.Dy
	if err := l.client.WritePiezoPosition(ctx, nx, ny, true); err != nil {
		return Result{}, err
	}
	if err := l.client.AutoApproachOnOff(ctx, true); err != nil {
		return Result{}, err
	}
	if _, err := l.pollAutoApproach(ctx); err != nil {
		return Result{}, err
	}
	return okResult(a.Kind, map[string]float64{"x": nx, "y": ny}), nil
}

// sampleWindow reads the signal at idx once per poll tick across window and
// returns the mean, approximating the spec's "primary signal over a short
// window" without depending on the Buffered Reader being wired for idx.
func (l *Layer) sampleWindow(ctx context.Context, idx int, window time.Duration) (float64, error) {
	const pollInterval = 10 * time.Millisecond
	if window <= 0 {
		window = pollInterval
	}
	deadline := time.Now().Add(window)
	var sum float64
	var n int
	for time.Now().Before(deadline) {
		v, err := l.client.SignalsValGet(ctx, idx, false)
		if err != nil {
			return 0, err
		}
		sum += v
		n++
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("action: sampleWindow: no samples collected")
	}
	return sum / float64(n), nil
}

// checkStability runs the bias sweep: steps through a.Stability's bias range,
// holding each step for step_period and sampling the primary signal, then
// reports pass/fail against the allowed-change threshold.
func (l *Layer) checkStability(ctx context.Context, a Action) (Result, error) {
	sp := a.Stability
	if sp.Steps < 2 {
		return Result{}, fmt.Errorf("action: stability sweep needs at least 2 steps")
	}
	readings := make([]float64, 0, sp.Steps)
	step := (sp.BiasHi - sp.BiasLo) / float64(sp.Steps-1)
	for i := 0; i < sp.Steps; i++ {
		v := sp.BiasLo + step*float64(i)
		biases := sweepBiases(v, sp.Polarity)
		for _, b := range biases {
			if err := l.client.WriteBias(ctx, b); err != nil {
				return Result{}, err
			}
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(sp.StepPeriod):
			}
			mean, err := l.sampleWindow(ctx, sp.PrimarySignalIndex, sp.Window)
			if err != nil {
				return Result{}, err
			}
			readings = append(readings, mean)
		}
	}
	lo, hi := readings[0], readings[0]
	for _, r := range readings {
		if r < lo {
			lo = r
		}
		if r > hi {
			hi = r
		}
	}
	maxDelta := hi - lo
	pass := maxDelta <= sp.AllowedChange
	status := OK
	reason := ""
	if !pass {
		status = Failed
		reason = "max|delta| exceeded allowed change"
	}
	return Result{Kind: a.Kind, Scalars: map[string]float64{"max_delta": maxDelta}, Status: status, Reason: reason}, nil
}

func sweepBiases(magnitude float64, p Polarity) []float64 {
	switch p {
	case Positive:
		return []float64{magnitude}
	case Negative:
		return []float64{-magnitude}
	default:
		return []float64{magnitude, -magnitude}
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
