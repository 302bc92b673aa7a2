package control

import (
	"context"
	"io"

	"github.com/kronberger-droid/nanonis-tipctl/internal/wire"
)

var codec = wire.Codec{}

func boolToU32(b bool) wire.U32 {
	if b {
		return wire.U32(1)
	}
	return wire.U32(0)
}

// ReadBias reads the current tip-sample bias voltage (Bias.Get).
func (c *Client) ReadBias(ctx context.Context) (float64, error) {
	v, err := c.call(ctx, "Bias.Get", true, nil, func(r io.Reader) (wire.Value, error) {
		return codec.DecodeValue(r, wire.KindF32)
	})
	if err != nil {
		return 0, err
	}
	f, err := wire.AsF32(v)
	return float64(f), err
}

// WriteBias sets the bias voltage (Bias.Set), validated against configured bounds.
func (c *Client) WriteBias(ctx context.Context, volts float64) error {
	if err := c.validateBias(volts); err != nil {
		return err
	}
	_, err := c.call(ctx, "Bias.Set", true, func(w io.Writer) error {
		return codec.EncodeValue(w, wire.F32(volts))
	}, nil)
	return err
}

// ReadPiezoPosition reads the current XY piezo position in metres (FolMe.XYPosGet).
func (c *Client) ReadPiezoPosition(ctx context.Context) (x, y float64, err error) {
	v, err := c.call(ctx, "FolMe.XYPosGet", true, func(w io.Writer) error {
		return codec.EncodeValue(w, boolToU32(false)) // wait-for-newest-point flag
	}, func(r io.Reader) (wire.Value, error) {
		xv, err := codec.DecodeValue(r, wire.KindF64)
		if err != nil {
			return nil, err
		}
		yv, err := codec.DecodeValue(r, wire.KindF64)
		if err != nil {
			return nil, err
		}
		return wire.ArrayF64{float64(xv.(wire.F64)), float64(yv.(wire.F64))}, nil
	})
	if err != nil {
		return 0, 0, err
	}
	xy := v.(wire.ArrayF64)
	return xy[0], xy[1], nil
}

// WritePiezoPosition sets the XY piezo position (FolMe.XYPosSet), validated against the configured rectangle.
func (c *Client) WritePiezoPosition(ctx context.Context, x, y float64, waitEndOfMove bool) error {
	if err := c.validatePosition(x, y); err != nil {
		return err
	}
	_, err := c.call(ctx, "FolMe.XYPosSet", true, func(w io.Writer) error {
		if err := codec.EncodeValue(w, wire.F64(x)); err != nil {
			return err
		}
		if err := codec.EncodeValue(w, wire.F64(y)); err != nil {
			return err
		}
		return codec.EncodeValue(w, boolToU32(waitEndOfMove))
	}, nil)
	return err
}

// ReadPiezoZ reads the current Z piezo position in metres (ZCtrl.ZPosGet).
func (c *Client) ReadPiezoZ(ctx context.Context) (float64, error) {
	v, err := c.call(ctx, "ZCtrl.ZPosGet", true, nil, func(r io.Reader) (wire.Value, error) {
		return codec.DecodeValue(r, wire.KindF64)
	})
	if err != nil {
		return 0, err
	}
	f, err := wire.AsF64(v)
	return f, err
}

// MotorDirection enumerates motor step directions.
type MotorDirection uint16

const (
	MotorX MotorDirection = iota
	MotorXNeg
	MotorY
	MotorYNeg
	MotorZ
	MotorZNeg
)

// MotorStartMove issues a coarse motor move (Motor.StartMove).
func (c *Client) MotorStartMove(ctx context.Context, dir MotorDirection, steps uint16, group uint16, wait bool) error {
	_, err := c.call(ctx, "Motor.StartMove", true, func(w io.Writer) error {
		if err := codec.EncodeValue(w, wire.U32(uint32(dir))); err != nil {
			return err
		}
		if err := codec.EncodeValue(w, wire.U16(steps)); err != nil {
			return err
		}
		if err := codec.EncodeValue(w, wire.U16(group)); err != nil {
			return err
		}
		return codec.EncodeValue(w, boolToU32(wait))
	}, nil)
	return err
}

// MotorStopMove halts any in-progress coarse motor move (Motor.StopMove).
func (c *Client) MotorStopMove(ctx context.Context) error {
	_, err := c.call(ctx, "Motor.StopMove", true, nil, nil)
	return err
}

// AutoApproachOnOff starts or stops the auto-approach routine (AutoApproach.OnOffSet).
func (c *Client) AutoApproachOnOff(ctx context.Context, on bool) error {
	_, err := c.call(ctx, "AutoApproach.OnOffSet", true, func(w io.Writer) error {
		return codec.EncodeValue(w, boolToU32(on))
	}, nil)
	return err
}

// AutoApproachStatus polls whether the auto-approach routine is running (AutoApproach.OnOffGet).
// The core polls status rather than assuming an asynchronous completion event (spec §9, open question ii).
func (c *Client) AutoApproachStatus(ctx context.Context) (running bool, err error) {
	v, err := c.call(ctx, "AutoApproach.OnOffGet", true, nil, func(r io.Reader) (wire.Value, error) {
		return codec.DecodeValue(r, wire.KindU32)
	})
	if err != nil {
		return false, err
	}
	u, err := wire.AsU32(v)
	return u != 0, err
}

// Withdraw turns the Z-controller off and lifts the tip (ZCtrl.Withdraw).
func (c *Client) Withdraw(ctx context.Context, wait bool, timeoutMs uint32) error {
	_, err := c.call(ctx, "ZCtrl.Withdraw", true, func(w io.Writer) error {
		if err := codec.EncodeValue(w, boolToU32(wait)); err != nil {
			return err
		}
		return codec.EncodeValue(w, wire.U32(timeoutMs))
	}, nil)
	return err
}

// ZControllerOnOff enables/disables Z-controller feedback (ZCtrl.OnOffSet).
func (c *Client) ZControllerOnOff(ctx context.Context, on bool) error {
	_, err := c.call(ctx, "ZCtrl.OnOffSet", true, func(w io.Writer) error {
		return codec.EncodeValue(w, boolToU32(on))
	}, nil)
	return err
}

// ZControllerStatus reports whether Z-controller feedback is currently on (ZCtrl.OnOffGet).
func (c *Client) ZControllerStatus(ctx context.Context) (bool, error) {
	v, err := c.call(ctx, "ZCtrl.OnOffGet", true, nil, func(r io.Reader) (wire.Value, error) {
		return codec.DecodeValue(r, wire.KindU32)
	})
	if err != nil {
		return false, err
	}
	u, err := wire.AsU32(v)
	return u != 0, err
}

// BiasPulse applies a brief high-voltage pulse (Bias.Pulse), validated against configured bounds.
func (c *Client) BiasPulse(ctx context.Context, volts float64, widthSeconds float64, zControllerHold bool) error {
	if err := c.validateBias(volts); err != nil {
		return err
	}
	_, err := c.call(ctx, "Bias.Pulse", true, func(w io.Writer) error {
		if err := codec.EncodeValue(w, boolToU32(true)); err != nil { // pulse enabled
			return err
		}
		if err := codec.EncodeValue(w, wire.F32(widthSeconds)); err != nil {
			return err
		}
		if err := codec.EncodeValue(w, wire.F32(volts)); err != nil {
			return err
		}
		if err := codec.EncodeValue(w, wire.U16(0)); err != nil { // Z-ctrl hold: absolute value
			return err
		}
		return codec.EncodeValue(w, boolToU32(zControllerHold))
	}, nil)
	return err
}

// TipShaper runs the controller's tip-shaping indentation routine (TipShaper.Start).
func (c *Client) TipShaper(ctx context.Context, wait bool) error {
	_, err := c.call(ctx, "TipShaper.Start", true, func(w io.Writer) error {
		return codec.EncodeValue(w, boolToU32(wait))
	}, nil)
	return err
}

// SignalsNamesGet returns every signal name the controller currently exposes (Signals.NamesGet).
func (c *Client) SignalsNamesGet(ctx context.Context) ([]string, error) {
	v, err := c.call(ctx, "Signals.NamesGet", true, nil, func(r io.Reader) (wire.Value, error) {
		return codec.DecodeValue(r, wire.KindArrayString)
	})
	if err != nil {
		return nil, err
	}
	names, err := asArrayString(v)
	return names, err
}

func asArrayString(v wire.Value) ([]string, error) {
	a, ok := v.(wire.ArrayString)
	if !ok {
		return nil, &wire.TagError{Want: wire.KindArrayString, Got: v.Kind()}
	}
	return []string(a), nil
}

// SignalsValGet reads the current value of the signal at idx (Signals.ValGet), 0-127.
func (c *Client) SignalsValGet(ctx context.Context, idx int, wait bool) (float64, error) {
	if err := c.validateSignalIndex(idx); err != nil {
		return 0, err
	}
	v, err := c.call(ctx, "Signals.ValGet", true, func(w io.Writer) error {
		if err := codec.EncodeValue(w, wire.I32(int32(idx))); err != nil {
			return err
		}
		return codec.EncodeValue(w, boolToU32(wait))
	}, func(r io.Reader) (wire.Value, error) {
		return codec.DecodeValue(r, wire.KindF32)
	})
	if err != nil {
		return 0, err
	}
	f, err := wire.AsF32(v)
	return float64(f), err
}

// SignalsCalibrGet reads the calibration slope and offset for idx (Signals.CalibrGet).
func (c *Client) SignalsCalibrGet(ctx context.Context, idx int) (calibration, offset float64, err error) {
	if err := c.validateSignalIndex(idx); err != nil {
		return 0, 0, err
	}
	v, err := c.call(ctx, "Signals.CalibrGet", true, func(w io.Writer) error {
		return codec.EncodeValue(w, wire.I32(int32(idx)))
	}, func(r io.Reader) (wire.Value, error) {
		cal, err := codec.DecodeValue(r, wire.KindF32)
		if err != nil {
			return nil, err
		}
		off, err := codec.DecodeValue(r, wire.KindF32)
		if err != nil {
			return nil, err
		}
		return wire.ArrayF32{float32(cal.(wire.F32)), float32(off.(wire.F32))}, nil
	})
	if err != nil {
		return 0, 0, err
	}
	pair := v.(wire.ArrayF32)
	return float64(pair[0]), float64(pair[1]), nil
}

// SignalsRangeGet reads the configured full-scale range for idx (Signals.RangeGet).
func (c *Client) SignalsRangeGet(ctx context.Context, idx int) (maxVal, minVal float64, err error) {
	if err := c.validateSignalIndex(idx); err != nil {
		return 0, 0, err
	}
	v, err := c.call(ctx, "Signals.RangeGet", true, func(w io.Writer) error {
		return codec.EncodeValue(w, wire.I32(int32(idx)))
	}, func(r io.Reader) (wire.Value, error) {
		mx, err := codec.DecodeValue(r, wire.KindF32)
		if err != nil {
			return nil, err
		}
		mn, err := codec.DecodeValue(r, wire.KindF32)
		if err != nil {
			return nil, err
		}
		return wire.ArrayF32{float32(mx.(wire.F32)), float32(mn.(wire.F32))}, nil
	})
	if err != nil {
		return 0, 0, err
	}
	pair := v.(wire.ArrayF32)
	return float64(pair[0]), float64(pair[1]), nil
}

// osciData bundles an oscilloscope channel's sample interval and waveform.
type osciData struct {
	dt   float64
	data []float32
}

// OsciDataGet fetches one oscilloscope channel's captured waveform (Osci1T.DataGet).
func (c *Client) OsciDataGet(ctx context.Context, channelIndex int) (samples []float32, dt float64, err error) {
	v, err := c.call(ctx, "Osci1T.DataGet", true, func(w io.Writer) error {
		return codec.EncodeValue(w, wire.I32(int32(channelIndex)))
	}, func(r io.Reader) (wire.Value, error) {
		dtv, err := codec.DecodeValue(r, wire.KindF64)
		if err != nil {
			return nil, err
		}
		datav, err := codec.DecodeValue(r, wire.KindArrayF32)
		if err != nil {
			return nil, err
		}
		data, err := wire.AsArrayF32(datav)
		if err != nil {
			return nil, err
		}
		dtf, err := wire.AsF64(dtv)
		if err != nil {
			return nil, err
		}
		return osciValue{osciData{dt: dtf, data: data}}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	od := v.(osciValue).osciData
	return od.data, od.dt, nil
}

// osciValue wraps osciData so it satisfies wire.Value without widening the
// protocol's own tagged-value union.
type osciValue struct{ osciData }

func (osciValue) Kind() wire.Kind { return wire.KindArrayF32 }

// TCPLogChannelsSet selects the signals streamed on the data-logger port (TCPLog.ChannelsSet).
func (c *Client) TCPLogChannelsSet(ctx context.Context, indices []int) error {
	arr := make(wire.ArrayI32, len(indices))
	for i, idx := range indices {
		if err := c.validateSignalIndex(idx); err != nil {
			return err
		}
		arr[i] = int32(idx)
	}
	_, err := c.call(ctx, "TCPLog.ChannelsSet", true, func(w io.Writer) error {
		return codec.EncodeValue(w, arr)
	}, nil)
	return err
}

// TCPLogOversamplSet sets the data-logger oversampling factor (TCPLog.OversamplSet).
func (c *Client) TCPLogOversamplSet(ctx context.Context, n int) error {
	_, err := c.call(ctx, "TCPLog.OversamplSet", true, func(w io.Writer) error {
		return codec.EncodeValue(w, wire.I32(int32(n)))
	}, nil)
	return err
}

// TCPLogStart begins streaming on the data-logger port (TCPLog.Start).
func (c *Client) TCPLogStart(ctx context.Context) error {
	_, err := c.call(ctx, "TCPLog.Start", true, nil, nil)
	return err
}

// TCPLogStop stops streaming on the data-logger port (TCPLog.Stop).
func (c *Client) TCPLogStop(ctx context.Context) error {
	_, err := c.call(ctx, "TCPLog.Stop", true, nil, nil)
	return err
}

// ScanAction starts, stops, or pauses a scan (Scan.Action).
func (c *Client) ScanAction(ctx context.Context, action uint16, direction uint16) error {
	_, err := c.call(ctx, "Scan.Action", true, func(w io.Writer) error {
		if err := codec.EncodeValue(w, wire.U16(action)); err != nil {
			return err
		}
		return codec.EncodeValue(w, wire.U16(direction))
	}, nil)
	return err
}

// ScanStatusGet reports whether a scan is currently running (Scan.StatusGet).
func (c *Client) ScanStatusGet(ctx context.Context) (bool, error) {
	v, err := c.call(ctx, "Scan.StatusGet", true, nil, func(r io.Reader) (wire.Value, error) {
		return codec.DecodeValue(r, wire.KindU32)
	})
	if err != nil {
		return false, err
	}
	u, err := wire.AsU32(v)
	return u != 0, err
}
