package control

import "fmt"

// Rect is an axis-aligned bounding box in piezo XY position units (metres).
type Rect struct {
	XMin, XMax, YMin, YMax float64
}

// Contains reports whether (x, y) lies within the rectangle, inclusive.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.XMin && x <= r.XMax && y >= r.YMin && y <= r.YMax
}

// Constraints bounds parameters validated by the Control Client before dispatch.
type Constraints struct {
	MaxBiasVolts float64
	Positions    Rect
}

// DefaultConstraints returns permissive defaults; callers should override
// MaxBiasVolts and Positions from their configuration before dialing.
func DefaultConstraints() Constraints {
	return Constraints{
		MaxBiasVolts: 10,
		Positions:    Rect{XMin: -1e-3, XMax: 1e-3, YMin: -1e-3, YMax: 1e-3},
	}
}

func (c *Client) validateBias(volts float64) error {
	if volts > c.constraints.MaxBiasVolts || volts < -c.constraints.MaxBiasVolts {
		return validationErr("bias", fmt.Sprintf("%.6g V exceeds configured bound of %.6g V", volts, c.constraints.MaxBiasVolts))
	}
	return nil
}

func (c *Client) validateSignalIndex(idx int) error {
	if idx < 0 || idx > 127 {
		return validationErr("signal_index", fmt.Sprintf("%d out of range [0,127]", idx))
	}
	return nil
}

func (c *Client) validatePosition(x, y float64) error {
	if !c.constraints.Positions.Contains(x, y) {
		return validationErr("position", fmt.Sprintf("(%.6g, %.6g) outside configured rectangle", x, y))
	}
	return nil
}
