package tipprep

// Polarity is the sign of an applied pulse.
type Polarity int

const (
	PolarityPositive Polarity = iota
	PolarityNegative
	PolarityBoth
)

// PulseStrategy is the interface a cycle's BiasPulse action draws its voltage
// from. This package implements it with FixedStrategy, SteppingStrategy and
// LinearStrategy; the engine calls NextPulse through the interface.
type PulseStrategy interface {
	// NextPulse returns the voltage and polarity for the next pulse given
	// the outcome of the cycle that triggered it.
	NextPulse(outcome CycleOutcome) (voltage float64, polarity Polarity)
}

// CycleOutcome carries what the engine observed this cycle, enough for a
// strategy to decide its next pulse without reaching back into engine state.
type CycleOutcome struct {
	Classification      Classification
	PrimarySignal       float64
	PriorPrimarySignal  float64
	ConsecutiveBadCount int
}

func (c CycleOutcome) delta() float64 {
	d := c.PrimarySignal - c.PriorPrimarySignal
	if d < 0 {
		return -d
	}
	return d
}

func nextPolarity(p Polarity, toggle bool) Polarity {
	if p != PolarityBoth {
		return p
	}
	if toggle {
		return PolarityNegative
	}
	return PolarityPositive
}

// FixedStrategy applies a constant voltage with a fixed (or alternating,
// under PolarityBoth) polarity.
type FixedStrategy struct {
	Voltage  float64
	Polarity Polarity

	toggled bool
}

func (f *FixedStrategy) NextPulse(outcome CycleOutcome) (float64, Polarity) {
	p := nextPolarity(f.Polarity, f.toggled)
	f.toggled = !f.toggled
	sign := 1.0
	if p == PolarityNegative {
		sign = -1.0
	}
	return sign * f.Voltage, p
}

// SteppingStrategy starts at Lo and advances one step toward Hi across
// Steps levels whenever CyclesBeforeStep consecutive Bad cycles show a
// post-pulse change below Threshold; any Good cycle resets to Lo.
type SteppingStrategy struct {
	Lo, Hi           float64
	Steps            int
	CyclesBeforeStep int
	Threshold        float64
	Polarity         Polarity

	level       int
	belowStreak int
	toggled     bool
}

func (s *SteppingStrategy) NextPulse(outcome CycleOutcome) (float64, Polarity) {
	// Voltage for this pulse is fixed at the level reached by the end of the
	// previous call; the streak/level bookkeeping below only affects pulses
	// emitted after this one.
	step := (s.Hi - s.Lo) / float64(s.Steps-1)
	voltage := s.Lo + step*float64(s.level)
	if voltage > s.Hi {
		voltage = s.Hi
	}

	if outcome.Classification == Good {
		s.level = 0
		s.belowStreak = 0
	} else if outcome.delta() < s.Threshold {
		s.belowStreak++
		if s.belowStreak >= s.CyclesBeforeStep && s.level < s.Steps-1 {
			s.level++
			s.belowStreak = 0
		}
	} else {
		s.belowStreak = 0
	}

	p := nextPolarity(s.Polarity, s.toggled)
	s.toggled = !s.toggled
	sign := 1.0
	if p == PolarityNegative {
		sign = -1.0
	}
	return sign * voltage, p
}

// LinearStrategy maps the current primary signal, clamped to Clamp, onto
// VoltageBounds.
type LinearStrategy struct {
	Clamp         Bounds
	VoltageBounds Bounds
	Polarity      Polarity

	toggled bool
}

func (l *LinearStrategy) NextPulse(outcome CycleOutcome) (float64, Polarity) {
	v := outcome.PrimarySignal
	if v < l.Clamp.Min {
		v = l.Clamp.Min
	}
	if v > l.Clamp.Max {
		v = l.Clamp.Max
	}
	span := l.Clamp.Max - l.Clamp.Min
	frac := 0.5
	if span != 0 {
		frac = (v - l.Clamp.Min) / span
	}
	voltage := l.VoltageBounds.Min + frac*(l.VoltageBounds.Max-l.VoltageBounds.Min)

	p := nextPolarity(l.Polarity, l.toggled)
	l.toggled = !l.toggled
	sign := 1.0
	if p == PolarityNegative {
		sign = -1.0
	}
	return sign * voltage, p
}
