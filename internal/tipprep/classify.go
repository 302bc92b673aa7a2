package tipprep

import "github.com/kronberger-droid/nanonis-tipctl/internal/metrics"

var classificationLabels = []string{Bad.String(), Good.String()}

// classify applies the boundary rule: a reading inside SharpBounds is Good,
// otherwise Bad. The engine maintains the drop-front history buffer and
// consecutive-good counter around this pure function.
func (e *Engine) classify(v float64) Classification {
	if e.cfg.SharpBounds.contains(v) {
		return Good
	}
	return Bad
}

// observe records v into the bounded history (drop-front once full) and
// updates the engine's classification and consecutive-good streak.
func (e *Engine) observe(v float64) Classification {
	e.machine.PrimarySignal = v
	e.machine.pushHistory(v)
	c := e.classify(v)
	e.machine.Classification = c
	if c == Good {
		e.goodStreak++
	} else {
		e.goodStreak = 0
	}
	metrics.SetEngineClassification(c.String(), classificationLabels)
	return c
}
