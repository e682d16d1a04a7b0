package credits

import "github.com/shopspring/decimal"

// Delta is the billable usage derived from one measurement.
type Delta struct {
	Value decimal.Decimal
	Reset bool // counter went backwards, the raw value was billed
	Gap   bool // no reading covered the time before this window
}

// ComputeDelta derives the billable usage of m given the previous reading of
// the same resource (nil when none exists; the counter then starts at zero).
//
// For counters a reading below the baseline is a reset and the new raw
// value is billed. After a gap the counter either re-baselines, billing
// nothing for the unmeasured span (rebaseline), or bills the full
// difference (carry).
func ComputeDelta(prev *Baseline, m *UsageMeasurement, rebaselineOnGap bool) Delta {
	gap := prev != nil && m.Window.Start.After(prev.End)

	if m.Kind == KindDelta {
		return Delta{Value: m.Value, Gap: gap}
	}
	if prev == nil {
		return Delta{Value: m.Value}
	}
	if gap && rebaselineOnGap {
		return Delta{Value: decimal.Zero, Gap: true}
	}
	if m.Value.LessThan(prev.Raw) {
		return Delta{Value: m.Value, Reset: true, Gap: gap}
	}
	return Delta{Value: m.Value.Sub(prev.Raw), Gap: gap}
}
