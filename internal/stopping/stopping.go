// Package stopping decides when the improvement loop should halt.
package stopping

import (
	"fmt"

	"ralphml/internal/metrics"
)

// Policy holds the no-improvement safeguard configuration.
type Policy struct {
	// Window is how many trailing cycles must show no improvement
	// before the loop stops. Zero or negative disables the safeguard.
	Window int

	// MinDelta is the smallest per-cycle improvement that counts as
	// progress.
	MinDelta float64
}

// ShouldStop examines the trailing Window entries of history and
// reports whether the loop should halt, with a human-readable reason.
//
// With a full numeric window it computes consecutive deltas, signed so
// that improvement is positive under either direction, and stops only
// when every delta falls below MinDelta. One strong cycle anywhere in
// the window resets patience.
//
// When any window value is missing or non-numeric, it falls back to an
// equality check over the numeric values that are present: if they are
// all identical the run is flat and stops. A window that is mixed and
// not flat keeps running; missing metrics alone are not treated as
// stagnation.
func ShouldStop(history []*metrics.Result, target metrics.Target, policy Policy) (bool, string) {
	if policy.Window <= 0 || len(history) < policy.Window {
		return false, ""
	}

	window := history[len(history)-policy.Window:]
	values := make([]float64, 0, len(window))
	allNumeric := true
	for _, r := range window {
		v := targetValue(r)
		if v == nil {
			allNumeric = false
			continue
		}
		values = append(values, *v)
	}

	if !allNumeric {
		if len(values) > 0 && allEqual(values) {
			return true, fmt.Sprintf("no change in %s over last %d cycles", target.Name, policy.Window)
		}
		return false, ""
	}

	minimize := target.NormalizedDirection() == metrics.Minimize
	for i := 1; i < len(values); i++ {
		delta := values[i] - values[i-1]
		if minimize {
			delta = values[i-1] - values[i]
		}
		if delta >= policy.MinDelta {
			return false, ""
		}
	}
	return true, fmt.Sprintf("improvement below %g for %d consecutive cycles", policy.MinDelta, policy.Window)
}

func targetValue(r *metrics.Result) *float64 {
	if r == nil {
		return nil
	}
	return r.TargetValue()
}

func allEqual(values []float64) bool {
	for _, v := range values[1:] {
		if v != values[0] {
			return false
		}
	}
	return true
}
