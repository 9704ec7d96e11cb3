package metrics

import "strings"

// Directions for a target metric. The direction fixes both the
// comparator for "target met" and the sign convention for improvement.
const (
	Maximize = "maximize"
	Minimize = "minimize"
)

// Target is the named quantity the loop optimizes toward. Immutable
// once a run starts.
type Target struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Direction string  `json:"direction"`
}

// NormalizedDirection returns "minimize" when configured so, and
// "maximize" for anything else (including empty).
func (t Target) NormalizedDirection() string {
	if strings.ToLower(strings.TrimSpace(t.Direction)) == Minimize {
		return Minimize
	}
	return Maximize
}

// ComparatorSymbol returns the comparator used for target-met checks,
// for display purposes.
func (t Target) ComparatorSymbol() string {
	if t.NormalizedDirection() == Minimize {
		return "<="
	}
	return ">="
}

// IsMet reports whether v satisfies the target threshold: >= under
// maximize, <= under minimize.
func (t Target) IsMet(v float64) bool {
	if t.NormalizedDirection() == Minimize {
		return v <= t.Value
	}
	return v >= t.Value
}

// Improved reports whether next is at least as good as prev under the
// target's direction. Ties count as improved.
func (t Target) Improved(next, prev float64) bool {
	if t.NormalizedDirection() == Minimize {
		return next <= prev
	}
	return next >= prev
}

// Better reports whether next is strictly better than prev.
func (t Target) Better(next, prev float64) bool {
	if t.NormalizedDirection() == Minimize {
		return next < prev
	}
	return next > prev
}
