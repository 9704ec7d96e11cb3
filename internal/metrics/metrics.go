// Package metrics extracts structured training results from whatever a
// training subprocess left behind: a metrics.json in one of several
// shapes, or free-text log output as a last resort.
package metrics

import (
	"encoding/json"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Well-known metric names always present in a Result's value map.
var coreMetrics = []string{"test_accuracy", "val_accuracy", "train_loss", "val_loss"}

// Runtime records wall-clock costs reported by the training run.
type Runtime struct {
	TrainSeconds float64 `json:"train_seconds"`
	EvalSeconds  float64 `json:"eval_seconds"`
}

// Result is the normalized outcome of one training phase. Values holds
// the four core metrics plus the target's own name; entries are nil
// when the run produced nothing recognizable. Additional fields beyond
// the core set ride along keyed by their literal name.
type Result struct {
	Cycle     int                 `json:"cycle"`
	Target    Target              `json:"target"`
	Values    map[string]*float64 `json:"result"`
	Runtime   Runtime             `json:"runtime"`
	Resources map[string]any      `json:"resources,omitempty"`
}

// NewResult returns a Result with every expected key present and nil.
func NewResult(cycle int, target Target) *Result {
	r := &Result{
		Cycle:  cycle,
		Target: target,
		Values: make(map[string]*float64, len(coreMetrics)+1),
	}
	for _, name := range coreMetrics {
		r.Values[name] = nil
	}
	if target.Name != "" {
		if _, ok := r.Values[target.Name]; !ok {
			r.Values[target.Name] = nil
		}
	}
	return r
}

// TargetValue returns the value recorded under the target's own name.
func (r *Result) TargetValue() *float64 {
	if r == nil {
		return nil
	}
	return r.Values[r.Target.Name]
}

// ParseFile loads a metrics JSON document and normalizes it into a
// Result. It tolerates several overlapping shapes: values may live in
// a nested "result" object or at the top level, under "best_" aliases,
// inside a "final_epoch" object, or in the last entry of a "history"
// array. Returns nil when the file is missing or not a JSON object;
// the caller then falls back to ParseOutput.
func ParseFile(path string, cycle int, target Target) *Result {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}

	resultObj := doc
	if nested, ok := doc["result"].(map[string]any); ok {
		resultObj = nested
	}
	finalEpoch := objectAt(resultObj, "final_epoch")
	if finalEpoch == nil {
		finalEpoch = objectAt(doc, "final_epoch")
	}
	lastHistory := lastHistoryEntry(resultObj)
	if lastHistory == nil {
		lastHistory = lastHistoryEntry(doc)
	}

	lookup := func(name string, useBest bool) *float64 {
		if v := numberAt(resultObj, name); v != nil {
			return v
		}
		if useBest {
			if v := numberAt(resultObj, "best_"+name); v != nil {
				return v
			}
		}
		if v := numberAt(finalEpoch, name); v != nil {
			return v
		}
		return numberAt(lastHistory, name)
	}

	r := NewResult(cycle, target)
	r.Values["test_accuracy"] = lookup("test_accuracy", true)
	r.Values["val_accuracy"] = lookup("val_accuracy", true)
	r.Values["train_loss"] = lookup("train_loss", false)
	r.Values["val_loss"] = lookup("val_loss", false)
	if target.Name != "" {
		r.Values[target.Name] = lookup(target.Name, true)
	}

	if rt := objectAt(doc, "runtime"); rt != nil {
		if v := numberAt(rt, "train_seconds"); v != nil {
			r.Runtime.TrainSeconds = *v
		}
		if v := numberAt(rt, "eval_seconds"); v != nil {
			r.Runtime.EvalSeconds = *v
		}
	}
	if res := objectAt(doc, "resources"); res != nil {
		r.Resources = res
	}
	return r
}

var numberToken = regexp.MustCompile(`[-+]?[0-9]*\.?[0-9]+(?:[eE][-+]?[0-9]+)?`)

// ParseOutput scans free-text training output line by line for metric
// mentions and takes the last numeric token on each matching line.
// Lossy by design; only used when no metrics file exists.
func ParseOutput(text string, cycle int, target Target) *Result {
	r := NewResult(cycle, target)
	targetName := strings.ToLower(strings.TrimSpace(target.Name))

	for _, line := range strings.Split(text, "\n") {
		lower := strings.ToLower(line)
		switch {
		case targetName != "" && strings.Contains(lower, targetName):
			if v := lastNumber(line); v != nil {
				r.Values[target.Name] = v
			}
		case strings.Contains(lower, "test_accuracy") || strings.Contains(lower, "test accuracy"):
			if v := lastNumber(line); v != nil {
				r.Values["test_accuracy"] = v
			}
		case strings.Contains(lower, "val_accuracy") || strings.Contains(lower, "val accuracy"):
			if v := lastNumber(line); v != nil {
				r.Values["val_accuracy"] = v
			}
		}
	}
	return r
}

// lastNumber extracts the last numeric token on a line.
func lastNumber(line string) *float64 {
	matches := numberToken.FindAllString(line, -1)
	if len(matches) == 0 {
		return nil
	}
	v, err := strconv.ParseFloat(matches[len(matches)-1], 64)
	if err != nil {
		return nil
	}
	return &v
}

// objectAt returns m[key] when it is a JSON object.
func objectAt(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	obj, _ := m[key].(map[string]any)
	return obj
}

// numberAt returns m[key] when it is a JSON number.
func numberAt(m map[string]any, key string) *float64 {
	if m == nil {
		return nil
	}
	if v, ok := m[key].(float64); ok {
		return &v
	}
	return nil
}

// lastHistoryEntry returns the final object of m["history"], if any.
func lastHistoryEntry(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	hist, ok := m["history"].([]any)
	if !ok || len(hist) == 0 {
		return nil
	}
	entry, _ := hist[len(hist)-1].(map[string]any)
	return entry
}
