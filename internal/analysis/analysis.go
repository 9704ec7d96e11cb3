// Package analysis resolves the per-cycle analysis artifacts an
// external agent may or may not have written, falling back to a
// locally computed default when they are absent or malformed.
package analysis

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ralphml/internal/metrics"
)

// Artifact filenames read from the workspace after the analysis phase.
const (
	SummaryFile         = "analysis.md"
	RecommendationsFile = "recommendations.json"
	DecisionFile        = "decision.json"
)

// Defaults filled in for recommendation fields the agent omitted.
const (
	DefaultAction     = "Analyze and iterate"
	DefaultConfidence = "medium"
	DefaultRationale  = "No rationale provided"
)

// Decision actions the loop recognizes. Anything else from an external
// agent is ignored so it cannot steer the loop into an unknown state.
const (
	ActionContinue = "continue"
	ActionStop     = "stop"
)

// Recommendation is one suggested next step from the analysis phase.
type Recommendation struct {
	Action     string `json:"action"`
	Confidence string `json:"confidence"`
	Rationale  string `json:"rationale"`
}

// Decision is the continue/stop verdict for the loop.
type Decision struct {
	Action    string `json:"action"`
	Rationale string `json:"rationale"`
}

// CycleAnalysis is the resolved analysis for one cycle.
type CycleAnalysis struct {
	Summary         string           `json:"summary"`
	Recommendations []Recommendation `json:"recommendations"`
	Decision        Decision         `json:"decision"`
}

// Loaded holds whatever artifacts were actually present and parseable.
// Absent fields stay at their zero values with the flags false/nil.
type Loaded struct {
	Summary         string
	HasSummary      bool
	Recommendations []Recommendation
	Decision        *Decision
}

// LoadFromWorkspace reads the three optional analysis artifacts from
// dir. Malformed JSON and wrong top-level types are treated as absent,
// never as errors.
func LoadFromWorkspace(dir string) Loaded {
	var loaded Loaded

	if raw, err := os.ReadFile(filepath.Join(dir, SummaryFile)); err == nil {
		text := strings.TrimSpace(string(raw))
		if text != "" {
			loaded.Summary = text
			loaded.HasSummary = true
		}
	}

	loaded.Recommendations = loadRecommendations(filepath.Join(dir, RecommendationsFile))
	loaded.Decision = loadDecision(filepath.Join(dir, DecisionFile))
	return loaded
}

// loadRecommendations accepts either a bare JSON array of objects or
// an object wrapping that array under "recommendations".
func loadRecommendations(path string) []Recommendation {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}

	items, ok := doc.([]any)
	if !ok {
		obj, isObj := doc.(map[string]any)
		if !isObj {
			return nil
		}
		items, ok = obj["recommendations"].([]any)
		if !ok {
			return nil
		}
	}

	recs := make([]Recommendation, 0, len(items))
	for _, item := range items {
		entry, isObj := item.(map[string]any)
		if !isObj {
			continue
		}
		recs = append(recs, Recommendation{
			Action:     stringOr(entry, "action", DefaultAction),
			Confidence: stringOr(entry, "confidence", DefaultConfidence),
			Rationale:  stringOr(entry, "rationale", DefaultRationale),
		})
	}
	return recs
}

// loadDecision accepts either {action, rationale} directly or the same
// object nested under "decision".
func loadDecision(path string) *Decision {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	if nested, ok := doc["decision"].(map[string]any); ok {
		doc = nested
	}

	action, ok := doc["action"].(string)
	if !ok {
		return nil
	}
	return &Decision{
		Action:    action,
		Rationale: stringOr(doc, "rationale", ""),
	}
}

// BuildFallback computes a deterministic analysis from the cycle's
// metrics alone, used whenever the agent's artifacts are missing.
func BuildFallback(m *metrics.Result, target metrics.Target) CycleAnalysis {
	achieved := m.TargetValue()
	met := achieved != nil && target.IsMet(*achieved)

	achievedText := "no value"
	if achieved != nil {
		achievedText = fmt.Sprintf("%.4f", *achieved)
	}
	summary := fmt.Sprintf("Cycle %d achieved %s=%s (target %s %.4f).",
		m.Cycle, target.Name, achievedText, target.ComparatorSymbol(), target.Value)

	rec := Recommendation{
		Action:     DefaultAction,
		Confidence: "high",
		Rationale:  fmt.Sprintf("Target not yet met; continue improving %s.", target.Name),
	}
	dec := Decision{
		Action:    ActionContinue,
		Rationale: "Target not met.",
	}
	if met {
		rec.Action = "Finalize model"
		rec.Rationale = "Target metric reached."
		dec.Action = ActionStop
		dec.Rationale = "Target metric reached."
	}

	return CycleAnalysis{
		Summary:         summary,
		Recommendations: []Recommendation{rec},
		Decision:        dec,
	}
}

// MergeWithFallback overlays loaded artifacts onto the fallback. Each
// field is taken from the loaded data when present; the decision
// action is only honored when it is literally "continue" or "stop".
func MergeWithFallback(fallback CycleAnalysis, loaded Loaded) CycleAnalysis {
	merged := fallback
	if loaded.HasSummary {
		merged.Summary = loaded.Summary
	}
	if loaded.Recommendations != nil {
		merged.Recommendations = loaded.Recommendations
	}
	if loaded.Decision != nil {
		action := strings.ToLower(strings.TrimSpace(loaded.Decision.Action))
		if action == ActionContinue || action == ActionStop {
			merged.Decision.Action = action
		}
		if loaded.Decision.Rationale != "" {
			merged.Decision.Rationale = loaded.Decision.Rationale
		}
	}
	return merged
}

func stringOr(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}
