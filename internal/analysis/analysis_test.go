package analysis

import (
	"os"
	"path/filepath"
	"testing"

	"ralphml/internal/metrics"
)

func writeWorkspaceFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile %s: %v", name, err)
	}
}

func metricsWith(value *float64, target metrics.Target) *metrics.Result {
	r := metrics.NewResult(1, target)
	r.Values[target.Name] = value
	return r
}

func f(v float64) *float64 { return &v }

func TestLoadFromWorkspaceAllPresent(t *testing.T) {
	dir := t.TempDir()
	writeWorkspaceFile(t, dir, SummaryFile, "The model underfits.\n")
	writeWorkspaceFile(t, dir, RecommendationsFile, `[{"action": "Add layers", "confidence": "high", "rationale": "capacity"}]`)
	writeWorkspaceFile(t, dir, DecisionFile, `{"action": "continue", "rationale": "room to improve"}`)

	loaded := LoadFromWorkspace(dir)
	if !loaded.HasSummary || loaded.Summary != "The model underfits." {
		t.Errorf("Summary = %q (has=%v), want trimmed file content", loaded.Summary, loaded.HasSummary)
	}
	if len(loaded.Recommendations) != 1 {
		t.Fatalf("len(Recommendations) = %d, want 1", len(loaded.Recommendations))
	}
	if loaded.Recommendations[0].Action != "Add layers" {
		t.Errorf("Recommendations[0].Action = %q, want %q", loaded.Recommendations[0].Action, "Add layers")
	}
	if loaded.Decision == nil || loaded.Decision.Action != "continue" {
		t.Errorf("Decision = %+v, want action continue", loaded.Decision)
	}
}

func TestLoadFromWorkspaceEmpty(t *testing.T) {
	loaded := LoadFromWorkspace(t.TempDir())
	if loaded.HasSummary {
		t.Error("HasSummary = true for empty workspace")
	}
	if loaded.Recommendations != nil {
		t.Errorf("Recommendations = %v, want nil", loaded.Recommendations)
	}
	if loaded.Decision != nil {
		t.Errorf("Decision = %+v, want nil", loaded.Decision)
	}
}

func TestLoadRecommendationsShapes(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"bare list", `[{"action": "a"}, {"action": "b"}]`, 2},
		{"wrapped", `{"recommendations": [{"action": "a"}]}`, 1},
		{"malformed", `{nope`, 0},
		{"wrong type", `"just a string"`, 0},
		{"non-object items skipped", `[{"action": "a"}, 42, "x"]`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeWorkspaceFile(t, dir, RecommendationsFile, tt.content)
			loaded := LoadFromWorkspace(dir)
			if len(loaded.Recommendations) != tt.want {
				t.Errorf("len(Recommendations) = %d, want %d", len(loaded.Recommendations), tt.want)
			}
		})
	}
}

func TestLoadRecommendationsDefaults(t *testing.T) {
	dir := t.TempDir()
	writeWorkspaceFile(t, dir, RecommendationsFile, `[{}]`)

	loaded := LoadFromWorkspace(dir)
	if len(loaded.Recommendations) != 1 {
		t.Fatalf("len(Recommendations) = %d, want 1", len(loaded.Recommendations))
	}
	rec := loaded.Recommendations[0]
	if rec.Action != DefaultAction {
		t.Errorf("Action = %q, want %q", rec.Action, DefaultAction)
	}
	if rec.Confidence != DefaultConfidence {
		t.Errorf("Confidence = %q, want %q", rec.Confidence, DefaultConfidence)
	}
	if rec.Rationale != DefaultRationale {
		t.Errorf("Rationale = %q, want %q", rec.Rationale, DefaultRationale)
	}
}

func TestLoadDecisionNested(t *testing.T) {
	dir := t.TempDir()
	writeWorkspaceFile(t, dir, DecisionFile, `{"decision": {"action": "stop", "rationale": "done"}}`)

	loaded := LoadFromWorkspace(dir)
	if loaded.Decision == nil {
		t.Fatal("Decision = nil, want nested decision parsed")
	}
	if loaded.Decision.Action != "stop" || loaded.Decision.Rationale != "done" {
		t.Errorf("Decision = %+v, want {stop done}", loaded.Decision)
	}
}

func TestBuildFallback(t *testing.T) {
	target := metrics.Target{Name: "test_accuracy", Value: 0.9, Direction: metrics.Maximize}

	unmet := BuildFallback(metricsWith(f(0.8), target), target)
	if unmet.Decision.Action != ActionContinue {
		t.Errorf("unmet Decision.Action = %q, want %q", unmet.Decision.Action, ActionContinue)
	}
	if unmet.Recommendations[0].Action != DefaultAction {
		t.Errorf("unmet Recommendation.Action = %q, want %q", unmet.Recommendations[0].Action, DefaultAction)
	}
	if unmet.Recommendations[0].Confidence != "high" {
		t.Errorf("Confidence = %q, want high", unmet.Recommendations[0].Confidence)
	}

	met := BuildFallback(metricsWith(f(0.95), target), target)
	if met.Decision.Action != ActionStop {
		t.Errorf("met Decision.Action = %q, want %q", met.Decision.Action, ActionStop)
	}
	if met.Recommendations[0].Action != "Finalize model" {
		t.Errorf("met Recommendation.Action = %q, want %q", met.Recommendations[0].Action, "Finalize model")
	}

	missing := BuildFallback(metricsWith(nil, target), target)
	if missing.Decision.Action != ActionContinue {
		t.Errorf("missing-value Decision.Action = %q, want %q", missing.Decision.Action, ActionContinue)
	}
}

func TestBuildFallbackMinimize(t *testing.T) {
	target := metrics.Target{Name: "val_loss", Value: 0.1, Direction: metrics.Minimize}

	met := BuildFallback(metricsWith(f(0.05), target), target)
	if met.Decision.Action != ActionStop {
		t.Errorf("Decision.Action = %q, want %q (loss below threshold)", met.Decision.Action, ActionStop)
	}
}

func TestMergeWithFallback(t *testing.T) {
	target := metrics.Target{Name: "test_accuracy", Value: 0.9}
	fallback := BuildFallback(metricsWith(f(0.8), target), target)

	loaded := Loaded{
		Summary:         "agent summary",
		HasSummary:      true,
		Recommendations: []Recommendation{{Action: "Tune LR", Confidence: "low", Rationale: "noisy"}},
		Decision:        &Decision{Action: "stop", Rationale: "agent says so"},
	}
	merged := MergeWithFallback(fallback, loaded)
	if merged.Summary != "agent summary" {
		t.Errorf("Summary = %q, want agent summary", merged.Summary)
	}
	if merged.Recommendations[0].Action != "Tune LR" {
		t.Errorf("Recommendations[0].Action = %q, want Tune LR", merged.Recommendations[0].Action)
	}
	if merged.Decision.Action != ActionStop {
		t.Errorf("Decision.Action = %q, want stop", merged.Decision.Action)
	}
	if merged.Decision.Rationale != "agent says so" {
		t.Errorf("Decision.Rationale = %q, want agent rationale", merged.Decision.Rationale)
	}
}

func TestMergeRejectsUnknownAction(t *testing.T) {
	target := metrics.Target{Name: "test_accuracy", Value: 0.9}
	fallback := BuildFallback(metricsWith(f(0.8), target), target)

	merged := MergeWithFallback(fallback, Loaded{
		Decision: &Decision{Action: "invalid_action", Rationale: "steering attempt"},
	})
	if merged.Decision.Action != fallback.Decision.Action {
		t.Errorf("Decision.Action = %q, want fallback %q preserved", merged.Decision.Action, fallback.Decision.Action)
	}
	if merged.Decision.Action != ActionContinue && merged.Decision.Action != ActionStop {
		t.Errorf("Decision.Action = %q, must stay within the recognized set", merged.Decision.Action)
	}
	// Rationale still flows through even when the action is rejected.
	if merged.Decision.Rationale != "steering attempt" {
		t.Errorf("Decision.Rationale = %q, want loaded rationale", merged.Decision.Rationale)
	}
}

func TestMergeEmptyLoadedKeepsFallback(t *testing.T) {
	target := metrics.Target{Name: "test_accuracy", Value: 0.9}
	fallback := BuildFallback(metricsWith(f(0.8), target), target)

	merged := MergeWithFallback(fallback, Loaded{})
	if merged.Summary != fallback.Summary {
		t.Errorf("Summary = %q, want fallback preserved", merged.Summary)
	}
	if len(merged.Recommendations) != len(fallback.Recommendations) {
		t.Errorf("len(Recommendations) = %d, want %d", len(merged.Recommendations), len(fallback.Recommendations))
	}
	if merged.Decision != fallback.Decision {
		t.Errorf("Decision = %+v, want %+v", merged.Decision, fallback.Decision)
	}
}
