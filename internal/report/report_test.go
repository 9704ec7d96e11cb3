package report

import (
	"strings"
	"testing"

	"ralphml/internal/analysis"
	"ralphml/internal/history"
	"ralphml/internal/metrics"
	"ralphml/internal/state"
)

func f(v float64) *float64 { return &v }

func sampleState() *state.State {
	target := metrics.Target{Name: "test_accuracy", Value: 0.9, Direction: metrics.Maximize}
	s := state.New("run-report", target, nil)
	s.Status = state.StatusCompleted
	s.StartTime = "2026-08-29T00:00:00Z"

	for i, v := range []float64{0.80, 0.88} {
		m := metrics.NewResult(i+1, target)
		m.Values[target.Name] = f(v)
		s.AddCycle(state.Snapshot{
			CycleNumber: i + 1,
			Metrics:     m,
			Timestamp:   state.NowTimestamp(),
			Analysis: &analysis.CycleAnalysis{
				Summary:         "steady improvement",
				Recommendations: []analysis.Recommendation{{Action: "Tune LR", Confidence: "medium", Rationale: "plateauing"}},
				Decision:        analysis.Decision{Action: analysis.ActionContinue, Rationale: "room left"},
			},
		})
	}
	return s
}

func TestGenerate(t *testing.T) {
	s := sampleState()
	cycles := []history.CycleRow{
		{RunID: s.RunID, Cycle: 1, MetricValue: f(0.80), DecisionAction: "continue"},
		{RunID: s.RunID, Cycle: 2, MetricValue: f(0.88), DecisionAction: "continue"},
	}

	md := Generate(s, cycles)

	for _, want := range []string{
		"# Run report: run-report",
		"Best test_accuracy: **0.8800** at cycle 2",
		"`test_accuracy >= 0.9000` (maximize)",
		"| 2 | 0.8800 | continue |",
		"steady improvement",
		"- **Tune LR** (medium): plateauing",
		"Decision: **continue**",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("report missing %q:\n%s", want, md)
		}
	}
}

func TestGenerateNoBest(t *testing.T) {
	target := metrics.Target{Name: "test_accuracy", Value: 0.9}
	s := state.New("run-empty", target, nil)

	md := Generate(s, nil)
	if !strings.Contains(md, "No cycle produced a numeric test_accuracy value.") {
		t.Errorf("report missing no-best line:\n%s", md)
	}
	if strings.Contains(md, "## Cycles") {
		t.Error("report should omit cycle table when there are no rows")
	}
}

func TestGenerateTimedOutCycle(t *testing.T) {
	s := sampleState()
	cycles := []history.CycleRow{
		{RunID: s.RunID, Cycle: 1, DecisionAction: "continue", TimedOut: true},
	}

	md := Generate(s, cycles)
	if !strings.Contains(md, "| 1 | - | continue | yes |") {
		t.Errorf("report missing timed-out row:\n%s", md)
	}
}
