// Package report renders a run's outcome as markdown for the report
// command.
package report

import (
	"fmt"
	"strings"

	"ralphml/internal/analysis"
	"ralphml/internal/history"
	"ralphml/internal/state"
)

// Generate renders the report for one run. cycles comes from the
// history store and may be empty; the state file alone still produces
// a useful document.
func Generate(s *state.State, cycles []history.CycleRow) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Run report: %s\n\n", s.RunID)
	fmt.Fprintf(&b, "- Status: %s\n", s.Status)
	if s.StartTime != "" {
		fmt.Fprintf(&b, "- Started: %s\n", s.StartTime)
	}
	if s.LastUpdate != "" {
		fmt.Fprintf(&b, "- Last update: %s\n", s.LastUpdate)
	}
	fmt.Fprintf(&b, "- Cycles completed: %d\n\n", s.CurrentCycle)

	fmt.Fprintf(&b, "## Target\n\n")
	fmt.Fprintf(&b, "`%s %s %.4f` (%s)\n\n",
		s.Target.Name, s.Target.ComparatorSymbol(), s.Target.Value, s.Target.NormalizedDirection())

	fmt.Fprintf(&b, "## Best result\n\n")
	if s.BestMetric != nil {
		met := "not met"
		if s.TargetMet() {
			met = "met"
		}
		fmt.Fprintf(&b, "Best %s: **%.4f** at cycle %d (target %s)\n\n",
			s.Target.Name, *s.BestMetric, s.BestCycle, met)
	} else {
		fmt.Fprintf(&b, "No cycle produced a numeric %s value.\n\n", s.Target.Name)
	}

	if len(cycles) > 0 {
		fmt.Fprintf(&b, "## Cycles\n\n")
		fmt.Fprintf(&b, "| Cycle | %s | Decision | Timed out |\n", s.Target.Name)
		fmt.Fprintf(&b, "|---|---|---|---|\n")
		for _, c := range cycles {
			value := "-"
			if c.MetricValue != nil {
				value = fmt.Sprintf("%.4f", *c.MetricValue)
			}
			timedOut := ""
			if c.TimedOut {
				timedOut = "yes"
			}
			fmt.Fprintf(&b, "| %d | %s | %s | %s |\n", c.Cycle, value, c.DecisionAction, timedOut)
		}
		fmt.Fprintf(&b, "\n")
	}

	if last := latestAnalysis(s); last != nil {
		fmt.Fprintf(&b, "## Latest analysis\n\n")
		fmt.Fprintf(&b, "%s\n", last.Summary)
		if len(last.Recommendations) > 0 {
			fmt.Fprintf(&b, "\nRecommendations:\n\n")
			for _, rec := range last.Recommendations {
				fmt.Fprintf(&b, "- **%s** (%s): %s\n", rec.Action, rec.Confidence, rec.Rationale)
			}
		}
		fmt.Fprintf(&b, "\nDecision: **%s** (%s)\n", last.Decision.Action, last.Decision.Rationale)
	}

	return b.String()
}

func latestAnalysis(s *state.State) *analysis.CycleAnalysis {
	for i := len(s.History) - 1; i >= 0; i-- {
		if a := s.History[i].Analysis; a != nil {
			return a
		}
	}
	return nil
}
