package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"ralphml/internal/config"
	"ralphml/internal/metrics"
	"ralphml/internal/state"
)

// buildCodegenPrompt assembles the instructions piped to the agent at
// the start of a cycle: the task, the target, how previous cycles went,
// and the contract the generated files must honor. The agent must not
// run training itself; the loop owns that phase.
func buildCodegenPrompt(cfg *config.Config, st *state.State, cycle int) string {
	target := st.Target
	var b strings.Builder

	fmt.Fprintf(&b, "You are improving machine learning training code in the current directory.\n\n")
	fmt.Fprintf(&b, "## Task\n\n%s\n\n", strings.TrimSpace(cfg.Task))
	fmt.Fprintf(&b, "## Objective\n\n")
	fmt.Fprintf(&b, "Reach %s %s %.4f (%s). This is cycle %d of at most %d.\n\n",
		target.Name, target.ComparatorSymbol(), target.Value, target.NormalizedDirection(), cycle, cfg.Loop.MaxCycles)

	writeHistorySection(&b, st)
	writeRecommendationsSection(&b, st)

	fmt.Fprintf(&b, "## Requirements\n\n")
	fmt.Fprintf(&b, "1. Write or update these files in the current directory: model.py, train.py, eval.py, data.py, config.json.\n")
	fmt.Fprintf(&b, "2. train.py must write metrics.json on completion, containing at least %q as a number.\n", target.Name)
	fmt.Fprintf(&b, "3. Datasets are available under ./data; do not download anything.\n")
	fmt.Fprintf(&b, "4. Keep a single training run well under %d minutes of wall-clock time.\n", cfg.Loop.TimeLimitPerCycleMinutes)
	fmt.Fprintf(&b, "5. Save the best model weights to best_model.pt.\n")
	fmt.Fprintf(&b, "6. Do NOT run training yourself. Only write the files; the loop runs `%s` afterward.\n", cfg.Train.Command)
	if cycle > 1 {
		fmt.Fprintf(&b, "7. Build on the existing files; make targeted improvements rather than rewriting from scratch.\n")
	}

	return b.String()
}

// buildAnalysisPrompt assembles the instructions for the post-training
// analysis pass: the cycle's metrics plus the artifact contract
// (analysis.md, recommendations.json, decision.json).
func buildAnalysisPrompt(st *state.State, m *metrics.Result) string {
	target := st.Target
	var b strings.Builder

	fmt.Fprintf(&b, "You are analyzing the result of a machine learning training cycle.\n\n")
	fmt.Fprintf(&b, "## Objective\n\n")
	fmt.Fprintf(&b, "Target: %s %s %.4f (%s).\n\n",
		target.Name, target.ComparatorSymbol(), target.Value, target.NormalizedDirection())

	fmt.Fprintf(&b, "## This cycle\n\n")
	fmt.Fprintf(&b, "Cycle %d produced:\n\n", m.Cycle)
	for _, name := range sortedMetricNames(m) {
		if v := m.Values[name]; v != nil {
			fmt.Fprintf(&b, "- %s: %.4f\n", name, *v)
		}
	}
	if m.TargetValue() == nil {
		fmt.Fprintf(&b, "- %s: not reported\n", target.Name)
	}
	fmt.Fprintf(&b, "\n")

	writeHistorySection(&b, st)

	fmt.Fprintf(&b, "## Deliverables\n\n")
	fmt.Fprintf(&b, "Write exactly these files in the current directory:\n\n")
	fmt.Fprintf(&b, "1. analysis.md: a short prose assessment of this cycle.\n")
	fmt.Fprintf(&b, "2. recommendations.json: a JSON array of objects with \"action\", \"confidence\" (low/medium/high), and \"rationale\".\n")
	fmt.Fprintf(&b, "3. decision.json: {\"action\": \"continue\" or \"stop\", \"rationale\": \"...\"}. Choose \"stop\" only when the target is met or further cycles are clearly futile.\n")
	fmt.Fprintf(&b, "\nDo not modify any other files and do not run anything.\n")

	return b.String()
}

// writeHistorySection lists the target values from prior cycles so the
// agent can see the trajectory.
func writeHistorySection(b *strings.Builder, st *state.State) {
	if len(st.History) == 0 {
		return
	}
	fmt.Fprintf(b, "## Previous cycles\n\n")
	for _, snap := range st.History {
		value := "no value"
		if snap.Metrics != nil {
			if v := snap.Metrics.TargetValue(); v != nil {
				value = fmt.Sprintf("%.4f", *v)
			}
		}
		fmt.Fprintf(b, "- cycle %d: %s = %s\n", snap.CycleNumber, st.Target.Name, value)
	}
	if st.BestMetric != nil {
		fmt.Fprintf(b, "\nBest so far: %.4f at cycle %d.\n", *st.BestMetric, st.BestCycle)
	}
	fmt.Fprintf(b, "\n")
}

// writeRecommendationsSection carries the previous cycle's analysis
// recommendations forward into the next codegen prompt.
func writeRecommendationsSection(b *strings.Builder, st *state.State) {
	if len(st.History) == 0 {
		return
	}
	last := st.History[len(st.History)-1]
	if last.Analysis == nil || len(last.Analysis.Recommendations) == 0 {
		return
	}
	fmt.Fprintf(b, "## Recommendations from the last analysis\n\n")
	for _, rec := range last.Analysis.Recommendations {
		fmt.Fprintf(b, "- %s (%s): %s\n", rec.Action, rec.Confidence, rec.Rationale)
	}
	fmt.Fprintf(b, "\n")
}

func sortedMetricNames(m *metrics.Result) []string {
	names := make([]string, 0, len(m.Values))
	for name := range m.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
