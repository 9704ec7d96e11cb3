// Package orchestrator drives the improvement loop: each cycle asks an
// external agent to rewrite the training code, runs the training
// command, captures artifacts, resolves the agent's analysis, and
// decides whether to keep going. All subprocess failures degrade into
// recorded cycle outcomes; only internal faults (disk, marshalling)
// abort the run.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ralphml/internal/analysis"
	"ralphml/internal/artifacts"
	"ralphml/internal/config"
	"ralphml/internal/display"
	"ralphml/internal/events"
	"ralphml/internal/history"
	"ralphml/internal/log"
	"ralphml/internal/metrics"
	"ralphml/internal/procrun"
	"ralphml/internal/state"
	"ralphml/internal/stopping"
	"ralphml/internal/watch"
)

// StateFileName is the persisted run record inside the run directory.
const StateFileName = "ralph_state.json"

// BestIndexFileName is the always-current best-model pointer.
const BestIndexFileName = "best_model.json"

// Runner abstracts subprocess execution so tests can substitute phase
// outcomes without spawning processes.
type Runner interface {
	RunWithHeartbeat(spec procrun.Spec) procrun.Result
	RunTrainingWithLiveLogs(spec procrun.Spec) procrun.Result
}

// Options carries optional collaborators. Zero values select the real
// implementations.
type Options struct {
	Runner  Runner
	History *history.Store
	Out     *display.Printer
}

// Orchestrator owns one run. It is single-threaded: phases run
// sequentially and state is persisted after every cycle.
type Orchestrator struct {
	cfg       *config.Config
	target    metrics.Target
	st        *state.State
	runner    Runner
	hist      *history.Store
	out       *display.Printer
	events    *events.Writer
	agentPath string

	runDir    string
	workspace string
	statePath string
}

// New prepares an orchestrator for the given run directory. When a
// state file already exists there the run resumes from it; otherwise a
// fresh run is created. The directory layout (workspace, cycles,
// reports, state) is created up front.
func New(cfg *config.Config, runDir string, opts Options) (*Orchestrator, error) {
	out := opts.Out
	if out == nil {
		out = display.New()
	}

	var runner Runner = opts.Runner
	if runner == nil {
		runner = procrun.New(out)
	}

	agentPath, err := ResolveAgentBinary(cfg.Agent.Path)
	if err != nil {
		return nil, err
	}

	workspace := filepath.Join(runDir, "workspace")
	for _, dir := range []string{workspace, filepath.Join(runDir, "cycles"), filepath.Join(runDir, "reports"), filepath.Join(runDir, "state")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating run layout: %w", err)
		}
	}

	ev, err := events.NewWriter(runDir)
	if err != nil {
		return nil, err
	}

	statePath := filepath.Join(runDir, "state", StateFileName)
	var st *state.State
	if _, statErr := os.Stat(statePath); statErr == nil {
		st, err = state.Load(statePath)
		if err != nil {
			return nil, err
		}
		log.Info("resuming run",
			zap.String("run_id", st.RunID),
			zap.Int("current_cycle", st.CurrentCycle))
	} else {
		cfgJSON, jsonErr := cfg.JSON()
		if jsonErr != nil {
			return nil, jsonErr
		}
		st = state.New(uuid.NewString(), cfg.TargetMetric(), cfgJSON)
	}

	return &Orchestrator{
		cfg:       cfg,
		target:    st.Target,
		st:        st,
		runner:    runner,
		hist:      opts.History,
		out:       out,
		events:    ev,
		agentPath: agentPath,
		runDir:    runDir,
		workspace: workspace,
		statePath: statePath,
	}, nil
}

// State exposes the run record for the command layer.
func (o *Orchestrator) State() *state.State { return o.st }

// RunDir returns the run's root directory.
func (o *Orchestrator) RunDir() string { return o.runDir }

// Run executes cycles until a terminal condition: the analysis decision
// says stop, the cycle budget is spent, the no-improvement safeguard
// triggers, or the context is cancelled. The run always ends in status
// completed with state, best index, and event log persisted, whatever
// path led there.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	if o.st.Status == state.StatusCompleted {
		o.out.Info("run %s is already completed (%d cycles)", o.st.RunID, o.st.CurrentCycle)
		return nil
	}

	o.st.Status = state.StatusRunning
	if o.st.StartTime == "" {
		o.st.StartTime = state.NowTimestamp()
	}
	if persistErr := o.persist(); persistErr != nil {
		return persistErr
	}
	o.writeEvent(events.TypeRunStarted, map[string]any{
		"run_id":  o.st.RunID,
		"run_dir": o.runDir,
		"target":  o.target,
	})
	o.recordRun(ctx)

	interrupted := false
	defer func() {
		// An interrupted run stays in status running on disk so resume
		// can pick it up; every other exit is terminal.
		if !interrupted {
			o.st.Status = state.StatusCompleted
		}
		if persistErr := o.persist(); persistErr != nil && err == nil {
			err = persistErr
		}
		o.recordRun(ctx)
		o.writeEvent(events.TypeRunCompleted, map[string]any{
			"run_id":      o.st.RunID,
			"cycles":      o.st.CurrentCycle,
			"best_metric": o.st.BestMetric,
			"best_cycle":  o.st.BestCycle,
		})
		o.printFinalSummary()
	}()

	watcher := o.startWatcher()
	if watcher != nil {
		defer watcher.Stop()
	}

	policy := stopping.Policy{
		Window:   o.cfg.Loop.NoImprovementStopCycles,
		MinDelta: o.cfg.Loop.MinImprovementDelta,
	}

	for {
		if ctx.Err() != nil {
			interrupted = true
			o.out.Warning("run interrupted: %v", ctx.Err())
			return nil
		}
		if stop, reason := stopping.ShouldStop(o.st.MetricsHistory(), o.target, policy); stop {
			o.out.Warning("stopping: %s", reason)
			o.writeEvent(events.TypeStopDecision, map[string]any{"source": "policy", "reason": reason})
			return nil
		}
		if o.st.CurrentCycle >= o.cfg.Loop.MaxCycles {
			o.out.Info("cycle budget exhausted (%d cycles)", o.cfg.Loop.MaxCycles)
			return nil
		}

		cycle := o.st.CurrentCycle + 1
		snap, action, trainTimedOut, cycleErr := o.runCycle(cycle)
		if cycleErr != nil {
			return cycleErr
		}

		o.st.AddCycle(snap)
		if persistErr := o.persist(); persistErr != nil {
			return persistErr
		}
		o.recordRun(ctx)
		o.recordCycle(ctx, snap, action, trainTimedOut)
		o.writeEvent(events.TypeCycleCompleted, map[string]any{
			"cycle":    cycle,
			"decision": action,
		})
		o.printCycleSummary(snap, action)

		if action == analysis.ActionStop {
			o.out.Success("analysis decided to stop after cycle %d", cycle)
			o.writeEvent(events.TypeStopDecision, map[string]any{"source": "analysis", "cycle": cycle})
			return nil
		}
	}
}

// runCycle executes the phases of one cycle and returns its snapshot
// plus the resolved decision action. Subprocess failures are absorbed
// into the snapshot; returned errors are internal faults only.
func (o *Orchestrator) runCycle(cycle int) (state.Snapshot, string, bool, error) {
	cycleDir := filepath.Join(o.runDir, "cycles", fmt.Sprintf("cycle_%04d", cycle))
	if err := os.MkdirAll(cycleDir, 0o755); err != nil {
		return state.Snapshot{}, "", false, fmt.Errorf("creating cycle dir: %w", err)
	}

	o.out.Banner(fmt.Sprintf("Cycle %d / %d", cycle, o.cfg.Loop.MaxCycles))
	o.writeEvent(events.TypeCycleStarted, map[string]any{"cycle": cycle})

	if err := artifacts.EnsureWorkspaceData(o.workspace, o.cfg.Paths.DataRoot); err != nil {
		o.out.Warning("data root unavailable: %v", err)
		log.Warn("linking data root failed", zap.Error(err))
	}

	o.phaseCodegen(cycle, cycleDir)

	archLog := o.captureArchitecture(cycle, cycleDir)
	snapDir, err := artifacts.CaptureSourceSnapshot(o.workspace, cycleDir)
	if err != nil {
		return state.Snapshot{}, "", false, err
	}

	m, trainRes := o.phaseTrain(cycle, cycleDir)

	artifactPath, err := artifacts.CaptureModelArtifact(o.workspace, cycleDir)
	if err != nil {
		return state.Snapshot{}, "", false, err
	}
	if artifactPath != "" {
		o.out.Success("captured model artifact: %s", artifactPath)
	}

	resolved, err := o.phaseAnalyze(cycle, cycleDir, m)
	if err != nil {
		return state.Snapshot{}, "", false, err
	}

	snap := state.Snapshot{
		CycleNumber:       cycle,
		Metrics:           m,
		Analysis:          &resolved,
		Timestamp:         state.NowTimestamp(),
		ArchitectureLog:   archLog,
		BestModelArtifact: artifactPath,
		SourceSnapshotDir: snapDir,
	}
	return snap, resolved.Decision.Action, trainRes.TimedOut, nil
}

// phaseCodegen pipes the codegen prompt to the agent and saves its
// output. A failed or timed-out agent is a warning, not an abort: the
// workspace may still hold runnable code from a previous cycle.
func (o *Orchestrator) phaseCodegen(cycle int, cycleDir string) {
	prompt := buildCodegenPrompt(o.cfg, o.st, cycle)
	o.saveText(cycleDir, "prompt_codegen.md", prompt)

	o.out.Progress("cycle %d: generating code", cycle)
	res := o.runner.RunWithHeartbeat(procrun.Spec{
		Command:   o.agentCommand(),
		Dir:       o.workspace,
		Timeout:   o.cfg.CycleTimeout(),
		Heartbeat: o.cfg.Heartbeat(),
		Phase:     "codegen",
		Input:     prompt,
	})
	o.saveText(cycleDir, "codegen_stdout.log", res.Stdout)
	o.saveText(cycleDir, "codegen_stderr.log", res.Stderr)
	o.phaseEvent(cycle, "codegen", res)

	switch {
	case res.TimedOut:
		o.out.Warning("codegen timed out after %s", res.Elapsed.Round(time.Second))
	case res.ExitCode != 0:
		o.out.Warning("codegen exited with code %d", res.ExitCode)
	default:
		o.out.Success("codegen finished in %s", res.Elapsed.Round(time.Second))
	}
}

// phaseTrain runs the training command with live logs and extracts
// metrics from metrics.json, falling back to a scan of the captured
// output. The stale metrics file is removed first so a crashed run
// cannot report last cycle's numbers.
func (o *Orchestrator) phaseTrain(cycle int, cycleDir string) (*metrics.Result, procrun.Result) {
	metricsPath := filepath.Join(o.workspace, "metrics.json")
	_ = os.Remove(metricsPath)

	o.out.Progress("cycle %d: training (%s)", cycle, o.cfg.Train.Command)
	res := o.runner.RunTrainingWithLiveLogs(procrun.Spec{
		Command:   []string{"sh", "-c", o.cfg.Train.Command},
		Dir:       o.workspace,
		Timeout:   o.cfg.CycleTimeout(),
		Heartbeat: o.cfg.Heartbeat(),
		Phase:     "training",
	})
	o.saveText(cycleDir, "train_stdout.log", res.Stdout)
	o.saveText(cycleDir, "train_stderr.log", res.Stderr)
	o.phaseEvent(cycle, "training", res)

	m := metrics.ParseFile(metricsPath, cycle, o.target)
	if m == nil {
		o.out.Warning("metrics.json missing or unreadable, scanning training output")
		m = metrics.ParseOutput(res.Stdout+"\n"+res.Stderr, cycle, o.target)
	} else if data, err := os.ReadFile(metricsPath); err == nil {
		o.saveText(cycleDir, "metrics.json", string(data))
	}
	if m.Runtime.TrainSeconds == 0 {
		m.Runtime.TrainSeconds = res.Elapsed.Seconds()
	}

	switch {
	case res.TimedOut:
		o.out.Failure("training timed out after %s", res.Elapsed.Round(time.Second))
	case res.ExitCode != 0:
		o.out.Failure("training exited with code %d", res.ExitCode)
	case m.TargetValue() != nil:
		o.out.Success("training finished: %s = %.4f", o.target.Name, *m.TargetValue())
	default:
		o.out.Warning("training finished but produced no %s value", o.target.Name)
	}
	return m, res
}

// phaseAnalyze runs the agent against the analysis prompt, then
// resolves its artifacts against the computed fallback. Stale artifacts
// from the previous cycle are removed before the agent runs.
func (o *Orchestrator) phaseAnalyze(cycle int, cycleDir string, m *metrics.Result) (analysis.CycleAnalysis, error) {
	for _, name := range []string{analysis.SummaryFile, analysis.RecommendationsFile, analysis.DecisionFile} {
		_ = os.Remove(filepath.Join(o.workspace, name))
	}

	prompt := buildAnalysisPrompt(o.st, m)
	o.saveText(cycleDir, "prompt_analysis.md", prompt)

	o.out.Progress("cycle %d: analyzing results", cycle)
	res := o.runner.RunWithHeartbeat(procrun.Spec{
		Command:   o.agentCommand(),
		Dir:       o.workspace,
		Timeout:   o.cfg.CycleTimeout(),
		Heartbeat: o.cfg.Heartbeat(),
		Phase:     "analysis",
		Input:     prompt,
	})
	o.saveText(cycleDir, "analysis_stdout.log", res.Stdout)
	o.saveText(cycleDir, "analysis_stderr.log", res.Stderr)
	o.phaseEvent(cycle, "analysis", res)

	loaded := analysis.LoadFromWorkspace(o.workspace)
	fallback := analysis.BuildFallback(m, o.target)
	resolved := analysis.MergeWithFallback(fallback, loaded)

	data, err := json.MarshalIndent(resolved, "", "  ")
	if err != nil {
		return analysis.CycleAnalysis{}, fmt.Errorf("marshalling cycle analysis: %w", err)
	}
	o.saveText(cycleDir, "analysis.json", string(data)+"\n")
	return resolved, nil
}

// captureArchitecture fingerprints the tracked files against the
// previous cycle's log and writes the result into the cycle directory.
func (o *Orchestrator) captureArchitecture(cycle int, cycleDir string) map[string]any {
	var prev map[string]any
	if n := len(o.st.History); n > 0 {
		prev = o.st.History[n-1].ArchitectureLog
	}
	archLog := artifacts.CaptureArchitectureLog(o.workspace, prev)
	if _, err := artifacts.WriteArchitectureLog(cycleDir, archLog); err != nil {
		log.Warn("writing architecture log failed", zap.Int("cycle", cycle), zap.Error(err))
	}
	return archLog
}

// agentCommand builds the agent invocation; the prompt arrives on stdin.
func (o *Orchestrator) agentCommand() []string {
	cmd := []string{o.agentPath, "run"}
	if o.cfg.Agent.Model != "" {
		cmd = append(cmd, "--model", o.cfg.Agent.Model)
	}
	return cmd
}

// startWatcher begins observing the workspace for the files the agent
// and training run are expected to write. Watch failures only cost
// visibility, so they never abort the run.
func (o *Orchestrator) startWatcher() *watch.Watcher {
	names := append([]string{}, artifacts.TrackedFiles...)
	names = append(names, "metrics.json", analysis.SummaryFile, analysis.RecommendationsFile, analysis.DecisionFile)

	w, err := watch.New(o.workspace, names, 0, nil)
	if err != nil {
		log.Warn("workspace watcher unavailable", zap.Error(err))
		return nil
	}
	if err := w.Start(); err != nil {
		log.Warn("workspace watcher failed to start", zap.Error(err))
		return nil
	}
	return w
}

// persist rewrites the state file and the best-model index.
func (o *Orchestrator) persist() error {
	o.st.LastUpdate = state.NowTimestamp()
	if err := o.st.Save(o.statePath); err != nil {
		return err
	}
	return artifacts.WriteBestIndex(filepath.Join(o.runDir, BestIndexFileName), o.st)
}

func (o *Orchestrator) recordRun(ctx context.Context) {
	if o.hist == nil {
		return
	}
	err := o.hist.RecordRun(ctx, history.RunRow{
		RunID:        o.st.RunID,
		RunDir:       o.runDir,
		TargetName:   o.target.Name,
		TargetValue:  o.target.Value,
		Direction:    o.target.NormalizedDirection(),
		Status:       o.st.Status,
		BestMetric:   o.st.BestMetric,
		BestCycle:    o.st.BestCycle,
		CurrentCycle: o.st.CurrentCycle,
		StartedAt:    o.st.StartTime,
		UpdatedAt:    o.st.LastUpdate,
	})
	if err != nil {
		log.Warn("recording run in history db failed", zap.Error(err))
	}
}

func (o *Orchestrator) recordCycle(ctx context.Context, snap state.Snapshot, action string, timedOut bool) {
	if o.hist == nil {
		return
	}
	var value *float64
	if snap.Metrics != nil {
		value = snap.Metrics.TargetValue()
	}
	err := o.hist.RecordCycle(ctx, history.CycleRow{
		RunID:          o.st.RunID,
		Cycle:          snap.CycleNumber,
		MetricValue:    value,
		DecisionAction: action,
		TimedOut:       timedOut,
		CreatedAt:      snap.Timestamp,
	})
	if err != nil {
		log.Warn("recording cycle in history db failed", zap.Error(err))
	}
}

func (o *Orchestrator) writeEvent(entryType string, payload any) {
	if err := o.events.Write(entryType, state.NowTimestamp(), payload); err != nil {
		log.Warn("writing event failed", zap.String("type", entryType), zap.Error(err))
	}
}

func (o *Orchestrator) phaseEvent(cycle int, phase string, res procrun.Result) {
	o.writeEvent(events.TypePhaseCompleted, events.PhaseOutcome{
		Cycle:    cycle,
		Phase:    phase,
		ExitCode: res.ExitCode,
		Seconds:  res.Elapsed.Seconds(),
		TimedOut: res.TimedOut,
	})
}

// saveText writes a per-cycle log or artifact; failures cost the
// artifact, not the run.
func (o *Orchestrator) saveText(dir, name, content string) {
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		log.Warn("saving cycle file failed", zap.String("file", name), zap.Error(err))
	}
}

func (o *Orchestrator) printCycleSummary(snap state.Snapshot, action string) {
	value := "no value"
	if snap.Metrics != nil {
		if v := snap.Metrics.TargetValue(); v != nil {
			value = fmt.Sprintf("%.4f", *v)
		}
	}
	o.out.Info("cycle %d done: %s = %s, decision = %s", snap.CycleNumber, o.target.Name, value, action)
	if o.st.BestMetric != nil {
		o.out.Info("best so far: %.4f at cycle %d", *o.st.BestMetric, o.st.BestCycle)
	}
}

func (o *Orchestrator) printFinalSummary() {
	o.out.Banner("Run " + o.st.RunID)
	o.out.Info("cycles completed: %d", o.st.CurrentCycle)
	if o.st.BestMetric == nil {
		o.out.Warning("no cycle produced a numeric %s value", o.target.Name)
		return
	}
	if o.st.TargetMet() {
		o.out.Success("target met: %s = %.4f at cycle %d", o.target.Name, *o.st.BestMetric, o.st.BestCycle)
	} else {
		o.out.Info("best %s: %.4f at cycle %d (target %s %.4f not met)",
			o.target.Name, *o.st.BestMetric, o.st.BestCycle, o.target.ComparatorSymbol(), o.target.Value)
	}
	o.out.Info("state: %s", o.statePath)
}
