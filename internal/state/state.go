// Package state holds the persisted record of a run: cycle history,
// best metric so far, and lifecycle status. The state file is the only
// thing needed to resume an interrupted run.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ralphml/internal/analysis"
	"ralphml/internal/metrics"
)

// Run lifecycle states.
const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusCompleted = "completed"
)

// Snapshot is the immutable record of one completed cycle. Appended to
// history by AddCycle and never mutated afterward.
type Snapshot struct {
	CycleNumber       int                     `json:"cycle_number"`
	Metrics           *metrics.Result         `json:"metrics"`
	Analysis          *analysis.CycleAnalysis `json:"analysis,omitempty"`
	Timestamp         string                  `json:"timestamp"`
	ArchitectureLog   map[string]any          `json:"architecture_log,omitempty"`
	BestModelArtifact string                  `json:"best_model_artifact,omitempty"`
	SourceSnapshotDir string                  `json:"source_snapshot_dir,omitempty"`
}

// State is the full persisted run record. Owned by exactly one
// orchestrator per process; rewritten whole after every mutation.
type State struct {
	RunID        string          `json:"run_id"`
	Target       metrics.Target  `json:"target"`
	Config       json.RawMessage `json:"config,omitempty"`
	CurrentCycle int             `json:"current_cycle"`
	BestMetric   *float64        `json:"best_metric"`
	BestCycle    int             `json:"best_cycle"`
	History      []Snapshot      `json:"history"`
	Status       string          `json:"status"`
	StartTime    string          `json:"start_time,omitempty"`
	LastUpdate   string          `json:"last_update,omitempty"`
}

// New returns an idle State with empty history.
func New(runID string, target metrics.Target, config json.RawMessage) *State {
	return &State{
		RunID:   runID,
		Target:  target,
		Config:  config,
		History: []Snapshot{},
		Status:  StatusIdle,
	}
}

// AddCycle appends a snapshot, advances the cycle counter, and updates
// the best metric when the snapshot's target value is strictly better
// under the target's direction. Ties keep the earlier best cycle.
func (s *State) AddCycle(snap Snapshot) {
	s.History = append(s.History, snap)
	s.CurrentCycle++
	s.LastUpdate = NowTimestamp()

	var value *float64
	if snap.Metrics != nil {
		value = snap.Metrics.TargetValue()
	}
	if value == nil {
		return
	}
	if s.BestMetric == nil || s.Target.Better(*value, *s.BestMetric) {
		v := *value
		s.BestMetric = &v
		s.BestCycle = snap.CycleNumber
	}
}

// MetricsHistory returns the per-cycle metrics in order, for the
// stopping policy.
func (s *State) MetricsHistory() []*metrics.Result {
	out := make([]*metrics.Result, len(s.History))
	for i, snap := range s.History {
		out[i] = snap.Metrics
	}
	return out
}

// TargetMet reports whether the best metric satisfies the target.
func (s *State) TargetMet() bool {
	return s.BestMetric != nil && s.Target.IsMet(*s.BestMetric)
}

// Save rewrites the state file whole via a temp file and rename, so a
// crash mid-write never leaves a truncated document behind.
func (s *State) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

// Load reads a persisted State. The result round-trips exactly:
// current cycle, best metric/cycle, and history are reproduced so a
// run can resume from where it stopped.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing state file %q: %w", path, err)
	}
	if s.History == nil {
		s.History = []Snapshot{}
	}
	return &s, nil
}

// NowTimestamp returns the current time in the format used for all
// state timestamps.
func NowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
