// Package events appends a JSONL record of everything a run does:
// cycle boundaries, phase outcomes, stop decisions. The log is
// append-only and line-oriented so it can be tailed while the run is
// live and replayed afterward without loading the whole file.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Event types written by the orchestrator.
const (
	TypeRunStarted     = "run_started"
	TypeCycleStarted   = "cycle_started"
	TypePhaseCompleted = "phase_completed"
	TypeCycleCompleted = "cycle_completed"
	TypeStopDecision   = "stop_decision"
	TypeRunCompleted   = "run_completed"
)

// Entry is one line of the event log.
type Entry struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// PhaseOutcome is the payload of a phase_completed entry.
type PhaseOutcome struct {
	Cycle    int     `json:"cycle"`
	Phase    string  `json:"phase"`
	ExitCode int     `json:"exit_code"`
	Seconds  float64 `json:"seconds"`
	TimedOut bool    `json:"timed_out"`
}

// Writer appends entries to a JSONL file. It uses open-write-sync-close
// semantics: the file is only held open during each write, so external
// tools can tail it freely between writes.
type Writer struct {
	path string
}

// NewWriter creates the log directory if needed and returns a Writer
// for <dir>/events.jsonl.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating event log dir %q: %w", dir, err)
	}
	return &Writer{path: filepath.Join(dir, "events.jsonl")}, nil
}

// Path returns the log file location.
func (w *Writer) Path() string { return w.path }

// Write appends one entry. The payload is marshalled here so callers
// pass plain structs or maps.
func (w *Writer) Write(entryType, timestamp string, payload any) error {
	entry := Entry{Type: entryType, Timestamp: timestamp}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshalling %s event: %w", entryType, err)
		}
		entry.Data = data
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshalling event entry: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening event log %q: %w", w.path, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("writing event entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing event log: %w", err)
	}
	return nil
}
