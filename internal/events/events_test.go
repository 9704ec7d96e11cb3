package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestWriterCreatesFile(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	if err := w.Write(TypeRunStarted, "2026-08-29T00:00:00Z", nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "events.jsonl")); err != nil {
		t.Fatalf("file should exist: %v", err)
	}
}

func TestWriterCreatesDirectory(t *testing.T) {
	nested := filepath.Join(t.TempDir(), "a", "b", "c")
	w, err := NewWriter(nested)
	if err != nil {
		t.Fatalf("NewWriter with nested dir: %v", err)
	}
	if err := w.Write(TypeRunStarted, "2026-08-29T00:00:00Z", nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(w.Path()); err != nil {
		t.Fatalf("file should exist in nested dir: %v", err)
	}
}

func TestWriterRoundTrip(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	if err := w.Write(TypeRunStarted, "t0", map[string]string{"run_id": "r1"}); err != nil {
		t.Fatalf("Write run_started: %v", err)
	}
	outcome := PhaseOutcome{Cycle: 1, Phase: "training", ExitCode: 0, Seconds: 12.5}
	if err := w.Write(TypePhaseCompleted, "t1", outcome); err != nil {
		t.Fatalf("Write phase_completed: %v", err)
	}
	if err := w.Write(TypeRunCompleted, "t2", nil); err != nil {
		t.Fatalf("Write run_completed: %v", err)
	}

	f, err := os.Open(w.Path())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("Unmarshal line: %v", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("Scanner error: %v", err)
	}

	wantTypes := []string{TypeRunStarted, TypePhaseCompleted, TypeRunCompleted}
	if len(entries) != len(wantTypes) {
		t.Fatalf("got %d entries, want %d", len(entries), len(wantTypes))
	}
	for i, want := range wantTypes {
		if entries[i].Type != want {
			t.Errorf("entry[%d].Type = %q, want %q", i, entries[i].Type, want)
		}
	}

	var decoded PhaseOutcome
	if err := json.Unmarshal(entries[1].Data, &decoded); err != nil {
		t.Fatalf("Unmarshal phase outcome: %v", err)
	}
	if decoded.Phase != "training" || decoded.Seconds != 12.5 {
		t.Errorf("decoded = %+v, want training/12.5", decoded)
	}
}
