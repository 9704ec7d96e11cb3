package artifacts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"ralphml/internal/metrics"
	"ralphml/internal/state"
)

func writeWorkspace(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile %s: %v", name, err)
		}
	}
	return dir
}

func TestCaptureArchitectureLog(t *testing.T) {
	ws := writeWorkspace(t, map[string]string{
		"model.py": "class Net: pass\n",
		"train.py": "print('train')\n",
	})

	archLog := CaptureArchitectureLog(ws, nil)
	files, ok := archLog["files"].(map[string]any)
	if !ok {
		t.Fatalf("files missing from log: %+v", archLog)
	}
	if len(files) != 2 {
		t.Errorf("len(files) = %d, want 2 (only present files recorded)", len(files))
	}

	entry, ok := files["model.py"].(map[string]any)
	if !ok {
		t.Fatal("model.py entry missing")
	}
	if entry["line_count"] != 1 {
		t.Errorf("line_count = %v, want 1", entry["line_count"])
	}
	if entry["size_bytes"] != len("class Net: pass\n") {
		t.Errorf("size_bytes = %v, want %d", entry["size_bytes"], len("class Net: pass\n"))
	}
	if entry["changed_since_prev_cycle"] != true {
		t.Error("first cycle should mark every file as changed")
	}
}

func TestCaptureArchitectureLogChangeDetection(t *testing.T) {
	ws := writeWorkspace(t, map[string]string{
		"model.py": "v1\n",
		"train.py": "same\n",
	})
	prev := CaptureArchitectureLog(ws, nil)

	if err := os.WriteFile(filepath.Join(ws, "model.py"), []byte("v2\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	next := CaptureArchitectureLog(ws, prev)
	files := next["files"].(map[string]any)

	model := files["model.py"].(map[string]any)
	if model["changed_since_prev_cycle"] != true {
		t.Error("model.py changed but not flagged")
	}
	train := files["train.py"].(map[string]any)
	if train["changed_since_prev_cycle"] != false {
		t.Error("train.py unchanged but flagged as changed")
	}
}

// Fingerprints survive the state file's JSON round trip, so change
// detection must work against a reloaded previous log too.
func TestCaptureArchitectureLogAfterRoundTrip(t *testing.T) {
	ws := writeWorkspace(t, map[string]string{"model.py": "stable\n"})
	prev := CaptureArchitectureLog(ws, nil)

	raw, err := json.Marshal(prev)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var reloaded map[string]any
	if err := json.Unmarshal(raw, &reloaded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	next := CaptureArchitectureLog(ws, reloaded)
	model := next["files"].(map[string]any)["model.py"].(map[string]any)
	if model["changed_since_prev_cycle"] != false {
		t.Error("unchanged file flagged as changed after log round trip")
	}
}

func TestCaptureSourceSnapshot(t *testing.T) {
	ws := writeWorkspace(t, map[string]string{
		"model.py":    "net\n",
		"config.json": `{"lr": 0.1}`,
	})
	cycleDir := t.TempDir()

	snapDir, err := CaptureSourceSnapshot(ws, cycleDir)
	if err != nil {
		t.Fatalf("CaptureSourceSnapshot: %v", err)
	}
	if snapDir != filepath.Join(cycleDir, "source_snapshot") {
		t.Errorf("snapDir = %q", snapDir)
	}

	copied, err := os.ReadFile(filepath.Join(snapDir, "model.py"))
	if err != nil {
		t.Fatalf("snapshot copy missing: %v", err)
	}
	if string(copied) != "net\n" {
		t.Errorf("copied content = %q, want original", copied)
	}

	raw, err := os.ReadFile(filepath.Join(snapDir, "manifest.json"))
	if err != nil {
		t.Fatalf("manifest missing: %v", err)
	}
	var manifest []map[string]any
	if err := json.Unmarshal(raw, &manifest); err != nil {
		t.Fatalf("manifest not valid JSON: %v", err)
	}
	if len(manifest) != 2 {
		t.Errorf("manifest entries = %d, want 2", len(manifest))
	}
}

func TestCaptureModelArtifact(t *testing.T) {
	ws := writeWorkspace(t, map[string]string{
		filepath.Join("outputs", "best_model.pt"): "weights-outputs",
		"model.pth": "weights-pth",
	})
	cycleDir := t.TempDir()

	dest, err := CaptureModelArtifact(ws, cycleDir)
	if err != nil {
		t.Fatalf("CaptureModelArtifact: %v", err)
	}
	// outputs/best_model.pt precedes model.pth in the candidate order.
	if filepath.Base(dest) != "best_model.pt" {
		t.Errorf("dest = %q, want outputs/best_model.pt captured first", dest)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading captured artifact: %v", err)
	}
	if string(data) != "weights-outputs" {
		t.Errorf("captured content = %q, want %q", data, "weights-outputs")
	}
}

func TestCaptureModelArtifactNone(t *testing.T) {
	dest, err := CaptureModelArtifact(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("CaptureModelArtifact: %v", err)
	}
	if dest != "" {
		t.Errorf("dest = %q, want empty when no candidate exists", dest)
	}
}

func TestWriteBestIndex(t *testing.T) {
	target := metrics.Target{Name: "test_accuracy", Value: 0.9}
	s := state.New("run-1", target, nil)
	v := 0.95
	s.BestMetric = &v
	s.BestCycle = 2
	s.History = []state.Snapshot{
		{CycleNumber: 1},
		{CycleNumber: 2, BestModelArtifact: "cycles/cycle_0002/artifacts/best_model.pt", SourceSnapshotDir: "cycles/cycle_0002/source_snapshot"},
	}

	path := filepath.Join(t.TempDir(), "best_model.json")
	if err := WriteBestIndex(path, s); err != nil {
		t.Fatalf("WriteBestIndex: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var idx BestIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if idx.BestCycle != 2 {
		t.Errorf("BestCycle = %d, want 2", idx.BestCycle)
	}
	if idx.BestMetric == nil || *idx.BestMetric != 0.95 {
		t.Errorf("BestMetric = %v, want 0.95", idx.BestMetric)
	}
	if !idx.TargetMet {
		t.Error("TargetMet = false, want true")
	}
	if idx.ArtifactPath == "" {
		t.Error("ArtifactPath empty, want best cycle's artifact")
	}
}

func TestWriteBestIndexNoBestYet(t *testing.T) {
	s := state.New("run-1", metrics.Target{Name: "test_accuracy", Value: 0.9}, nil)

	path := filepath.Join(t.TempDir(), "best_model.json")
	if err := WriteBestIndex(path, s); err != nil {
		t.Fatalf("WriteBestIndex: %v", err)
	}
	var idx BestIndex
	raw, _ := os.ReadFile(path)
	if err := json.Unmarshal(raw, &idx); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if idx.BestCycle != 0 || idx.BestMetric != nil || idx.TargetMet {
		t.Errorf("stub index = %+v, want zero best", idx)
	}
}

func TestEnsureWorkspaceData(t *testing.T) {
	dataRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(dataRoot, "train.csv"), []byte("a,b\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ws := t.TempDir()

	if err := EnsureWorkspaceData(ws, dataRoot); err != nil {
		t.Fatalf("EnsureWorkspaceData: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(ws, "data", "train.csv"))
	if err != nil {
		t.Fatalf("data not reachable in workspace: %v", err)
	}
	if string(data) != "a,b\n" {
		t.Errorf("content = %q", data)
	}

	// Second call is a no-op.
	if err := EnsureWorkspaceData(ws, dataRoot); err != nil {
		t.Errorf("repeat EnsureWorkspaceData: %v", err)
	}
}

func TestEnsureWorkspaceDataMissingRoot(t *testing.T) {
	if err := EnsureWorkspaceData(t.TempDir(), filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("EnsureWorkspaceData with missing root: err = nil, want error")
	}
	if err := EnsureWorkspaceData(t.TempDir(), ""); err != nil {
		t.Errorf("EnsureWorkspaceData with empty root: %v, want nil", err)
	}
}
