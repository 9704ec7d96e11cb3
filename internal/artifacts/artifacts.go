// Package artifacts captures the durable per-cycle outputs: a
// fingerprint of the tracked source files, a copy of those files, the
// trained model file, and the always-current best-model index.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"ralphml/internal/state"
)

// TrackedFiles are the workspace files the codegen agent is expected
// to write, fingerprinted every cycle.
var TrackedFiles = []string{"model.py", "train.py", "eval.py", "data.py", "config.json"}

// ModelCandidates are checked in order when capturing a trained model.
var ModelCandidates = []string{
	"best_model.pt",
	filepath.Join("artifacts", "best_model.pt"),
	filepath.Join("outputs", "best_model.pt"),
	"model.pth",
	"checkpoint.pt",
}

// CaptureArchitectureLog fingerprints the tracked files: SHA-256, line
// count, byte size, and whether each file changed since the previous
// cycle's log. prev may be nil (first cycle); files absent from the
// workspace are omitted.
func CaptureArchitectureLog(workspace string, prev map[string]any) map[string]any {
	files := make(map[string]any)
	prevFiles, _ := prevField(prev, "files")

	for _, name := range TrackedFiles {
		path := filepath.Join(workspace, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		sum := sha256.Sum256(data)
		digest := hex.EncodeToString(sum[:])

		changed := true
		if prevEntry, ok := prevFiles[name].(map[string]any); ok {
			if prevDigest, ok := prevEntry["sha256"].(string); ok {
				changed = prevDigest != digest
			}
		}

		files[name] = map[string]any{
			"sha256":                   digest,
			"line_count":               countLines(data),
			"size_bytes":               len(data),
			"changed_since_prev_cycle": changed,
		}
	}

	return map[string]any{
		"files":       files,
		"captured_at": state.NowTimestamp(),
	}
}

func prevField(m map[string]any, key string) (map[string]any, bool) {
	if m == nil {
		return map[string]any{}, false
	}
	sub, ok := m[key].(map[string]any)
	if !ok {
		return map[string]any{}, false
	}
	return sub, true
}

func countLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := strings.Count(string(data), "\n")
	if !strings.HasSuffix(string(data), "\n") {
		n++
	}
	return n
}

// WriteArchitectureLog persists the log next to the cycle's other
// outputs and returns its path.
func WriteArchitectureLog(cycleDir string, archLog map[string]any) (string, error) {
	path := filepath.Join(cycleDir, "architecture_log.json")
	if err := writeJSON(path, archLog); err != nil {
		return "", err
	}
	return path, nil
}

// CaptureSourceSnapshot copies the tracked files into
// cycleDir/source_snapshot with a manifest, returning the snapshot
// directory. Missing files are skipped, not errors.
func CaptureSourceSnapshot(workspace, cycleDir string) (string, error) {
	snapDir := filepath.Join(cycleDir, "source_snapshot")
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return "", fmt.Errorf("creating snapshot dir: %w", err)
	}

	type manifestEntry struct {
		Name      string `json:"name"`
		SHA256    string `json:"sha256"`
		SizeBytes int    `json:"size_bytes"`
	}
	manifest := []manifestEntry{}

	for _, name := range TrackedFiles {
		data, err := os.ReadFile(filepath.Join(workspace, name))
		if err != nil {
			continue
		}
		if err := os.WriteFile(filepath.Join(snapDir, name), data, 0o644); err != nil {
			return "", fmt.Errorf("copying %s: %w", name, err)
		}
		sum := sha256.Sum256(data)
		manifest = append(manifest, manifestEntry{
			Name:      name,
			SHA256:    hex.EncodeToString(sum[:]),
			SizeBytes: len(data),
		})
	}

	if err := writeJSON(filepath.Join(snapDir, "manifest.json"), manifest); err != nil {
		return "", err
	}
	return snapDir, nil
}

// CaptureModelArtifact copies the first existing model candidate from
// the workspace into cycleDir/artifacts. Returns the destination path,
// or "" when no candidate exists.
func CaptureModelArtifact(workspace, cycleDir string) (string, error) {
	for _, candidate := range ModelCandidates {
		src := filepath.Join(workspace, candidate)
		info, err := os.Stat(src)
		if err != nil || info.IsDir() {
			continue
		}

		destDir := filepath.Join(cycleDir, "artifacts")
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return "", fmt.Errorf("creating artifacts dir: %w", err)
		}
		dest := filepath.Join(destDir, filepath.Base(candidate))
		if err := copyFile(src, dest); err != nil {
			return "", fmt.Errorf("copying model artifact: %w", err)
		}
		return dest, nil
	}
	return "", nil
}

// BestIndex is the always-current pointer to the best cycle so far.
type BestIndex struct {
	RunID             string   `json:"run_id"`
	BestCycle         int      `json:"best_cycle"`
	BestMetric        *float64 `json:"best_metric"`
	TargetName        string   `json:"target_name"`
	TargetValue       float64  `json:"target_value"`
	TargetDirection   string   `json:"target_direction"`
	TargetMet         bool     `json:"target_met"`
	ArtifactPath      string   `json:"artifact_path,omitempty"`
	ArchitectureLog   string   `json:"architecture_log_path,omitempty"`
	SourceSnapshotDir string   `json:"source_snapshot_dir,omitempty"`
	UpdatedAt         string   `json:"updated_at"`
}

// WriteBestIndex rewrites the best-model pointer file from the current
// state. With no best cycle yet it still writes a stub so the file is
// always present after the first persist.
func WriteBestIndex(path string, s *state.State) error {
	idx := BestIndex{
		RunID:           s.RunID,
		BestCycle:       s.BestCycle,
		BestMetric:      s.BestMetric,
		TargetName:      s.Target.Name,
		TargetValue:     s.Target.Value,
		TargetDirection: s.Target.NormalizedDirection(),
		TargetMet:       s.TargetMet(),
		UpdatedAt:       state.NowTimestamp(),
	}
	if s.BestCycle > 0 {
		for _, snap := range s.History {
			if snap.CycleNumber == s.BestCycle {
				idx.ArtifactPath = snap.BestModelArtifact
				idx.SourceSnapshotDir = snap.SourceSnapshotDir
				if snap.SourceSnapshotDir != "" {
					idx.ArchitectureLog = filepath.Join(filepath.Dir(snap.SourceSnapshotDir), "architecture_log.json")
				}
				break
			}
		}
	}
	return writeJSON(path, idx)
}

// EnsureWorkspaceData makes dataRoot reachable at workspace/data so
// generated training code can read datasets. A symlink is preferred; a
// full copy is the fallback for filesystems without symlink support.
func EnsureWorkspaceData(workspace, dataRoot string) error {
	if dataRoot == "" {
		return nil
	}
	link := filepath.Join(workspace, "data")
	if _, err := os.Lstat(link); err == nil {
		return nil
	}

	abs, err := filepath.Abs(dataRoot)
	if err != nil {
		return fmt.Errorf("resolving data root: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("data root %q: %w", dataRoot, err)
	}

	if err := os.Symlink(abs, link); err == nil {
		return nil
	}
	return copyDir(abs, link)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func copyDir(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}
