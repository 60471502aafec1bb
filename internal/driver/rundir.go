package driver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/outpost-dev/selfmod/internal/model"
)

// SetupDebugRunDir creates a new debug run directory under
// baseDir/YYYY-MM-DD/NNN and returns its path, or "" when baseDir is empty
// (debug artifacts disabled).
func SetupDebugRunDir(baseDir string) string {
	if baseDir == "" {
		return ""
	}

	date := time.Now().Format("2006-01-02")
	dateDir := filepath.Join(baseDir, date)

	if err := os.MkdirAll(dateDir, 0o755); err != nil {
		slog.Warn("failed to create debug date dir", "dir", dateDir, "error", err)
		return ""
	}

	// Find next run number
	runNum := 1
	entries, err := os.ReadDir(dateDir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				if n, err := strconv.Atoi(e.Name()); err == nil && n >= runNum {
					runNum = n + 1
				}
			}
		}
	}

	runDir := filepath.Join(dateDir, fmt.Sprintf("%03d", runNum))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		slog.Warn("failed to create debug run dir", "dir", runDir, "error", err)
		return dateDir
	}

	slog.Info("debug run directory created", "path", runDir)
	return runDir
}

// iterationArtifact is the per-iteration debug record written to the run
// directory.
type iterationArtifact struct {
	IterationID int64      `json:"iteration_id"`
	Plan        model.Plan `json:"plan"`
	Outcome     string     `json:"outcome"`
	Attempts    int        `json:"attempts"`
	EndedAt     time.Time  `json:"ended_at"`
}

// writeArtifact records one iteration's summary in the run directory.
func writeArtifact(runDir string, artifact iterationArtifact) {
	if runDir == "" {
		return
	}

	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		slog.Warn("failed to marshal iteration artifact", "error", err)
		return
	}

	name := filepath.Join(runDir, fmt.Sprintf("iteration_%d.json", artifact.IterationID))
	if err := os.WriteFile(name, data, 0o644); err != nil {
		slog.Warn("failed to write iteration artifact", "file", name, "error", err)
	}
}
