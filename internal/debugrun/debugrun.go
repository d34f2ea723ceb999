// Package debugrun creates per-session directories for dumping a research
// run's diary and knowledge transcript, for replaying how a session's
// reasoning evolved. A development aid, not part of the request/response
// contract.
package debugrun

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Setup creates a new debug run directory under baseDir/YYYY-MM-DD/NNN and
// returns its path, or "" if baseDir is empty or directory creation fails.
func Setup(baseDir string) string {
	if baseDir == "" {
		return ""
	}

	dateDir := filepath.Join(baseDir, time.Now().Format("2006-01-02"))
	if err := os.MkdirAll(dateDir, 0o755); err != nil {
		slog.Warn("debugrun: failed to create date dir", "dir", dateDir, "error", err)
		return ""
	}

	runNum := 1
	entries, err := os.ReadDir(dateDir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if n, convErr := strconv.Atoi(e.Name()); convErr == nil && n >= runNum {
				runNum = n + 1
			}
		}
	}

	runDir := filepath.Join(dateDir, strconv.Itoa(runNum))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		slog.Warn("debugrun: failed to create run dir", "dir", runDir, "error", err)
		return ""
	}
	return runDir
}

// WriteTranscript writes name under dir, silently doing nothing if dir is
// empty (debug dumping disabled for this session).
func WriteTranscript(dir, name, content string) {
	if dir == "" {
		return
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		slog.Warn("debugrun: failed to write transcript", "path", path, "error", err)
	}
}
