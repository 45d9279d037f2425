package plan

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/danshapiro/caravan/internal/migrate/runtime"
)

// Report summarizes one plan run; it is persisted as report.json in the run
// directory and doubles as the terminal marker for RunAlive.
type Report struct {
	RunID        string        `json:"run_id"`
	RunDir       string        `json:"run_dir"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Success      bool          `json:"success"`
	Halted       bool          `json:"halted,omitempty"`
	BlockCount   int           `json:"block_count"`
	SuccessCount int           `json:"success_count"`
	FailureCount int           `json:"failure_count"`
	Blocks       []BlockReport `json:"blocks"`
}

type BlockReport struct {
	Name    string          `json:"name"`
	Outcome runtime.Outcome `json:"outcome"`
	// TranscriptDigest is the blake3 digest of the block's conversation file,
	// when one was written, so a report can vouch for the exact transcript it
	// refers to.
	TranscriptDigest string `json:"transcript_digest,omitempty"`
}

func transcriptDigest(out runtime.Outcome) string {
	raw, ok := out.OutputVariables["conversation_file"]
	if !ok {
		return ""
	}
	path, ok := raw.(string)
	if !ok || path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeReport(runDir string, r *Report) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "report.json"), append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
