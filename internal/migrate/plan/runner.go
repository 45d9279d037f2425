package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/caravan/internal/migrate/block"
	"github.com/danshapiro/caravan/internal/migrate/procutil"
	"github.com/danshapiro/caravan/internal/migrate/runtime"
)

// RunnerOptions configures a plan run. ProjectRoot and HaltOnFailure override
// the plan file when set.
type RunnerOptions struct {
	ProjectRoot   string
	LogsRoot      string
	HaltOnFailure bool
	Sink          runtime.Sink
	Hosted        Generator
	Clock         func() time.Time
}

// Runner executes a plan's blocks in order against one shared context.
// Blocks never run concurrently; output variables of a successful block are
// merged into the context before the next block starts.
type Runner struct {
	file          *File
	blocks        []runtime.Block
	projectRoot   string
	logsRoot      string
	haltOnFailure bool
	sink          runtime.Sink
	now           func() time.Time
}

func NewRunner(f *File, opts RunnerOptions) (*Runner, error) {
	if f == nil {
		return nil, fmt.Errorf("plan file is required")
	}
	projectRoot := strings.TrimSpace(opts.ProjectRoot)
	if projectRoot == "" {
		projectRoot = strings.TrimSpace(f.ProjectRoot)
	}
	if projectRoot == "" {
		projectRoot = "."
	}
	abs, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	projectRoot = abs
	if st, err := os.Stat(projectRoot); err != nil || !st.IsDir() {
		return nil, fmt.Errorf("project root %s is not a directory", projectRoot)
	}

	logsRoot := strings.TrimSpace(opts.LogsRoot)
	if logsRoot == "" {
		logsRoot = filepath.Join(projectRoot, ".analysis", "runs")
	}
	sink := opts.Sink
	if sink == nil {
		sink = runtime.NopSink{}
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	blocks, err := buildBlocks(f, opts, sink, now)
	if err != nil {
		return nil, err
	}
	return &Runner{
		file:          f,
		blocks:        blocks,
		projectRoot:   projectRoot,
		logsRoot:      logsRoot,
		haltOnFailure: f.HaltOnFailure || opts.HaltOnFailure,
		sink:          sink,
		now:           now,
	}, nil
}

func buildBlocks(f *File, opts RunnerOptions, sink runtime.Sink, now func() time.Time) ([]runtime.Block, error) {
	assistant := strings.TrimSpace(f.Assistant.Executable)
	blocks := make([]runtime.Block, 0, len(f.Blocks))
	for i, bc := range f.Blocks {
		var (
			blk runtime.Block
			err error
		)
		switch bc.Type {
		case BlockTypeCommand:
			capture := bc.CaptureOutput == nil || *bc.CaptureOutput
			blk, err = block.NewCommandBlock(block.CommandConfig{
				Name:             bc.Name,
				Command:          bc.Command,
				WorkingDirectory: bc.WorkingDirectory,
				TimeoutSeconds:   bc.TimeoutSeconds,
				CaptureOutput:    capture,
				OutputVariable:   bc.OutputVariable,
				Sink:             sink,
			})
		case BlockTypeAssisted:
			if bc.Backend == BackendHosted {
				blk, err = newHostedAssistedBlock(bc, opts.Hosted, sink, now)
			} else {
				blk, err = block.NewAssistedBlock(block.AssistedConfig{
					Name:                     bc.Name,
					PromptTemplate:           bc.Prompt,
					WorkingDirectoryTemplate: bc.WorkingDirectory,
					TimeoutSeconds:           bc.TimeoutSeconds,
					OutputVariable:           bc.OutputVariable,
					Description:              bc.Description,
					Assistant:                assistant,
					Sink:                     sink,
					Now:                      now,
				})
			}
		case BlockTypeAssistedBatch:
			blk, err = block.NewAssistedBatchBlock(block.BatchConfig{
				Name:                     bc.Name,
				InputNodesVariable:       bc.InputNodesVariable,
				PromptTemplate:           bc.Prompt,
				WorkingDirectoryTemplate: bc.WorkingDirectory,
				TimeoutSeconds:           bc.TimeoutSeconds,
				MaxNodes:                 bc.MaxNodes,
				OutputVariable:           bc.OutputVariable,
				Description:              bc.Description,
				Assistant:                assistant,
				Sink:                     sink,
				Now:                      now,
			})
		default:
			err = fmt.Errorf("unknown block type %q", bc.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("blocks[%d] %s: %w", i, bc.Name, err)
		}
		blocks = append(blocks, blk)
	}
	return blocks, nil
}

// Blocks exposes the constructed block list for preflight reporting.
func (r *Runner) Blocks() []runtime.Block {
	return append([]runtime.Block{}, r.blocks...)
}

// Run executes the plan. A block failure fails the run but, unless
// halt-on-failure is set, later blocks still execute. The returned error is
// reserved for infrastructure faults (log dir, preflight); block failures are
// reported through the Report only.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	for _, b := range r.blocks {
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("preflight: %w", err)
		}
	}

	runID := ulid.Make().String()
	runDir := filepath.Join(r.logsRoot, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	if err := writePIDFile(runDir); err != nil {
		return nil, err
	}
	events, err := newEventLog(filepath.Join(runDir, "events.ndjson"), r.now)
	if err != nil {
		return nil, err
	}
	defer events.Close()

	rc := runtime.NewContext(r.projectRoot)
	rc.Set("project_root", r.projectRoot)
	seedVars, err := ExpandSeeds(r.projectRoot, r.file.Seeds)
	if err != nil {
		return nil, err
	}
	for k, v := range seedVars {
		rc.Set(k, v)
	}
	for k, v := range r.file.Variables {
		rc.Set(k, v)
	}

	report := &Report{
		RunID:      runID,
		RunDir:     runDir,
		StartedAt:  r.now().UTC(),
		BlockCount: len(r.blocks),
	}
	events.Append(map[string]any{
		"event":  "run_start",
		"run_id": runID,
		"blocks": len(r.blocks),
	})

	success := true
	for _, b := range r.blocks {
		events.Append(map[string]any{
			"event":  "block_start",
			"run_id": runID,
			"block":  b.Name(),
		})
		out := b.Execute(ctx, rc)
		if out.Success {
			for k, v := range out.OutputVariables {
				rc.Set(k, v)
			}
			report.SuccessCount++
		} else {
			report.FailureCount++
			success = false
			r.sink.Warnf("block %s failed: %s", b.Name(), out.Message)
		}
		report.Blocks = append(report.Blocks, BlockReport{
			Name:             b.Name(),
			Outcome:          out,
			TranscriptDigest: transcriptDigest(out),
		})
		events.Append(map[string]any{
			"event":      "block_finish",
			"run_id":     runID,
			"block":      b.Name(),
			"success":    out.Success,
			"elapsed_ms": out.ElapsedMS,
		})
		if !out.Success && r.haltOnFailure {
			report.Halted = true
			r.sink.Warnf("halting run after block %s", b.Name())
			break
		}
	}

	report.Success = success
	report.FinishedAt = r.now().UTC()
	events.Append(map[string]any{
		"event":   "run_finish",
		"run_id":  runID,
		"success": success,
		"halted":  report.Halted,
	})
	if err := writeReport(runDir, report); err != nil {
		return nil, err
	}
	return report, nil
}

func writePIDFile(runDir string) error {
	path := filepath.Join(runDir, "caravan.pid")
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// RunAlive reports whether the run that owns runDir still has a live process.
// A terminal report.json means the run is finished regardless of the pid.
func RunAlive(runDir string) bool {
	if _, err := os.Stat(filepath.Join(runDir, "report.json")); err == nil {
		return false
	}
	b, err := os.ReadFile(filepath.Join(runDir, "caravan.pid"))
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return false
	}
	return procutil.PIDAlive(pid)
}

// eventLog appends one JSON object per line, timestamped at append time.
type eventLog struct {
	mu  sync.Mutex
	f   *os.File
	now func() time.Time
}

func newEventLog(path string, now func() time.Time) (*eventLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &eventLog{f: f, now: now}, nil
}

func (l *eventLog) Append(ev map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev["ts"] = l.now().UTC().Format(time.RFC3339Nano)
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = l.f.Write(append(b, '\n'))
}

func (l *eventLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.f.Close()
}
