package block

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/danshapiro/caravan/internal/migrate/runtime"
)

// CommandConfig configures a CommandBlock. Command and WorkingDirectory are
// templates resolved against the context at execution time.
type CommandConfig struct {
	Name             string
	Command          string
	WorkingDirectory string
	TimeoutSeconds   int
	CaptureOutput    bool
	OutputVariable   string
	Sink             runtime.Sink
}

// CommandBlock runs one shell command with stderr merged into stdout and a
// hard wall-clock timeout. Exit code zero is success; everything else,
// including the timeout kill, is a failed outcome carrying the captured
// output.
type CommandBlock struct {
	cfg  CommandConfig
	sink runtime.Sink
}

func NewCommandBlock(cfg CommandConfig) (*CommandBlock, error) {
	if err := validateCommandConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.OutputVariable == "" {
		cfg.OutputVariable = "output"
	}
	sink := cfg.Sink
	if sink == nil {
		sink = runtime.NopSink{}
	}
	return &CommandBlock{cfg: cfg, sink: sink}, nil
}

func validateCommandConfig(cfg CommandConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return &runtime.ValidationError{Block: cfg.Name, Field: "name", Reason: "is required"}
	}
	if strings.TrimSpace(cfg.Command) == "" {
		return &runtime.ValidationError{Block: cfg.Name, Field: "command", Reason: "is required"}
	}
	if cfg.TimeoutSeconds <= 0 {
		return &runtime.ValidationError{Block: cfg.Name, Field: "timeout_seconds", Reason: "must be greater than zero"}
	}
	return nil
}

func (b *CommandBlock) Name() string { return b.cfg.Name }

func (b *CommandBlock) Validate() error { return validateCommandConfig(b.cfg) }

func (b *CommandBlock) RequiredVariables() []string {
	return runtime.PlaceholderNames(b.cfg.Command + " " + b.cfg.WorkingDirectory)
}

func (b *CommandBlock) Execute(ctx context.Context, rc *runtime.Context) runtime.Outcome {
	return runtime.Guard(b.cfg.Name, func() runtime.Outcome { return b.run(ctx, rc) })
}

func (b *CommandBlock) run(ctx context.Context, rc *runtime.Context) runtime.Outcome {
	out := runtime.NewOutcomeBuilder()
	if err := ctx.Err(); err != nil {
		return out.FailError(&runtime.InterruptedError{Cause: err}).Build()
	}

	cmdStr, err := rc.Substitute(b.cfg.Command)
	if err != nil {
		return out.FailError(err).Build()
	}
	workDir := rc.ProjectRoot()
	if strings.TrimSpace(b.cfg.WorkingDirectory) != "" {
		workDir, err = rc.Substitute(b.cfg.WorkingDirectory)
		if err != nil {
			return out.FailError(err).Build()
		}
	}

	timeout := time.Duration(b.cfg.TimeoutSeconds) * time.Second
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell, flag := shellCommand()
	cmd := exec.CommandContext(cctx, shell, flag, cmdStr)
	cmd.Dir = workDir
	// The command has no way to receive stdin; avoid hanging on interactive reads.
	cmd.Stdin = strings.NewReader("")
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = killGrace

	var buf lineBuffer
	var runErr, scanErr error
	if b.cfg.CaptureOutput {
		stdout, perr := cmd.StdoutPipe()
		if perr != nil {
			return out.FailError(fmt.Errorf("open stdout pipe: %w", perr)).Build()
		}
		cmd.Stderr = cmd.Stdout
		if serr := cmd.Start(); serr != nil {
			return out.FailError(fmt.Errorf("start command %q: %w", cmdStr, serr)).Build()
		}
		scanErr = streamLines(stdout, func(line string) {
			buf.Append(line)
			b.sink.Infof("%s: %s", b.cfg.Name, line)
		})
		runErr = cmd.Wait()
	} else {
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
		runErr = cmd.Run()
	}

	captured := buf.String()
	// A stopped reader is the root cause of whatever followed, including a
	// timeout kill of a writer blocked on the full pipe.
	if scanErr != nil {
		return out.Fail(fmt.Sprintf("command output unreadable: %v", scanErr)).Detail(captured).Build()
	}
	if cctx.Err() == context.DeadlineExceeded {
		terr := &runtime.TimeoutError{Op: fmt.Sprintf("command %q", cmdStr), Limit: timeout}
		return out.Fail(terr.Error()).Detail(captured).Build()
	}
	if ctx.Err() != nil {
		return out.FailError(&runtime.InterruptedError{Cause: ctx.Err()}).Detail(captured).Build()
	}

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	out.Output("exit_code", exitCode)
	out.Output("command", cmdStr)
	if b.cfg.CaptureOutput && captured != "" {
		out.Output(b.cfg.OutputVariable, captured)
		out.Output("output_lines", buf.Lines())
	}

	if runErr != nil && cmd.ProcessState == nil {
		return out.FailError(fmt.Errorf("run command %q: %w", cmdStr, runErr)).Build()
	}
	if exitCode != 0 {
		return out.Fail(fmt.Sprintf("command exited with code %d", exitCode)).Detail(captured).Build()
	}
	return out.Succeed("command completed with exit code 0").Build()
}
