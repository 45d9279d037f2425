package block

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/danshapiro/caravan/internal/migrate/runtime"
)

const (
	defaultAssistedTimeoutSeconds = 300
	defaultAssistant              = "q"
	assistantBinEnv               = "CARAVAN_ASSISTANT_BIN"
)

// AssistedConfig configures an AssistedBlock. PromptTemplate and
// WorkingDirectoryTemplate are resolved against the context per invocation,
// so a batch can point each invocation at a different directory.
type AssistedConfig struct {
	Name                     string
	PromptTemplate           string
	WorkingDirectoryTemplate string
	TimeoutSeconds           int
	OutputVariable           string
	Description              string
	Assistant                string
	Sink                     runtime.Sink

	// Now is the transcript clock; tests pin it. Defaults to time.Now.
	Now func() time.Time
}

// AssistedBlock runs the local CLI assistant non-interactively: the resolved
// prompt goes in on stdin, the reply comes back on stdout, and stderr carries
// diagnostics. The two output streams are captured independently because they
// carry different signal.
type AssistedBlock struct {
	cfg  AssistedConfig
	sink runtime.Sink
	now  func() time.Time
}

func NewAssistedBlock(cfg AssistedConfig) (*AssistedBlock, error) {
	if err := validateAssistedConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaultAssistedTimeoutSeconds
	}
	if cfg.OutputVariable == "" {
		cfg.OutputVariable = "ai_response"
	}
	if strings.TrimSpace(cfg.Assistant) == "" {
		cfg.Assistant = envOr(assistantBinEnv, defaultAssistant)
	}
	sink := cfg.Sink
	if sink == nil {
		sink = runtime.NopSink{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &AssistedBlock{cfg: cfg, sink: sink, now: now}, nil
}

func validateAssistedConfig(cfg AssistedConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return &runtime.ValidationError{Block: cfg.Name, Field: "name", Reason: "is required"}
	}
	if strings.TrimSpace(cfg.PromptTemplate) == "" {
		return &runtime.ValidationError{Block: cfg.Name, Field: "prompt", Reason: "is required"}
	}
	if strings.TrimSpace(cfg.WorkingDirectoryTemplate) == "" {
		return &runtime.ValidationError{Block: cfg.Name, Field: "working_directory", Reason: "is required"}
	}
	return nil
}

func (b *AssistedBlock) Name() string { return b.cfg.Name }

func (b *AssistedBlock) Validate() error { return validateAssistedConfig(b.cfg) }

func (b *AssistedBlock) RequiredVariables() []string {
	return runtime.PlaceholderNames(b.cfg.PromptTemplate + " " + b.cfg.WorkingDirectoryTemplate)
}

func (b *AssistedBlock) Execute(ctx context.Context, rc *runtime.Context) runtime.Outcome {
	return runtime.Guard(b.cfg.Name, func() runtime.Outcome { return b.run(ctx, rc) })
}

func (b *AssistedBlock) run(ctx context.Context, rc *runtime.Context) runtime.Outcome {
	out := runtime.NewOutcomeBuilder()
	if err := ctx.Err(); err != nil {
		return out.FailError(&runtime.InterruptedError{Cause: err}).Build()
	}

	prompt, err := rc.Substitute(b.cfg.PromptTemplate)
	if err != nil {
		return out.FailError(err).Build()
	}
	workDir, err := rc.Substitute(b.cfg.WorkingDirectoryTemplate)
	if err != nil {
		return out.FailError(err).Build()
	}

	cmd := exec.Command(b.cfg.Assistant, "chat", "--no-interactive", "--trust-all-tools")
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "CI=true")
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return out.FailError(fmt.Errorf("open stdin pipe: %w", err)).Build()
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return out.FailError(fmt.Errorf("open stdout pipe: %w", err)).Build()
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return out.FailError(fmt.Errorf("open stderr pipe: %w", err)).Build()
	}
	if err := cmd.Start(); err != nil {
		return out.FailError(fmt.Errorf("start assistant %q: %w", b.cfg.Assistant, err)).Build()
	}

	var outBuf, errBuf lineBuffer
	var stdoutErr, stderrErr error
	stdoutDone := make(chan struct{})
	go func() {
		defer close(stdoutDone)
		stdoutErr = streamLines(stdout, func(line string) {
			outBuf.Append(line)
			b.sink.Infof("%s: %s", b.cfg.Name, line)
		})
	}()
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		stderrErr = streamLines(stderr, func(line string) {
			errBuf.Append(line)
			b.sink.Warnf("%s: %s", b.cfg.Name, line)
		})
	}()
	stdinDone := make(chan struct{})
	go func() {
		defer close(stdinDone)
		// Close after the prompt so the assistant sees EOF; many CLIs block
		// on stdin until then.
		_, _ = io.WriteString(stdin, prompt+"\n")
		_ = stdin.Close()
	}()

	// Wait closes the parent ends of the pipes, so it must not run until
	// both readers have drained them; a fast-exiting process would otherwise
	// lose the buffered tail of its reply. Process death unblocks the
	// readers on the timeout and cancel paths.
	waitCh := make(chan error, 1)
	go func() {
		<-stdoutDone
		<-stderrDone
		waitCh <- cmd.Wait()
	}()

	timeout := time.Duration(b.cfg.TimeoutSeconds) * time.Second
	var runErr error
	select {
	case runErr = <-waitCh:
	case <-time.After(timeout):
		_ = killProcessGroup(cmd)
		select {
		case <-waitCh:
		case <-time.After(killGrace):
		}
		terr := &runtime.TimeoutError{Op: fmt.Sprintf("assistant %q", b.cfg.Assistant), Limit: timeout}
		return out.Fail(terr.Error()).
			Detail(combinedStreams(outBuf.String(), errBuf.String())).
			Build()
	case <-ctx.Done():
		_ = killProcessGroup(cmd)
		select {
		case <-waitCh:
		case <-time.After(killGrace):
		}
		return out.FailError(&runtime.InterruptedError{Cause: ctx.Err()}).
			Detail(combinedStreams(outBuf.String(), errBuf.String())).
			Build()
	}

	if !waitBounded(stdinDone, stdinJoinBound) {
		out.Warn("stdin writer did not finish in time; abandoned")
	}

	// Both readers finished before Wait returned; their results are safe to
	// read here.
	stdoutText := outBuf.String()
	stderrText := errBuf.String()
	if readErr := stdoutErr; readErr != nil || stderrErr != nil {
		if readErr == nil {
			readErr = stderrErr
		}
		return out.Fail(fmt.Sprintf("assistant output unreadable: %v", readErr)).
			Detail(combinedStreams(stdoutText, stderrText)).
			Build()
	}
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if runErr != nil || exitCode != 0 {
		return out.Fail(fmt.Sprintf("assistant exited with code %d", exitCode)).
			Detail(combinedStreams(stdoutText, stderrText)).
			Build()
	}
	reply := strings.TrimSpace(stdoutText)
	if reply == "" {
		eerr := &runtime.EmptyOutputError{Stderr: stderrText}
		return out.Fail(eerr.Error()).Detail(stderrText).Build()
	}

	out.Output("prompt", prompt)
	out.Output(b.cfg.OutputVariable, reply)
	path, werr := WriteTranscript(rc.ProjectRoot(), b.cfg.Name, b.cfg.Description, prompt, stdoutText, b.now())
	if werr != nil {
		out.Warn(fmt.Sprintf("transcript not written: %v", werr))
	} else {
		out.Output("conversation_file", path)
	}
	return out.Succeed(fmt.Sprintf("assistant replied (%d bytes)", len(reply))).Build()
}

func combinedStreams(stdout, stderr string) string {
	var parts []string
	if strings.TrimSpace(stdout) != "" {
		parts = append(parts, "stdout:\n"+stdout)
	}
	if strings.TrimSpace(stderr) != "" {
		parts = append(parts, "stderr:\n"+stderr)
	}
	return strings.Join(parts, "\n")
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
