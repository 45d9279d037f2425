package runtime

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError reports a block constructed without a mandatory field.
// It is raised at construction time, before a plan runs.
type ValidationError struct {
	Block  string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	b := e.Block
	if b == "" {
		b = "block"
	}
	return fmt.Sprintf("%s: %s: %s", b, e.Field, e.Reason)
}

// TemplateError reports ${name} references that could not be resolved
// against the context. Missing is sorted and deduplicated.
type TemplateError struct {
	Template string
	Missing  []string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("unresolved variable(s) %s in template %q",
		strings.Join(e.Missing, ", "), e.Template)
}

// TimeoutError reports an operation that exceeded its wall-clock bound and
// was forcibly terminated.
type TimeoutError struct {
	Op    string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Limit)
}

// EmptyOutputError reports an assistant process that exited cleanly without
// writing anything to stdout. A clean exit with no reply is indistinguishable
// from a broken invocation, so it is always a failure. Stderr separates the
// two variants: empty (nothing at all) versus diagnostics that likely explain
// the silence.
type EmptyOutputError struct {
	Stderr string
}

func (e *EmptyOutputError) Error() string {
	diag := strings.TrimSpace(e.Stderr)
	if diag == "" {
		return "assistant exited cleanly but produced no output"
	}
	return fmt.Sprintf("assistant exited cleanly but produced no output; stderr: %s", diag)
}

// HasDiagnostics reports whether stderr carried content alongside the empty
// stdout.
func (e *EmptyOutputError) HasDiagnostics() bool {
	return strings.TrimSpace(e.Stderr) != ""
}

// InterruptedError reports a block aborted because the surrounding run is
// shutting down.
type InterruptedError struct {
	Cause error
}

func (e *InterruptedError) Error() string {
	if e.Cause == nil {
		return "operation interrupted"
	}
	return fmt.Sprintf("operation interrupted: %v", e.Cause)
}

func (e *InterruptedError) Unwrap() error { return e.Cause }
