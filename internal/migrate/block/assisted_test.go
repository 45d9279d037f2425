package block

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danshapiro/caravan/internal/migrate/runtime"
)

// writeFakeAssistant writes a sh script standing in for the assistant CLI.
func writeFakeAssistant(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-assistant")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake assistant: %v", err)
	}
	return path
}

func fixedClock() time.Time {
	return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
}

func newAssistedBlock(t *testing.T, cfg AssistedConfig) *AssistedBlock {
	t.Helper()
	if cfg.Now == nil {
		cfg.Now = fixedClock
	}
	b, err := NewAssistedBlock(cfg)
	if err != nil {
		t.Fatalf("NewAssistedBlock: %v", err)
	}
	return b
}

func TestAssistedBlock_EchoesReplyAndWritesTranscript(t *testing.T) {
	root := t.TempDir()
	rc := runtime.NewContext(root)
	rc.Set("class", "LegacyDao")
	assistant := writeFakeAssistant(t, `cat >/dev/null
echo "migrated ok"`)

	b := newAssistedBlock(t, AssistedConfig{
		Name:                     "migrate class",
		PromptTemplate:           "Migrate ${class} to the new API",
		WorkingDirectoryTemplate: root,
		TimeoutSeconds:           10,
		Assistant:                assistant,
	})

	out := b.Execute(context.Background(), rc)
	if !out.Success {
		t.Fatalf("outcome failed: %s (%s)", out.Message, out.ErrorDetail)
	}
	if got := out.OutputVariables["ai_response"]; got != "migrated ok" {
		t.Fatalf("ai_response=%v want migrated ok", got)
	}
	if got := out.OutputVariables["prompt"]; got != "Migrate LegacyDao to the new API" {
		t.Fatalf("prompt=%v", got)
	}

	path, _ := out.OutputVariables["conversation_file"].(string)
	if path == "" {
		t.Fatalf("conversation_file missing from outputs")
	}
	if filepath.Dir(path) != filepath.Join(root, ".analysis", "q", "conversations") {
		t.Fatalf("transcript dir=%s", filepath.Dir(path))
	}
	if base := filepath.Base(path); base != "20260314_092653_migrate_class.md" {
		t.Fatalf("transcript name=%s", base)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	text := string(content)
	if !strings.Contains(text, "# Conversation: migrate class") ||
		!strings.Contains(text, "Migrate LegacyDao to the new API") ||
		!strings.Contains(text, "migrated ok") {
		t.Fatalf("transcript content incomplete:\n%s", text)
	}
}

func TestAssistedBlock_PromptArrivesOnStdin(t *testing.T) {
	root := t.TempDir()
	rc := runtime.NewContext(root)
	// The assistant replies with exactly what it read, proving the prompt was
	// written, flushed, and the stream closed.
	assistant := writeFakeAssistant(t, `reply=$(cat)
echo "got: $reply"`)

	b := newAssistedBlock(t, AssistedConfig{
		Name:                     "echoer",
		PromptTemplate:           "fix the build",
		WorkingDirectoryTemplate: root,
		TimeoutSeconds:           10,
		Assistant:                assistant,
	})

	out := b.Execute(context.Background(), rc)
	if !out.Success {
		t.Fatalf("outcome failed: %s", out.Message)
	}
	if got := out.OutputVariables["ai_response"]; got != "got: fix the build" {
		t.Fatalf("ai_response=%v", got)
	}
}

func TestAssistedBlock_NonInteractiveEnvironment(t *testing.T) {
	root := t.TempDir()
	rc := runtime.NewContext(root)
	assistant := writeFakeAssistant(t, `cat >/dev/null
echo "ci=$CI args=$*"`)

	b := newAssistedBlock(t, AssistedConfig{
		Name:                     "env_probe",
		PromptTemplate:           "check env",
		WorkingDirectoryTemplate: root,
		TimeoutSeconds:           10,
		Assistant:                assistant,
	})

	out := b.Execute(context.Background(), rc)
	if !out.Success {
		t.Fatalf("outcome failed: %s", out.Message)
	}
	reply, _ := out.OutputVariables["ai_response"].(string)
	if !strings.Contains(reply, "ci=true") {
		t.Fatalf("reply=%q want CI=true in environment", reply)
	}
	if !strings.Contains(reply, "chat --no-interactive --trust-all-tools") {
		t.Fatalf("reply=%q want non-interactive argv", reply)
	}
}

func TestAssistedBlock_StderrSeparateFromReply(t *testing.T) {
	root := t.TempDir()
	rc := runtime.NewContext(root)
	sink := &recordSink{}
	assistant := writeFakeAssistant(t, `cat >/dev/null
echo "warning: deprecated flag" 1>&2
echo "the reply"`)

	b := newAssistedBlock(t, AssistedConfig{
		Name:                     "noisy",
		PromptTemplate:           "go",
		WorkingDirectoryTemplate: root,
		TimeoutSeconds:           10,
		Assistant:                assistant,
		Sink:                     sink,
	})

	out := b.Execute(context.Background(), rc)
	if !out.Success {
		t.Fatalf("outcome failed: %s", out.Message)
	}
	if got := out.OutputVariables["ai_response"]; got != "the reply" {
		t.Fatalf("ai_response=%v; stderr leaked into the reply", got)
	}
	warns := sink.warnLines()
	if len(warns) != 1 || !strings.Contains(warns[0], "deprecated flag") {
		t.Fatalf("warn lines=%v want the stderr line", warns)
	}
}

func TestAssistedBlock_NonZeroExitEmbedsBothStreams(t *testing.T) {
	root := t.TempDir()
	rc := runtime.NewContext(root)
	assistant := writeFakeAssistant(t, `cat >/dev/null
echo "partial answer"
echo "credential expired" 1>&2
exit 7`)

	b := newAssistedBlock(t, AssistedConfig{
		Name:                     "broken",
		PromptTemplate:           "go",
		WorkingDirectoryTemplate: root,
		TimeoutSeconds:           10,
		Assistant:                assistant,
	})

	out := b.Execute(context.Background(), rc)
	if out.Success {
		t.Fatalf("outcome succeeded; want failure")
	}
	if !strings.Contains(out.Message, "code 7") {
		t.Fatalf("Message=%q want exit code", out.Message)
	}
	if !strings.Contains(out.ErrorDetail, "partial answer") || !strings.Contains(out.ErrorDetail, "credential expired") {
		t.Fatalf("ErrorDetail=%q want both streams", out.ErrorDetail)
	}
}

func TestAssistedBlock_EmptyStdoutCleanExitIsFailure(t *testing.T) {
	root := t.TempDir()
	rc := runtime.NewContext(root)
	assistant := writeFakeAssistant(t, `cat >/dev/null
exit 0`)

	b := newAssistedBlock(t, AssistedConfig{
		Name:                     "silent",
		PromptTemplate:           "go",
		WorkingDirectoryTemplate: root,
		TimeoutSeconds:           10,
		Assistant:                assistant,
	})

	out := b.Execute(context.Background(), rc)
	if out.Success {
		t.Fatalf("clean exit with no output must not be success")
	}
	if !strings.Contains(out.Message, "no output") {
		t.Fatalf("Message=%q want no-output wording", out.Message)
	}
}

func TestAssistedBlock_EmptyStdoutWithStderrNamesLikelyCause(t *testing.T) {
	root := t.TempDir()
	rc := runtime.NewContext(root)
	assistant := writeFakeAssistant(t, `cat >/dev/null
echo "quota exhausted" 1>&2
exit 0`)

	b := newAssistedBlock(t, AssistedConfig{
		Name:                     "silent_with_cause",
		PromptTemplate:           "go",
		WorkingDirectoryTemplate: root,
		TimeoutSeconds:           10,
		Assistant:                assistant,
	})

	out := b.Execute(context.Background(), rc)
	if out.Success {
		t.Fatalf("outcome succeeded; want failure")
	}
	if !strings.Contains(out.Message, "quota exhausted") {
		t.Fatalf("Message=%q want stderr as likely cause", out.Message)
	}
}

func TestAssistedBlock_TimeoutKillsAssistant(t *testing.T) {
	root := t.TempDir()
	rc := runtime.NewContext(root)
	assistant := writeFakeAssistant(t, `sleep 60`)

	b := newAssistedBlock(t, AssistedConfig{
		Name:                     "hung",
		PromptTemplate:           "go",
		WorkingDirectoryTemplate: root,
		TimeoutSeconds:           1,
		Assistant:                assistant,
	})

	start := time.Now()
	out := b.Execute(context.Background(), rc)
	elapsed := time.Since(start)
	if out.Success {
		t.Fatalf("outcome succeeded; want timeout failure")
	}
	if !strings.Contains(out.Message, "timed out") {
		t.Fatalf("Message=%q want timeout wording", out.Message)
	}
	if elapsed > 6*time.Second {
		t.Fatalf("timeout took %s; kill or grace period did not bound it", elapsed)
	}
}

func TestAssistedBlock_WorkingDirectoryPerInvocation(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "module_a")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	rc := runtime.NewContext(root)
	rc.Set("target_dir", sub)
	assistant := writeFakeAssistant(t, `cat >/dev/null
pwd`)

	b := newAssistedBlock(t, AssistedConfig{
		Name:                     "located",
		PromptTemplate:           "where are you",
		WorkingDirectoryTemplate: "${target_dir}",
		TimeoutSeconds:           10,
		Assistant:                assistant,
	})

	out := b.Execute(context.Background(), rc)
	if !out.Success {
		t.Fatalf("outcome failed: %s", out.Message)
	}
	reply, _ := out.OutputVariables["ai_response"].(string)
	if !strings.HasSuffix(reply, "module_a") {
		t.Fatalf("pwd=%q want suffix module_a", reply)
	}
}

func TestAssistedBlock_MissingPromptVariableFails(t *testing.T) {
	root := t.TempDir()
	rc := runtime.NewContext(root)
	b := newAssistedBlock(t, AssistedConfig{
		Name:                     "unresolved",
		PromptTemplate:           "fix ${missing_thing}",
		WorkingDirectoryTemplate: root,
		TimeoutSeconds:           10,
		Assistant:                "/bin/true",
	})

	out := b.Execute(context.Background(), rc)
	if out.Success {
		t.Fatalf("outcome succeeded; want template failure")
	}
	if !strings.Contains(out.Message, "missing_thing") {
		t.Fatalf("Message=%q", out.Message)
	}
}

func TestAssistedBlock_AssistantFromEnv(t *testing.T) {
	assistant := writeFakeAssistant(t, `cat >/dev/null; echo ok`)
	t.Setenv(assistantBinEnv, assistant)
	b, err := NewAssistedBlock(AssistedConfig{
		Name:                     "env_bin",
		PromptTemplate:           "go",
		WorkingDirectoryTemplate: ".",
	})
	if err != nil {
		t.Fatalf("NewAssistedBlock: %v", err)
	}
	if b.cfg.Assistant != assistant {
		t.Fatalf("Assistant=%q want env override %q", b.cfg.Assistant, assistant)
	}
}

func TestAssistedBlock_ConstructionValidation(t *testing.T) {
	cases := []struct {
		name  string
		cfg   AssistedConfig
		field string
	}{
		{"missing name", AssistedConfig{PromptTemplate: "p", WorkingDirectoryTemplate: "."}, "name"},
		{"missing prompt", AssistedConfig{Name: "x", WorkingDirectoryTemplate: "."}, "prompt"},
		{"missing workdir", AssistedConfig{Name: "x", PromptTemplate: "p"}, "working_directory"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewAssistedBlock(tc.cfg)
			if err == nil {
				t.Fatalf("NewAssistedBlock succeeded; want validation error")
			}
			if !strings.Contains(err.Error(), tc.field) {
				t.Fatalf("err=%v want field %s", err, tc.field)
			}
		})
	}
}

func TestAssistedBlock_FastExitLargeReplyFullyCaptured(t *testing.T) {
	root := t.TempDir()
	rc := runtime.NewContext(root)
	// A reply far larger than the pipe buffer from a process that exits the
	// moment its last write is flushed; nothing may be dropped.
	assistant := writeFakeAssistant(t, `cat >/dev/null
seq 1 50000`)

	b := newAssistedBlock(t, AssistedConfig{
		Name:                     "bulk",
		PromptTemplate:           "list everything",
		WorkingDirectoryTemplate: root,
		TimeoutSeconds:           30,
		Assistant:                assistant,
	})

	out := b.Execute(context.Background(), rc)
	if !out.Success {
		t.Fatalf("outcome failed: %s (%s)", out.Message, out.ErrorDetail)
	}
	reply, _ := out.OutputVariables["ai_response"].(string)
	lines := strings.Split(reply, "\n")
	if len(lines) != 50000 {
		t.Fatalf("got %d lines, last=%q; want 50000 lines", len(lines), lines[len(lines)-1])
	}
	if lines[0] != "1" || lines[len(lines)-1] != "50000" {
		t.Fatalf("reply edges=%q..%q want 1..50000", lines[0], lines[len(lines)-1])
	}
}
