package block

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/danshapiro/caravan/internal/migrate/runtime"
)

const defaultBatchTimeoutSeconds = 600

// scratchVariables are injected per item and removed once the batch ends, so
// later blocks never observe stale batch state.
var scratchVariables = []string{"current_node", "current_node_id", "current_index", "total_nodes"}

// BatchConfig configures an AssistedBatchBlock. InputNodesVariable may itself
// be a template (e.g. ${collection_var}) naming the real variable.
type BatchConfig struct {
	Name                     string
	InputNodesVariable       string
	PromptTemplate           string
	WorkingDirectoryTemplate string
	TimeoutSeconds           int
	MaxNodes                 int
	OutputVariable           string
	Description              string
	Assistant                string
	Sink                     runtime.Sink
	Now                      func() time.Time
}

// AssistedBatchBlock replays an AssistedBlock once per item of an input list,
// continuing past individual failures. One bad node never aborts the batch;
// a batch where every node failed is itself a failure.
type AssistedBatchBlock struct {
	cfg  BatchConfig
	sink runtime.Sink
}

func NewAssistedBatchBlock(cfg BatchConfig) (*AssistedBatchBlock, error) {
	if err := validateBatchConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaultBatchTimeoutSeconds
	}
	sink := cfg.Sink
	if sink == nil {
		sink = runtime.NopSink{}
	}
	return &AssistedBatchBlock{cfg: cfg, sink: sink}, nil
}

func validateBatchConfig(cfg BatchConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return &runtime.ValidationError{Block: cfg.Name, Field: "name", Reason: "is required"}
	}
	if strings.TrimSpace(cfg.InputNodesVariable) == "" {
		return &runtime.ValidationError{Block: cfg.Name, Field: "input_nodes_variable", Reason: "is required"}
	}
	if strings.TrimSpace(cfg.PromptTemplate) == "" {
		return &runtime.ValidationError{Block: cfg.Name, Field: "prompt", Reason: "is required"}
	}
	if strings.TrimSpace(cfg.WorkingDirectoryTemplate) == "" {
		return &runtime.ValidationError{Block: cfg.Name, Field: "working_directory", Reason: "is required"}
	}
	if cfg.MaxNodes == 0 {
		return &runtime.ValidationError{Block: cfg.Name, Field: "max_nodes", Reason: "must be -1 (unlimited) or greater than zero"}
	}
	return nil
}

func (b *AssistedBatchBlock) Name() string { return b.cfg.Name }

func (b *AssistedBatchBlock) Validate() error { return validateBatchConfig(b.cfg) }

func (b *AssistedBatchBlock) RequiredVariables() []string {
	names := runtime.PlaceholderNames(b.cfg.PromptTemplate + " " + b.cfg.WorkingDirectoryTemplate)
	filtered := names[:0]
	for _, n := range names {
		if !isScratchVariable(n) {
			filtered = append(filtered, n)
		}
	}
	if indirect := runtime.PlaceholderNames(b.cfg.InputNodesVariable); len(indirect) > 0 {
		filtered = append(filtered, indirect...)
	} else {
		filtered = append(filtered, b.cfg.InputNodesVariable)
	}
	return filtered
}

func isScratchVariable(name string) bool {
	for _, s := range scratchVariables {
		if name == s {
			return true
		}
	}
	return false
}

func (b *AssistedBatchBlock) Execute(ctx context.Context, rc *runtime.Context) runtime.Outcome {
	return runtime.Guard(b.cfg.Name, func() runtime.Outcome { return b.run(ctx, rc) })
}

func (b *AssistedBatchBlock) run(ctx context.Context, rc *runtime.Context) runtime.Outcome {
	out := runtime.NewOutcomeBuilder()

	varName, err := rc.ResolveName(b.cfg.InputNodesVariable)
	if err != nil {
		return out.FailError(err).Build()
	}
	raw, ok := rc.Get(varName)
	if !ok {
		return out.Fail(fmt.Sprintf("input variable %q is not set", varName)).Build()
	}
	nodes := normalizeNodes(raw)
	if len(nodes) == 0 {
		return out.Succeed("no nodes to process").
			Warn(fmt.Sprintf("input variable %q is empty", varName)).
			Output("processed_node_ids", []string{}).
			Output("failed_node_ids", []string{}).
			Output("node_count", 0).
			Output("success_count", 0).
			Output("failure_count", 0).
			Build()
	}

	limit := len(nodes)
	if b.cfg.MaxNodes > 0 && b.cfg.MaxNodes < limit {
		limit = b.cfg.MaxNodes
	}

	// Deferred so the scratch variables are gone even if a child panics
	// through the guard.
	defer func() {
		for _, name := range scratchVariables {
			rc.Remove(name)
		}
	}()

	processed := []string{}
	failed := []string{}
	errMessages := map[string]string{}
	for i := 0; i < limit; i++ {
		node := nodes[i]
		id := nodeIdentifier(node)
		if ctx.Err() != nil {
			failed = append(failed, id)
			errMessages[id] = (&runtime.InterruptedError{Cause: ctx.Err()}).Error()
			// Charge the remaining nodes too so the counts stay exact.
			for j := i + 1; j < limit; j++ {
				jid := nodeIdentifier(nodes[j])
				failed = append(failed, jid)
				errMessages[jid] = (&runtime.InterruptedError{Cause: ctx.Err()}).Error()
			}
			break
		}

		rc.Set("current_node", node)
		rc.Set("current_node_id", id)
		rc.Set("current_index", i)
		rc.Set("total_nodes", limit)

		child, cerr := NewAssistedBlock(AssistedConfig{
			Name:                     fmt.Sprintf("%s_%d", b.cfg.Name, i),
			PromptTemplate:           b.cfg.PromptTemplate,
			WorkingDirectoryTemplate: b.cfg.WorkingDirectoryTemplate,
			TimeoutSeconds:           b.cfg.TimeoutSeconds,
			OutputVariable:           b.cfg.OutputVariable,
			Description:              b.cfg.Description,
			Assistant:                b.cfg.Assistant,
			Sink:                     b.sink,
			Now:                      b.cfg.Now,
		})
		if cerr != nil {
			failed = append(failed, id)
			errMessages[id] = cerr.Error()
			b.sink.Warnf("%s: node %s skipped: %v", b.cfg.Name, id, cerr)
			continue
		}

		res := child.Execute(ctx, rc)
		if res.Success {
			processed = append(processed, id)
			b.sink.Infof("%s: node %s (%d/%d) done", b.cfg.Name, id, i+1, limit)
			continue
		}
		failed = append(failed, id)
		errMessages[id] = res.Message
		b.sink.Warnf("%s: node %s (%d/%d) failed: %s", b.cfg.Name, id, i+1, limit, res.Message)
	}

	successCount := len(processed)
	failureCount := len(failed)
	out.Output("processed_node_ids", processed).
		Output("failed_node_ids", failed).
		Output("node_count", limit).
		Output("success_count", successCount).
		Output("failure_count", failureCount)
	if failureCount > 0 {
		out.Output("error_messages", errMessages)
	}

	switch {
	case successCount == 0:
		return out.Fail(fmt.Sprintf("all %d nodes failed", failureCount)).Build()
	case failureCount > 0:
		return out.Succeed(fmt.Sprintf("processed %d of %d nodes", successCount, limit)).
			Warn(fmt.Sprintf("%d nodes failed: %s", failureCount, strings.Join(failed, ", "))).
			Build()
	default:
		return out.Succeed(fmt.Sprintf("processed all %d nodes", successCount)).Build()
	}
}

// Identifier is implemented by node values that expose a stable id.
type Identifier interface {
	NodeID() string
}

// nodeIdentifier derives a stable id for one batch item: known map keys
// first, then the Identifier capability, then the item's string form. It
// never panics, even for malformed items.
func nodeIdentifier(v any) (id string) {
	defer func() {
		if recover() != nil {
			id = "unidentified_node"
		}
	}()
	switch t := v.(type) {
	case map[string]any:
		for _, key := range []string{"id", "nodeId", "node_id"} {
			if raw, ok := t[key]; ok {
				if s := strings.TrimSpace(fmt.Sprint(raw)); s != "" {
					return s
				}
			}
		}
	case Identifier:
		if s := strings.TrimSpace(t.NodeID()); s != "" {
			return s
		}
	}
	return fmt.Sprint(v)
}

// normalizeNodes accepts a slice of any element type, an array, or a single
// bare value (one-element batch).
func normalizeNodes(raw any) []any {
	switch t := raw.(type) {
	case nil:
		return nil
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out
	}
	rv := reflect.ValueOf(raw)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return []any{raw}
}
