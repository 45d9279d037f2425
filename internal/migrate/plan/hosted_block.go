package plan

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/danshapiro/caravan/internal/hosted"
	"github.com/danshapiro/caravan/internal/migrate/block"
	"github.com/danshapiro/caravan/internal/migrate/runtime"
)

// Generator is the hosted-model capability the runner needs; satisfied by
// *hosted.Client.
type Generator interface {
	Generate(ctx context.Context, prompt string) (*hosted.Response, error)
}

// hostedAssistedBlock sends the resolved prompt to a hosted model API in
// place of the local assistant CLI. It surfaces the same output variables and
// writes the same transcript format, so later blocks cannot tell the backends
// apart.
type hostedAssistedBlock struct {
	name           string
	promptTemplate string
	outputVariable string
	description    string
	gen            Generator
	sink           runtime.Sink
	now            func() time.Time
}

func newHostedAssistedBlock(bc BlockConfig, gen Generator, sink runtime.Sink, now func() time.Time) (*hostedAssistedBlock, error) {
	if strings.TrimSpace(bc.Name) == "" {
		return nil, &runtime.ValidationError{Block: bc.Name, Field: "name", Reason: "is required"}
	}
	if strings.TrimSpace(bc.Prompt) == "" {
		return nil, &runtime.ValidationError{Block: bc.Name, Field: "prompt", Reason: "is required"}
	}
	if gen == nil {
		return nil, &runtime.ValidationError{Block: bc.Name, Field: "backend", Reason: "hosted backend requires a configured hosted client"}
	}
	outputVar := bc.OutputVariable
	if outputVar == "" {
		outputVar = "ai_response"
	}
	if sink == nil {
		sink = runtime.NopSink{}
	}
	if now == nil {
		now = time.Now
	}
	return &hostedAssistedBlock{
		name:           bc.Name,
		promptTemplate: bc.Prompt,
		outputVariable: outputVar,
		description:    bc.Description,
		gen:            gen,
		sink:           sink,
		now:            now,
	}, nil
}

func (b *hostedAssistedBlock) Name() string { return b.name }

func (b *hostedAssistedBlock) Validate() error {
	if b.gen == nil {
		return &runtime.ValidationError{Block: b.name, Field: "backend", Reason: "hosted backend requires a configured hosted client"}
	}
	return nil
}

func (b *hostedAssistedBlock) RequiredVariables() []string {
	return runtime.PlaceholderNames(b.promptTemplate)
}

func (b *hostedAssistedBlock) Execute(ctx context.Context, rc *runtime.Context) runtime.Outcome {
	return runtime.Guard(b.name, func() runtime.Outcome { return b.run(ctx, rc) })
}

func (b *hostedAssistedBlock) run(ctx context.Context, rc *runtime.Context) runtime.Outcome {
	out := runtime.NewOutcomeBuilder()
	if err := ctx.Err(); err != nil {
		return out.FailError(&runtime.InterruptedError{Cause: err}).Build()
	}
	prompt, err := rc.Substitute(b.promptTemplate)
	if err != nil {
		return out.FailError(err).Build()
	}

	resp, err := b.gen.Generate(ctx, prompt)
	if err != nil {
		return out.FailError(err).Build()
	}
	reply := strings.TrimSpace(resp.Text)
	if reply == "" {
		eerr := &runtime.EmptyOutputError{}
		return out.Fail(eerr.Error()).Detail(string(resp.RawBody)).Build()
	}

	out.Output("prompt", prompt)
	out.Output(b.outputVariable, reply)
	path, werr := block.WriteTranscript(rc.ProjectRoot(), b.name, b.description, prompt, resp.Text, b.now())
	if werr != nil {
		out.Warn(fmt.Sprintf("transcript not written: %v", werr))
	} else {
		out.Output("conversation_file", path)
	}
	return out.Succeed(fmt.Sprintf("model %s replied (%d bytes, %d attempt(s))",
		resp.ModelID, len(reply), resp.Attempts)).Build()
}
