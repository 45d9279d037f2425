package runtime

import "time"

// Outcome is the immutable result of one block invocation. Blocks report
// every failure through a failed Outcome; errors never cross the Execute
// boundary.
type Outcome struct {
	Success         bool           `json:"success"`
	Message         string         `json:"message"`
	OutputVariables map[string]any `json:"output_variables,omitempty"`
	Warnings        []string       `json:"warnings,omitempty"`
	ErrorDetail     string         `json:"error_detail,omitempty"`
	ElapsedMS       int64          `json:"elapsed_ms"`
}

// OutcomeBuilder accumulates outcome state over one block invocation.
// The elapsed time is measured from construction to Build. Builders are
// single-use.
type OutcomeBuilder struct {
	start    time.Time
	success  bool
	message  string
	outputs  map[string]any
	warnings []string
	detail   string
}

func NewOutcomeBuilder() *OutcomeBuilder {
	return &OutcomeBuilder{start: time.Now(), outputs: map[string]any{}}
}

func (b *OutcomeBuilder) Succeed(message string) *OutcomeBuilder {
	b.success = true
	b.message = message
	return b
}

func (b *OutcomeBuilder) Fail(message string) *OutcomeBuilder {
	b.success = false
	b.message = message
	return b
}

// FailError fails the outcome with the error's message as both the outcome
// message and, when no detail was set yet, the error detail.
func (b *OutcomeBuilder) FailError(err error) *OutcomeBuilder {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	b.Fail(msg)
	if b.detail == "" {
		b.detail = msg
	}
	return b
}

func (b *OutcomeBuilder) Output(name string, value any) *OutcomeBuilder {
	b.outputs[name] = value
	return b
}

func (b *OutcomeBuilder) Warn(message string) *OutcomeBuilder {
	if message != "" {
		b.warnings = append(b.warnings, message)
	}
	return b
}

func (b *OutcomeBuilder) Detail(detail string) *OutcomeBuilder {
	b.detail = detail
	return b
}

func (b *OutcomeBuilder) Build() Outcome {
	out := Outcome{
		Success:     b.success,
		Message:     b.message,
		ErrorDetail: b.detail,
		ElapsedMS:   time.Since(b.start).Milliseconds(),
	}
	if len(b.outputs) > 0 {
		out.OutputVariables = make(map[string]any, len(b.outputs))
		for k, v := range b.outputs {
			out.OutputVariables[k] = v
		}
	}
	if len(b.warnings) > 0 {
		out.Warnings = append([]string{}, b.warnings...)
	}
	return out
}
