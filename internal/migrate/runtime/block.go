package runtime

import (
	"context"
	"fmt"
	rdebug "runtime/debug"
)

// Block is one unit of a migration plan. Execute converts every internal
// failure into a failed Outcome: it never returns an error and never lets a
// panic escape, so a plan of N blocks keeps running (or is deliberately
// halted by the runner) rather than crashing on block N's internal fault.
// On success the caller, not the block, merges OutputVariables into the
// shared context.
type Block interface {
	Name() string
	Validate() error
	RequiredVariables() []string
	Execute(ctx context.Context, rc *Context) Outcome
}

// Guard runs fn and converts a panic into a failed Outcome. Every block's
// Execute routes through it.
func Guard(name string, fn func() Outcome) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = NewOutcomeBuilder().
				Fail(fmt.Sprintf("%s: panic: %v", name, r)).
				Detail(string(rdebug.Stack())).
				Build()
		}
	}()
	return fn()
}
