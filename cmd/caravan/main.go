package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danshapiro/caravan/internal/hosted"
	"github.com/danshapiro/caravan/internal/migrate/plan"
	"github.com/danshapiro/caravan/internal/migrate/runtime"
)

const version = "0.3.0"

const (
	exitOK     = 0
	exitRun    = 1
	exitConfig = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return exitConfig
	}
	switch args[0] {
	case "run":
		return runPlan(args[1:])
	case "validate":
		return validatePlan(args[1:])
	case "version":
		fmt.Println("caravan " + version)
		return exitOK
	default:
		usage()
		return exitConfig
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  caravan run --plan <file> [--project-root <dir>] [--halt-on-failure] [--logs-root <dir>] [--quiet]")
	fmt.Fprintln(os.Stderr, "  caravan validate --plan <file>")
	fmt.Fprintln(os.Stderr, "  caravan version")
}

type runFlags struct {
	planPath      string
	projectRoot   string
	logsRoot      string
	haltOnFailure bool
	quiet         bool
}

func parseRunFlags(args []string) (runFlags, error) {
	var f runFlags
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--halt-on-failure":
			f.haltOnFailure = true
		case "--quiet":
			f.quiet = true
		case "--plan":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--plan requires a value")
			}
			f.planPath = args[i]
		case "--project-root":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--project-root requires a value")
			}
			f.projectRoot = args[i]
		case "--logs-root":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--logs-root requires a value")
			}
			f.logsRoot = args[i]
		default:
			return f, fmt.Errorf("unknown arg: %s", args[i])
		}
	}
	if strings.TrimSpace(f.planPath) == "" {
		return f, fmt.Errorf("--plan is required")
	}
	return f, nil
}

func runPlan(args []string) int {
	flags, err := parseRunFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		return exitConfig
	}

	f, err := plan.Load(flags.planPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	var sink runtime.Sink = runtime.NopSink{}
	if !flags.quiet {
		sink = runtime.NewWriterSink(os.Stderr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var gen plan.Generator
	if f.Hosted != nil {
		client, cerr := hosted.New(ctx, hosted.Config{
			ModelID:        f.Hosted.ModelID,
			Region:         f.Hosted.Region,
			RateLimitRPM:   f.Hosted.RateLimitRPM,
			TimeoutSeconds: f.Hosted.TimeoutSeconds,
			RetryAttempts:  f.Hosted.RetryAttempts,
			MaxTokens:      f.Hosted.MaxTokens,
			Temperature:    f.Hosted.Temperature,
			TopP:           f.Hosted.TopP,
			SystemPrompt:   f.Hosted.SystemPrompt,
			LogRequests:    f.Hosted.LogRequests,
			LogResponses:   f.Hosted.LogResponses,
		}, sink)
		if cerr != nil {
			fmt.Fprintln(os.Stderr, cerr)
			return exitConfig
		}
		gen = client
	}

	runner, err := plan.NewRunner(f, plan.RunnerOptions{
		ProjectRoot:   flags.projectRoot,
		LogsRoot:      flags.logsRoot,
		HaltOnFailure: flags.haltOnFailure,
		Sink:          sink,
		Hosted:        gen,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	report, err := runner.Run(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRun
	}
	fmt.Printf("run %s: %d/%d blocks succeeded (report: %s)\n",
		report.RunID, report.SuccessCount, report.BlockCount, report.RunDir)
	if !report.Success {
		return exitRun
	}
	return exitOK
}

func validatePlan(args []string) int {
	var planPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--plan":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--plan requires a value")
				return exitConfig
			}
			planPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			return exitConfig
		}
	}
	if strings.TrimSpace(planPath) == "" {
		usage()
		return exitConfig
	}

	f, err := plan.Load(planPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	// Hosted-backed blocks validate against a real client at run time; here a
	// stub is enough to check the rest of the plan.
	runner, err := plan.NewRunner(f, plan.RunnerOptions{
		Sink:   runtime.NopSink{},
		Hosted: validationGenerator{},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	for _, b := range runner.Blocks() {
		if err := b.Validate(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitConfig
		}
		if vars := b.RequiredVariables(); len(vars) > 0 {
			fmt.Printf("%s: requires %s\n", b.Name(), strings.Join(vars, ", "))
		} else {
			fmt.Printf("%s: no required variables\n", b.Name())
		}
	}
	fmt.Printf("%s: ok (%d blocks)\n", planPath, len(runner.Blocks()))
	return exitOK
}

type validationGenerator struct{}

func (validationGenerator) Generate(context.Context, string) (*hosted.Response, error) {
	return nil, fmt.Errorf("hosted client not configured for validation")
}
