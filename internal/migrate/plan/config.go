package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is a migration plan: seed variables plus a strictly ordered block
// sequence. There are no edges, conditions, or scheduling here.
type File struct {
	Version       int                   `json:"version" yaml:"version"`
	ProjectRoot   string                `json:"project_root,omitempty" yaml:"project_root,omitempty"`
	HaltOnFailure bool                  `json:"halt_on_failure,omitempty" yaml:"halt_on_failure,omitempty"`
	Assistant     AssistantConfig       `json:"assistant,omitempty" yaml:"assistant,omitempty"`
	Hosted        *HostedConfig         `json:"hosted,omitempty" yaml:"hosted,omitempty"`
	Variables     map[string]any        `json:"variables,omitempty" yaml:"variables,omitempty"`
	Seeds         map[string]SeedConfig `json:"seeds,omitempty" yaml:"seeds,omitempty"`
	Blocks        []BlockConfig         `json:"blocks" yaml:"blocks"`
}

type AssistantConfig struct {
	Executable string `json:"executable,omitempty" yaml:"executable,omitempty"`
}

// HostedConfig carries plan-level hosted-model settings, used by assisted
// blocks with backend "hosted".
type HostedConfig struct {
	ModelID        string  `json:"model_id" yaml:"model_id"`
	Region         string  `json:"region,omitempty" yaml:"region,omitempty"`
	RateLimitRPM   int     `json:"rate_limit_rpm,omitempty" yaml:"rate_limit_rpm,omitempty"`
	TimeoutSeconds int     `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	RetryAttempts  int     `json:"retry_attempts,omitempty" yaml:"retry_attempts,omitempty"`
	MaxTokens      int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature    float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP           float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	SystemPrompt   string  `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	LogRequests    bool    `json:"log_requests,omitempty" yaml:"log_requests,omitempty"`
	LogResponses   bool    `json:"log_responses,omitempty" yaml:"log_responses,omitempty"`
}

// SeedConfig names a doublestar glob expanded against the project root into
// a list variable before the first block runs.
type SeedConfig struct {
	Glob       string `json:"glob" yaml:"glob"`
	AllowEmpty bool   `json:"allow_empty,omitempty" yaml:"allow_empty,omitempty"`
}

type BlockConfig struct {
	Type               string `json:"type" yaml:"type"`
	Name               string `json:"name" yaml:"name"`
	Command            string `json:"command,omitempty" yaml:"command,omitempty"`
	WorkingDirectory   string `json:"working_directory,omitempty" yaml:"working_directory,omitempty"`
	TimeoutSeconds     int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	CaptureOutput      *bool  `json:"capture_output,omitempty" yaml:"capture_output,omitempty"`
	OutputVariable     string `json:"output_variable,omitempty" yaml:"output_variable,omitempty"`
	Prompt             string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Description        string `json:"description,omitempty" yaml:"description,omitempty"`
	Backend            string `json:"backend,omitempty" yaml:"backend,omitempty"`
	InputNodesVariable string `json:"input_nodes_variable,omitempty" yaml:"input_nodes_variable,omitempty"`
	MaxNodes           int    `json:"max_nodes,omitempty" yaml:"max_nodes,omitempty"`
}

const (
	BlockTypeCommand       = "command"
	BlockTypeAssisted      = "assisted"
	BlockTypeAssistedBatch = "assisted_batch"

	BackendCLI    = "cli"
	BackendHosted = "hosted"
)

// Load reads, schema-checks, strictly decodes, defaults, and validates a plan
// file. JSON is detected by extension; everything else is YAML.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	f, err := Parse(b, strings.HasSuffix(strings.ToLower(path), ".json"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func Parse(b []byte, isJSON bool) (*File, error) {
	if err := validateSchema(b, isJSON); err != nil {
		return nil, err
	}
	var f File
	if isJSON {
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("parse plan: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("parse plan: %w", err)
		}
		if err := dec.Decode(new(any)); !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("plan must be a single yaml document")
		}
	}
	applyPlanDefaults(&f)
	if err := validatePlan(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func applyPlanDefaults(f *File) {
	for i := range f.Blocks {
		bc := &f.Blocks[i]
		if bc.TimeoutSeconds <= 0 {
			switch bc.Type {
			case BlockTypeCommand:
				bc.TimeoutSeconds = 60
			case BlockTypeAssisted:
				bc.TimeoutSeconds = 300
			case BlockTypeAssistedBatch:
				bc.TimeoutSeconds = 600
			}
		}
		if bc.Type == BlockTypeCommand && bc.CaptureOutput == nil {
			capture := true
			bc.CaptureOutput = &capture
		}
		if bc.Type == BlockTypeAssisted && bc.Backend == "" {
			bc.Backend = BackendCLI
		}
		if bc.Type == BlockTypeAssistedBatch && bc.MaxNodes == 0 {
			bc.MaxNodes = -1
		}
	}
}

func validatePlan(f *File) error {
	if f.Version != 1 {
		return fmt.Errorf("version: unsupported plan version %d (want 1)", f.Version)
	}
	if len(f.Blocks) == 0 {
		return fmt.Errorf("blocks: plan has no blocks")
	}
	if f.Hosted != nil && strings.TrimSpace(f.Hosted.ModelID) == "" {
		return fmt.Errorf("hosted.model_id: is required")
	}
	for name, seed := range f.Seeds {
		if strings.TrimSpace(seed.Glob) == "" {
			return fmt.Errorf("seeds.%s.glob: is required", name)
		}
	}
	seen := map[string]bool{}
	for i, bc := range f.Blocks {
		at := fmt.Sprintf("blocks[%d]", i)
		if strings.TrimSpace(bc.Name) == "" {
			return fmt.Errorf("%s.name: is required", at)
		}
		if seen[bc.Name] {
			return fmt.Errorf("%s.name: duplicate block name %q", at, bc.Name)
		}
		seen[bc.Name] = true
		switch bc.Type {
		case BlockTypeCommand:
			if strings.TrimSpace(bc.Command) == "" {
				return fmt.Errorf("%s.command: is required", at)
			}
			if bc.Backend != "" {
				return fmt.Errorf("%s.backend: only assisted blocks take a backend", at)
			}
		case BlockTypeAssisted:
			if strings.TrimSpace(bc.Prompt) == "" {
				return fmt.Errorf("%s.prompt: is required", at)
			}
			switch bc.Backend {
			case BackendCLI:
				if strings.TrimSpace(bc.WorkingDirectory) == "" {
					return fmt.Errorf("%s.working_directory: is required", at)
				}
			case BackendHosted:
				if f.Hosted == nil {
					return fmt.Errorf("%s.backend: hosted backend requires a top-level hosted section", at)
				}
			default:
				return fmt.Errorf("%s.backend: unknown backend %q", at, bc.Backend)
			}
		case BlockTypeAssistedBatch:
			if strings.TrimSpace(bc.InputNodesVariable) == "" {
				return fmt.Errorf("%s.input_nodes_variable: is required", at)
			}
			if strings.TrimSpace(bc.Prompt) == "" {
				return fmt.Errorf("%s.prompt: is required", at)
			}
			if strings.TrimSpace(bc.WorkingDirectory) == "" {
				return fmt.Errorf("%s.working_directory: is required", at)
			}
			if bc.MaxNodes == 0 || bc.MaxNodes < -1 {
				return fmt.Errorf("%s.max_nodes: must be -1 (unlimited) or greater than zero", at)
			}
			if bc.Backend != "" {
				return fmt.Errorf("%s.backend: batches are cli-only", at)
			}
		default:
			return fmt.Errorf("%s.type: unknown block type %q", at, bc.Type)
		}
	}
	return nil
}
