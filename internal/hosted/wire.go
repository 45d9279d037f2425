package hosted

import (
	"encoding/json"
	"fmt"
	"strings"
)

type modelFamily int

const (
	familyGeneric modelFamily = iota
	familyAnthropicMessages
	familyAnthropicLegacy
	familyTitan
)

const anthropicVersion = "bedrock-2023-05-31"

// familyFor keys the wire format off the model identifier itself, never a
// caller-supplied flag. The variant set is closed: unrecognized identifiers
// fall back to the generic prompt shape.
func familyFor(modelID string) modelFamily {
	id := strings.ToLower(strings.TrimSpace(modelID))
	switch {
	case strings.HasPrefix(id, "anthropic.") && strings.Contains(id, "claude-3"):
		return familyAnthropicMessages
	case strings.HasPrefix(id, "anthropic."):
		return familyAnthropicLegacy
	case strings.HasPrefix(id, "amazon.titan"):
		return familyTitan
	default:
		return familyGeneric
	}
}

func buildRequestBody(cfg Config, prompt string) map[string]any {
	switch familyFor(cfg.ModelID) {
	case familyAnthropicMessages:
		body := map[string]any{
			"anthropic_version": anthropicVersion,
			"max_tokens":        cfg.MaxTokens,
			"temperature":       cfg.Temperature,
			"top_p":             cfg.TopP,
			"messages": []map[string]any{
				{"role": "user", "content": prompt},
			},
		}
		if strings.TrimSpace(cfg.SystemPrompt) != "" {
			body["system"] = cfg.SystemPrompt
		}
		return body
	case familyAnthropicLegacy:
		return map[string]any{
			"prompt":               "\n\nHuman: " + prompt + "\n\nAssistant:",
			"max_tokens_to_sample": cfg.MaxTokens,
			"temperature":          cfg.Temperature,
			"top_p":                cfg.TopP,
			"stop_sequences":       []string{"\n\nHuman:"},
		}
	case familyTitan:
		return map[string]any{
			"inputText": prompt,
			"textGenerationConfig": map[string]any{
				"maxTokenCount": cfg.MaxTokens,
				"temperature":   cfg.Temperature,
				"topP":          cfg.TopP,
			},
		}
	default:
		return map[string]any{
			"prompt":      prompt,
			"max_tokens":  cfg.MaxTokens,
			"temperature": cfg.Temperature,
			"top_p":       cfg.TopP,
		}
	}
}

// extractText pulls the reply text out of a raw response body using the same
// family dispatch as serialization. The generic path tries a tiered set of
// known field names and finally returns the raw body verbatim.
func extractText(modelID string, raw []byte) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("parse response body: %w", err)
	}
	switch familyFor(modelID) {
	case familyAnthropicMessages:
		content, _ := doc["content"].([]any)
		if len(content) > 0 {
			if blockDoc, ok := content[0].(map[string]any); ok {
				if text, ok := blockDoc["text"].(string); ok {
					return text, nil
				}
			}
		}
		return "", fmt.Errorf("response for %s has no content[0].text", modelID)
	case familyAnthropicLegacy:
		if text, ok := doc["completion"].(string); ok {
			return text, nil
		}
		return "", fmt.Errorf("response for %s has no completion field", modelID)
	case familyTitan:
		results, _ := doc["results"].([]any)
		if len(results) > 0 {
			if res, ok := results[0].(map[string]any); ok {
				if text, ok := res["outputText"].(string); ok {
					return text, nil
				}
			}
		}
		return "", fmt.Errorf("response for %s has no results[0].outputText", modelID)
	default:
		for _, key := range []string{"text", "completion", "response"} {
			if text, ok := doc[key].(string); ok {
				return text, nil
			}
		}
		return string(raw), nil
	}
}
