package block

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var transcriptNameRe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func sanitizeTranscriptName(name string) string {
	return transcriptNameRe.ReplaceAllString(name, "_")
}

// WriteTranscript persists one prompt/reply pair as a Markdown conversation
// record under <projectRoot>/.analysis/q/conversations. Each invocation gets
// its own file; existing records are never mutated.
func WriteTranscript(projectRoot, blockName, description, prompt, reply string, at time.Time) (string, error) {
	dir := filepath.Join(projectRoot, ".analysis", "q", "conversations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create conversations dir: %w", err)
	}
	fileName := fmt.Sprintf("%s_%s.md", at.Format("20060102_150405"), sanitizeTranscriptName(blockName))
	path := filepath.Join(dir, fileName)

	var sb strings.Builder
	sb.WriteString("# Conversation: " + blockName + "\n\n")
	sb.WriteString("Recorded: " + at.Format(time.RFC3339) + "\n\n")
	if strings.TrimSpace(description) != "" {
		sb.WriteString(strings.TrimSpace(description) + "\n\n")
	}
	sb.WriteString("## Prompt\n\n```\n" + prompt + "\n```\n\n")
	sb.WriteString("## Reply\n\n" + reply + "\n")

	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return "", fmt.Errorf("write transcript: %w", err)
	}
	return path, nil
}
