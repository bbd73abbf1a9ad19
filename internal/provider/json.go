package provider

import (
	"encoding/json"
	"strings"

	"github.com/sgd/backend/internal/core"
)

// ParseJSON decodes a JSON document out of model text. Models wrap output in
// markdown fences or chatter around it often enough that a strict parse gets
// two rescue attempts: fence stripping, then the outermost brace pair.
func ParseJSON(text string, v interface{}) error {
	candidates := []string{strings.TrimSpace(text)}

	if stripped := stripFences(text); stripped != "" {
		candidates = append(candidates, stripped)
	}
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			candidates = append(candidates, text[start:end+1])
		}
	}

	var lastErr error
	for _, c := range candidates {
		if err := json.Unmarshal([]byte(c), v); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return core.NewError(core.KindProvider, "model output is not valid JSON", lastErr)
}

func stripFences(text string) string {
	t := strings.TrimSpace(text)
	start := strings.Index(t, "```")
	if start < 0 {
		return ""
	}
	t = t[start+3:]
	if nl := strings.Index(t, "\n"); nl >= 0 && !strings.ContainsAny(t[:nl], "{[") {
		t = t[nl+1:] // drop the language tag line
	}
	if end := strings.LastIndex(t, "```"); end >= 0 {
		t = t[:end]
	}
	return strings.TrimSpace(t)
}
