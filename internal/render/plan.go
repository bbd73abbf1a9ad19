package render

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/sgd/backend/internal/core"
)

// Plan is the planner model's structured design brief. It drives the
// generation prompt; a request never reaches the image model without one.
type Plan struct {
	Concept     string   `json:"concept"`
	Composition string   `json:"composition"`
	Elements    []string `json:"elements,omitempty"`
	PaletteHex  []string `json:"palette_hex,omitempty"`
	Style       string   `json:"style,omitempty"`
	Negative    string   `json:"negative,omitempty"`
}

// validate enforces the plan contract. A model answer that parses but fails
// here is a guardrails failure, not a provider failure.
func (p *Plan) validate() error {
	if strings.TrimSpace(p.Concept) == "" {
		return core.Errorf(core.KindGuardrails, "plan is missing a concept")
	}
	if len(p.Elements) > 20 {
		p.Elements = p.Elements[:20]
	}
	valid := p.PaletteHex[:0]
	for _, hex := range p.PaletteHex {
		if core.ValidHexColor(hex) {
			valid = append(valid, hex)
		}
	}
	p.PaletteHex = valid
	return nil
}

const plannerSystemPrompt = `You are a senior graphic designer. Produce a design plan for the request as JSON with this exact shape:
{"concept":"","composition":"","elements":[],"palette_hex":["#RRGGBB"],"style":"","negative":""}
Respond with JSON only, no commentary.`

// planCacheKey is stable across equivalent requests: same project, same
// instruction, same canonicalized constraints.
func planCacheKey(projectID string, req *core.RenderRequest) string {
	canon := map[string]interface{}{
		"palette":   sortedCopy(req.Constraints.PaletteHex),
		"fonts":     sortedCopy(req.Constraints.Fonts),
		"safe_zone": req.Constraints.LogoSafeZonePct,
	}
	data, _ := json.Marshal(canon)
	return core.HashKey("plan", projectID, req.Prompts.Instruction, string(data))
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
