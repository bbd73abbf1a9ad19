package render

import (
	"fmt"
	"strings"

	"github.com/sgd/backend/internal/core"
)

// enforcement is the outcome of merging request constraints with the project
// canon. The canon wins on palette, fonts and voice; anything the request
// asked for outside the canon is recorded as a violation rather than silently
// honored.
type enforcement struct {
	Canon      *core.BrandCanon
	Violations []string
	// Derived is false when the conservative default canon was substituted.
	Derived bool
}

// enforceCanon merges the request against the canon and collects violations.
func enforceCanon(req *core.RenderRequest, canon *core.BrandCanon, derived bool) *enforcement {
	e := &enforcement{Canon: canon, Derived: derived}

	canonColors := make(map[string]bool, len(canon.PaletteHex))
	for _, c := range canon.PaletteHex {
		canonColors[strings.ToUpper(c)] = true
	}
	for _, c := range req.Constraints.PaletteHex {
		if len(canonColors) > 0 && !canonColors[strings.ToUpper(c)] {
			e.Violations = append(e.Violations, fmt.Sprintf("color %s not in brand palette", c))
		}
	}

	canonFonts := make(map[string]bool, len(canon.Fonts))
	for _, f := range canon.Fonts {
		canonFonts[strings.ToLower(f)] = true
	}
	for _, f := range req.Constraints.Fonts {
		if len(canonFonts) > 0 && !canonFonts[strings.ToLower(f)] {
			e.Violations = append(e.Violations, fmt.Sprintf("font %q not in brand canon", f))
		}
	}

	if req.Constraints.LogoSafeZonePct > 0 && req.Constraints.LogoSafeZonePct < canon.LogoSafeZonePct {
		e.Violations = append(e.Violations, fmt.Sprintf(
			"logo safe zone %.0f%% below canon minimum %.0f%%",
			req.Constraints.LogoSafeZonePct, canon.LogoSafeZonePct))
	}
	return e
}

// buildGenerationPrompt composes the image prompt: the plan first, then the
// canon constraints restated explicitly so the model cannot drift from them.
func buildGenerationPrompt(req *core.RenderRequest, plan *Plan, e *enforcement) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n\nConcept: %s\n", req.Prompts.Instruction, plan.Concept)
	if plan.Composition != "" {
		fmt.Fprintf(&b, "Composition: %s\n", plan.Composition)
	}
	if len(plan.Elements) > 0 {
		fmt.Fprintf(&b, "Elements: %s\n", strings.Join(plan.Elements, ", "))
	}
	if plan.Style != "" {
		fmt.Fprintf(&b, "Style: %s\n", plan.Style)
	}

	canon := e.Canon
	b.WriteString("\nBrand constraints (mandatory):\n")
	if len(canon.PaletteHex) > 0 {
		fmt.Fprintf(&b, "- Use only these colors: %s\n", strings.Join(canon.PaletteHex, ", "))
	}
	if len(canon.Fonts) > 0 {
		fmt.Fprintf(&b, "- Typography limited to: %s\n", strings.Join(canon.Fonts, ", "))
	}
	if canon.Voice.Tone != "" {
		fmt.Fprintf(&b, "- Brand voice: %s\n", canon.Voice.Tone)
	}
	if canon.LogoSafeZonePct > 0 {
		fmt.Fprintf(&b, "- Keep a %.0f%% clear zone around any logo\n", canon.LogoSafeZonePct)
	}
	if canon.Style.PreferMinimal {
		b.WriteString("- Minimal, uncluttered layout\n")
	}
	if canon.Style.AvoidGradients {
		b.WriteString("- No gradients\n")
	}
	if canon.Style.MaxColors > 0 {
		fmt.Fprintf(&b, "- At most %d distinct colors\n", canon.Style.MaxColors)
	}
	if plan.Negative != "" {
		fmt.Fprintf(&b, "\nAvoid: %s\n", plan.Negative)
	}
	return b.String()
}
