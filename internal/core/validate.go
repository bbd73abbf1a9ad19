package core

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

const (
	MaxProjectIDLen    = 64
	MinInstructionLen  = 5
	MaxInstructionLen  = 2000
	MaxReferences      = 8
	MaxOutputCount     = 6
	MinDimension       = 64
	MaxPixels          = 16 * 1000 * 1000
	MaxPaletteColors   = 12
	MaxFonts           = 6
	MaxLogoSafeZonePct = 40
)

var (
	hexColorRe  = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)
	projectIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	dimensionRe = regexp.MustCompile(`^(\d{2,5})x(\d{2,5})$`)
)

// bannedTerms trip the content policy before any provider call is made.
var bannedTerms = []string{
	"violence", "gore", "weapon", "explicit", "nsfw",
	"hate speech", "self-harm", "csam",
}

// ValidHexColor reports whether s is a 6-digit hex color with leading '#'.
func ValidHexColor(s string) bool { return hexColorRe.MatchString(s) }

// ParseDimensions splits "WxH" and enforces the size bounds.
func ParseDimensions(s string) (w, h int, err error) {
	m := dimensionRe.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, Errorf(KindValidation, "dimensions must be WxH, got %q", s)
	}
	w, _ = strconv.Atoi(m[1])
	h, _ = strconv.Atoi(m[2])
	if w < MinDimension || h < MinDimension {
		return 0, 0, Errorf(KindValidation, "dimensions below %dpx minimum: %q", MinDimension, s)
	}
	if w*h > MaxPixels {
		return 0, 0, Errorf(KindValidation, "dimensions exceed %d pixel budget: %q", MaxPixels, s)
	}
	return w, h, nil
}

// Validate checks every business rule of a render request and sanitizes the
// instruction in place. Returns a validation error with field detail, or a
// content-policy error when a banned term is found.
func (r *RenderRequest) Validate(refAllowHosts []string) error {
	fields := map[string]string{}

	if r.ProjectID == "" || len(r.ProjectID) > MaxProjectIDLen || !projectIDRe.MatchString(r.ProjectID) {
		fields["project_id"] = fmt.Sprintf("required token of at most %d chars [A-Za-z0-9_-]", MaxProjectIDLen)
	}

	switch r.Prompts.Task {
	case TaskCreate, TaskEdit, TaskVariations:
	default:
		fields["prompts.task"] = "must be one of create, edit, variations"
	}

	r.Prompts.Instruction = strings.TrimSpace(r.Prompts.Instruction)
	if n := len(r.Prompts.Instruction); n < MinInstructionLen || n > MaxInstructionLen {
		fields["prompts.instruction"] = fmt.Sprintf("length must be %d-%d chars", MinInstructionLen, MaxInstructionLen)
	}

	lower := strings.ToLower(r.Prompts.Instruction)
	for _, term := range bannedTerms {
		if strings.Contains(lower, term) {
			return Errorf(KindContentPolicy, "instruction contains banned term %q", term)
		}
	}

	if len(r.Prompts.References) > MaxReferences {
		fields["prompts.references"] = fmt.Sprintf("at most %d references", MaxReferences)
	}
	for i, ref := range r.Prompts.References {
		if err := checkReferenceURL(ref, refAllowHosts); err != nil {
			if IsKind(err, KindContentPolicy) {
				return err
			}
			fields[fmt.Sprintf("prompts.references[%d]", i)] = err.Error()
		}
	}

	if r.Outputs.Count < 1 || r.Outputs.Count > MaxOutputCount {
		fields["outputs.count"] = fmt.Sprintf("must be 1-%d", MaxOutputCount)
	}
	switch r.Outputs.Format {
	case FormatPNG, FormatJPG, FormatWebP:
	default:
		fields["outputs.format"] = "must be one of png, jpg, webp"
	}
	if _, _, err := ParseDimensions(r.Outputs.Dimensions); err != nil {
		fields["outputs.dimensions"] = err.Error()
	}

	if len(r.Constraints.PaletteHex) > MaxPaletteColors {
		fields["constraints.palette_hex"] = fmt.Sprintf("at most %d colors", MaxPaletteColors)
	}
	for i, c := range r.Constraints.PaletteHex {
		if !ValidHexColor(c) {
			fields[fmt.Sprintf("constraints.palette_hex[%d]", i)] = "must match #RRGGBB"
		}
	}
	if len(r.Constraints.Fonts) > MaxFonts {
		fields["constraints.fonts"] = fmt.Sprintf("at most %d fonts", MaxFonts)
	}
	if z := r.Constraints.LogoSafeZonePct; z < 0 || z > MaxLogoSafeZonePct {
		fields["constraints.logo_safe_zone_pct"] = fmt.Sprintf("must be 0-%d", MaxLogoSafeZonePct)
	}

	if len(fields) > 0 {
		return &Error{Kind: KindValidation, Message: "render request validation failed", Fields: fields}
	}
	return nil
}

// checkReferenceURL enforces https-only references with an optional hostname
// allowlist. Non-https schemes are a policy violation, not a validation nit.
func checkReferenceURL(raw string, allowHosts []string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL")
	}
	if u.Scheme != "https" {
		return Errorf(KindContentPolicy, "reference URL scheme %q forbidden, https only", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	if len(allowHosts) > 0 && !HostAllowed(u.Hostname(), allowHosts) {
		return Errorf(KindContentPolicy, "reference host %q not in allowlist", u.Hostname())
	}
	return nil
}

// HostAllowed matches a hostname against an allowlist; entries match exactly
// or as parent domains (entry "example.com" admits "cdn.example.com").
func HostAllowed(host string, allow []string) bool {
	host = strings.ToLower(host)
	for _, a := range allow {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}
