// Package core holds the domain types shared across the render service:
// render requests and results, jobs, brand canon, evidence vectors, and the
// error taxonomy the HTTP layer translates to status codes.
package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// TaskKind selects the generation mode of a render request.
type TaskKind string

const (
	TaskCreate     TaskKind = "create"
	TaskEdit       TaskKind = "edit"
	TaskVariations TaskKind = "variations"
)

// ImageFormat is the requested output encoding.
type ImageFormat string

const (
	FormatPNG  ImageFormat = "png"
	FormatJPG  ImageFormat = "jpg"
	FormatWebP ImageFormat = "webp"
)

// Prompts describes what the client wants generated.
type Prompts struct {
	Task        TaskKind `json:"task"`
	Instruction string   `json:"instruction"`
	References  []string `json:"references,omitempty"`
}

// Outputs describes how many assets to produce and their shape.
type Outputs struct {
	Count      int         `json:"count"`
	Format     ImageFormat `json:"format"`
	Dimensions string      `json:"dimensions"` // "WxH"
}

// Constraints are the per-request brand constraints. The project canon takes
// precedence over these for palette, fonts and voice.
type Constraints struct {
	PaletteHex      []string `json:"palette_hex,omitempty"`
	Fonts           []string `json:"fonts,omitempty"`
	LogoSafeZonePct float64  `json:"logo_safe_zone_pct,omitempty"`
}

// RenderRequest is the validated, immutable input to the render pipeline.
type RenderRequest struct {
	ProjectID   string      `json:"project_id"`
	Prompts     Prompts     `json:"prompts"`
	Outputs     Outputs     `json:"outputs"`
	Constraints Constraints `json:"constraints,omitempty"`
}

// ContentHash returns the deterministic SHA-256 over the canonical JSON
// serialization of the request. Used for job dedup and result caching.
func (r *RenderRequest) ContentHash() string {
	canon := map[string]interface{}{
		"project_id":  r.ProjectID,
		"task":        r.Prompts.Task,
		"instruction": r.Prompts.Instruction,
		"references":  append([]string(nil), r.Prompts.References...),
		"count":       r.Outputs.Count,
		"format":      r.Outputs.Format,
		"dimensions":  r.Outputs.Dimensions,
		"palette":     sortedCopy(r.Constraints.PaletteHex),
		"fonts":       sortedCopy(r.Constraints.Fonts),
		"safe_zone":   r.Constraints.LogoSafeZonePct,
	}
	data, _ := json.Marshal(canon) // map keys are sorted by encoding/json
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

// SynthID carries provenance watermark detection results for an asset.
type SynthID struct {
	Present bool   `json:"present"`
	Payload string `json:"payload,omitempty"`
}

// Asset is a single stored output image.
type Asset struct {
	URL        string  `json:"url"` // signed, time-bounded
	StorageKey string  `json:"storage_key"`
	SynthID    SynthID `json:"synthid"`
}

// VerifiedBy states how provenance was established.
type VerifiedBy string

const (
	VerifiedDeclared VerifiedBy = "declared"
	VerifiedExternal VerifiedBy = "external"
	VerifiedNone     VerifiedBy = "none"
)

// Audit is the per-request audit trail attached to every RenderResult.
type Audit struct {
	TraceID      string     `json:"trace_id"`
	ModelRoute   []string   `json:"model_route"`
	CostUSD      float64    `json:"cost_usd"`
	GuardrailsOK bool       `json:"guardrails_ok"`
	VerifiedBy   VerifiedBy `json:"verified_by"`
}

// RenderResult is produced exactly once per successful pipeline run and
// cached by content hash.
type RenderResult struct {
	Assets []Asset `json:"assets"`
	Audit  Audit   `json:"audit"`
}

// JobState enumerates the lifecycle of an async render job.
type JobState string

const (
	JobQueued       JobState = "queued"
	JobRunning      JobState = "running"
	JobPreviewReady JobState = "preview_ready"
	JobCompleted    JobState = "completed"
	JobFailed       JobState = "failed"
	JobCancelled    JobState = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// jobRank orders the non-terminal progression. Terminal states share the top
// rank so completed/failed/cancelled never regress to anything.
func jobRank(s JobState) int {
	switch s {
	case JobQueued:
		return 0
	case JobRunning:
		return 1
	case JobPreviewReady:
		return 2
	case JobCompleted, JobFailed, JobCancelled:
		return 3
	default:
		return -1
	}
}

// CanTransition reports whether moving from s to next preserves the total
// order queued < running < preview_ready < terminal.
func (s JobState) CanTransition(next JobState) bool {
	if s.Terminal() {
		return false
	}
	return jobRank(next) > jobRank(s)
}

// Job is the persisted record of an async render.
type Job struct {
	ID          string         `json:"id"`
	ContentHash string         `json:"content_hash"`
	OrgID       string         `json:"org_id"`
	Payload     *RenderRequest `json:"payload"`
	State       JobState       `json:"state"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	PreviewURL  string         `json:"preview_url,omitempty"`
	Result      *RenderResult  `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorKind   string         `json:"error_kind,omitempty"`
}

// Voice captures brand tone guidance derived from evidence.
type Voice struct {
	Tone  string   `json:"tone"`
	Dos   []string `json:"dos,omitempty"`
	Donts []string `json:"donts,omitempty"`
}

// StyleGuidelines are coarse style switches derived alongside the canon.
type StyleGuidelines struct {
	PreferMinimal  bool `json:"prefer_minimal"`
	AvoidGradients bool `json:"avoid_gradients"`
	MaxColors      int  `json:"max_colors"`
}

// BrandCanon is the normalized brand specification enforced on generation.
// Derived from evidence vectors, never authoritative on its own; cached
// per project for seven days.
type BrandCanon struct {
	PaletteHex      []string        `json:"palette_hex"`
	Fonts           []string        `json:"fonts"`
	Voice           Voice           `json:"voice"`
	LogoSafeZonePct float64         `json:"logo_safe_zone_pct"`
	Style           StyleGuidelines `json:"style_guidelines"`
}

// DefaultCanon is the conservative fallback used when canon lookup fails.
// Results produced against it are marked guardrails_ok=false.
func DefaultCanon() *BrandCanon {
	return &BrandCanon{
		PaletteHex:      []string{"#000000", "#FFFFFF"},
		Fonts:           []string{"Inter"},
		Voice:           Voice{Tone: "neutral"},
		LogoSafeZonePct: 10,
		Style:           StyleGuidelines{PreferMinimal: true, MaxColors: 4},
	}
}

// EvidenceVector is one embedded evidence item in the per-org collection.
// Created at ingest, never mutated.
type EvidenceVector struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	OrgID     string    `json:"org_id"`
	Vector    []float32 `json:"vector"`
	Snippet   string    `json:"text_snippet"` // capped at 1kB
	AssetRef  string    `json:"asset_ref"`
	Type      string    `json:"type"`
}

// IngestRequest asks the ingest pipeline to process brand evidence.
type IngestRequest struct {
	ProjectID string   `json:"project_id"`
	Assets    []string `json:"assets"` // storage keys or https URLs
}

// IngestResult reports what the pipeline indexed.
type IngestResult struct {
	Processed int      `json:"processed"`
	VectorIDs []string `json:"vector_ids"`
}

// Critique is the best-effort quality report attached to audits.
type Critique struct {
	Score             float64  `json:"score"`
	Violations        []string `json:"violations"`
	RepairSuggestions []string `json:"repair_suggestions"`
}

// HashKey builds a cache key from typed, separator-delimited parts hashed
// with SHA-256. Raw user strings are never concatenated into keys.
func HashKey(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0x1f}) // unit separator between parts
		}
		fmt.Fprintf(h, "%d:", len(p))
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashText returns the SHA-256 hex digest of s. Used wherever prompts or
// completions must be recorded without storing the raw text.
func HashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
