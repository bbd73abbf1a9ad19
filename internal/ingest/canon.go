package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/sgd/backend/internal/core"
	"github.com/sgd/backend/internal/provider"
	"github.com/sgd/backend/internal/vector"
)

const (
	canonTTL         = 7 * 24 * time.Hour
	canonMinEvidence = 2
	canonMaxSnippets = 5
)

// CanonCacheKey addresses the derived brand canon for one project.
func CanonCacheKey(orgID, projectID string) string {
	return core.HashKey("canon", orgID, projectID)
}

const canonSystemPrompt = `You are a brand analyst. From the evidence snippets, extract the brand canon as JSON with this exact shape:
{"palette_hex":["#RRGGBB"],"fonts":["name"],"voice":{"tone":"","dos":[],"donts":[]},"logo_safe_zone_pct":0,"style_guidelines":{"prefer_minimal":false,"avoid_gradients":false,"max_colors":0}}
Respond with JSON only.`

// deriveCanon asks the canon model to distill evidence snippets into a
// BrandCanon and caches it for seven days. Derivation is best effort: any
// failure is logged and the previous (or default) canon stays in effect.
func (p *Pipeline) deriveCanon(ctx context.Context, orgID, projectID string, snippets []string) {
	canon, err := p.callCanonModel(ctx, snippets)
	if err != nil {
		slog.Warn("canon derivation failed", "project_id", projectID, "error", err)
		return
	}
	if err := p.cacheCanon(ctx, orgID, projectID, canon); err != nil {
		slog.Warn("canon cache write failed", "project_id", projectID, "error", err)
		return
	}
	slog.Info("brand canon derived", "project_id", projectID,
		"palette", len(canon.PaletteHex), "fonts", len(canon.Fonts))
}

// DeriveCanon re-derives the canon on demand from the evidence already
// indexed for the project. Unlike the automatic post-ingest derivation, a
// failure here is surfaced to the caller.
func (p *Pipeline) DeriveCanon(ctx context.Context, orgID, projectID string) (*core.BrandCanon, error) {
	query, err := p.embedder.Embed(ctx, "brand identity style guide")
	if err != nil {
		return nil, core.NewError(core.KindInternal, "embed canon query", err)
	}
	hits, err := p.index.Search(ctx, vector.CollectionFor(orgID), query,
		map[string]string{"project_id": projectID, "org_id": orgID}, canonMaxSnippets)
	if err != nil {
		return nil, err
	}

	var snippets []string
	for _, h := range hits {
		if text, ok := h.Payload["text"].(string); ok && text != "" {
			snippets = append(snippets, text)
		}
	}
	if len(snippets) == 0 {
		return nil, core.Errorf(core.KindValidation, "no evidence indexed for project %s", projectID)
	}

	canon, err := p.callCanonModel(ctx, snippets)
	if err != nil {
		return nil, err
	}
	if err := p.cacheCanon(ctx, orgID, projectID, canon); err != nil {
		return nil, err
	}
	return canon, nil
}

func (p *Pipeline) callCanonModel(ctx context.Context, snippets []string) (*core.BrandCanon, error) {
	if len(snippets) > canonMaxSnippets {
		snippets = snippets[:canonMaxSnippets]
	}
	resp, err := p.models.Execute(ctx, &provider.Request{
		Task:   provider.TaskCanon,
		System: canonSystemPrompt,
		Prompt: "Evidence:\n- " + strings.Join(snippets, "\n- "),
	})
	if err != nil {
		return nil, err
	}
	var canon core.BrandCanon
	if err := provider.ParseJSON(resp.Text, &canon); err != nil {
		return nil, err
	}
	sanitizeCanon(&canon)
	return &canon, nil
}

func (p *Pipeline) cacheCanon(ctx context.Context, orgID, projectID string, canon *core.BrandCanon) error {
	data, err := json.Marshal(canon)
	if err != nil {
		return core.NewError(core.KindInternal, "marshal canon", err)
	}
	return p.cache.Set(ctx, CanonCacheKey(orgID, projectID), data, canonTTL)
}

// Canon returns the cached canon for a project. The second return is false
// when no derived canon exists and the conservative default is substituted;
// callers mark such results guardrails_ok=false.
func (p *Pipeline) Canon(ctx context.Context, orgID, projectID string) (*core.BrandCanon, bool) {
	raw, err := p.cache.Get(ctx, CanonCacheKey(orgID, projectID))
	if err != nil {
		return core.DefaultCanon(), false
	}
	var canon core.BrandCanon
	if err := json.Unmarshal(raw, &canon); err != nil {
		slog.Warn("cached canon is corrupt, using default", "project_id", projectID, "error", err)
		return core.DefaultCanon(), false
	}
	return &canon, true
}

// SetCanon stores a client-authored canon, replacing any derived one.
func (p *Pipeline) SetCanon(ctx context.Context, orgID, projectID string, canon *core.BrandCanon) error {
	sanitizeCanon(canon)
	data, err := json.Marshal(canon)
	if err != nil {
		return core.NewError(core.KindInternal, "marshal canon", err)
	}
	return p.cache.Set(ctx, CanonCacheKey(orgID, projectID), data, canonTTL)
}

// DeleteCanon drops the project canon; lookups fall back to the default.
func (p *Pipeline) DeleteCanon(ctx context.Context, orgID, projectID string) error {
	return p.cache.Delete(ctx, CanonCacheKey(orgID, projectID))
}

// sanitizeCanon drops malformed palette entries and clamps numeric fields so
// a sloppy model answer cannot poison downstream prompt construction.
func sanitizeCanon(c *core.BrandCanon) {
	valid := c.PaletteHex[:0]
	for _, hex := range c.PaletteHex {
		if core.ValidHexColor(hex) {
			valid = append(valid, hex)
		}
	}
	c.PaletteHex = valid
	if len(c.PaletteHex) > core.MaxPaletteColors {
		c.PaletteHex = c.PaletteHex[:core.MaxPaletteColors]
	}
	if len(c.Fonts) > core.MaxFonts {
		c.Fonts = c.Fonts[:core.MaxFonts]
	}
	if c.LogoSafeZonePct < 0 {
		c.LogoSafeZonePct = 0
	}
	if c.LogoSafeZonePct > core.MaxLogoSafeZonePct {
		c.LogoSafeZonePct = core.MaxLogoSafeZonePct
	}
}
