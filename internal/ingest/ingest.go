// Package ingest implements the brand-evidence pipeline: materialize bytes,
// security-scan them, promote safe uploads out of quarantine, parse, embed,
// index into the per-org vector collection, and derive the brand canon once
// enough evidence exists.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sgd/backend/internal/cache"
	"github.com/sgd/backend/internal/core"
	"github.com/sgd/backend/internal/observability"
	"github.com/sgd/backend/internal/provider"
	"github.com/sgd/backend/internal/scanner"
	"github.com/sgd/backend/internal/storage"
	"github.com/sgd/backend/internal/vector"
)

const (
	maxAssetBytes = 32 << 20
	idempotentTTL = 24 * time.Hour
	snippetCap    = 1000
)

// ModelCaller is the slice of the provider client canon derivation needs.
type ModelCaller interface {
	Execute(ctx context.Context, req *provider.Request) (*provider.Response, error)
}

// Pipeline wires the ingest stages together.
type Pipeline struct {
	store      storage.Client
	scan       *scanner.Scanner
	index      vector.Index
	cache      *cache.Cache
	embedder   Embedder
	models     ModelCaller
	fetch      *http.Client
	allowHosts []string
}

// New creates the pipeline. allowHosts bounds which https hosts assets may be
// fetched from; an empty list rejects all remote fetches.
func New(store storage.Client, scan *scanner.Scanner, index vector.Index, c *cache.Cache, embedder Embedder, models ModelCaller, allowHosts []string) *Pipeline {
	p := &Pipeline{
		store:      store,
		scan:       scan,
		index:      index,
		cache:      c,
		embedder:   embedder,
		models:     models,
		allowHosts: allowHosts,
	}
	p.fetch = &http.Client{
		Timeout: 30 * time.Second,
		// Redirects may not escape the allowlist.
		CheckRedirect: func(req *http.Request, _ []*http.Request) error {
			if !core.HostAllowed(req.URL.Hostname(), p.allowHosts) {
				return core.Errorf(core.KindContentPolicy,
					"redirect to non-allowlisted host %q", req.URL.Hostname())
			}
			return nil
		},
	}
	return p
}

// Run processes every asset in the request. idemKey, when non-empty, makes
// the whole call replay-safe for 24 hours: a repeated key with the same body
// returns the first response without touching storage or the index again.
func (p *Pipeline) Run(ctx context.Context, orgID string, req *core.IngestRequest, idemKey string) (*core.IngestResult, error) {
	if req.ProjectID == "" {
		return nil, core.Errorf(core.KindValidation, "project_id is required")
	}
	if len(req.Assets) == 0 {
		return nil, core.Errorf(core.KindValidation, "assets list is empty")
	}

	var cacheKey string
	if idemKey != "" {
		body, _ := json.Marshal(req)
		cacheKey = core.HashKey("idemp:ingest", idemKey, req.ProjectID, core.HashText(string(body)))
		if raw, err := p.cache.Get(ctx, cacheKey); err == nil {
			var cached core.IngestResult
			if json.Unmarshal(raw, &cached) == nil {
				slog.Info("ingest replayed from idempotency cache", "project_id", req.ProjectID)
				return &cached, nil
			}
		}
	}

	span := traceSpan(ctx, "ingest")
	defer span.Close()
	span.SetMeta("project_id", req.ProjectID)
	span.SetMeta("assets", len(req.Assets))

	result := &core.IngestResult{}
	var snippets []string
	for _, ref := range req.Assets {
		ev, err := p.processAsset(ctx, orgID, req.ProjectID, ref)
		if err != nil {
			span.Fail(err)
			return nil, err
		}
		result.Processed++
		result.VectorIDs = append(result.VectorIDs, ev.ID)
		snippets = append(snippets, ev.Snippet)
	}

	if result.Processed >= canonMinEvidence {
		p.deriveCanon(ctx, orgID, req.ProjectID, snippets)
	}

	if cacheKey != "" {
		if data, err := json.Marshal(result); err == nil {
			if err := p.cache.Set(ctx, cacheKey, data, idempotentTTL); err != nil {
				slog.Warn("idempotency cache write failed", "error", err)
			}
		}
	}
	return result, nil
}

// processAsset runs one asset through scan, promote, parse, embed and upsert.
func (p *Pipeline) processAsset(ctx context.Context, orgID, projectID, ref string) (*core.EvidenceVector, error) {
	data, fromQuarantine, err := p.materialize(ctx, ref)
	if err != nil {
		return nil, err
	}

	report, err := p.scan.Scan(path.Base(ref), data)
	if err != nil {
		// Threat bytes are parked under the threats prefix, which the
		// promotion path refuses categorically.
		threatKey := storage.ThreatKey(orgID, report.SHA256)
		if putErr := p.store.Put(ctx, threatKey, data, "application/octet-stream"); putErr != nil {
			slog.Error("failed to quarantine threat bytes", "key", threatKey, "error", putErr)
		}
		var te *core.Error
		if errors.As(err, &te) {
			te.Ref = threatKey
		}
		slog.Warn("ingest rejected unsafe asset",
			"asset", ref, "sha", report.SHA256[:12], "threats", report.Threats)
		return nil, err
	}
	data = report.Cleaned

	storedRef := ref
	if fromQuarantine {
		publicKey, err := storage.PromoteKey(ref)
		if err != nil {
			return nil, err
		}
		if err := p.store.Put(ctx, publicKey, data, report.DetectedMIME); err != nil {
			return nil, core.NewError(core.KindStorage, "promote to public failed", err)
		}
		storedRef = publicKey
	}

	text := parseText(ref, report.DetectedMIME, data)
	vec, err := cachedEmbed(ctx, p.cache, p.embedder, text)
	if err != nil {
		return nil, err
	}

	ev := &core.EvidenceVector{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		OrgID:     orgID,
		Vector:    vec,
		Snippet:   clip(text, snippetCap),
		AssetRef:  storedRef,
		Type:      report.DetectedMIME,
	}

	coll := vector.CollectionFor(orgID)
	if err := p.index.EnsureCollection(ctx, coll); err != nil {
		return nil, err
	}
	point := vector.Point{
		ID:     ev.ID,
		Vector: ev.Vector,
		Payload: map[string]interface{}{
			"project_id": ev.ProjectID,
			"org_id":     ev.OrgID,
			"asset_ref":  ev.AssetRef,
			"text":       ev.Snippet,
			"type":       ev.Type,
		},
	}
	if err := p.index.Upsert(ctx, coll, []vector.Point{point}); err != nil {
		return nil, err
	}
	return ev, nil
}

// materialize resolves an asset reference to bytes. Storage keys are read
// directly; https URLs must pass the host allowlist. Everything else is
// rejected before any network traffic happens.
func (p *Pipeline) materialize(ctx context.Context, ref string) (data []byte, fromQuarantine bool, err error) {
	if strings.HasPrefix(ref, "org/") {
		data, err := p.store.Get(ctx, ref)
		if err != nil {
			return nil, false, core.NewError(core.KindStorage, "asset read failed: "+ref, err)
		}
		return data, strings.Contains(ref, "/"+string(storage.ClassQuarantine)+"/"), nil
	}

	u, perr := url.Parse(ref)
	if perr != nil || u.Scheme != "https" {
		return nil, false, core.Errorf(core.KindContentPolicy,
			"asset reference must be a storage key or https URL: %q", ref)
	}
	if !core.HostAllowed(u.Hostname(), p.allowHosts) {
		return nil, false, core.Errorf(core.KindContentPolicy,
			"asset host %q not in allowlist", u.Hostname())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, false, core.NewError(core.KindValidation, "malformed asset URL", err)
	}
	resp, err := p.fetch.Do(httpReq)
	if err != nil {
		return nil, false, core.NewError(core.KindStorage, "asset fetch failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false, core.Errorf(core.KindStorage, "asset fetch returned %d for %q", resp.StatusCode, ref)
	}
	data, err = io.ReadAll(io.LimitReader(resp.Body, maxAssetBytes+1))
	if err != nil {
		return nil, false, core.NewError(core.KindStorage, "asset read failed", err)
	}
	if len(data) > maxAssetBytes {
		return nil, false, core.Errorf(core.KindValidation, "asset exceeds %d byte limit", maxAssetBytes)
	}
	return data, false, nil
}

// parseText extracts indexable text. Text-bearing formats contribute their
// content; binary images fall back to a filename-derived description.
func parseText(ref, mime string, data []byte) string {
	switch mime {
	case "text/plain", "image/svg+xml":
		return clip(string(data), 8192)
	}
	base := path.Base(ref)
	name := strings.TrimSuffix(base, path.Ext(base))
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
	return fmt.Sprintf("%s asset: %s", mime, strings.TrimSpace(name))
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// traceSpan opens a span on the active trace, or a detached no-op span when
// the context carries none (worker paths create their own traces).
func traceSpan(ctx context.Context, name string) *observability.SpanHandle {
	if tr := observability.FromContext(ctx); tr != nil {
		return tr.StartSpan(name)
	}
	return observability.NewTrace("detached").StartSpan(name)
}
