// Package vector provides the per-tenant evidence index: collection
// management, batch upsert, and filtered cosine-similarity search. The
// production implementation speaks Qdrant's REST API; tests use the
// in-memory index.
package vector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Dimension is fixed at build time; every upserted vector must match it.
const Dimension = 384

// Point is one vector plus its payload.
type Point struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// Hit is a search result with its similarity score.
type Hit struct {
	ID      string                 `json:"id"`
	Score   float32                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// Index is the contract the ingest and render pipelines depend on.
type Index interface {
	EnsureCollection(ctx context.Context, name string) error
	Upsert(ctx context.Context, collection string, points []Point) error
	// Search returns the top limit hits whose payload matches every filter
	// entry exactly.
	Search(ctx context.Context, collection string, query []float32, filter map[string]string, limit int) ([]Hit, error)
}

var collectionSanitizeRe = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

// CollectionFor derives the org-scoped collection name. Every vector query in
// the system goes through this function, so no unscoped read path exists.
// Names are sanitized and capped at 63 chars; longer names are hashed.
func CollectionFor(orgID string) string {
	name := "brand_assets_" + collectionSanitizeRe.ReplaceAllString(strings.ToLower(orgID), "_")
	if len(name) <= 63 {
		return name
	}
	sum := sha256.Sum256([]byte(orgID))
	return fmt.Sprintf("brand_assets_%s", hex.EncodeToString(sum[:])[:24])
}
