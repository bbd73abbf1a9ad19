package vector

import (
	"context"
	"strings"
	"testing"
)

func TestCollectionFor_SanitizesAndScopes(t *testing.T) {
	if got := CollectionFor("Acme Corp!"); got != "brand_assets_acme_corp_" {
		t.Errorf("sanitized name mismatch: %s", got)
	}

	long := CollectionFor(strings.Repeat("x", 120))
	if len(long) > 63 {
		t.Errorf("long org ids must hash below 63 chars, got %d", len(long))
	}
	if !strings.HasPrefix(long, "brand_assets_") {
		t.Errorf("hashed name keeps the prefix: %s", long)
	}

	// Distinct orgs must never share a collection.
	if CollectionFor("org-a") == CollectionFor("org-b") {
		t.Error("collections must be org-scoped")
	}
}

func unitVec(hot int) []float32 {
	v := make([]float32, Dimension)
	v[hot] = 1
	return v
}

func TestMemoryIndex_FilteredSearch(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	coll := CollectionFor("org-1")

	if err := idx.EnsureCollection(ctx, coll); err != nil {
		t.Fatal(err)
	}
	points := []Point{
		{ID: "a", Vector: unitVec(0), Payload: map[string]interface{}{"project_id": "p1", "org_id": "org-1"}},
		{ID: "b", Vector: unitVec(0), Payload: map[string]interface{}{"project_id": "p2", "org_id": "org-1"}},
		{ID: "c", Vector: unitVec(1), Payload: map[string]interface{}{"project_id": "p1", "org_id": "org-1"}},
	}
	if err := idx.Upsert(ctx, coll, points); err != nil {
		t.Fatal(err)
	}

	hits, err := idx.Search(ctx, coll, unitVec(0), map[string]string{"project_id": "p1"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("filter should keep only p1 points, got %d hits", len(hits))
	}
	if hits[0].ID != "a" {
		t.Errorf("closest point should rank first, got %s (score %f)", hits[0].ID, hits[0].Score)
	}
}

func TestMemoryIndex_RejectsWrongDimension(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	coll := CollectionFor("org-2")
	idx.EnsureCollection(ctx, coll)

	err := idx.Upsert(ctx, coll, []Point{{ID: "bad", Vector: []float32{1, 2, 3}}})
	if err == nil {
		t.Error("upsert must reject vectors of the wrong dimension")
	}
}
