package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sgd/backend/internal/core"
)

// QdrantIndex implements Index over Qdrant's REST API.
type QdrantIndex struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewQdrantIndex creates a client for the given Qdrant endpoint.
func NewQdrantIndex(baseURL, apiKey string) *QdrantIndex {
	return &QdrantIndex{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (q *QdrantIndex) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return core.NewError(core.KindVector, "marshal qdrant request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, reader)
	if err != nil {
		return core.NewError(core.KindVector, "build qdrant request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return core.NewError(core.KindVector, fmt.Sprintf("qdrant %s %s", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return core.Errorf(core.KindVector, "qdrant %s %s: %d %s", method, path, resp.StatusCode, data)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return core.NewError(core.KindVector, "decode qdrant response", err)
		}
	}
	return nil
}

// Ping verifies the endpoint answers. Used by the health handler.
func (q *QdrantIndex) Ping(ctx context.Context) error {
	return q.do(ctx, http.MethodGet, "/collections", nil, nil)
}

// EnsureCollection creates the collection with the fixed dimension and cosine
// distance if it does not exist yet.
func (q *QdrantIndex) EnsureCollection(ctx context.Context, name string) error {
	var probe struct {
		Result struct {
			Status string `json:"status"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodGet, "/collections/"+name, nil, &probe); err == nil {
		return nil
	}

	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     Dimension,
			"distance": "Cosine",
		},
	}
	return q.do(ctx, http.MethodPut, "/collections/"+name, body, nil)
}

// Upsert writes points in one batch.
func (q *QdrantIndex) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	payload := make([]map[string]interface{}, 0, len(points))
	for _, p := range points {
		if len(p.Vector) != Dimension {
			return core.Errorf(core.KindVector, "point %s has dimension %d, want %d", p.ID, len(p.Vector), Dimension)
		}
		payload = append(payload, map[string]interface{}{
			"id":      p.ID,
			"vector":  p.Vector,
			"payload": p.Payload,
		})
	}
	body := map[string]interface{}{"points": payload}
	return q.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body, nil)
}

// Search runs a filtered similarity query.
func (q *QdrantIndex) Search(ctx context.Context, collection string, query []float32, filter map[string]string, limit int) ([]Hit, error) {
	body := map[string]interface{}{
		"vector":       query,
		"limit":        limit,
		"with_payload": true,
	}
	if len(filter) > 0 {
		var must []map[string]interface{}
		for k, v := range filter {
			must = append(must, map[string]interface{}{
				"key":   k,
				"match": map[string]interface{}{"value": v},
			})
		}
		body["filter"] = map[string]interface{}{"must": must}
	}

	var out struct {
		Result []struct {
			ID      interface{}            `json:"id"`
			Score   float32                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body, &out); err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(out.Result))
	for _, r := range out.Result {
		hits = append(hits, Hit{ID: fmt.Sprintf("%v", r.ID), Score: r.Score, Payload: r.Payload})
	}
	return hits, nil
}
