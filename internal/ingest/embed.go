package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"math"
	"time"

	"github.com/sgd/backend/internal/cache"
	"github.com/sgd/backend/internal/core"
	"github.com/sgd/backend/internal/vector"
)

// Embedder turns evidence text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

const embedCacheTTL = 7 * 24 * time.Hour

// cachedEmbed wraps the embedder with content-addressed caching: identical
// text always resolves to the same cache entry regardless of project or org.
func cachedEmbed(ctx context.Context, c *cache.Cache, e Embedder, text string) ([]float32, error) {
	key := core.HashKey("embed", core.HashText(text))
	raw, err := c.GetOrCompute(ctx, key, embedCacheTTL, func(ctx context.Context) ([]byte, error) {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		return json.Marshal(vec)
	})
	if err != nil {
		return nil, err
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil, core.NewError(core.KindCache, "corrupt cached embedding", err)
	}
	return vec, nil
}

// HashEmbedder is a deterministic local embedder: feature values are drawn
// from iterated SHA-256 of the input and L2-normalized. It carries no
// semantic signal but gives stable, collision-resistant vectors, which is
// enough for dedup-style retrieval and for every test.
type HashEmbedder struct{}

func (HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	out := make([]float32, vector.Dimension)
	seed := sha256.Sum256([]byte(text))
	block := seed
	for i := 0; i < vector.Dimension; i++ {
		if i%8 == 0 && i > 0 {
			block = sha256.Sum256(block[:])
		}
		bits := binary.BigEndian.Uint32(block[(i%8)*4 : (i%8)*4+4])
		out[i] = float32(bits)/float32(math.MaxUint32) - 0.5
	}

	var norm float64
	for _, v := range out {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return out, nil
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / norm)
	}
	return out, nil
}
