package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// embedKeyPrefix namespaces embedding entries in Redis.
const embedKeyPrefix = "embed:"

// DefaultCacheTTL is how long cached embeddings live. Embeddings for the
// same model and text never change, so the TTL only bounds memory use.
const DefaultCacheTTL = 24 * time.Hour

// CachedEmbedder wraps an Embedder with a Redis write-through cache.
// Cache misses and Redis errors degrade to the underlying embedder;
// a broken cache never fails an embedding request.
type CachedEmbedder struct {
	inner Embedder
	redis *redis.Client
	ttl   time.Duration
}

// NewCachedEmbedder creates a Redis-backed caching decorator around inner.
func NewCachedEmbedder(inner Embedder, rdb *redis.Client, ttl time.Duration) *CachedEmbedder {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedEmbedder{
		inner: inner,
		redis: rdb,
		ttl:   ttl,
	}
}

// Embed returns a cached embedding when present, otherwise delegates to
// the underlying embedder and stores the result.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)

	if data, err := c.redis.Get(ctx, key).Bytes(); err == nil {
		var embedding []float32
		if err := json.Unmarshal(data, &embedding); err == nil && len(embedding) == c.inner.Dimension() {
			return embedding, nil
		}
		// Corrupt or stale-dimension entry; fall through and overwrite.
	}

	embedding, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(embedding); err == nil {
		if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
			slog.Warn("failed to cache embedding", "error", err)
		}
	}

	return embedding, nil
}

// EmbedBatch embeds each text through the cache-aware Embed path.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		embedding, err := c.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("batch embedding failed at index %d: %w", i, err)
		}
		results[i] = embedding
	}
	return results, nil
}

// Dimension returns the dimensionality of the underlying embedder.
func (c *CachedEmbedder) Dimension() int {
	return c.inner.Dimension()
}

// ModelName returns the name of the underlying embedding model.
func (c *CachedEmbedder) ModelName() string {
	return c.inner.ModelName()
}

// cacheKey hashes model name and text so long passages stay within key
// limits and different models never collide.
func (c *CachedEmbedder) cacheKey(text string) string {
	hash := sha256.Sum256([]byte(c.inner.ModelName() + "|" + text))
	return embedKeyPrefix + fmt.Sprintf("%x", hash)
}

// Ensure CachedEmbedder implements Embedder interface.
var _ Embedder = (*CachedEmbedder)(nil)
