package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/memmesh/memmesh/pkg/observability"
)

// EmbeddingCache caches embedding vectors in Redis keyed by model and
// content hash. Cache failures are logged and treated as misses; the
// cache never fails a caller.
type EmbeddingCache struct {
	client *redis.Client
	model  string
	ttl    time.Duration
	logger observability.Logger
}

// NewEmbeddingCache creates a cache bound to one embedding model. The
// model name is part of every key so a model change cannot serve stale
// vectors of the wrong dimension.
func NewEmbeddingCache(client *redis.Client, model string, ttl time.Duration, logger observability.Logger) *EmbeddingCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &EmbeddingCache{client: client, model: model, ttl: ttl, logger: logger}
}

func (c *EmbeddingCache) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("emb:%s:%s", c.model, hex.EncodeToString(sum[:]))
}

// Get returns the cached vector for text, or nil on a miss.
func (c *EmbeddingCache) Get(ctx context.Context, text string) []float32 {
	raw, err := c.client.Get(ctx, c.key(text)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("embedding cache read failed", map[string]interface{}{"error": err.Error()})
		}
		return nil
	}
	var vector []float32
	if err := json.Unmarshal(raw, &vector); err != nil {
		c.logger.Warn("embedding cache entry corrupt", map[string]interface{}{"error": err.Error()})
		return nil
	}
	return vector
}

// Put stores the vector for text, best effort.
func (c *EmbeddingCache) Put(ctx context.Context, text string, vector []float32) {
	raw, err := json.Marshal(vector)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(text), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("embedding cache write failed", map[string]interface{}{"error": err.Error()})
	}
}
