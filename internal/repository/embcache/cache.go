// Package embcache caches query embeddings in the key-value store so
// repeated questions skip the embedding API entirely.
package embcache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/Lokeessshhh/rag-everything/internal/db"
	"github.com/Lokeessshhh/rag-everything/internal/domain"
	"github.com/Lokeessshhh/rag-everything/internal/metrics"
)

// QueryEmbedder is the inner embedder being decorated.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Cache decorates a query embedder with read-through caching. Cache failures
// never fail the request: a miss just costs one API call.
type Cache struct {
	inner  QueryEmbedder
	kv     db.KVStore
	ttl    time.Duration
	logger *zap.Logger
}

// New creates a caching decorator.
func New(inner QueryEmbedder, kv db.KVStore, ttl time.Duration, logger *zap.Logger) *Cache {
	return &Cache{inner: inner, kv: kv, ttl: ttl, logger: logger}
}

// EmbedQuery returns the cached vector when present, otherwise embeds and
// caches.
func (c *Cache) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)

	raw, err := c.kv.Get(ctx, key)
	if err == nil {
		vec, derr := decodeVector(raw)
		if derr == nil {
			metrics.EmbeddingCacheTotal.WithLabelValues("hit").Inc()
			return vec, nil
		}
		c.logger.Warn("Dropping corrupt cached embedding",
			zap.String("key", key), zap.Error(derr))
	} else if !errors.Is(err, db.ErrKeyNotFound) {
		c.logger.Warn("Embedding cache read failed", zap.Error(err))
	}
	metrics.EmbeddingCacheTotal.WithLabelValues("miss").Inc()

	vec, err := c.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := c.kv.SetWithTTL(ctx, key, encodeVector(vec), c.ttl); err != nil {
		c.logger.Warn("Embedding cache write failed", zap.Error(err))
	}
	return vec, nil
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return domain.KeyPrefix + "embcache:" + hex.EncodeToString(sum[:])
}

// encodeVector packs the vector as little-endian float32s.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(raw []byte) ([]float32, error) {
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil, fmt.Errorf("bad cached vector length %d", len(raw))
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec, nil
}
