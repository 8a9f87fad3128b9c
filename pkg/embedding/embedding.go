// Package embedding defines the text-vectorizing provider used for FAQ matching.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chatflow/pkg/config"
	provideropenai "chatflow/pkg/embedding/openai"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Embedder maps a batch of strings to one fixed-length vector per string.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

const defaultCacheSize = 1024

// New builds the provider selected by cfg. It returns a nil Embedder when
// embeddings are disabled.
func New(cfg config.EmbeddingsConfig) (Embedder, error) {
	providerID := cfg.ProviderOrDefault()
	slog.Default().With("component", "embedding.factory").Debug("Resolving embedding provider", "provider", providerID)

	var base Embedder
	switch providerID {
	case config.EmbeddingsNone:
		return nil, nil
	case config.EmbeddingsOpenAI:
		client, err := provideropenai.New(cfg)
		if err != nil {
			return nil, err
		}
		base = client
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", providerID)
	}

	size := cfg.CacheSize
	if size == 0 {
		size = defaultCacheSize
	}
	if size < 0 {
		return base, nil
	}

	return NewCached(base, size)
}

// EmbedOne vectorizes a single string.
func EmbedOne(ctx context.Context, embedder Embedder, text string) ([]float32, error) {
	vectors, err := embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for 1 input", len(vectors))
	}

	return vectors[0], nil
}

// Cached memoizes vectors by exact text in an LRU.
type Cached struct {
	next  Embedder
	cache *lru.Cache[string, []float32]
}

// NewCached wraps next with an LRU of the given size.
func NewCached(next Embedder, size int) (*Cached, error) {
	if next == nil {
		return nil, errors.New("embedder is required")
	}

	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	return &Cached{next: next, cache: cache}, nil
}

func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missing      []string
		missingIndex []int
	)

	for i, text := range texts {
		if vector, ok := c.cache.Get(text); ok {
			out[i] = vector
			continue
		}
		missing = append(missing, text)
		missingIndex = append(missingIndex, i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	vectors, err := c.next.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missing) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d inputs", len(vectors), len(missing))
	}

	for j, vector := range vectors {
		out[missingIndex[j]] = vector
		c.cache.Add(missing[j], vector)
	}

	return out, nil
}
