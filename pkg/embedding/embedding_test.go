package embedding

import (
	"context"
	"errors"
	"sync"
	"testing"

	"chatflow/pkg/config"
)

type countingEmbedder struct {
	mu     sync.Mutex
	inputs [][]string
	err    error
}

func (c *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inputs = append(c.inputs, append([]string(nil), texts...))
	if c.err != nil {
		return nil, c.err
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1}
	}
	return out, nil
}

func TestCachedOnlyEmbedsMisses(t *testing.T) {
	inner := &countingEmbedder{}
	cached, err := NewCached(inner, 8)
	if err != nil {
		t.Fatalf("NewCached error: %v", err)
	}

	ctx := context.Background()
	if _, err := cached.Embed(ctx, []string{"a", "bb"}); err != nil {
		t.Fatalf("Embed error: %v", err)
	}

	vectors, err := cached.Embed(ctx, []string{"bb", "ccc", "a"})
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}

	if len(inner.inputs) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(inner.inputs))
	}
	if got := inner.inputs[1]; len(got) != 1 || got[0] != "ccc" {
		t.Fatalf("second call inputs = %#v, want [ccc]", got)
	}
	if vectors[0][0] != 2 || vectors[1][0] != 3 || vectors[2][0] != 1 {
		t.Fatalf("vectors out of order: %#v", vectors)
	}
}

func TestCachedPropagatesErrors(t *testing.T) {
	wantErr := errors.New("quota")
	cached, err := NewCached(&countingEmbedder{err: wantErr}, 8)
	if err != nil {
		t.Fatalf("NewCached error: %v", err)
	}

	if _, err := cached.Embed(context.Background(), []string{"x"}); !errors.Is(err, wantErr) {
		t.Fatalf("Embed error = %v, want %v", err, wantErr)
	}
}

func TestEmbedOne(t *testing.T) {
	vector, err := EmbedOne(context.Background(), &countingEmbedder{}, "four")
	if err != nil {
		t.Fatalf("EmbedOne error: %v", err)
	}
	if vector[0] != 4 {
		t.Fatalf("vector = %#v", vector)
	}
}

func TestNewDisabledReturnsNil(t *testing.T) {
	embedder, err := New(config.EmbeddingsConfig{})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if embedder != nil {
		t.Fatalf("embedder = %#v, want nil", embedder)
	}

	if _, err := New(config.EmbeddingsConfig{Provider: "cohere"}); err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

func TestNewOpenAIIsCached(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	embedder, err := New(config.EmbeddingsConfig{Provider: "openai"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if _, ok := embedder.(*Cached); !ok {
		t.Fatalf("embedder = %T, want *Cached", embedder)
	}
}
