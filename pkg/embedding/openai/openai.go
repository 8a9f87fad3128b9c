// Package openai implements embedding.Embedder on the OpenAI embeddings API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"chatflow/pkg/config"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const defaultModel = "text-embedding-3-small"

type Client struct {
	client         osdk.Client
	model          string
	dimensions     int
	requestTimeout time.Duration
}

func New(cfg config.EmbeddingsConfig) (*Client, error) {
	apiKey := resolveAPIKey(cfg)
	if apiKey == "" {
		return nil, errors.New("embeddings.api_key_env is required or OPENAI_API_KEY must be set")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	requestTimeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}

	return &Client{
		client:         osdk.NewClient(opts...),
		model:          model,
		dimensions:     cfg.Dimensions,
		requestTimeout: requestTimeout,
	}, nil
}

func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "embed")
	startedAt := time.Now()
	log.Debug("provider request started", "model", c.model, "inputs", len(texts))

	params := osdk.EmbeddingNewParams{
		Model: osdk.EmbeddingModel(c.model),
		Input: osdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	}
	if c.dimensions > 0 {
		params.Dimensions = osdk.Int(int64(c.dimensions))
	}

	response, err := c.client.Embeddings.New(ctx, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return nil, fmt.Errorf("embed failed: %w", err)
	}

	vectors, err := collectVectors(response.Data, len(texts))
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return nil, err
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds())

	return vectors, nil
}

// collectVectors orders the response by input index and narrows to float32.
func collectVectors(data []osdk.Embedding, want int) ([][]float32, error) {
	if len(data) != want {
		return nil, fmt.Errorf("embed returned %d vectors for %d inputs", len(data), want)
	}

	vectors := make([][]float32, want)
	for _, item := range data {
		index := int(item.Index)
		if index < 0 || index >= want || vectors[index] != nil {
			return nil, fmt.Errorf("embed returned unexpected index %d", item.Index)
		}

		vector := make([]float32, len(item.Embedding))
		for i, value := range item.Embedding {
			vector[i] = float32(value)
		}
		vectors[index] = vector
	}

	return vectors, nil
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "embedding.openai")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func resolveAPIKey(cfg config.EmbeddingsConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}
