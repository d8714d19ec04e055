package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms/ollama"
	"golang.org/x/time/rate"
)

// ErrModelUnavailable wraps failures to load or invoke the embedding model.
// A run cannot proceed without embeddings, so callers treat it as fatal.
var ErrModelUnavailable = errors.New("llm: embedding model unavailable")

// EmbedderConfig represents the configuration for the embedder.
type EmbedderConfig struct {
	Model     string
	BaseURL   string  // Ollama server URL
	BatchSize int     // texts per embedding request
	RateLimit float64 // requests per second, 0 disables limiting
	OnBatch   func(done, total int)
}

// Embedder turns text into fixed-dimension vectors using an Ollama
// embedding model. For a fixed model version the same text always embeds to
// the same vector, so embeddings are comparable only within one model.
type Embedder struct {
	config  EmbedderConfig
	llm     *ollama.LLM
	limiter *rate.Limiter
}

func NewEmbedderWithConfig(config EmbedderConfig) (*Embedder, error) {
	if config.Model == "" {
		config.Model = "nomic-embed-text:latest"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}

	emb, err := ollama.New(
		ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}

	return &Embedder{
		config:  config,
		llm:     emb,
		limiter: limiter,
	}, nil
}

// EmbedTexts embeds texts in input order, one vector per input, batched for
// throughput.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
			}
		}

		batch := texts[start:end]
		embeddings, err := e.llm.CreateEmbedding(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
		}
		if len(embeddings) != len(batch) {
			return nil, fmt.Errorf("%w: got %d embeddings for %d texts",
				ErrModelUnavailable, len(embeddings), len(batch))
		}

		out = append(out, embeddings...)
		if e.config.OnBatch != nil {
			e.config.OnBatch(end, len(texts))
		}
	}

	return out, nil
}

// EmbedQuery is the single-item convenience form used for queries.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) != 1 {
		return nil, fmt.Errorf("%w: expected one embedding, got %d", ErrModelUnavailable, len(embeddings))
	}
	return embeddings[0], nil
}
