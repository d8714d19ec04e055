package types

import (
	"context"

	"github.com/rgould/handbookqa/internal/models"
)

// Core interfaces

// Embedder maps text into fixed-dimension dense vectors. Implementations
// must be order-preserving: EmbedTexts returns exactly one vector per input,
// in input order, all with the same dimensionality.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Generator synthesizes an answer from a question and the ranked passages
// that retrieval produced. Anything that can turn (question, passages) into
// answer text can stand in for the real LLM, including offline test doubles.
type Generator interface {
	Generate(ctx context.Context, question string, passages []models.RetrievalResult) (string, error)
}

// Loader produces the in-memory document set from corpus files.
type Loader interface {
	Load(paths []string) ([]models.Document, error)
}
