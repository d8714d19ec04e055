package chunker

import (
	"fmt"

	"github.com/rgould/handbookqa/internal/models"
)

type ChunkerConfig struct {
	ChunkSize    int // window length in runes
	ChunkOverlap int // runes carried over between consecutive windows
}

// Chunker splits document content into fixed-size windows with overlap.
// Splitting is a pure function of (document, config): the same input always
// produces the same chunks in the same order.
type Chunker struct {
	config ChunkerConfig
}

func NewWithConfig(config ChunkerConfig) (*Chunker, error) {
	if config.ChunkSize < 1 {
		return nil, fmt.Errorf("chunker: chunk_size must be positive, got %d", config.ChunkSize)
	}
	if config.ChunkOverlap < 0 || config.ChunkOverlap >= config.ChunkSize {
		return nil, fmt.Errorf("chunker: chunk_overlap must satisfy 0 <= overlap < chunk_size, got overlap=%d chunk_size=%d",
			config.ChunkOverlap, config.ChunkSize)
	}

	return &Chunker{config: config}, nil
}

// Split produces the chunks of a single document. Seq increases from 0 in
// content order. Empty content yields no chunks; content no longer than the
// window yields exactly one chunk. Every rune of the content appears in at
// least one chunk, including a trailing remainder shorter than the window.
func (c *Chunker) Split(doc models.Document) []models.Chunk {
	runes := []rune(doc.Content)
	if len(runes) == 0 {
		return nil
	}

	step := c.config.ChunkSize - c.config.ChunkOverlap

	chunks := make([]models.Chunk, 0, len(runes)/step+1)
	for start := 0; ; start += step {
		end := start + c.config.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}

		chunks = append(chunks, models.Chunk{
			Text:  string(runes[start:end]),
			Title: doc.Title,
			URL:   doc.URL,
			Seq:   len(chunks),
		})

		if end == len(runes) {
			break
		}
	}

	return chunks
}

// SplitAll chunks every document in order. Chunk ordering is document order
// first, then Seq within a document, which keeps index ids stable across
// runs with identical input.
func (c *Chunker) SplitAll(docs []models.Document) []models.Chunk {
	var chunks []models.Chunk
	for _, doc := range docs {
		chunks = append(chunks, c.Split(doc)...)
	}
	return chunks
}
