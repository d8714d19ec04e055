package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rgould/handbookqa/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/schema"
)

// ErrGenerationFailed wraps failures of the external generation call. It is
// distinct from retrieval failures so callers can fall back to showing raw
// passages.
var ErrGenerationFailed = errors.New("llm: answer generation failed")

// ChatConfig represents the configuration for a chat engine.
type ChatConfig struct {
	Model           string
	Temperature     float64
	MaxTokens       int
	SystemTemplate  string
	ContextTemplate string
	BaseURL         string // Ollama server URL
}

// ChatEngine synthesizes answers from a question and ranked passages using
// an Ollama chat model.
type ChatEngine struct {
	config ChatConfig
	llm    llms.Model
}

// NewWithConfig creates a new ChatEngine with the given configuration.
func NewWithConfig(config ChatConfig) (*ChatEngine, error) {
	if config.Model == "" {
		config.Model = "mistral"
	}
	if config.Temperature < 0 || config.Temperature > 2 {
		return nil, fmt.Errorf("temperature must be between 0 and 2")
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 2000
	}
	if config.SystemTemplate == "" {
		config.SystemTemplate = "You are a helpful assistant answering questions about university policy. " +
			"Answer using only the provided policy excerpts and mention which source supports each statement."
	}
	if config.ContextTemplate == "" {
		config.ContextTemplate = "Policy excerpts:\n%s\nQuestion: %s"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}

	llm, err := ollama.New(
		ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	return &ChatEngine{
		config: config,
		llm:    llm,
	}, nil
}

// Generate produces an answer for the question from the ranked passages.
func (ce *ChatEngine) Generate(ctx context.Context, question string, passages []models.RetrievalResult) (string, error) {
	response, err := ce.llm.GenerateContent(ctx, ce.buildMessages(question, passages),
		llms.WithMaxTokens(ce.config.MaxTokens),
		llms.WithTemperature(ce.config.Temperature),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	return firstChoice(response)
}

// GenerateStream is Generate with incremental output: fn is called with each
// chunk of answer text as the model produces it. The full answer is returned
// once generation finishes.
func (ce *ChatEngine) GenerateStream(ctx context.Context, question string, passages []models.RetrievalResult, fn func(chunk string)) (string, error) {
	response, err := ce.llm.GenerateContent(ctx, ce.buildMessages(question, passages),
		llms.WithMaxTokens(ce.config.MaxTokens),
		llms.WithTemperature(ce.config.Temperature),
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			fn(string(chunk))
			return nil
		}),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	return firstChoice(response)
}

func (ce *ChatEngine) buildMessages(question string, passages []models.RetrievalResult) []llms.MessageContent {
	return []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, ce.config.SystemTemplate),
		llms.TextParts(schema.ChatMessageTypeHuman,
			fmt.Sprintf(ce.config.ContextTemplate, FormatContext(passages), question)),
	}
}

func firstChoice(response *llms.ContentResponse) (string, error) {
	if response == nil || len(response.Choices) == 0 || response.Choices[0] == nil {
		return "", fmt.Errorf("%w: empty response from model", ErrGenerationFailed)
	}
	return response.Choices[0].Content, nil
}

// FormatContext serializes ranked passages into the prompt context, each
// labeled with its source so the model can cite it.
func FormatContext(passages []models.RetrievalResult) string {
	var b strings.Builder
	for _, p := range passages {
		fmt.Fprintf(&b, "Source: %s (%s)\n%s\n\n", p.Chunk.Title, p.Chunk.URL, p.Chunk.Text)
	}
	return b.String()
}

// FormatSources renders a de-duplicated source list for display, preserving
// rank order of first appearance.
func FormatSources(passages []models.RetrievalResult) string {
	seen := make(map[string]bool)
	var sources []string

	for _, p := range passages {
		if !seen[p.Chunk.URL] {
			sources = append(sources, fmt.Sprintf("%s (%s)", p.Chunk.Title, p.Chunk.URL))
			seen[p.Chunk.URL] = true
		}
	}

	if len(sources) == 0 {
		return ""
	}
	return fmt.Sprintf("Sources:\n%s", strings.Join(sources, "\n"))
}
