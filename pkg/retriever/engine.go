package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rgould/handbookqa/internal/models"
	"github.com/rgould/handbookqa/internal/types"
	"github.com/rgould/handbookqa/pkg/chunker"
	"github.com/rgould/handbookqa/pkg/index"
)

var (
	// ErrIndexNotBuilt is returned by query operations before a successful
	// Build. It is fatal to the query, not to the engine.
	ErrIndexNotBuilt = errors.New("retriever: index not built")

	// ErrQueryEmbedding wraps embedder failures while embedding a question.
	ErrQueryEmbedding = errors.New("retriever: query embedding failed")
)

// State is the corpus build pipeline stage. A build moves strictly forward
// through the stages; only StateIndexed engines accept queries. A failed
// build leaves the engine in StateEmpty so no half-built index is ever
// queryable.
type State int

const (
	StateEmpty State = iota
	StateLoading
	StateChunking
	StateEmbedding
	StateIndexed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoading:
		return "loading"
	case StateChunking:
		return "chunking"
	case StateEmbedding:
		return "embedding"
	case StateIndexed:
		return "indexed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type EngineConfig struct {
	Embedder  types.Embedder
	Generator types.Generator
	Loader    types.Loader

	ChunkSize    int
	ChunkOverlap int
	Metric       index.Metric

	Logger *slog.Logger

	// OnChunks is called once chunking finishes, with the chunk count.
	OnChunks func(count int)
}

// Engine owns the vector index and the id-to-chunk back-reference, and runs
// both the build pipeline and query-time retrieval. Construct, Build once,
// then query; after a successful Build the engine is read-only and safe for
// concurrent Retrieve/Ask calls.
type Engine struct {
	config  EngineConfig
	chunker *chunker.Chunker
	logger  *slog.Logger

	state  State
	index  *index.Index
	chunks []models.Chunk // position i backs index id i
}

func NewWithConfig(config EngineConfig) (*Engine, error) {
	if config.Embedder == nil {
		return nil, errors.New("retriever: embedder is required")
	}
	if config.ChunkSize == 0 {
		config.ChunkSize = 1000
	}

	c, err := chunker.NewWithConfig(chunker.ChunkerConfig{
		ChunkSize:    config.ChunkSize,
		ChunkOverlap: config.ChunkOverlap,
	})
	if err != nil {
		return nil, err
	}

	// Fail on a bad metric now rather than mid-build.
	if _, err := index.NewWithConfig(index.IndexConfig{Metric: config.Metric}); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		config:  config,
		chunker: c,
		logger:  logger,
		state:   StateEmpty,
	}, nil
}

// State reports the engine's pipeline state.
func (e *Engine) State() State {
	return e.state
}

// BuildFromFiles loads the corpus files through the configured Loader and
// then builds. The loading stage failing aborts the build like any other
// stage.
func (e *Engine) BuildFromFiles(ctx context.Context, paths []string) error {
	if e.config.Loader == nil {
		return buildError(StateLoading, errors.New("retriever: loader is required"))
	}

	docs, err := e.config.Loader.Load(paths)
	if err != nil {
		return buildError(StateLoading, err)
	}
	return e.Build(ctx, docs)
}

// Build runs the corpus pipeline: chunk every document in order, embed the
// chunks, and index the vectors. All-or-nothing: the fresh index and its
// chunk back-reference are published only if every stage succeeds, so a
// failed build never leaves a partially queryable engine behind.
func (e *Engine) Build(ctx context.Context, docs []models.Document) error {
	chunks := e.chunker.SplitAll(docs)
	if len(chunks) == 0 {
		return buildError(StateChunking, errors.New("retriever: corpus produced no chunks"))
	}
	if e.config.OnChunks != nil {
		e.config.OnChunks(len(chunks))
	}
	e.logger.Info("corpus chunked", "documents", len(docs), "chunks", len(chunks))

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}

	vectors, err := e.config.Embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return buildError(StateEmbedding, err)
	}
	if len(vectors) != len(chunks) {
		return buildError(StateEmbedding,
			fmt.Errorf("retriever: got %d embeddings for %d chunks", len(vectors), len(chunks)))
	}

	idx, err := index.NewWithConfig(index.IndexConfig{Metric: e.config.Metric})
	if err != nil {
		return buildError(StateEmbedding, err)
	}
	if err := idx.Add(vectors); err != nil {
		return buildError(StateEmbedding, err)
	}

	e.index = idx
	e.chunks = chunks
	e.state = StateIndexed
	e.logger.Info("index built", "vectors", idx.Size(), "dimension", idx.Dimension())
	return nil
}

// Retrieve embeds the question, searches the index, and resolves internal
// ids back to chunks. Results come ranked 1..n by ascending score (distance,
// lower is better).
func (e *Engine) Retrieve(ctx context.Context, question string, topK int) ([]models.RetrievalResult, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("retriever: top_k must be positive, got %d", topK)
	}
	if e.state != StateIndexed {
		return nil, ErrIndexNotBuilt
	}

	query, err := e.config.Embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryEmbedding, err)
	}

	matches, err := e.index.Search(query, topK)
	if err != nil {
		return nil, err
	}

	results := make([]models.RetrievalResult, len(matches))
	for i, m := range matches {
		results[i] = models.RetrievalResult{
			Chunk: e.chunks[m.ID],
			Score: m.Distance,
			Rank:  i + 1,
		}
	}
	return results, nil
}

// Ask retrieves and then synthesizes an answer. If generation fails, the
// returned Answer still carries the retrieval results and citations along
// with the error, so callers can show raw passages instead of dying.
func (e *Engine) Ask(ctx context.Context, question string, topK int) (*models.Answer, error) {
	return e.ask(ctx, question, topK, nil)
}

// AskStream is Ask with incremental answer output when the generator
// supports it; fn receives each chunk of answer text as it is produced.
func (e *Engine) AskStream(ctx context.Context, question string, topK int, fn func(chunk string)) (*models.Answer, error) {
	return e.ask(ctx, question, topK, fn)
}

type streamingGenerator interface {
	GenerateStream(ctx context.Context, question string, passages []models.RetrievalResult, fn func(chunk string)) (string, error)
}

func (e *Engine) ask(ctx context.Context, question string, topK int, fn func(chunk string)) (*models.Answer, error) {
	results, err := e.Retrieve(ctx, question, topK)
	if err != nil {
		return nil, err
	}

	answer := &models.Answer{
		Sources:   results,
		Citations: citations(results),
	}

	if e.config.Generator == nil {
		return answer, errors.New("retriever: no generator configured")
	}

	var text string
	if sg, ok := e.config.Generator.(streamingGenerator); ok && fn != nil {
		text, err = sg.GenerateStream(ctx, question, results, fn)
	} else {
		text, err = e.config.Generator.Generate(ctx, question, results)
	}
	if err != nil {
		return answer, err
	}

	answer.Text = text
	return answer, nil
}

// citations lists one citation per retrieved chunk, in rank order.
func citations(results []models.RetrievalResult) []models.Citation {
	out := make([]models.Citation, len(results))
	for i, r := range results {
		out[i] = r.Citation()
	}
	return out
}

func buildError(stage State, err error) error {
	return fmt.Errorf("build failed at %s stage: %w", stage, err)
}
