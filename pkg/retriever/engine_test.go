package retriever_test

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"unicode"

	"github.com/rgould/handbookqa/internal/models"
	"github.com/rgould/handbookqa/pkg/index"
	"github.com/rgould/handbookqa/pkg/retriever"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hashEmbedder is a deterministic offline embedder: each token is hashed
// into a fixed bucket, so texts sharing vocabulary land near each other and
// identical texts embed identically.
type hashEmbedder struct {
	dim  int
	fail bool
}

func (f *hashEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	if f.fail {
		return nil, errors.New("model offline")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, f.dim)
		for _, tok := range tokenize(text) {
			h := fnv.New32a()
			h.Write([]byte(tok))
			vec[h.Sum32()%uint32(f.dim)]++
		}
		out[i] = vec
	}
	return out, nil
}

func (f *hashEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

type cannedGenerator struct {
	answer string
	err    error
	calls  []string
}

func (g *cannedGenerator) Generate(_ context.Context, question string, _ []models.RetrievalResult) (string, error) {
	g.calls = append(g.calls, question)
	if g.err != nil {
		return "", g.err
	}
	return g.answer, nil
}

type streamingFake struct {
	chunks []string
}

func (g *streamingFake) Generate(_ context.Context, _ string, _ []models.RetrievalResult) (string, error) {
	return strings.Join(g.chunks, ""), nil
}

func (g *streamingFake) GenerateStream(_ context.Context, _ string, _ []models.RetrievalResult, fn func(string)) (string, error) {
	for _, c := range g.chunks {
		fn(c)
	}
	return strings.Join(g.chunks, ""), nil
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T, config retriever.EngineConfig) *retriever.Engine {
	t.Helper()
	if config.Embedder == nil {
		config.Embedder = &hashEmbedder{dim: 128}
	}
	if config.Logger == nil {
		config.Logger = quiet()
	}
	engine, err := retriever.NewWithConfig(config)
	require.NoError(t, err)
	return engine
}

func TestNewWithConfig_Validation(t *testing.T) {
	_, err := retriever.NewWithConfig(retriever.EngineConfig{})
	assert.Error(t, err, "embedder is required")

	_, err = retriever.NewWithConfig(retriever.EngineConfig{
		Embedder:     &hashEmbedder{dim: 8},
		ChunkSize:    100,
		ChunkOverlap: 100,
	})
	assert.Error(t, err, "overlap equal to chunk size is a configuration error")

	_, err = retriever.NewWithConfig(retriever.EngineConfig{
		Embedder: &hashEmbedder{dim: 8},
		Metric:   index.Metric("manhattan"),
	})
	assert.Error(t, err, "unknown metric is a configuration error")
}

func TestBuild_StateTransitions(t *testing.T) {
	engine := newEngine(t, retriever.EngineConfig{})
	assert.Equal(t, retriever.StateEmpty, engine.State())

	docs := []models.Document{
		{Title: "Protest Policy", Content: "Demonstrations require advance notice.", URL: "https://example.edu/protest"},
	}
	require.NoError(t, engine.Build(context.Background(), docs))
	assert.Equal(t, retriever.StateIndexed, engine.State())
}

func TestBuild_EmptyCorpusFailsChunkingStage(t *testing.T) {
	engine := newEngine(t, retriever.EngineConfig{})

	err := engine.Build(context.Background(), []models.Document{{Title: "Empty", Content: ""}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunking")
	assert.Equal(t, retriever.StateEmpty, engine.State())
}

func TestBuild_EmbedderFailureAbortsWholeBuild(t *testing.T) {
	engine := newEngine(t, retriever.EngineConfig{
		Embedder: &hashEmbedder{dim: 32, fail: true},
	})

	docs := []models.Document{
		{Title: "Doc", Content: "Some policy content.", URL: "https://example.edu/doc"},
	}
	err := engine.Build(context.Background(), docs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding")

	// No partial index is published: the engine stays unqueryable.
	assert.Equal(t, retriever.StateEmpty, engine.State())
	_, err = engine.Retrieve(context.Background(), "anything", 1)
	assert.ErrorIs(t, err, retriever.ErrIndexNotBuilt)
}

func TestRetrieve_BeforeBuild(t *testing.T) {
	engine := newEngine(t, retriever.EngineConfig{})

	_, err := engine.Retrieve(context.Background(), "question", 3)
	assert.ErrorIs(t, err, retriever.ErrIndexNotBuilt)
}

func TestRetrieve_RejectsNonPositiveTopK(t *testing.T) {
	engine := newEngine(t, retriever.EngineConfig{})

	for _, k := range []int{0, -1} {
		_, err := engine.Retrieve(context.Background(), "question", k)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, retriever.ErrIndexNotBuilt, "top_k is rejected before any other check")
	}
}

func buildSmallCorpus(t *testing.T, engine *retriever.Engine) {
	t.Helper()
	docs := []models.Document{
		{
			Title:   "Protest Policy",
			Content: "Demonstrations require 48-hour advance notice to the Dean of Students.",
			URL:     "https://studentmanual.example.edu/protest-policy",
		},
		{
			Title:   "Posting Policy",
			Content: "Flyers posters and banners belong on bulletin boards after approval.",
			URL:     "https://studentmanual.example.edu/posting-policy",
		},
	}
	require.NoError(t, engine.Build(context.Background(), docs))
}

func TestRetrieve_RanksAndScores(t *testing.T) {
	engine := newEngine(t, retriever.EngineConfig{})
	buildSmallCorpus(t, engine)

	results, err := engine.Retrieve(context.Background(), "flyers posters bulletin boards", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	for i, r := range results {
		assert.Equal(t, i+1, r.Rank)
		if i > 0 {
			assert.GreaterOrEqual(t, r.Score, results[i-1].Score, "scores ascend with rank")
		}
	}
	assert.Equal(t, "Posting Policy", results[0].Chunk.Title)
}

func TestRetrieve_SelfRetrieval(t *testing.T) {
	// Querying with a chunk's own text must return that chunk first.
	engine := newEngine(t, retriever.EngineConfig{})
	buildSmallCorpus(t, engine)

	results, err := engine.Retrieve(context.Background(),
		"Demonstrations require 48-hour advance notice to the Dean of Students.", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Protest Policy", results[0].Chunk.Title)
	assert.InDelta(t, 0, results[0].Score, 1e-5)
}

func TestRetrieve_TopKLargerThanCorpus(t *testing.T) {
	engine := newEngine(t, retriever.EngineConfig{})
	buildSmallCorpus(t, engine)

	results, err := engine.Retrieve(context.Background(), "notice", 50)
	require.NoError(t, err)
	assert.Len(t, results, 2, "every indexed chunk is returned, not an error")
}

func TestRetrieve_QueryEmbeddingFailure(t *testing.T) {
	emb := &hashEmbedder{dim: 32}
	engine := newEngine(t, retriever.EngineConfig{Embedder: emb})
	buildSmallCorpus(t, engine)

	emb.fail = true
	_, err := engine.Retrieve(context.Background(), "question", 1)
	assert.ErrorIs(t, err, retriever.ErrQueryEmbedding)

	// The engine stays usable for later queries.
	emb.fail = false
	_, err = engine.Retrieve(context.Background(), "question", 1)
	assert.NoError(t, err)
}

func TestRetrieve_SingleDocumentScenario(t *testing.T) {
	// One short document, one chunk; any question must return it as rank 1.
	engine := newEngine(t, retriever.EngineConfig{})
	docs := []models.Document{
		{
			Title:   "Protest Policy",
			Content: "Demonstrations require 48-hour advance notice to the Dean of Students.",
			URL:     "https://studentmanual.example.edu/protest-policy",
		},
	}
	require.NoError(t, engine.Build(context.Background(), docs))

	results, err := engine.Retrieve(context.Background(), "What is the policy on protests?", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Rank)
	assert.Equal(t, "Protest Policy", results[0].Chunk.Title)
	assert.Contains(t, results[0].Chunk.Text, "48-hour advance notice")
}

func TestRetrieve_DisjointVocabularyRanking(t *testing.T) {
	// Two documents with disjoint vocabulary, each split into several
	// chunks. A query in document A's vocabulary must rank every chunk of A
	// above every chunk of B.
	flyers := strings.TrimSpace(strings.Repeat(
		"Flyers posters banners bulletin boards approval stamp posting displays. ", 12))
	staff := strings.TrimSpace(strings.Repeat(
		"Employees supervisors payroll timesheets scheduling duties training shifts. ", 12))

	engine := newEngine(t, retriever.EngineConfig{ChunkSize: 200, ChunkOverlap: 40})
	docs := []models.Document{
		{Title: "Posting Policy", Content: flyers, URL: "https://example.edu/posting"},
		{Title: "Staff Handbook", Content: staff, URL: "https://example.edu/staff"},
	}
	require.NoError(t, engine.Build(context.Background(), docs))

	results, err := engine.Retrieve(context.Background(), "flyers posters bulletin boards posting", 100)
	require.NoError(t, err)
	require.Greater(t, len(results), 2)

	sawStaff := false
	for _, r := range results {
		if r.Chunk.Title == "Staff Handbook" {
			sawStaff = true
		} else if sawStaff {
			t.Fatalf("chunk of %q ranked below a Staff Handbook chunk", r.Chunk.Title)
		}
	}
	assert.True(t, sawStaff, "both documents appear in the full result list")
}

func TestRetrieve_DeterministicAcrossBuilds(t *testing.T) {
	docs := []models.Document{
		{Title: "A", Content: strings.Repeat("alpha beta gamma delta. ", 30), URL: "https://example.edu/a"},
		{Title: "B", Content: strings.Repeat("epsilon zeta eta theta. ", 30), URL: "https://example.edu/b"},
	}

	run := func() []models.RetrievalResult {
		engine := newEngine(t, retriever.EngineConfig{ChunkSize: 100, ChunkOverlap: 20})
		require.NoError(t, engine.Build(context.Background(), docs))
		results, err := engine.Retrieve(context.Background(), "alpha beta", 5)
		require.NoError(t, err)
		return results
	}

	assert.Equal(t, run(), run(), "identical input and config retrieve identically")
}

func TestAsk(t *testing.T) {
	gen := &cannedGenerator{answer: "Demonstrations need 48 hours notice."}
	engine := newEngine(t, retriever.EngineConfig{Generator: gen})
	buildSmallCorpus(t, engine)

	answer, err := engine.Ask(context.Background(), "What is the policy on protests?", 2)
	require.NoError(t, err)
	assert.Equal(t, "Demonstrations need 48 hours notice.", answer.Text)
	assert.Equal(t, []string{"What is the policy on protests?"}, gen.calls)

	// Citations mirror the retrieval ranking, one per chunk.
	require.Len(t, answer.Citations, 2)
	require.Len(t, answer.Sources, 2)
	for i, c := range answer.Citations {
		assert.Equal(t, answer.Sources[i].Chunk.Title, c.Title)
		assert.Equal(t, answer.Sources[i].Chunk.URL, c.URL)
	}
}

func TestAsk_GenerationFailureStillReturnsSources(t *testing.T) {
	genErr := errors.New("generation service unavailable")
	engine := newEngine(t, retriever.EngineConfig{Generator: &cannedGenerator{err: genErr}})
	buildSmallCorpus(t, engine)

	answer, err := engine.Ask(context.Background(), "What is the policy on protests?", 2)
	require.ErrorIs(t, err, genErr)
	require.NotNil(t, answer, "retrieval results survive a generation failure")
	assert.Empty(t, answer.Text)
	assert.Len(t, answer.Sources, 2)
	assert.Len(t, answer.Citations, 2)
}

func TestAskStream(t *testing.T) {
	gen := &streamingFake{chunks: []string{"48-hour ", "notice ", "is required."}}
	engine := newEngine(t, retriever.EngineConfig{Generator: gen})
	buildSmallCorpus(t, engine)

	var streamed []string
	answer, err := engine.AskStream(context.Background(), "protests?", 1, func(chunk string) {
		streamed = append(streamed, chunk)
	})
	require.NoError(t, err)
	assert.Equal(t, gen.chunks, streamed)
	assert.Equal(t, "48-hour notice is required.", answer.Text)
}

func TestRetrieve_ConcurrentReads(t *testing.T) {
	engine := newEngine(t, retriever.EngineConfig{})
	buildSmallCorpus(t, engine)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := engine.Retrieve(context.Background(), "advance notice", 2)
			assert.NoError(t, err)
			assert.Len(t, results, 2)
		}()
	}
	wg.Wait()
}
