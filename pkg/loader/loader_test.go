package loader_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/rgould/handbookqa/pkg/loader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCorpus(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	return path
}

func quietLoader() *loader.Loader {
	return loader.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLoad(t *testing.T) {
	path := writeCorpus(t, "policies.json", `[
		{
			"id": "university-policies-protest",
			"url": "https://studentmanual.example.edu/protest-policy",
			"title": "Protest Policy",
			"content": "Demonstrations require 48-hour advance notice to the Dean of Students.",
			"type": "subsection",
			"metadata": {"section": "University Policies"}
		},
		{
			"url": "https://studentmanual.example.edu/posting-policy",
			"title": "Posting Policy",
			"content": "Flyers may only be posted on designated bulletin boards."
		}
	]`)

	docs, err := quietLoader().Load([]string{path})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, "Protest Policy", docs[0].Title)
	assert.Equal(t, "https://studentmanual.example.edu/protest-policy", docs[0].URL)
	assert.Contains(t, docs[0].Content, "48-hour advance notice")
	assert.Equal(t, "Posting Policy", docs[1].Title)
}

func TestLoad_SkipsMalformedRecords(t *testing.T) {
	path := writeCorpus(t, "partial.json", `[
		{"title": "Good", "content": "Valid content.", "url": "https://example.edu/good"},
		{"title": "Missing content", "url": "https://example.edu/bad"},
		{"title": 42, "content": "Wrong type", "url": "https://example.edu/worse"},
		{"title": "Also good", "content": "More valid content.", "url": "https://example.edu/good2"}
	]`)

	docs, err := quietLoader().Load([]string{path})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "Good", docs[0].Title)
	assert.Equal(t, "Also good", docs[1].Title)
}

func TestLoad_SkipsUnreadableFile(t *testing.T) {
	good := writeCorpus(t, "good.json",
		`[{"title": "Good", "content": "Valid.", "url": "https://example.edu/good"}]`)

	docs, err := quietLoader().Load([]string{"does-not-exist.json", good})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestLoad_ZeroDocumentsIsFatal(t *testing.T) {
	empty := writeCorpus(t, "empty.json", `[]`)
	garbage := writeCorpus(t, "garbage.json", `{"not": "an array"}`)

	_, err := quietLoader().Load([]string{empty, garbage, "missing.json"})
	assert.ErrorIs(t, err, loader.ErrNoDocuments)
}

func TestLoad_PreservesDocumentOrder(t *testing.T) {
	first := writeCorpus(t, "first.json",
		`[{"title": "A", "content": "a", "url": "https://example.edu/a"},
		  {"title": "B", "content": "b", "url": "https://example.edu/b"}]`)
	second := writeCorpus(t, "second.json",
		`[{"title": "C", "content": "c", "url": "https://example.edu/c"}]`)

	docs, err := quietLoader().Load([]string{first, second})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "A", docs[0].Title)
	assert.Equal(t, "B", docs[1].Title)
	assert.Equal(t, "C", docs[2].Title)
}
