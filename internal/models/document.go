package models

// Document is one policy page as loaded from the corpus files. Immutable
// once loaded; it lives for a single run.
type Document struct {
	Title   string
	Content string
	URL     string
}

// Chunk is a bounded excerpt of a single document's content. Seq is the
// 0-based position of the chunk within its document, so a chunk carries
// enough provenance to cite its source without going back through the index.
type Chunk struct {
	Text  string
	Title string
	URL   string
	Seq   int
}

// Citation identifies the source document of a retrieved chunk.
type Citation struct {
	Title string
	URL   string
}

// RetrievalResult is one ranked hit for a query. Score is a distance:
// lower means a better match. Rank is 1-based.
type RetrievalResult struct {
	Chunk Chunk
	Score float32
	Rank  int
}

// Citation returns the citation for the result's chunk.
func (r RetrievalResult) Citation() Citation {
	return Citation{Title: r.Chunk.Title, URL: r.Chunk.URL}
}

// Answer pairs generated answer text with the retrieval results that backed
// it. Citations holds one entry per source chunk, in rank order.
type Answer struct {
	Text      string
	Citations []Citation
	Sources   []RetrievalResult
}
