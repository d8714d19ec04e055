package loader

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/rgould/handbookqa/internal/models"
)

// ErrNoDocuments is returned when every input file and record was rejected.
// Individual bad files and records are only warned about; an empty corpus is
// the one condition that makes a load fatal.
var ErrNoDocuments = errors.New("loader: no documents loaded")

// record mirrors the JSON emitted by the policy-manual export. Extra fields
// (id, type, metadata) are ignored; title, content and url are required.
type record struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	URL     string `json:"url"`
}

type Loader struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load reads JSON corpus files, each holding an array of records, and
// validates them into Documents at the boundary. Malformed records are
// skipped with a warning so one bad export line cannot take down the whole
// corpus.
func (l *Loader) Load(paths []string) ([]models.Document, error) {
	var docs []models.Document

	for _, path := range paths {
		loaded, err := l.loadFile(path)
		if err != nil {
			l.logger.Warn("skipping corpus file", "path", path, "error", err)
			continue
		}
		docs = append(docs, loaded...)
	}

	if len(docs) == 0 {
		return nil, ErrNoDocuments
	}
	return docs, nil
}

func (l *Loader) loadFile(path string) ([]models.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Decode the array into raw messages first so one malformed record does
	// not abort its siblings.
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("not a JSON array of records: %w", err)
	}

	docs := make([]models.Document, 0, len(raw))
	for i, msg := range raw {
		var rec record
		if err := json.Unmarshal(msg, &rec); err != nil {
			l.logger.Warn("skipping malformed record", "path", path, "record", i, "error", err)
			continue
		}
		if err := rec.validate(); err != nil {
			l.logger.Warn("skipping invalid record", "path", path, "record", i, "error", err)
			continue
		}

		docs = append(docs, models.Document{
			Title:   rec.Title,
			Content: rec.Content,
			URL:     rec.URL,
		})
	}

	return docs, nil
}

func (r record) validate() error {
	if r.Title == "" {
		return errors.New("missing required field: title")
	}
	if r.Content == "" {
		return errors.New("missing required field: content")
	}
	if r.URL == "" {
		return errors.New("missing required field: url")
	}
	return nil
}
