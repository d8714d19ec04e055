package index

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrEmptyIndex is returned by Search when no vectors have been added.
	ErrEmptyIndex = errors.New("index: search on empty index")

	// ErrDimensionMismatch is returned by Add when a vector's length differs
	// from the dimensionality established by the first insertion.
	ErrDimensionMismatch = errors.New("index: embedding dimension mismatch")
)

// Metric selects how Search measures distance between vectors. Both metrics
// operate on L2-normalized vectors and produce lower-is-better scores, so
// they yield the same ranking.
type Metric string

const (
	// MetricL2 is Euclidean distance over normalized vectors.
	MetricL2 Metric = "l2"
	// MetricCosine is 1 minus cosine similarity.
	MetricCosine Metric = "cosine"
)

type IndexConfig struct {
	Metric Metric
}

// Match is one nearest-neighbor hit: the internal id of a stored vector and
// its distance from the query.
type Match struct {
	ID       int
	Distance float32
}

// Index is an exact, in-memory nearest-neighbor index. Ids are assigned
// sequentially from 0 in insertion order. Vectors are L2-normalized on
// insertion, and queries are normalized on search, so the index owns the
// normalization convention end to end. The index grows monotonically; it is
// safe for concurrent Search calls once writers are done.
type Index struct {
	config  IndexConfig
	dim     int
	vectors [][]float32
}

func NewWithConfig(config IndexConfig) (*Index, error) {
	switch config.Metric {
	case "":
		config.Metric = MetricL2
	case MetricL2, MetricCosine:
	default:
		return nil, fmt.Errorf("index: unknown similarity metric %q", config.Metric)
	}

	return &Index{config: config}, nil
}

// Add appends vectors, assigning sequential ids after the current maximum.
// The whole batch is validated against the index dimensionality before
// anything is stored, so a mismatch never leaves a partial append behind.
// The first insertion fixes the dimensionality.
func (idx *Index) Add(embeddings [][]float32) error {
	if len(embeddings) == 0 {
		return nil
	}

	dim := idx.dim
	if dim == 0 {
		dim = len(embeddings[0])
		if dim == 0 {
			return fmt.Errorf("%w: zero-length vector", ErrDimensionMismatch)
		}
	}
	for i, emb := range embeddings {
		if len(emb) != dim {
			return fmt.Errorf("%w: vector %d has length %d, index dimension is %d",
				ErrDimensionMismatch, i, len(emb), dim)
		}
	}

	idx.dim = dim
	for _, emb := range embeddings {
		idx.vectors = append(idx.vectors, normalize(emb))
	}
	return nil
}

// Search returns up to k nearest neighbors ordered by ascending distance,
// ties broken by ascending id. Asking for more results than the index holds
// returns everything; searching an empty index is an error.
func (idx *Index) Search(query []float32, k int) ([]Match, error) {
	if len(idx.vectors) == 0 {
		return nil, ErrEmptyIndex
	}
	if k <= 0 {
		return nil, fmt.Errorf("index: k must be positive, got %d", k)
	}
	if len(query) != idx.dim {
		return nil, fmt.Errorf("%w: query has length %d, index dimension is %d",
			ErrDimensionMismatch, len(query), idx.dim)
	}

	q := normalize(query)

	matches := make([]Match, len(idx.vectors))
	for id, vec := range idx.vectors {
		matches[id] = Match{ID: id, Distance: idx.distance(q, vec)}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ID < matches[j].ID
	})

	if k > len(matches) {
		k = len(matches)
	}
	return matches[:k], nil
}

// Size reports the number of stored vectors.
func (idx *Index) Size() int {
	return len(idx.vectors)
}

// Dimension reports the established vector dimensionality, 0 before the
// first insertion.
func (idx *Index) Dimension() int {
	return idx.dim
}

func (idx *Index) distance(a, b []float32) float32 {
	switch idx.config.Metric {
	case MetricCosine:
		return 1 - dot(a, b)
	default:
		var sum float32
		for i := range a {
			d := a[i] - b[i]
			sum += d * d
		}
		return float32(math.Sqrt(float64(sum)))
	}
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// normalize returns an L2-normalized copy. A zero vector is returned as a
// zero copy rather than dividing by zero.
func normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	var norm float32
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		copy(out, v)
		return out
	}
	inv := float32(1 / math.Sqrt(float64(norm)))
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}
