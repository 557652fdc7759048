package knowledge

import (
	"context"
	"errors"
	"fmt"
)

// Searcher is the part of Store the retriever needs.
type Searcher interface {
	Count(ctx context.Context) (int, error)
	SimilaritySearch(ctx context.Context, query string, k int) ([]ScoredPassage, error)
}

// Retriever picks the passages worth putting in front of the model.
type Retriever struct {
	searcher  Searcher
	topK      int
	threshold float64
}

func NewRetriever(searcher Searcher, topK int, threshold float64) *Retriever {
	if topK <= 0 {
		topK = 3
	}
	return &Retriever{searcher: searcher, topK: topK, threshold: threshold}
}

// Retrieve asks for min(topK, count) passages and keeps those scoring strictly
// above the threshold, in search order. An empty store yields ErrEmptyStore.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]Passage, error) {
	if r == nil || r.searcher == nil {
		return nil, ErrEmptyStore
	}
	count, err := r.searcher.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count passages: %w", err)
	}
	if count == 0 {
		return nil, ErrEmptyStore
	}
	k := r.topK
	if count < k {
		k = count
	}
	results, err := r.searcher.SimilaritySearch(ctx, query, k)
	if err != nil {
		if errors.Is(err, ErrEmptyStore) {
			return nil, err
		}
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	var passages []Passage
	for _, res := range results {
		if res.Score > r.threshold {
			passages = append(passages, res.Passage)
		}
	}
	return passages, nil
}
