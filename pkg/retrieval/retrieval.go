// Package retrieval grounds completions in documents fetched from a
// vector-indexed collection. The vector engine itself sits behind the
// Searcher interface; this package owns the token-budget truncation
// policy applied to its ranked results.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/ragchat-dev/ragchat/pkg/tokens"
)

// Document is a serialized source record with its embedding. Content is
// the JSON representation of the record as it will be shown to the model.
type Document struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding"`
}

// ScoredDocument is a search candidate with its similarity score.
type ScoredDocument struct {
	Document Document
	Score    float32
}

// Searcher performs similarity search over a named collection and
// returns candidates ordered by descending relevance. vectorPath names
// the document field holding the embedding, for engines that need it.
type Searcher interface {
	Search(ctx context.Context, collection, vectorPath string, vector []float32, limit int) ([]ScoredDocument, error)
}

// Upserter accepts pre-embedded documents into a collection. Index
// management is the engine's concern, not this package's.
type Upserter interface {
	Upsert(ctx context.Context, collection string, docs []Document) error
}

// Retriever applies the token-budget truncation policy over a Searcher.
type Retriever struct {
	searcher   Searcher
	counter    tokens.Counter
	maxResults int
}

// NewRetriever creates a Retriever. maxResults caps how many candidates
// are requested from the engine before budgeting (default 10).
func NewRetriever(searcher Searcher, counter tokens.Counter, maxResults int) *Retriever {
	if maxResults <= 0 {
		maxResults = 10
	}
	return &Retriever{searcher: searcher, counter: counter, maxResults: maxResults}
}

// Retrieve searches the collection and returns the accepted documents
// joined as a single JSON array payload.
//
// Candidates are consumed in ranking order; each document's token cost is
// computed independently and inclusion stops at the first document that
// would exceed the remaining budget. Documents are dropped wholesale,
// never truncated. An empty payload ("[]") is a valid result: the single
// best match may already exceed the budget.
func (r *Retriever) Retrieve(ctx context.Context, collection, vectorPath string, vector []float32, tokenBudget int) (string, error) {
	candidates, err := r.searcher.Search(ctx, collection, vectorPath, vector, r.maxResults)
	if err != nil {
		return "", fmt.Errorf("vector search %q: %w", collection, err)
	}

	var sb strings.Builder
	sb.WriteString("[")
	total := 0
	accepted := 0
	for _, c := range candidates {
		cost := r.counter.Count(c.Document.Content)
		if total+cost > tokenBudget {
			break
		}
		total += cost
		if accepted > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(c.Document.Content)
		accepted++
	}
	sb.WriteString("]")
	return sb.String(), nil
}
