package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemoryStore is a brute-force in-memory Searcher and Upserter for
// development and tests. It is not suitable for large corpora.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string][]Document
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string][]Document)}
}

// Upsert inserts or replaces documents by id within a collection.
func (m *MemoryStore) Upsert(ctx context.Context, collection string, docs []Document) error {
	if collection == "" {
		return fmt.Errorf("collection name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.collections[collection]
	for _, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document missing id")
		}
		if len(doc.Embedding) == 0 {
			return fmt.Errorf("document %s missing embedding", doc.ID)
		}
		replaced := false
		for i := range existing {
			if existing[i].ID == doc.ID {
				existing[i] = doc
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, doc)
		}
	}
	m.collections[collection] = existing
	return nil
}

// Search ranks the collection by cosine similarity to the query vector.
// vectorPath is ignored; the in-memory store has a single vector field.
func (m *MemoryStore) Search(ctx context.Context, collection, vectorPath string, vector []float32, limit int) ([]ScoredDocument, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}

	m.mu.RLock()
	docs := m.collections[collection]
	scored := make([]ScoredDocument, 0, len(docs))
	for _, doc := range docs {
		score, err := cosineSimilarity(vector, doc.Embedding)
		if err != nil {
			m.mu.RUnlock()
			return nil, fmt.Errorf("document %s: %w", doc.ID, err)
		}
		scored = append(scored, ScoredDocument{Document: doc, Score: score})
	}
	m.mu.RUnlock()

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func cosineSimilarity(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("dimension mismatch: %d vs %d", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB))), nil
}
