// Package ingest loads JSON source records into a retrieval collection:
// each record is serialized, embedded, and upserted with its vector.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ragchat-dev/ragchat/pkg/llm"
	"github.com/ragchat-dev/ragchat/pkg/retrieval"
)

const defaultConcurrency = 4

// Ingestor embeds and stores documents.
type Ingestor struct {
	embedder    llm.EmbeddingProvider
	store       retrieval.Upserter
	concurrency int
}

// New creates an Ingestor. concurrency bounds the in-flight embedding
// calls (default 4).
func New(embedder llm.EmbeddingProvider, store retrieval.Upserter, concurrency int) *Ingestor {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Ingestor{embedder: embedder, store: store, concurrency: concurrency}
}

// IngestJSON parses a JSON array of records, embeds each record's
// serialized form, and upserts the batch into the collection. It returns
// the number of documents stored. Any embedding failure aborts the whole
// batch; nothing is stored in that case.
//
// A record's "embedding" field, if present, is dropped before
// serialization so stale vectors never leak into the embedded text. A
// record's "id" field names the document; records without one get a
// generated id.
func (ing *Ingestor) IngestJSON(ctx context.Context, collection string, data []byte) (int, error) {
	var records []map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		return 0, fmt.Errorf("parse records: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	docs := make([]retrieval.Document, len(records))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(ing.concurrency)
	for i, record := range records {
		g.Go(func() error {
			delete(record, "embedding")

			content, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("serialize record %d: %w", i, err)
			}

			vector, _, err := ing.embedder.Embed(ctx, string(content))
			if err != nil {
				return fmt.Errorf("embed record %d: %w", i, err)
			}

			id, _ := record["id"].(string)
			if id == "" {
				id = uuid.New().String()
			}
			docs[i] = retrieval.Document{
				ID:        id,
				Content:   string(content),
				Embedding: vector,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	if err := ing.store.Upsert(ctx, collection, docs); err != nil {
		return 0, fmt.Errorf("upsert %q: %w", collection, err)
	}
	log.Printf("ingest: stored %d documents in %s", len(docs), collection)
	return len(docs), nil
}
