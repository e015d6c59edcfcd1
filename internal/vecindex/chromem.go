package vecindex

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/loomworks/loom/internal/records"
)

// ChromemIndex answers the Searcher contract with chromem-go, a pure Go
// embedded vector database. It is the swap-in path for collections that
// outgrow the full-scan Index; retrieval state lives in chromem rather
// than the document store, so it is a cache of embeddings, not the
// durable record of them.
type ChromemIndex struct {
	db *chromem.DB

	mu   sync.Mutex
	cols map[string]*chromem.Collection
}

func NewChromemIndex() *ChromemIndex {
	return &ChromemIndex{
		db:   chromem.NewDB(),
		cols: map[string]*chromem.Collection{},
	}
}

func (x *ChromemIndex) collection(name string) (*chromem.Collection, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if col, ok := x.cols[name]; ok {
		return col, nil
	}
	// Embeddings are provided by the caller, so no embedding func.
	col, err := x.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	x.cols[name] = col
	return col, nil
}

func (x *ChromemIndex) Upsert(ctx context.Context, rec *records.MemoryRecord) error {
	if rec == nil {
		return fmt.Errorf("nil memory record")
	}
	if rec.Collection == "" || rec.Key == "" {
		return fmt.Errorf("collection and key are required")
	}
	if len(rec.Embedding) == 0 {
		return fmt.Errorf("embedding is required")
	}
	col, err := x.collection(rec.Collection)
	if err != nil {
		return err
	}

	// Replace-on-upsert: drop any previous document under this key.
	_ = col.Delete(ctx, nil, nil, rec.Key)

	now := rec.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	metadata := map[string]string{
		"updated_at": now.Format(time.RFC3339Nano),
	}
	for k, v := range rec.Metadata {
		if s, ok := v.(string); ok {
			metadata[k] = s
			continue
		}
		if data, err := json.Marshal(v); err == nil {
			metadata[k] = string(data)
		}
	}

	if err := col.AddDocument(ctx, chromem.Document{
		ID:        rec.Key,
		Content:   rec.Text,
		Embedding: rec.Embedding,
		Metadata:  metadata,
	}); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

func (x *ChromemIndex) Nearest(ctx context.Context, collection string, query []float32, limit int, minScore float64) ([]Match, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("query embedding is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	col, err := x.collection(collection)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults larger than the collection.
	n := limit
	if count := col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, result := range results {
		score := float64(result.Similarity)
		if score < minScore {
			continue
		}
		rec := &records.MemoryRecord{
			Collection: collection,
			Key:        result.ID,
			Text:       result.Content,
			Embedding:  result.Embedding,
		}
		if raw, ok := result.Metadata["updated_at"]; ok {
			rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, raw)
		}
		matches = append(matches, Match{Record: rec, Score: score})
	}
	return matches, nil
}
