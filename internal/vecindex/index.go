package vecindex

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/ristretto"

	"github.com/loomworks/loom/internal/docstore"
	"github.com/loomworks/loom/internal/records"
)

// ErrDimensionMismatch reports an embedding whose length does not match
// the collection's fixed dimensionality.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Match is one ranked similarity result.
type Match struct {
	Record *records.MemoryRecord
	Score  float64
}

// Searcher is the similarity-retrieval contract. Index answers it with a
// full scan over the document store; ChromemIndex answers it with an
// embedded vector database. Swapping the scan for an approximate-
// nearest-neighbor backend must not touch callers.
type Searcher interface {
	Upsert(ctx context.Context, rec *records.MemoryRecord) error
	Nearest(ctx context.Context, collection string, query []float32, limit int, minScore float64) ([]Match, error)
}

// Index stores embeddings through the partitioned document store and
// answers nearest-by-cosine queries with a full collection scan. The
// scan is a deliberate simplicity/correctness tradeoff for collections
// of bounded size; it is the documented scaling ceiling of this layer.
type Index struct {
	store *docstore.Store
	cache *ristretto.Cache

	defaultMinScore float64
}

type Option func(*Index)

func WithDefaultMinScore(score float64) Option {
	return func(ix *Index) {
		ix.defaultMinScore = score
	}
}

func New(store *docstore.Store, opts ...Option) (*Index, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 12,
		MaxCost:     1 << 10,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create collection cache: %w", err)
	}
	ix := &Index{store: store, cache: cache}
	for _, opt := range opts {
		if opt != nil {
			opt(ix)
		}
	}
	return ix, nil
}

// CreateCollection registers a collection with a fixed dimensionality.
// Creating an existing collection with the same dimensionality is a
// no-op; changing the dimensionality fails.
func (ix *Index) CreateCollection(ctx context.Context, name string, dimensions int) error {
	if name == "" {
		return fmt.Errorf("collection name is required")
	}
	if dimensions <= 0 {
		return fmt.Errorf("dimensions must be > 0")
	}
	existing, ok, err := ix.collection(ctx, name)
	if err != nil {
		return err
	}
	if ok {
		if existing.Dimensions != dimensions {
			return fmt.Errorf("collection %q: %w (have %d, want %d)", name, ErrDimensionMismatch, existing.Dimensions, dimensions)
		}
		return nil
	}
	col := &records.Collection{Name: name, Dimensions: dimensions}
	col.ID = collectionID(name)
	if err := ix.store.Put(ctx, col); err != nil {
		return err
	}
	ix.cache.Set(name, col, 1)
	return nil
}

// DropCollection removes the collection metadata and every record in it.
func (ix *Index) DropCollection(ctx context.Context, name string) error {
	recs, err := ix.store.Query(ctx, records.KindMemoryRecord, docstore.Query{
		Fields: map[string]any{"collection": name},
	})
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := ix.store.Delete(ctx, rec.Meta().ID); err != nil {
			return err
		}
	}
	if err := ix.store.Delete(ctx, collectionID(name)); err != nil {
		return err
	}
	ix.cache.Del(name)
	return nil
}

func (ix *Index) CollectionExists(ctx context.Context, name string) (bool, error) {
	_, ok, err := ix.collection(ctx, name)
	return ok, err
}

func (ix *Index) ListCollections(ctx context.Context) ([]*records.Collection, error) {
	recs, err := ix.store.Query(ctx, records.KindCollection, docstore.Query{OrderBy: "name"})
	if err != nil {
		return nil, err
	}
	out := make([]*records.Collection, 0, len(recs))
	for _, rec := range recs {
		col, ok := rec.(*records.Collection)
		if !ok {
			return nil, fmt.Errorf("unexpected record %T", rec)
		}
		out = append(out, col)
	}
	return out, nil
}

// Upsert stores a memory record. (collection, key) is unique: a second
// upsert with the same pair replaces the first. A collection that does
// not exist yet is created with the record's dimensionality.
func (ix *Index) Upsert(ctx context.Context, rec *records.MemoryRecord) error {
	if rec == nil {
		return fmt.Errorf("nil memory record")
	}
	if rec.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	if rec.Key == "" {
		return fmt.Errorf("key is required")
	}
	if len(rec.Embedding) == 0 {
		return fmt.Errorf("embedding is required")
	}

	col, ok, err := ix.collection(ctx, rec.Collection)
	if err != nil {
		return err
	}
	if !ok {
		if err := ix.CreateCollection(ctx, rec.Collection, len(rec.Embedding)); err != nil {
			return err
		}
	} else if len(rec.Embedding) != col.Dimensions {
		return fmt.Errorf("collection %q: %w (have %d, want %d)", rec.Collection, ErrDimensionMismatch, len(rec.Embedding), col.Dimensions)
	}

	existing, ok, err := ix.lookup(ctx, rec.Collection, rec.Key)
	if err != nil {
		return err
	}
	if ok {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
	}
	return ix.store.Put(ctx, rec)
}

// Get returns the record stored under (collection, key), if any.
func (ix *Index) Get(ctx context.Context, collection, key string) (*records.MemoryRecord, bool, error) {
	return ix.lookup(ctx, collection, key)
}

// Remove deletes the record stored under (collection, key). Removing an
// absent key is a no-op.
func (ix *Index) Remove(ctx context.Context, collection, key string) error {
	rec, ok, err := ix.lookup(ctx, collection, key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return ix.store.Delete(ctx, rec.ID)
}

// Nearest loads every record of the collection, scores it against the
// query by cosine similarity, drops scores below minScore (a negative
// minScore selects the index default), and returns at most limit results
// sorted by descending score with ties broken most-recent first.
func (ix *Index) Nearest(ctx context.Context, collection string, query []float32, limit int, minScore float64) ([]Match, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("query embedding is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	if minScore < 0 {
		minScore = ix.defaultMinScore
	}

	col, ok, err := ix.collection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if len(query) != col.Dimensions {
		return nil, fmt.Errorf("collection %q: %w (query has %d, want %d)", collection, ErrDimensionMismatch, len(query), col.Dimensions)
	}

	recs, err := ix.store.Query(ctx, records.KindMemoryRecord, docstore.Query{
		Fields: map[string]any{"collection": collection},
	})
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(recs))
	for _, rec := range recs {
		mem, ok := rec.(*records.MemoryRecord)
		if !ok {
			return nil, fmt.Errorf("unexpected record %T", rec)
		}
		score := Cosine(query, mem.Embedding)
		if score < minScore {
			continue
		}
		matches = append(matches, Match{Record: mem, Score: score})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			return matches[i].Record.UpdatedAt.After(matches[j].Record.UpdatedAt)
		}
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (ix *Index) lookup(ctx context.Context, collection, key string) (*records.MemoryRecord, bool, error) {
	recs, err := ix.store.Query(ctx, records.KindMemoryRecord, docstore.Query{
		Fields: map[string]any{"collection": collection, "key": key},
		Limit:  1,
	})
	if err != nil {
		return nil, false, err
	}
	if len(recs) == 0 {
		return nil, false, nil
	}
	mem, ok := recs[0].(*records.MemoryRecord)
	if !ok {
		return nil, false, fmt.Errorf("unexpected record %T", recs[0])
	}
	return mem, true, nil
}

func (ix *Index) collection(ctx context.Context, name string) (*records.Collection, bool, error) {
	if cached, ok := ix.cache.Get(name); ok {
		if col, ok := cached.(*records.Collection); ok {
			return col, true, nil
		}
	}
	rec, ok, err := ix.store.Get(ctx, collectionID(name), records.KindCollection)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	col, isCol := rec.(*records.Collection)
	if !isCol {
		return nil, false, fmt.Errorf("unexpected record %T", rec)
	}
	ix.cache.Set(name, col, 1)
	return col, true, nil
}

func collectionID(name string) string {
	return "collection:" + name
}
