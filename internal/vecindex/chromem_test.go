package vecindex_test

import (
	"context"
	"testing"

	"github.com/loomworks/loom/internal/records"
	"github.com/loomworks/loom/internal/vecindex"
)

func TestChromemIndexUpsertAndNearest(t *testing.T) {
	ix := vecindex.NewChromemIndex()
	ctx := context.Background()

	recs := []*records.MemoryRecord{
		{Collection: "notes", Key: "a", Text: "alpha", Embedding: []float32{1, 0, 0}},
		{Collection: "notes", Key: "b", Text: "beta", Embedding: []float32{0, 1, 0}},
		{Collection: "notes", Key: "c", Text: "gamma", Embedding: []float32{0.9, 0.1, 0}},
	}
	for _, rec := range recs {
		if err := ix.Upsert(ctx, rec); err != nil {
			t.Fatalf("upsert %s: %v", rec.Key, err)
		}
	}

	matches, err := ix.Nearest(ctx, "notes", []float32{1, 0, 0}, 2, 0)
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Record.Key != "a" {
		t.Fatalf("expected exact match first, got %q", matches[0].Record.Key)
	}
	if matches[0].Record.Text != "alpha" {
		t.Fatalf("expected content to round trip, got %q", matches[0].Record.Text)
	}
}

func TestChromemIndexReplacesOnUpsert(t *testing.T) {
	ix := vecindex.NewChromemIndex()
	ctx := context.Background()

	if err := ix.Upsert(ctx, &records.MemoryRecord{
		Collection: "notes", Key: "a", Text: "old", Embedding: []float32{1, 0},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := ix.Upsert(ctx, &records.MemoryRecord{
		Collection: "notes", Key: "a", Text: "new", Embedding: []float32{0, 1},
	}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	matches, err := ix.Nearest(ctx, "notes", []float32{0, 1}, 5, 0)
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected a single document, got %d", len(matches))
	}
	if matches[0].Record.Text != "new" {
		t.Fatalf("expected replacement, got %q", matches[0].Record.Text)
	}
}

func TestChromemIndexEmptyCollection(t *testing.T) {
	ix := vecindex.NewChromemIndex()

	matches, err := ix.Nearest(context.Background(), "empty", []float32{1, 0}, 5, 0)
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no matches, got %d", len(matches))
	}
}
