package msgbuffer

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomworks/loom/internal/docstore"
	"github.com/loomworks/loom/internal/records"
)

const DefaultCapacity = 200

// Buffer is a bounded ordered cache of the most recent messages for one
// session. Appends write through to the store first, so the store is
// always the full history and the buffer is only a view of its tail.
// A Buffer is private to one memory context; it is safe for concurrent
// use but ordering across callers is the caller's concern.
type Buffer struct {
	store    *docstore.Store
	capacity int

	mu    sync.Mutex
	items []*records.Message
}

func New(store *docstore.Store, capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{store: store, capacity: capacity}
}

func (b *Buffer) Capacity() int {
	return b.capacity
}

// Prime loads the most recent messages from the store in chronological
// order, replacing any cached state. Called on context acquisition so
// buffer order always matches durable order.
func (b *Buffer) Prime(ctx context.Context) error {
	recs, err := b.store.Query(ctx, records.KindMessage, docstore.Query{
		Desc:  true,
		Limit: b.capacity,
	})
	if err != nil {
		return fmt.Errorf("prime buffer: %w", err)
	}

	items := make([]*records.Message, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		msg, ok := recs[i].(*records.Message)
		if !ok {
			return fmt.Errorf("prime buffer: unexpected record %T", recs[i])
		}
		items = append(items, msg)
	}

	b.mu.Lock()
	b.items = items
	b.mu.Unlock()
	return nil
}

// Append writes the message through to the store, then caches it,
// evicting the oldest entry when over capacity. Eviction never deletes
// from the store.
func (b *Buffer) Append(ctx context.Context, msg *records.Message) error {
	if msg == nil {
		return fmt.Errorf("nil message")
	}
	if err := b.store.Put(ctx, msg); err != nil {
		return err
	}

	b.mu.Lock()
	b.items = append(b.items, msg)
	if over := len(b.items) - b.capacity; over > 0 {
		b.items = append([]*records.Message(nil), b.items[over:]...)
	}
	b.mu.Unlock()
	return nil
}

// Recent returns a snapshot of the newest messages in chronological
// order without touching the store. limit <= 0 returns the whole buffer.
func (b *Buffer) Recent(limit int) []*records.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.items)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*records.Message, n)
	copy(out, b.items[len(b.items)-n:])
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Reset drops the cached messages. The store is untouched.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.items = nil
	b.mu.Unlock()
}
