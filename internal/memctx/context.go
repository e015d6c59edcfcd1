// Package memctx composes the document store, message buffer, and
// vector index into one unit scoped to a single session, with an
// explicit acquire/release lifecycle.
package memctx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/docstore"
	"github.com/loomworks/loom/internal/msgbuffer"
	"github.com/loomworks/loom/internal/records"
	"github.com/loomworks/loom/internal/vecindex"
)

// ErrReleased is returned by any operation on a released context.
var ErrReleased = errors.New("memory context released")

// Manager creates session-scoped contexts over one shared database
// handle. The handle is the only resource shared across sessions and is
// safe for concurrent use; each Context's buffer and index state are
// private to that context.
type Manager struct {
	db  *sql.DB
	reg *records.Registry

	bufferCapacity  int
	defaultMinScore float64
	storeOpts       []docstore.Option
}

type Option func(*Manager)

func WithBufferCapacity(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.bufferCapacity = n
		}
	}
}

func WithDefaultMinScore(score float64) Option {
	return func(m *Manager) {
		m.defaultMinScore = score
	}
}

func WithStoreOptions(opts ...docstore.Option) Option {
	return func(m *Manager) {
		m.storeOpts = append(m.storeOpts, opts...)
	}
}

func NewManager(db *sql.DB, reg *records.Registry, opts ...Option) *Manager {
	m := &Manager{
		db:             db,
		reg:            reg,
		bufferCapacity: msgbuffer.DefaultCapacity,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Acquire binds a context to the session: it scopes the store, primes
// the buffer from durable history, and touches the session record.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (*Context, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	c := &Context{manager: m}
	if err := c.bind(ctx, sessionID); err != nil {
		return nil, err
	}
	return c, nil
}

// Context is one session's view of memory. All operations are
// implicitly scoped to the bound session. A Context is driven by one
// orchestration flow at a time; it must not be shared across goroutines
// without external synchronization.
type Context struct {
	manager *Manager

	mu       sync.Mutex
	session  string
	store    *docstore.Store
	buffer   *msgbuffer.Buffer
	index    *vecindex.Index
	released bool
}

func (c *Context) bind(ctx context.Context, sessionID string) error {
	m := c.manager
	store := docstore.New(m.db, m.reg, sessionID, m.storeOpts...)
	buffer := msgbuffer.New(store, m.bufferCapacity)
	index, err := vecindex.New(store, vecindex.WithDefaultMinScore(m.defaultMinScore))
	if err != nil {
		return err
	}
	if err := buffer.Prime(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.session = sessionID
	c.store = store
	c.buffer = buffer
	c.index = index
	c.released = false
	c.mu.Unlock()

	return c.touchSession(ctx, 0)
}

// SetSession switches the bound partition. The buffer is cleared and
// re-primed from the new session's history; the old session's store is
// untouched. Unflushed buffer state is discarded by design.
func (c *Context) SetSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if err := c.guard(); err != nil {
		return err
	}
	return c.bind(ctx, sessionID)
}

// Release detaches the context. Appends write through as they happen, so
// there is nothing to flush; releasing drops the cached buffer and makes
// further operations fail. Safe to call more than once.
func (c *Context) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	if c.buffer != nil {
		c.buffer.Reset()
	}
}

func (c *Context) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Store exposes the session-scoped document store for components layered
// on top, like the plan state machine.
func (c *Context) Store() *docstore.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store
}

func (c *Context) guard() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return ErrReleased
	}
	return nil
}

// Add persists a record, assigning an id if absent.
func (c *Context) Add(ctx context.Context, rec records.Record) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.store.Put(ctx, rec)
}

// Update persists changes to an existing record.
func (c *Context) Update(ctx context.Context, rec records.Record) error {
	if err := c.guard(); err != nil {
		return err
	}
	if rec == nil || rec.Meta().ID == "" {
		return fmt.Errorf("update requires a record with an id")
	}
	return c.store.Put(ctx, rec)
}

func (c *Context) Get(ctx context.Context, id string, kind records.Kind) (records.Record, bool, error) {
	if err := c.guard(); err != nil {
		return nil, false, err
	}
	return c.store.Get(ctx, id, kind)
}

func (c *Context) Query(ctx context.Context, kind records.Kind, q docstore.Query) ([]records.Record, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.store.Query(ctx, kind, q)
}

func (c *Context) Delete(ctx context.Context, id string) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.store.Delete(ctx, id)
}

// AppendMessage writes one conversational turn through the buffer and
// bumps the session statistics.
func (c *Context) AppendMessage(ctx context.Context, role records.Role, content string) (*records.Message, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	msg := &records.Message{Role: role, Content: content}
	if err := c.buffer.Append(ctx, msg); err != nil {
		return nil, err
	}
	if err := c.touchSession(ctx, 1); err != nil {
		return nil, err
	}
	return msg, nil
}

// RecentMessages returns the buffered tail of the conversation in
// chronological order without touching the store.
func (c *Context) RecentMessages(limit int) []*records.Message {
	if err := c.guard(); err != nil {
		return nil
	}
	return c.buffer.Recent(limit)
}

// SessionStats returns the session's statistics record.
func (c *Context) SessionStats(ctx context.Context) (*records.Session, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	rec, ok, err := c.store.Get(ctx, c.SessionID(), records.KindSession)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("session %s not found", c.SessionID())
	}
	sess, isSession := rec.(*records.Session)
	if !isSession {
		return nil, fmt.Errorf("unexpected record %T", rec)
	}
	return sess, nil
}

// ClearSession deletes every record in the partition and resets the
// buffer. The session id remains usable; first use recreates it.
func (c *Context) ClearSession(ctx context.Context) error {
	if err := c.guard(); err != nil {
		return err
	}
	if err := c.store.DeleteAll(ctx); err != nil {
		return err
	}
	c.buffer.Reset()
	return nil
}

// UpsertMemory stores or replaces a semantic-memory entry.
func (c *Context) UpsertMemory(ctx context.Context, rec *records.MemoryRecord) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.index.Upsert(ctx, rec)
}

func (c *Context) GetMemory(ctx context.Context, collection, key string) (*records.MemoryRecord, bool, error) {
	if err := c.guard(); err != nil {
		return nil, false, err
	}
	return c.index.Get(ctx, collection, key)
}

func (c *Context) RemoveMemory(ctx context.Context, collection, key string) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.index.Remove(ctx, collection, key)
}

// Nearest ranks the collection's entries by cosine similarity to the
// query embedding.
func (c *Context) Nearest(ctx context.Context, collection string, query []float32, limit int, minScore float64) ([]vecindex.Match, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.index.Nearest(ctx, collection, query, limit, minScore)
}

func (c *Context) CreateCollection(ctx context.Context, name string, dimensions int) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.index.CreateCollection(ctx, name, dimensions)
}

func (c *Context) DropCollection(ctx context.Context, name string) error {
	if err := c.guard(); err != nil {
		return err
	}
	return c.index.DropCollection(ctx, name)
}

func (c *Context) CollectionExists(ctx context.Context, name string) (bool, error) {
	if err := c.guard(); err != nil {
		return false, err
	}
	return c.index.CollectionExists(ctx, name)
}

func (c *Context) ListCollections(ctx context.Context) ([]*records.Collection, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.index.ListCollections(ctx)
}

func (c *Context) touchSession(ctx context.Context, messageDelta int) error {
	now := time.Now().UTC()
	rec, ok, err := c.store.Get(ctx, c.SessionID(), records.KindSession)
	if err != nil {
		return err
	}
	var sess *records.Session
	if ok {
		var isSession bool
		sess, isSession = rec.(*records.Session)
		if !isSession {
			return fmt.Errorf("unexpected record %T", rec)
		}
	} else {
		sess = &records.Session{}
		sess.ID = c.SessionID()
	}
	sess.MessageCount += messageDelta
	sess.LastActiveAt = now
	return c.store.Put(ctx, sess)
}
