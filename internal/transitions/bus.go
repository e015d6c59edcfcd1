package transitions

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is one recorded status change of a plan or step. Events are
// persisted for replay (the polling UI boundary) and broadcast live to
// subscribers (the push boundary).
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Entity    string    `json:"entity"` // "plan" or "step"
	EntityID  string    `json:"entity_id"`
	PlanID    string    `json:"plan_id,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Bus records transition events and fans them out to in-process
// subscribers. Safe for concurrent use.
type Bus struct {
	db *sql.DB

	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	sessionID string // empty subscribes to every session
	ch        chan Event
}

func NewBus(db *sql.DB) *Bus {
	return &Bus{db: db, subs: map[string]*subscriber{}}
}

// Push persists the event and broadcasts it. Slow subscribers are
// skipped rather than blocking the state machine.
func (b *Bus) Push(ctx context.Context, input Event) (Event, error) {
	if input.SessionID == "" {
		return Event{}, fmt.Errorf("session_id is required")
	}
	if input.Entity == "" || input.EntityID == "" {
		return Event{}, fmt.Errorf("entity and entity_id are required")
	}
	if input.To == "" {
		return Event{}, fmt.Errorf("to status is required")
	}

	event := input
	event.ID = ulid.Make().String()
	event.CreatedAt = time.Now().UTC()

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO transitions (id, session_id, entity, entity_id, plan_id, from_status, to_status, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.SessionID, event.Entity, event.EntityID, nullString(event.PlanID), event.From, event.To, nullString(event.Note), event.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Event{}, fmt.Errorf("insert transition: %w", err)
	}

	b.broadcast(event)
	return event, nil
}

// List replays a session's transitions in the order they happened. An
// empty session id replays every session.
func (b *Bus) List(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, session_id, entity, entity_id, plan_id, from_status, to_status, note, created_at
		FROM transitions`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var planID, note sql.NullString
		var createdAtStr string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Entity, &e.EntityID, &planID, &e.From, &e.To, &note, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		e.PlanID = planID.String
		e.Note = note.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}

// Subscribe returns a channel of live events for one session (empty
// session id means all sessions). The channel closes when ctx ends.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) <-chan Event {
	ch := make(chan Event, 64)
	id := ulid.Make().String()

	sub := &subscriber{sessionID: sessionID, ch: ch}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != event.SessionID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Drop if subscriber is slow.
		}
	}
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
