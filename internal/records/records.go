package records

import (
	"time"
)

// Kind is the type discriminator stored with every document.
type Kind string

const (
	KindMessage      Kind = "message"
	KindPlan         Kind = "plan"
	KindStep         Kind = "step"
	KindMemoryRecord Kind = "memoryrecord"
	KindSession      Kind = "session"
	KindCollection   Kind = "collection"
)

// Envelope carries the fields shared by every persisted record. The
// session id is the partition key; nothing crosses a session boundary.
type Envelope struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Type      Kind      `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Record is implemented by every persistable type.
type Record interface {
	Kind() Kind
	Meta() *Envelope
}

// Role identifies who produced a conversational turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one conversational turn. Messages are append-only; they are
// never mutated and only removed by a session clear.
type Message struct {
	Envelope
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func (m *Message) Kind() Kind      { return KindMessage }
func (m *Message) Meta() *Envelope { return &m.Envelope }

// PlanStatus is the lifecycle state of a plan. Terminal statuses are
// never left again.
type PlanStatus string

const (
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

// Clarification is free-form human guidance attached to a plan for the
// next planning round to consume.
type Clarification struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Plan is one decomposed task with an ordered list of steps.
type Plan struct {
	Envelope
	Goal           string          `json:"goal"`
	Status         PlanStatus      `json:"status"`
	StepIDs        []string        `json:"step_ids"`
	Params         map[string]any  `json:"params,omitempty"`
	Clarifications []Clarification `json:"clarifications,omitempty"`
}

func (p *Plan) Kind() Kind      { return KindPlan }
func (p *Plan) Meta() *Envelope { return &p.Envelope }

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepPlanned         StepStatus = "planned"
	StepActionRequested StepStatus = "action_requested"
	StepInProgress      StepStatus = "in_progress"
	StepAwaitingHuman   StepStatus = "awaiting_human"
	StepCompleted       StepStatus = "completed"
	StepFailed          StepStatus = "failed"
	StepSkipped         StepStatus = "skipped"
)

// StepResult is the structured outcome reported by an executor.
type StepResult struct {
	Summary string         `json:"summary"`
	Output  map[string]any `json:"output,omitempty"`
}

// Step is one unit of work inside a plan. The ordinal is immutable after
// creation; steps are owned by their plan and never deleted individually.
type Step struct {
	Envelope
	PlanID           string         `json:"plan_id"`
	Ordinal          int            `json:"ordinal"`
	Description      string         `json:"description"`
	Agent            string         `json:"agent"`
	Status           StepStatus     `json:"status"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
	Params           map[string]any `json:"params,omitempty"`
	Result           *StepResult    `json:"result,omitempty"`
	HumanNote        string         `json:"human_note,omitempty"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

func (s *Step) Kind() Kind      { return KindStep }
func (s *Step) Meta() *Envelope { return &s.Envelope }

// MemoryRecord is one semantic-memory entry. (Collection, Key) is unique
// within a session; an upsert with the same pair replaces the entry.
type MemoryRecord struct {
	Envelope
	Collection string         `json:"collection"`
	Key        string         `json:"key"`
	Text       string         `json:"text"`
	Embedding  []float32      `json:"embedding"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (m *MemoryRecord) Kind() Kind      { return KindMemoryRecord }
func (m *MemoryRecord) Meta() *Envelope { return &m.Envelope }

// Session holds per-session statistics. One record per session, keyed by
// the session id itself.
type Session struct {
	Envelope
	MessageCount int       `json:"message_count"`
	LastActiveAt time.Time `json:"last_active_at"`
}

func (s *Session) Kind() Kind      { return KindSession }
func (s *Session) Meta() *Envelope { return &s.Envelope }

// Collection is the metadata record for one vector collection. The
// dimensionality is fixed at creation and enforced on every upsert.
type Collection struct {
	Envelope
	Name       string `json:"name"`
	Dimensions int    `json:"dimensions"`
}

func (c *Collection) Kind() Kind      { return KindCollection }
func (c *Collection) Meta() *Envelope { return &c.Envelope }
