package store

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Scope of a context: short-lived session or long-lived project.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeProject Scope = "project"
)

// CompressionLevel is the archival tier of a context.
type CompressionLevel string

const (
	LevelActive    CompressionLevel = "active"
	LevelDormant   CompressionLevel = "dormant"
	LevelSleeping  CompressionLevel = "sleeping"
	LevelDeepSleep CompressionLevel = "deep-sleep"
)

// EventKind enumerates context event kinds.
type EventKind string

const (
	EventMessage          EventKind = "message"
	EventDecision         EventKind = "decision"
	EventMilestone        EventKind = "milestone"
	EventExternalResource EventKind = "external-resource"
	EventAgentStep        EventKind = "agent-step"
	EventError            EventKind = "error"
	EventSummary          EventKind = "summary"
)

// JSONMap is a JSON-encoded map column.
type JSONMap map[string]interface{}

// Value implements driver.Valuer
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner
func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", value)
	}
}

// ContextRecord is the persisted shape of a context.
type ContextRecord struct {
	ID               string           `db:"id"`
	Scope            Scope            `db:"scope"`
	Goal             string           `db:"goal"`
	ParentID         sql.NullString   `db:"parent_id"`
	CompressionLevel CompressionLevel `db:"compression_level"`
	TokenBudget      int              `db:"token_budget"`
	TokensUsed       int              `db:"tokens_used"`
	OverBudget       bool             `db:"over_budget"`
	Completed        bool             `db:"completed"`
	CreatedAt        time.Time        `db:"created_at"`
	LastActiveAt     time.Time        `db:"last_active_at"`
	UpdatedAt        time.Time        `db:"updated_at"`
}

// Event is one append-only record attached to a context.
type Event struct {
	ID         string    `db:"id"`
	ContextID  string    `db:"context_id"`
	Seq        int64     `db:"seq"`
	Kind       EventKind `db:"kind"`
	Importance int       `db:"importance"`
	Payload    JSONMap   `db:"payload"`
	TokenCount int       `db:"token_count"`
	Compressed bool      `db:"compressed"`
	CreatedAt  time.Time `db:"created_at"`
}

// EventFilter narrows QueryEvents results.
type EventFilter struct {
	Kinds         []EventKind
	MinImportance int
	SinceSeq      int64
	Limit         int
	// IncludeCompressed returns events that a compression pass replaced with
	// a summary. Preserved events (importance at or above the preservation
	// threshold) are never marked compressed.
	IncludeCompressed bool
}

// AgentRecord is the persisted shape of one agent execution.
type AgentRecord struct {
	ID          string         `db:"id"`
	WorkflowID  string         `db:"workflow_id"`
	ContextID   string         `db:"context_id"`
	Role        string         `db:"role"`
	State       string         `db:"state"`
	Progress    float64        `db:"progress"`
	CurrentStep sql.NullString `db:"current_step"`
	StepIndex   int            `db:"step_index"`
	Result      JSONMap        `db:"result"`
	Error       JSONMap        `db:"error"`
	Config      JSONMap        `db:"config"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// WorkflowRecord is the persisted shape of a workflow session.
type WorkflowRecord struct {
	ID           string         `db:"id"`
	ContextID    string         `db:"context_id"`
	WorkflowType string         `db:"workflow_type"`
	Status       string         `db:"status"`
	Handoff      JSONMap        `db:"handoff"`
	StartedAt    time.Time      `db:"started_at"`
	EndedAt      sql.NullTime   `db:"ended_at"`
	FailureKind  sql.NullString `db:"failure_kind"`
}

// LessonKind enumerates learned-rule kinds.
type LessonKind string

const (
	LessonMistake LessonKind = "mistake"
	LessonSuccess LessonKind = "success"
	LessonPattern LessonKind = "pattern"
)

// Lesson is a durable learned rule. Immutable once recorded.
type Lesson struct {
	ID             string     `db:"id"`
	Kind           LessonKind `db:"kind"`
	AgentTag       string     `db:"agent_tag"`
	Description    string     `db:"description"`
	PreventionRule string     `db:"prevention_rule"`
	Probe          string     `db:"probe"`
	CreatedAt      time.Time  `db:"created_at"`
}

// Verification records one probe execution against a claimed status.
type Verification struct {
	ID             string    `db:"id"`
	TaskID         string    `db:"task_id"`
	ClaimedStatus  string    `db:"claimed_status"`
	VerifiedStatus string    `db:"verified_status"`
	Probe          string    `db:"probe"`
	Output         string    `db:"output"`
	Discrepancy    bool      `db:"discrepancy"`
	AgentTag       string    `db:"agent_tag"`
	WorkflowID     string    `db:"workflow_id"`
	CreatedAt      time.Time `db:"created_at"`
}

// ExternalResource is a soft-owned artifact created on an external system.
type ExternalResource struct {
	ID         string    `db:"id"`
	ContextID  string    `db:"context_id"`
	System     string    `db:"system"` // source-control or chat
	Kind       string    `db:"kind"`   // branch, pull-request, channel, message
	ExternalID string    `db:"external_id"`
	URL        string    `db:"url"`
	CreatedAt  time.Time `db:"created_at"`
}

// ResourceLock is an advisory TTL-backed lock row.
type ResourceLock struct {
	Name       string    `db:"name"`
	Holder     string    `db:"holder"`
	AcquiredAt time.Time `db:"acquired_at"`
	ExpiresAt  time.Time `db:"expires_at"`
}

// ContextFilter narrows ListContexts results.
type ContextFilter struct {
	Scope     Scope
	Level     CompressionLevel
	ParentID  string
	Completed *bool
	Limit     int
}
