// Package jobstore is the persistence layer for job records and their
// audit trail, generalizing the teacher's internal/chat/job.go,
// internal/chat/models.go and internal/chat/repo.go from a chat-job GORM
// model to the full job lifecycle state machine.
package jobstore

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Status is one of the closed set of job lifecycle states.
type Status string

const (
	Pending   Status = "pending"
	Queued    Status = "queued"
	Running   Status = "running"
	Retrying  Status = "retrying"
	Completed Status = "completed"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
	Timeout   Status = "timeout"
)

// terminal holds the sticky terminal states: once reached, no further
// transition is accepted.
var terminal = map[Status]bool{
	Completed: true,
	Failed:    true,
	Cancelled: true,
	Timeout:   true,
}

// IsTerminal reports whether s is a terminal state.
func IsTerminal(s Status) bool { return terminal[s] }

// allowed enumerates the legal transition graph from spec.md §3.
var allowed = map[Status]map[Status]bool{
	Pending: {Queued: true},
	Queued:  {Running: true, Cancelled: true},
	Running: {Completed: true, Failed: true, Cancelled: true, Timeout: true, Retrying: true},
	Retrying: {Queued: true, Cancelled: true},
}

// ErrIllegalTransition is returned when a requested transition is not in
// the allowed graph.
var ErrIllegalTransition = errors.New("jobstore: illegal state transition")

// ErrTerminalState is returned when a transition is requested from an
// already-terminal state (terminal-state stickiness).
var ErrTerminalState = errors.New("jobstore: job already in terminal state")

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) error {
	if IsTerminal(from) {
		return ErrTerminalState
	}
	if allowed[from][to] {
		return nil
	}
	return ErrIllegalTransition
}

// JSONMap is a generic JSON object column, the narrow explicit
// sql.Scanner/driver.Valuer pair the teacher reaches for (e.g.
// Job.IdempotencyKey's *string pattern) rather than pulling in an ORM
// datatypes plugin for a single map column.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("jobstore: unsupported JSONMap scan source type")
	}
	if len(raw) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Job is the persisted record for a single dispatched unit of work.
type Job struct {
	ID    string `gorm:"primaryKey;size:26" json:"id"` // ULID
	Class string `gorm:"type:varchar(16);index;not null" json:"class"`

	TenantID string `gorm:"type:varchar(64);index;not null" json:"tenant_id"`

	Status Status `gorm:"type:varchar(16);index;not null" json:"status"`

	Priority int `gorm:"not null;default:0" json:"priority"`

	Payload JSONMap `gorm:"type:text" json:"payload"`
	Result  JSONMap `gorm:"type:text" json:"result,omitempty"`
	Metrics JSONMap `gorm:"type:text" json:"metrics,omitempty"`

	Progress int    `gorm:"not null;default:0" json:"progress"`
	Step     string `gorm:"type:varchar(128)" json:"step,omitempty"`
	Message  string `gorm:"type:text" json:"message,omitempty"`

	// Attempt is the spec's "attempt counter >= 1": it is incremented every
	// time the worker harness picks up the job for execution (entering
	// Running), so it reads 1 for the first try, 2 for the first retry's
	// try, and so on.
	Attempt int `gorm:"not null;default:0" json:"attempt"`

	// RetryCount is distinct from Attempt: incremented only when a retry
	// is scheduled (entering Retrying), so it reads 0 until the first
	// retry and never counts the initial try itself.
	RetryCount int `gorm:"not null;default:0" json:"retry_count"`

	MaxRetries int `gorm:"not null;default:0" json:"max_retries"`

	ErrorType         string `gorm:"type:varchar(64)" json:"error_type,omitempty"`
	ErrorMessage      string `gorm:"type:text" json:"error_message,omitempty"`
	ErrorClassification string `gorm:"type:varchar(32)" json:"error_classification,omitempty"`

	CancelRequested bool `gorm:"not null;default:false" json:"cancel_requested"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (Job) TableName() string { return "jobs" }

// AuditEntry is one row per state transition or cancellation request,
// written in the same transaction as the Job row update it accompanies.
type AuditEntry struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID     string    `gorm:"type:varchar(26);index;not null" json:"job_id"`
	FromState string    `gorm:"type:varchar(16)" json:"from_state"`
	ToState   string    `gorm:"type:varchar(16);not null" json:"to_state"`
	Reason    string    `gorm:"type:text" json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (AuditEntry) TableName() string { return "job_audit_entries" }
