package database

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CommandStatus is the delivery state of an agent command.
// Status only moves forward: CREATED -> SENT.
type CommandStatus string

const (
	CommandStatusCreated CommandStatus = "CREATED"
	CommandStatusSent    CommandStatus = "SENT"
)

// Command is a persisted unit of work addressed to a single agent.
type Command struct {
	ID        uuid.UUID      `json:"command_id" db:"command_id"`
	AgentID   string         `json:"agent_id" db:"agent_id"`
	Type      string         `json:"command_type" db:"command_type"`
	Status    CommandStatus  `json:"command_status" db:"command_status"`
	Data      map[string]any `json:"command_data,omitempty" db:"command_data"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	SentAt    *time.Time     `json:"sent_at,omitempty" db:"sent_at"`
}

// ProcessStatus is the lifecycle status of a queued process.
type ProcessStatus string

const (
	ProcessStatusNew       ProcessStatus = "NEW"
	ProcessStatusEnqueued  ProcessStatus = "ENQUEUED"
	ProcessStatusWaiting   ProcessStatus = "WAITING"
	ProcessStatusStarting  ProcessStatus = "STARTING"
	ProcessStatusRunning   ProcessStatus = "RUNNING"
	ProcessStatusSuspended ProcessStatus = "SUSPENDED"
	ProcessStatusResuming  ProcessStatus = "RESUMING"
	ProcessStatusFinished  ProcessStatus = "FINISHED"
	ProcessStatusFailed    ProcessStatus = "FAILED"
	ProcessStatusCancelled ProcessStatus = "CANCELLED"
	ProcessStatusTimedOut  ProcessStatus = "TIMED_OUT"
)

// FinalStatuses are the terminal process statuses.
var FinalStatuses = []ProcessStatus{
	ProcessStatusFinished,
	ProcessStatusFailed,
	ProcessStatusCancelled,
	ProcessStatusTimedOut,
}

// IsFinal reports whether the status is terminal.
func (s ProcessStatus) IsFinal() bool {
	for _, f := range FinalStatuses {
		if s == f {
			return true
		}
	}
	return false
}

// Process is an entry of the process queue.
type Process struct {
	InstanceID    uuid.UUID       `json:"instance_id" db:"instance_id"`
	Seq           int64           `json:"id_seq" db:"id_seq"`
	Status        ProcessStatus   `json:"current_status" db:"current_status"`
	Requirements  map[string]any  `json:"requirements,omitempty" db:"requirements"`
	WaitCondition json.RawMessage `json:"wait_conditions,omitempty" db:"wait_conditions"`
	IsWaiting     bool            `json:"is_waiting" db:"is_waiting"`
	ResumeEvents  []string        `json:"resume_events,omitempty" db:"resume_events"`
	Version       int64           `json:"version" db:"version"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	LastUpdatedAt time.Time       `json:"last_updated_at" db:"last_updated_at"`
}

// WaitItem is the projection of a waiting process used by the wait resolver.
type WaitItem struct {
	InstanceID uuid.UUID
	Seq        int64
	Status     ProcessStatus
	Condition  json.RawMessage
	Version    int64
}

// ProcessLock is a named lock held by a process within a scope.
type ProcessLock struct {
	Scope      string    `json:"scope" db:"scope"`
	Name       string    `json:"lock_name" db:"lock_name"`
	InstanceID uuid.UUID `json:"instance_id" db:"instance_id"`
	LockedAt   time.Time `json:"locked_at" db:"locked_at"`
}

// Pagination holds limit/offset values for list queries.
type Pagination struct {
	Limit  int
	Offset int
}

// DefaultPagination returns the default page.
func DefaultPagination() Pagination {
	return Pagination{Limit: 50, Offset: 0}
}
