package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CommandRepository defines agent command operations.
// Implementations run against whatever Querier they were built with, so
// the same repository works on the pool or inside a transaction.
type CommandRepository interface {
	// Create persists a new CREATED command.
	Create(ctx context.Context, cmd *Command) error

	// Next locks up to limit CREATED commands in creation order, skipping
	// rows locked by other transactions.
	Next(ctx context.Context, offset, limit int) ([]Command, error)

	// MarkAsSent moves a command to SENT. Returns ErrNotFound when the
	// command does not exist or was already sent.
	MarkAsSent(ctx context.Context, id uuid.UUID) error

	// Get retrieves a command by ID.
	Get(ctx context.Context, id uuid.UUID) (*Command, error)

	// List returns commands, optionally filtered by status.
	List(ctx context.Context, status CommandStatus, page Pagination) ([]Command, error)

	// NextArchivable locks up to limit SENT commands sent before the cutoff.
	NextArchivable(ctx context.Context, sentBefore time.Time, limit int) ([]Command, error)

	// DeleteBatch deletes commands by ID.
	DeleteBatch(ctx context.Context, ids []uuid.UUID) (int64, error)
}

// ProcessRepository defines process queue operations used by the wait
// resolver and the autoscaler.
type ProcessRepository interface {
	// Create inserts a new process.
	Create(ctx context.Context, p *Process) error

	// Get retrieves a process by instance ID.
	Get(ctx context.Context, id uuid.UUID) (*Process, error)

	// FindStatuses returns the status of each existing process in ids.
	// Unknown ids are absent from the result.
	FindStatuses(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]ProcessStatus, error)

	// NextWaitItems returns up to limit waiting processes with id_seq > afterSeq.
	NextWaitItems(ctx context.Context, afterSeq int64, limit int) ([]WaitItem, error)

	// SetWait replaces the wait condition when the row version matches.
	// A nil condition clears it. Reports whether the row was updated.
	SetWait(ctx context.Context, id uuid.UUID, cond json.RawMessage, waiting bool, version int64) (bool, error)

	// Resume re-enqueues a suspended process with the given event.
	Resume(ctx context.Context, id uuid.UUID, event string) (bool, error)

	// UpdateExpectedStatus changes the status from expected to next.
	UpdateExpectedStatus(ctx context.Context, id uuid.UUID, expected, next ProcessStatus) (bool, error)

	// UpdateStatus sets the status. Locks are released when it is final.
	UpdateStatus(ctx context.Context, id uuid.UUID, status ProcessStatus) error

	// ListEnqueuedRequirements returns requirements of up to limit ENQUEUED processes.
	ListEnqueuedRequirements(ctx context.Context, limit int) ([]map[string]any, error)
}

// LockRepository defines process lock operations.
type LockRepository interface {
	// TryLock attempts to take the named lock for a process.
	TryLock(ctx context.Context, scope, name string, holder uuid.UUID) (bool, error)

	// ReleaseLocks releases every lock held by a process.
	ReleaseLocks(ctx context.Context, holder uuid.UUID) (int64, error)

	// Get returns the current holder of a lock.
	Get(ctx context.Context, scope, name string) (*ProcessLock, error)
}
