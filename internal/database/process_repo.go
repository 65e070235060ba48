package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// processRepo implements ProcessRepository.
type processRepo struct {
	q Querier
}

// NewProcessRepo creates a process repository bound to q.
func NewProcessRepo(q Querier) ProcessRepository {
	return &processRepo{q: q}
}

// Create inserts a new process.
func (r *processRepo) Create(ctx context.Context, p *Process) error {
	if p.InstanceID == uuid.Nil {
		p.InstanceID = uuid.New()
	}
	if p.Status == "" {
		p.Status = ProcessStatusNew
	}
	err := r.q.QueryRow(ctx, ProcessInsert,
		p.InstanceID,
		p.Status,
		p.Requirements,
	).Scan(&p.Seq, &p.Version, &p.CreatedAt, &p.LastUpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create process: %w", WrapDBError(err))
	}
	return nil
}

// Get retrieves a process by instance ID.
func (r *processRepo) Get(ctx context.Context, id uuid.UUID) (*Process, error) {
	p := &Process{}
	var cond []byte
	err := r.q.QueryRow(ctx, ProcessGetByID, id).Scan(
		&p.InstanceID,
		&p.Seq,
		&p.Status,
		&p.Requirements,
		&cond,
		&p.IsWaiting,
		&p.ResumeEvents,
		&p.Version,
		&p.CreatedAt,
		&p.LastUpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get process: %w", err)
	}
	if len(cond) > 0 {
		p.WaitCondition = json.RawMessage(cond)
	}
	return p, nil
}

// FindStatuses returns the status of each existing process.
func (r *processRepo) FindStatuses(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]ProcessStatus, error) {
	result := make(map[uuid.UUID]ProcessStatus, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := r.q.Query(ctx, ProcessFindStatuses, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to find process statuses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var status ProcessStatus
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("failed to scan process status: %w", err)
		}
		result[id] = status
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate process statuses: %w", err)
	}
	return result, nil
}

// NextWaitItems pages through waiting processes.
func (r *processRepo) NextWaitItems(ctx context.Context, afterSeq int64, limit int) ([]WaitItem, error) {
	rows, err := r.q.Query(ctx, ProcessNextWaitItems, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch wait items: %w", err)
	}
	defer rows.Close()

	var items []WaitItem
	for rows.Next() {
		var item WaitItem
		var cond []byte
		if err := rows.Scan(&item.InstanceID, &item.Seq, &item.Status, &cond, &item.Version); err != nil {
			return nil, fmt.Errorf("failed to scan wait item: %w", err)
		}
		item.Condition = json.RawMessage(cond)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate wait items: %w", err)
	}
	return items, nil
}

// SetWait replaces or clears the wait condition under a version check.
func (r *processRepo) SetWait(ctx context.Context, id uuid.UUID, cond json.RawMessage, waiting bool, version int64) (bool, error) {
	result, err := r.q.Exec(ctx, ProcessSetWait, id, cond, waiting, version)
	if err != nil {
		return false, fmt.Errorf("failed to set wait condition: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// Resume re-enqueues a suspended process.
func (r *processRepo) Resume(ctx context.Context, id uuid.UUID, event string) (bool, error) {
	result, err := r.q.Exec(ctx, ProcessResume, id, event)
	if err != nil {
		return false, fmt.Errorf("failed to resume process: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// UpdateExpectedStatus changes the status if it matches expected.
func (r *processRepo) UpdateExpectedStatus(ctx context.Context, id uuid.UUID, expected, next ProcessStatus) (bool, error) {
	result, err := r.q.Exec(ctx, ProcessUpdateExpectedStatus, id, expected, next)
	if err != nil {
		return false, fmt.Errorf("failed to update process status: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// UpdateStatus sets the status of a process.
func (r *processRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status ProcessStatus) error {
	var updated, released int64
	if err := r.q.QueryRow(ctx, ProcessUpdateStatus, id, status).Scan(&updated, &released); err != nil {
		return fmt.Errorf("failed to update process status: %w", err)
	}
	if updated == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEnqueuedRequirements returns requirements of enqueued processes.
func (r *processRepo) ListEnqueuedRequirements(ctx context.Context, limit int) ([]map[string]any, error) {
	rows, err := r.q.Query(ctx, ProcessListEnqueuedRequirements, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list enqueued processes: %w", err)
	}
	defer rows.Close()

	var reqs []map[string]any
	for rows.Next() {
		var req map[string]any
		if err := rows.Scan(&req); err != nil {
			return nil, fmt.Errorf("failed to scan requirements: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate requirements: %w", err)
	}
	return reqs, nil
}
