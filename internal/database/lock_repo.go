package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// lockRepo implements LockRepository.
type lockRepo struct {
	q Querier
}

// NewLockRepo creates a lock repository bound to q.
func NewLockRepo(q Querier) LockRepository {
	return &lockRepo{q: q}
}

// TryLock attempts to take a lock. Taking a lock the process already holds succeeds.
func (r *lockRepo) TryLock(ctx context.Context, scope, name string, holder uuid.UUID) (bool, error) {
	var got uuid.UUID
	err := r.q.QueryRow(ctx, LockTry, scope, name, holder).Scan(&got)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lock %s/%s: %w", scope, name, err)
	}
	return got == holder, nil
}

// ReleaseLocks releases every lock held by a process.
func (r *lockRepo) ReleaseLocks(ctx context.Context, holder uuid.UUID) (int64, error) {
	result, err := r.q.Exec(ctx, LockReleaseAll, holder)
	if err != nil {
		return 0, fmt.Errorf("failed to release locks: %w", err)
	}
	return result.RowsAffected(), nil
}

// Get returns the current holder of a lock.
func (r *lockRepo) Get(ctx context.Context, scope, name string) (*ProcessLock, error) {
	l := &ProcessLock{}
	err := r.q.QueryRow(ctx, LockGet, scope, name).Scan(&l.Scope, &l.Name, &l.InstanceID, &l.LockedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}
	return l, nil
}
