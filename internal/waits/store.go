package waits

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/conductor/fleet/internal/database"
)

// Queue is the part of the process store a resolution writes through.
// All calls of one resolution run in the same transaction.
type Queue interface {
	SetWait(ctx context.Context, id uuid.UUID, cond json.RawMessage, waiting bool, version int64) (bool, error)
	Resume(ctx context.Context, id uuid.UUID, event string) (bool, error)
	UpdateExpectedStatus(ctx context.Context, id uuid.UUID, expected, next database.ProcessStatus) (bool, error)
}

// Store is the process store consumed by the resolver.
type Store interface {
	StatusFinder
	Locker
	NextWaitItems(ctx context.Context, afterSeq int64, limit int) ([]database.WaitItem, error)
	InTx(ctx context.Context, fn func(q Queue) error) error
}

// PgStore is the PostgreSQL-backed Store.
type PgStore struct {
	db    *database.DB
	procs database.ProcessRepository
	locks database.LockRepository
}

// NewPgStore creates a store on db.
func NewPgStore(db *database.DB) *PgStore {
	return &PgStore{
		db:    db,
		procs: database.NewProcessRepo(db.Querier()),
		locks: database.NewLockRepo(db.Querier()),
	}
}

func (s *PgStore) NextWaitItems(ctx context.Context, afterSeq int64, limit int) ([]database.WaitItem, error) {
	return s.procs.NextWaitItems(ctx, afterSeq, limit)
}

func (s *PgStore) FindStatuses(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]database.ProcessStatus, error) {
	return s.procs.FindStatuses(ctx, ids)
}

func (s *PgStore) TryLock(ctx context.Context, scope, name string, holder uuid.UUID) (bool, error) {
	return s.locks.TryLock(ctx, scope, name, holder)
}

// InTx runs fn with a process repository bound to a new transaction.
func (s *PgStore) InTx(ctx context.Context, fn func(q Queue) error) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(database.NewProcessRepo(tx))
	})
}
