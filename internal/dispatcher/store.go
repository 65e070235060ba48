package dispatcher

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/conductor/fleet/internal/channel"
	"github.com/conductor/fleet/internal/database"
)

// CommandQueue is the part of the command store a dispatch cycle uses.
// Both calls run inside the cycle's transaction.
type CommandQueue interface {
	// Next locks up to limit CREATED commands in creation order, skipping
	// rows locked by concurrent transactions.
	Next(ctx context.Context, offset, limit int) ([]database.Command, error)
	// MarkAsSent moves a command to SENT.
	MarkAsSent(ctx context.Context, id uuid.UUID) error
}

// Store runs fn in a single transaction; fn's error rolls it back.
type Store interface {
	InTx(ctx context.Context, fn func(q CommandQueue) error) error
}

// Channels is the registry of open agent channels.
type Channels interface {
	Requests() []channel.Request
	Send(key channel.Key, msg *channel.Message) error
}

// PgStore is the PostgreSQL-backed Store.
type PgStore struct {
	db *database.DB
}

// NewPgStore creates a store on db.
func NewPgStore(db *database.DB) *PgStore {
	return &PgStore{db: db}
}

// InTx runs fn with a command repository bound to a new transaction.
func (s *PgStore) InTx(ctx context.Context, fn func(q CommandQueue) error) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(database.NewCommandRepo(tx))
	})
}
