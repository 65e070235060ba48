package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// commandRepo implements CommandRepository.
type commandRepo struct {
	q Querier
}

// NewCommandRepo creates a command repository bound to q, which may be
// the pool or an open transaction.
func NewCommandRepo(q Querier) CommandRepository {
	return &commandRepo{q: q}
}

// Create creates a new command.
func (r *commandRepo) Create(ctx context.Context, cmd *Command) error {
	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	err := r.q.QueryRow(ctx, CommandInsert,
		cmd.ID,
		cmd.AgentID,
		cmd.Type,
		cmd.Data,
	).Scan(&cmd.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create command: %w", WrapDBError(err))
	}
	cmd.Status = CommandStatusCreated
	return nil
}

// Next locks the next batch of CREATED commands.
func (r *commandRepo) Next(ctx context.Context, offset, limit int) ([]Command, error) {
	rows, err := r.q.Query(ctx, CommandNext, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch next commands: %w", err)
	}
	defer rows.Close()

	return scanCommands(rows)
}

// MarkAsSent marks a command as sent.
func (r *commandRepo) MarkAsSent(ctx context.Context, id uuid.UUID) error {
	result, err := r.q.Exec(ctx, CommandMarkSent, id)
	if err != nil {
		return fmt.Errorf("failed to mark command as sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get retrieves a command by ID.
func (r *commandRepo) Get(ctx context.Context, id uuid.UUID) (*Command, error) {
	rows, err := r.q.Query(ctx, CommandGetByID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get command: %w", err)
	}
	defer rows.Close()

	cmds, err := scanCommands(rows)
	if err != nil {
		return nil, err
	}
	if len(cmds) == 0 {
		return nil, ErrNotFound
	}
	return &cmds[0], nil
}

// List returns commands with pagination.
func (r *commandRepo) List(ctx context.Context, status CommandStatus, page Pagination) ([]Command, error) {
	rows, err := r.q.Query(ctx, CommandList, string(status), page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	return scanCommands(rows)
}

// NextArchivable locks the next batch of archivable commands.
func (r *commandRepo) NextArchivable(ctx context.Context, sentBefore time.Time, limit int) ([]Command, error) {
	rows, err := r.q.Query(ctx, CommandNextArchivable, sentBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch archivable commands: %w", err)
	}
	defer rows.Close()

	return scanCommands(rows)
}

// DeleteBatch deletes commands by ID.
func (r *commandRepo) DeleteBatch(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := r.q.Exec(ctx, CommandDeleteBatch, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete commands: %w", err)
	}
	return result.RowsAffected(), nil
}

func scanCommands(rows pgx.Rows) ([]Command, error) {
	var cmds []Command
	for rows.Next() {
		var cmd Command
		if err := rows.Scan(
			&cmd.ID,
			&cmd.AgentID,
			&cmd.Type,
			&cmd.Status,
			&cmd.Data,
			&cmd.CreatedAt,
			&cmd.SentAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		cmds = append(cmds, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate commands: %w", err)
	}
	return cmds, nil
}
