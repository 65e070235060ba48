// Package database provides PostgreSQL connectivity, migrations and the
// repositories behind the command queue, the process queue and process locks.
package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config describes the pgx pool. Zero values keep the pgx defaults.
type Config struct {
	// URL is a postgres:// connection string.
	URL string

	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration

	// ApplicationName is reported in pg_stat_activity.
	ApplicationName string

	// StatementTimeout bounds every statement on the server side, so a stuck
	// dispatcher poll cannot hold SKIP LOCKED row locks forever.
	StatementTimeout time.Duration
}

// DefaultConfig returns the settings the control plane runs with.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		MaxConns:          25,
		MinConns:          5,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
		ApplicationName:   "fleet",
	}
}

func (c Config) poolConfig() (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(c.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	setIfPositive(&pc.MaxConns, c.MaxConns)
	setIfPositive(&pc.MinConns, c.MinConns)
	setIfPositive(&pc.MaxConnLifetime, c.MaxConnLifetime)
	setIfPositive(&pc.MaxConnIdleTime, c.MaxConnIdleTime)
	setIfPositive(&pc.HealthCheckPeriod, c.HealthCheckPeriod)

	params := pc.ConnConfig.RuntimeParams
	if c.ApplicationName != "" {
		params["application_name"] = c.ApplicationName
	}
	if c.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(c.StatementTimeout.Milliseconds(), 10)
	}
	return pc, nil
}

func setIfPositive[T int32 | time.Duration](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}

// DB owns the connection pool shared by every repository.
type DB struct {
	pool *pgxpool.Pool
}

// New opens the pool and fails fast if the server is unreachable.
func New(ctx context.Context, cfg Config) (*DB, error) {
	pc, err := cfg.poolConfig()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{pool: pool}, nil
}

func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Pool exposes the pgx pool for callers that need raw access.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Querier runs statements outside any transaction.
func (db *DB) Querier() Querier {
	return db.pool
}

// Health pings the server. It backs the readiness check.
func (db *DB) Health(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// PoolStats is a snapshot of connection usage, exported as gauges.
type PoolStats struct {
	TotalConns    int32
	AcquiredConns int32
	IdleConns     int32
	MaxConns      int32
}

func (db *DB) Stats() PoolStats {
	s := db.pool.Stat()
	return PoolStats{
		TotalConns:    s.TotalConns(),
		AcquiredConns: s.AcquiredConns(),
		IdleConns:     s.IdleConns(),
		MaxConns:      s.MaxConns(),
	}
}

// TxFunc is the body of a transaction.
type TxFunc func(tx pgx.Tx) error

// WithTx runs fn in a transaction. Row locks taken by fn (for example
// FOR UPDATE SKIP LOCKED reads) are held until fn returns. Any error from
// fn rolls the whole transaction back.
func (db *DB) WithTx(ctx context.Context, fn TxFunc) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// Rollback after Commit is a no-op.
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, so repositories
// work the same inside and outside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	ErrNotFound   = errors.New("record not found")
	ErrDuplicate  = errors.New("duplicate record")
	ErrForeignKey = errors.New("foreign key violation")

	// ErrVersionConflict means a row changed under a guarded update, for
	// example another resolver already cleared the wait condition.
	ErrVersionConflict = errors.New("version conflict")
)

// SQLSTATE codes mapped onto the sentinels above.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// pgCode returns the SQLSTATE of err, or "" if it is not a server error.
func pgCode(err error) (string, *pgconn.PgError) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr
	}
	return "", nil
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows)
}

func IsDuplicate(err error) bool {
	code, _ := pgCode(err)
	return errors.Is(err, ErrDuplicate) || code == codeUniqueViolation
}

func IsForeignKeyViolation(err error) bool {
	code, _ := pgCode(err)
	return errors.Is(err, ErrForeignKey) || code == codeForeignKeyViolation
}

// WrapDBError translates pgx errors into the package sentinels and leaves
// anything else untouched.
func WrapDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	switch code, pgErr := pgCode(err); code {
	case codeUniqueViolation:
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.Detail)
	case codeForeignKeyViolation:
		return fmt.Errorf("%w: %s", ErrForeignKey, pgErr.Detail)
	}
	return err
}
