// Package archive moves sent agent commands out of the database into
// object storage.
//
// Each batch is locked, uploaded and deleted in one transaction. An
// upload whose transaction then fails to commit leaves a duplicate
// object behind; the rows stay and are archived again next run.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/conductor/fleet/internal/database"
	"github.com/conductor/fleet/internal/periodic"
	"github.com/conductor/fleet/pkg/metrics"
	"github.com/conductor/fleet/pkg/tracing"
)

// Queue is the part of the command store an archive batch uses.
type Queue interface {
	NextArchivable(ctx context.Context, sentBefore time.Time, limit int) ([]database.Command, error)
	DeleteBatch(ctx context.Context, ids []uuid.UUID) (int64, error)
}

// Store runs fn in a single transaction.
type Store interface {
	InTx(ctx context.Context, fn func(q Queue) error) error
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
func (s *PgStore) InTx(ctx context.Context, fn func(q Queue) error) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(database.NewCommandRepo(tx))
	})
}

// Config holds archiver settings.
type Config struct {
	Interval   time.Duration
	ErrorDelay time.Duration
	// Retention is how long a sent command stays in the database.
	Retention time.Duration
	BatchSize int
	Compress  bool
	// Prefix is prepended to every object key.
	Prefix string
}

// DefaultConfig returns the default archiver configuration.
func DefaultConfig() Config {
	return Config{
		Interval:   time.Minute,
		ErrorDelay: time.Minute,
		Retention:  24 * time.Hour,
		BatchSize:  500,
		Compress:   true,
		Prefix:     "commands",
	}
}

// Archiver exports sent commands.
type Archiver struct {
	store   Store
	objects ObjectStore
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.ControlPlaneMetrics
	runner  *periodic.Runner
	now     func() time.Time
}

// New creates an archiver.
func New(store Store, objects ObjectStore, cfg Config, logger zerolog.Logger, m *metrics.ControlPlaneMetrics) *Archiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = cfg.Interval
	}
	a := &Archiver{
		store:   store,
		objects: objects,
		cfg:     cfg,
		logger:  logger.With().Str("component", "archiver").Logger(),
		metrics: m,
		now:     time.Now,
	}
	a.runner = periodic.NewRunner("command-archiver", a, periodic.Config{
		Interval:   cfg.Interval,
		ErrorDelay: cfg.ErrorDelay,
	}, a.logger)
	return a
}

// Start runs archive passes every Interval.
func (a *Archiver) Start(ctx context.Context) error {
	return a.runner.Start(ctx)
}

// Stop stops the archive loop.
func (a *Archiver) Stop(ctx context.Context) error {
	return a.runner.Stop(ctx)
}

// RunOnce archives batches until a short one.
func (a *Archiver) RunOnce(ctx context.Context) error {
	total := 0
	for ctx.Err() == nil {
		n, err := a.ArchiveBatch(ctx)
		total += n
		if err != nil {
			return err
		}
		if n < a.cfg.BatchSize {
			break
		}
	}
	if total > 0 {
		a.logger.Info().Int("commands", total).Msg("archived sent commands")
	}
	return ctx.Err()
}

// ArchiveBatch uploads and deletes one batch of commands sent before the
// retention cutoff. It returns the number archived.
func (a *Archiver) ArchiveBatch(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "archive.ArchiveBatch", tracing.AttrBatchSize.Int(a.cfg.BatchSize))
	defer span.End()

	now := a.now()
	cutoff := now.Add(-a.cfg.Retention)
	archived := 0

	err := a.store.InTx(ctx, func(q Queue) error {
		cmds, err := q.NextArchivable(ctx, cutoff, a.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(cmds) == 0 {
			return nil
		}

		data, err := Encode(cmds, a.cfg.Compress)
		if err != nil {
			return err
		}
		key := a.objectKey(now, cmds[0].ID)
		contentType := contentTypeJSONL
		if a.cfg.Compress {
			contentType = contentTypeZstd
		}
		if err := a.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
			return err
		}

		ids := make([]uuid.UUID, len(cmds))
		for i, c := range cmds {
			ids[i] = c.ID
		}
		deleted, err := q.DeleteBatch(ctx, ids)
		if err != nil {
			return err
		}
		if deleted != int64(len(ids)) {
			return fmt.Errorf("deleted %d of %d archived commands", deleted, len(ids))
		}

		archived = len(cmds)
		a.logger.Debug().Str("key", key).Int("commands", archived).Int("bytes", len(data)).Msg("archive object written")
		return nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return 0, fmt.Errorf("archive batch failed: %w", err)
	}

	if a.metrics != nil && archived > 0 {
		a.metrics.CommandsArchived.Add(float64(archived))
	}
	return archived, nil
}

// objectKey lays objects out by day: prefix/YYYY/MM/DD/<nanos>-<first id>.jsonl[.zst].
func (a *Archiver) objectKey(now time.Time, first uuid.UUID) string {
	name := fmt.Sprintf("%d-%s.jsonl", now.UnixNano(), first)
	if a.cfg.Compress {
		name += ".zst"
	}
	return path.Join(a.cfg.Prefix, now.UTC().Format("2006/01/02"), name)
}
