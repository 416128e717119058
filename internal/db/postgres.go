package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/orrn/printbot/internal/core"
)

// PostgresStore implements core.JobStore on PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED so several workers may share one database.
type PostgresStore struct {
	pool   *pgxpool.Pool
	now    func() time.Time
	logger *zap.Logger
}

// OpenPostgres connects a pool and applies the postgres migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrate(ctx, &pgMigrator{pool: pool}, "migrations/postgres"); err != nil {
		pool.Close()
		return nil, err
	}
	return NewPostgresStore(pool), nil
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		now:    func() time.Time { return time.Now().UTC() },
		logger: zap.NewNop(),
	}
}

// SetLogger sets the logger used for row-level warnings.
func (s *PostgresStore) SetLogger(logger *zap.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, nj core.NewJob) (int64, error) {
	settings, err := encodeSettings(nj.Settings)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.pool.QueryRow(ctx, pgInsertJob,
		nj.SourceReference, nj.OriginalName, nj.StoredPath, s.now(), settings).Scan(&id)
	if err != nil {
		return 0, storageErr("insert job", err)
	}
	return id, nil
}

func (s *PostgresStore) ClaimNextPending(ctx context.Context) (*core.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, pgClaimJob, s.now()), s.logger)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("claim job", err)
	}
	return job, nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, id int64, update core.StatusUpdate) error {
	if !update.Status.Valid() {
		return fmt.Errorf("%w: invalid status %q", core.ErrConflict, update.Status)
	}

	if sources := core.SourceStatuses(update.Status); len(sources) > 0 {
		from := make([]string, len(sources))
		for i, src := range sources {
			from[i] = string(src)
		}
		startedAt, finishedAt := statusTimes(update.Status, s.now())

		tag, err := s.pool.Exec(ctx, pgUpdateJobStatus,
			string(update.Status), update.ErrorKind, update.ErrorMessage, startedAt, finishedAt, id, from)
		if err != nil {
			return storageErr("update job status", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
	}

	var current string
	err := s.pool.QueryRow(ctx, pgGetJobStatus, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w: %d", core.ErrConflict, core.ErrNotFound, id)
	}
	if err != nil {
		return storageErr("get job status", err)
	}
	return checkUnchanged(id, core.JobStatus(current), update.Status)
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*core.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, pgGetJobByID, id), s.logger)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get job", err)
	}
	return job, nil
}

func (s *PostgresStore) List(ctx context.Context, filter core.JobFilter) ([]*core.Job, error) {
	var limit any
	if filter.Limit > 0 {
		limit = filter.Limit
	}

	rows, err := s.pool.Query(ctx, pgListJobs,
		string(filter.Status), filter.SourceReference, limit, max(filter.Offset, 0))
	if err != nil {
		return nil, storageErr("list jobs", err)
	}
	defer rows.Close()

	var jobs []*core.Job
	for rows.Next() {
		job, err := scanJob(rows, s.logger)
		if err != nil {
			return nil, storageErr("scan job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list jobs", err)
	}
	return jobs, nil
}

func (s *PostgresStore) FailInterrupted(ctx context.Context, reason string) (int64, error) {
	tag, err := s.pool.Exec(ctx, pgFailInterruptedJobs, core.KindInterrupted, reason, s.now())
	if err != nil {
		return 0, storageErr("fail interrupted jobs", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*core.QueueStats, error) {
	rows, err := s.pool.Query(ctx, CountJobsByStatus)
	if err != nil {
		return nil, storageErr("count jobs", err)
	}
	defer rows.Close()

	stats := &core.QueueStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, storageErr("scan job count", err)
		}
		addCount(stats, core.JobStatus(status), count)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("count jobs", err)
	}
	return stats, nil
}

type pgMigrator struct {
	pool *pgxpool.Pool
}

func (p *pgMigrator) ensureTable(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT now()
		)
	`)
	return err
}

func (p *pgMigrator) applied(ctx context.Context) (map[string]bool, error) {
	rows, err := p.pool.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (p *pgMigrator) apply(ctx context.Context, m Migration) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
	}
	return nil
}
