package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orrn/printbot/internal/core"
)

// JobStore is the SQLite implementation of core.JobStore.
type JobStore struct {
	db     *sql.DB
	now    func() time.Time
	logger *zap.Logger
}

func NewJobStore(conn *sql.DB) *JobStore {
	return &JobStore{
		db:     conn,
		now:    func() time.Time { return time.Now().UTC() },
		logger: zap.NewNop(),
	}
}

// SetLogger sets the logger used for row-level warnings.
func (s *JobStore) SetLogger(logger *zap.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *JobStore) Close() error {
	return s.db.Close()
}

func (s *JobStore) Create(ctx context.Context, nj core.NewJob) (int64, error) {
	settings, err := encodeSettings(nj.Settings)
	if err != nil {
		return 0, err
	}

	result, err := s.db.ExecContext(ctx, InsertJob,
		nj.SourceReference, nj.OriginalName, nj.StoredPath, s.now(), settings)
	if err != nil {
		return 0, storageErr("create job", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, storageErr("get job id", err)
	}
	return id, nil
}

func (s *JobStore) ClaimNextPending(ctx context.Context) (*core.Job, error) {
	// BEGIN IMMEDIATE via the DSN: the write lock is taken before the select
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin claim", err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, SelectOldestPending), s.logger)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("select pending job", err)
	}

	now := s.now()
	result, err := tx.ExecContext(ctx, ClaimJob, now, job.ID)
	if err != nil {
		return nil, storageErr("claim job", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, storageErr("claim job", err)
	} else if n != 1 {
		return nil, fmt.Errorf("%w: job %d was claimed concurrently", core.ErrConflict, job.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit claim", err)
	}

	job.Status = core.StatusPrinting
	job.StartedAt = &now
	return job, nil
}

func (s *JobStore) SetStatus(ctx context.Context, id int64, update core.StatusUpdate) error {
	if !update.Status.Valid() {
		return fmt.Errorf("%w: invalid status %q", core.ErrConflict, update.Status)
	}

	sources := core.SourceStatuses(update.Status)
	if len(sources) > 0 {
		startedAt, finishedAt := statusTimes(update.Status, s.now())
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sources)), ",")

		args := []any{update.Status, update.ErrorKind, update.ErrorMessage, startedAt, finishedAt, id}
		for _, src := range sources {
			args = append(args, src)
		}

		result, err := s.db.ExecContext(ctx, fmt.Sprintf(UpdateJobStatus, placeholders), args...)
		if err != nil {
			return storageErr("update job status", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return storageErr("update job status", err)
		}
		if n == 1 {
			return nil
		}
	}

	var current string
	err := s.db.QueryRowContext(ctx, GetJobStatus, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w: %d", core.ErrConflict, core.ErrNotFound, id)
	}
	if err != nil {
		return storageErr("get job status", err)
	}
	return checkUnchanged(id, core.JobStatus(current), update.Status)
}

// checkUnchanged resolves a status write that matched no allowed edge.
func checkUnchanged(id int64, current, target core.JobStatus) error {
	if current == target {
		return nil
	}
	return fmt.Errorf("%w: job %d cannot move from %s to %s", core.ErrConflict, id, current, target)
}

func (s *JobStore) Get(ctx context.Context, id int64) (*core.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, GetJobByID, id), s.logger)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get job", err)
	}
	return job, nil
}

func (s *JobStore) List(ctx context.Context, filter core.JobFilter) ([]*core.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.SourceReference != "" {
		where = append(where, "source_reference = ?")
		args = append(args, filter.SourceReference)
	}

	query := "SELECT " + jobColumns + " FROM jobs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *JobStore) FailInterrupted(ctx context.Context, reason string) (int64, error) {
	result, err := s.db.ExecContext(ctx, FailInterruptedJobs, core.KindInterrupted, reason, s.now())
	if err != nil {
		return 0, storageErr("fail interrupted jobs", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, storageErr("fail interrupted jobs", err)
	}
	return n, nil
}

func (s *JobStore) Stats(ctx context.Context) (*core.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, CountJobsByStatus)
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

func addCount(stats *core.QueueStats, status core.JobStatus, count int) {
	stats.Total += count
	switch status {
	case core.StatusPending:
		stats.Pending = count
	case core.StatusPrinting:
		stats.Printing = count
	case core.StatusDone:
		stats.Done = count
	case core.StatusFailed:
		stats.Failed = count
	}
}
