package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/orrn/printbot/internal/core"
)

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanJob reads one jobs row. A settings blob that fails to decode leaves
// the job with default settings and is logged at warn level.
func scanJob(row rowScanner, logger *zap.Logger) (*core.Job, error) {
	var (
		job        core.Job
		status     string
		settings   []byte
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	if err := row.Scan(
		&job.ID, &job.SourceReference, &job.OriginalName, &job.StoredPath, &job.CreatedAt,
		&settings, &status, &job.ErrorKind, &job.ErrorMessage, &startedAt, &finishedAt,
	); err != nil {
		return nil, err
	}

	job.Status = core.JobStatus(status)
	decoded, err := core.DecodeSettings(settings)
	if err != nil {
		logger.Warn("stored settings unreadable, using defaults",
			zap.Int64("job_id", job.ID),
			zap.String("settings", truncate(string(settings), 200)),
			zap.Error(err))
	}
	job.Settings = decoded
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return &job, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func encodeSettings(s core.Settings) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode settings: %w", err)
	}
	return string(data), nil
}

// statusTimes returns the started_at and finished_at values a transition to
// status writes; nil leaves the column unchanged.
func statusTimes(status core.JobStatus, now time.Time) (startedAt, finishedAt *time.Time) {
	switch {
	case status == core.StatusPrinting:
		return &now, nil
	case status.IsTerminal():
		return nil, &now
	}
	return nil, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", core.ErrStorage, op, err)
}
