package db

const jobColumns = `id, source_reference, original_name, stored_path, created_at, settings, status,
	error_kind, error_message, started_at, finished_at`

const (
	InsertJob = `
		INSERT INTO jobs (source_reference, original_name, stored_path, created_at, settings, status)
		VALUES (?, ?, ?, ?, ?, 'pending')
	`

	GetJobByID = `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`

	GetJobStatus = `SELECT status FROM jobs WHERE id = ?`

	SelectOldestPending = `
		SELECT ` + jobColumns + `
		FROM jobs WHERE status = 'pending'
		ORDER BY id ASC
		LIMIT 1
	`

	ClaimJob = `
		UPDATE jobs SET status = 'printing', started_at = ?
		WHERE id = ? AND status = 'pending'
	`

	// UpdateJobStatus is completed with one placeholder per allowed source
	// status.
	UpdateJobStatus = `
		UPDATE jobs SET
			status = ?, error_kind = ?, error_message = ?,
			started_at = COALESCE(?, started_at),
			finished_at = COALESCE(?, finished_at)
		WHERE id = ? AND status IN (%s)
	`

	FailInterruptedJobs = `
		UPDATE jobs SET status = 'failed', error_kind = ?, error_message = ?, finished_at = ?
		WHERE status = 'printing'
	`

	CountJobsByStatus = `SELECT status, COUNT(*) FROM jobs GROUP BY status`
)

const (
	pgInsertJob = `
		INSERT INTO jobs (source_reference, original_name, stored_path, created_at, settings, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		RETURNING id
	`

	pgGetJobByID = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	pgGetJobStatus = `SELECT status FROM jobs WHERE id = $1`

	// pgClaimJob skips rows locked by a concurrent claimer instead of
	// waiting on them.
	pgClaimJob = `
		UPDATE jobs SET status = 'printing', started_at = $1
		WHERE id = (
			SELECT id FROM jobs WHERE status = 'pending'
			ORDER BY id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns

	pgUpdateJobStatus = `
		UPDATE jobs SET
			status = $1, error_kind = $2, error_message = $3,
			started_at = COALESCE($4, started_at),
			finished_at = COALESCE($5, finished_at)
		WHERE id = $6 AND status = ANY($7)
	`

	pgFailInterruptedJobs = `
		UPDATE jobs SET status = 'failed', error_kind = $1, error_message = $2, finished_at = $3
		WHERE status = 'printing'
	`

	pgListJobs = `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR source_reference = $2)
		ORDER BY id DESC
		LIMIT $3 OFFSET $4
	`
)
