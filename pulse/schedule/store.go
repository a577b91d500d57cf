package schedule

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/batchwatch/db"
	"github.com/teranos/batchwatch/errors"
)

// Store handles persistence of jobs, their batches and their logs
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn}
}

// DB exposes the underlying handle for collaborators sharing the database
func (s *Store) DB() *sql.DB {
	return s.db
}

const jobColumns = `
	id, name, status, poll_interval_seconds,
	status_secret_id, trigger_secret_id,
	trigger_stack_url, trigger_component_id, trigger_configuration_id,
	last_check_at, next_check_at, created_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var status, createdAt string
	var statusSecret, triggerSecret, lastCheck, nextCheck, completed sql.NullString

	err := row.Scan(
		&job.ID,
		&job.Name,
		&status,
		&job.PollIntervalSeconds,
		&statusSecret,
		&triggerSecret,
		&job.Trigger.StackURL,
		&job.Trigger.ComponentID,
		&job.Trigger.ConfigurationID,
		&lastCheck,
		&nextCheck,
		&createdAt,
		&completed,
	)
	if err != nil {
		return nil, err
	}

	job.Status = JobStatus(status)
	job.StatusSecretID = statusSecret.String
	job.TriggerSecretID = triggerSecret.String

	// Parse failures indicate data corruption or schema mismatch
	if job.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "created_at of job %s", job.ID)
	}
	if job.LastCheckAt, err = db.ParseNullTime(lastCheck); err != nil {
		return nil, errors.Wrapf(err, "last_check_at of job %s", job.ID)
	}
	if job.NextCheckAt, err = db.ParseNullTime(nextCheck); err != nil {
		return nil, errors.Wrapf(err, "next_check_at of job %s", job.ID)
	}
	if job.CompletedAt, err = db.ParseNullTime(completed); err != nil {
		return nil, errors.Wrapf(err, "completed_at of job %s", job.ID)
	}
	return &job, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// CreateJob inserts job together with one in_progress batch per id, atomically.
// Callers validate input first (see Scheduler.CreateJob).
func (s *Store) CreateJob(ctx context.Context, job *Job, batchIDs []string) error {
	if len(batchIDs) == 0 {
		return errors.NewValidationError("job %s has no batches", job.ID)
	}
	if !job.Status.Valid() {
		return errors.NewValidationError("invalid job status %q", job.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapPersistence(err, "begin create job")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Name,
		string(job.Status),
		job.PollIntervalSeconds,
		nullString(job.StatusSecretID),
		nullString(job.TriggerSecretID),
		job.Trigger.StackURL,
		job.Trigger.ComponentID,
		job.Trigger.ConfigurationID,
		db.NullTime(job.LastCheckAt),
		db.NullTime(job.NextCheckAt),
		db.FormatTime(job.CreatedAt),
		db.NullTime(job.CompletedAt),
	)
	if err != nil {
		return classifyWriteError(err, "insert job "+job.ID)
	}

	job.Batches = make([]Batch, 0, len(batchIDs))
	for _, batchID := range batchIDs {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO job_batches (job_id, batch_id, status, created_at)
			VALUES (?, ?, ?, ?)`,
			job.ID, batchID, string(BatchInProgress), db.FormatTime(job.CreatedAt))
		if err != nil {
			return classifyWriteError(err, "insert batch "+batchID)
		}
		rowID, _ := res.LastInsertId()
		job.Batches = append(job.Batches, Batch{
			ID:        rowID,
			JobID:     job.ID,
			BatchID:   batchID,
			Status:    BatchInProgress,
			CreatedAt: job.CreatedAt,
		})
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapPersistence(err, "commit create job")
	}
	return nil
}

// classifyWriteError maps constraint failures onto the error taxonomy
func classifyWriteError(err error, msg string) error {
	switch {
	case db.IsUniqueViolation(err):
		return errors.Mark(errors.Wrap(err, msg), errors.ErrConflict)
	case db.IsForeignKeyViolation(err):
		return errors.Mark(errors.Wrap(err, msg+": referenced secret does not exist"), errors.ErrNotFound)
	case db.IsCheckViolation(err):
		return errors.Mark(errors.Wrap(err, msg), errors.ErrValidation)
	default:
		return errors.WrapPersistence(err, msg)
	}
}

// GetJob retrieves a job by ID without its batches
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.WrapPersistence(err, "get job "+id)
	}
	return job, nil
}

// GetJobWithBatches returns the job with its batches loaded, ordered by insertion
func (s *Store) GetJobWithBatches(ctx context.Context, id string) (*Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Batches, err = s.ListBatches(ctx, id)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListBatches returns the batches of a job
func (s *Store) ListBatches(ctx context.Context, jobID string) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, batch_id, status, created_at, completed_at
		FROM job_batches
		WHERE job_id = ?
		ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, errors.WrapPersistence(err, "list batches of job "+jobID)
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		var b Batch
		var status, createdAt string
		var completed sql.NullString
		if err := rows.Scan(&b.ID, &b.JobID, &b.BatchID, &status, &createdAt, &completed); err != nil {
			return nil, errors.WrapPersistence(err, "scan batch")
		}
		b.Status = BatchStatus(status)
		if b.CreatedAt, err = db.ParseTime(createdAt); err != nil {
			return nil, errors.WrapPersistence(err, "batch created_at")
		}
		if b.CompletedAt, err = db.ParseNullTime(completed); err != nil {
			return nil, errors.WrapPersistence(err, "batch completed_at")
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapPersistence(err, "iterate batches")
	}
	return batches, nil
}

// JobFilter narrows ListJobs
type JobFilter struct {
	Statuses []JobStatus // empty = all
	Limit    int         // 0 = no limit
}

// ListJobs returns jobs, newest first
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []interface{}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			if !st.Valid() {
				return nil, errors.NewValidationError("invalid job status %q", st)
			}
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	return s.queryJobs(ctx, query, args...)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapPersistence(err, "query jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.WrapPersistence(err, "scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapPersistence(err, "iterate jobs")
	}
	return jobs, nil
}

// DeleteJob removes a job; its batches and logs go with it (ON DELETE CASCADE)
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return errors.WrapPersistence(err, "delete job "+id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("job not found: %s", id)
	}
	return nil
}

// UpdateBatchStatus persists a provider status for one batch row.
// completed_at is stamped only the first time the batch turns terminal.
func (s *Store) UpdateBatchStatus(ctx context.Context, rowID int64, status BatchStatus, at time.Time) error {
	if status == "" {
		return errors.NewValidationError("empty batch status")
	}

	var completedAt interface{}
	if status.IsTerminal() {
		completedAt = db.FormatTime(at)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE job_batches
		SET status = ?, completed_at = COALESCE(completed_at, ?)
		WHERE id = ?`,
		string(status), completedAt, rowID)
	if err != nil {
		return errors.WrapPersistence(err, "update batch status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("batch row not found: %d", rowID)
	}
	return nil
}

// CountJobsByStatus returns the number of jobs per status (all statuses present)
func (s *Store) CountJobsByStatus(ctx context.Context) (map[JobStatus]int, error) {
	counts := make(map[JobStatus]int, len(JobStatuses))
	for _, st := range JobStatuses {
		counts[st] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.WrapPersistence(err, "count jobs")
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.WrapPersistence(err, "scan job count")
		}
		counts[JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapPersistence(err, "iterate job counts")
	}
	return counts, nil
}
