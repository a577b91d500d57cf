package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/batchwatch/db"
	"github.com/teranos/batchwatch/errors"
)

// AppendLog adds an audit entry to a job. Entries are never updated.
func (s *Store) AppendLog(ctx context.Context, jobID string, status LogStatus, message string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_logs (job_id, status, message, created_at)
		VALUES (?, ?, ?, ?)`,
		jobID, string(status), message, db.FormatTime(at))
	if err != nil {
		return classifyLogError(err, jobID)
	}
	return nil
}

func classifyLogError(err error, jobID string) error {
	if db.IsForeignKeyViolation(err) {
		return errors.Mark(errors.Wrapf(err, "append log: job %s", jobID), errors.ErrNotFound)
	}
	return errors.WrapPersistence(err, "append log for job "+jobID)
}

// ListLogs returns the most recent log entries of a job, newest first.
// limit <= 0 returns all entries.
func (s *Store) ListLogs(ctx context.Context, jobID string, limit int) ([]LogEntry, error) {
	query := `
		SELECT id, job_id, status, message, created_at
		FROM job_logs
		WHERE job_id = ?
		ORDER BY id DESC`
	args := []interface{}{jobID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapPersistence(err, "list logs of job "+jobID)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var status, createdAt string
		if err := rows.Scan(&e.ID, &e.JobID, &status, &e.Message, &createdAt); err != nil {
			return nil, errors.WrapPersistence(err, "scan log entry")
		}
		e.Status = LogStatus(status)
		if e.CreatedAt, err = db.ParseTime(createdAt); err != nil {
			return nil, errors.WrapPersistence(err, "log created_at")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapPersistence(err, "iterate logs")
	}
	return entries, nil
}

// CountLogs returns the total number of log entries across all jobs
func (s *Store) CountLogs(ctx context.Context) (int, error) {
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_logs`).Scan(&n); err != nil {
		return 0, errors.WrapPersistence(err, "count logs")
	}
	return int(n.Int64), nil
}
