package schedule

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/batchwatch/db"
	"github.com/teranos/batchwatch/errors"
	"github.com/teranos/batchwatch/logger"
)

// Scheduler decides which jobs are due and enforces job lifecycle transitions.
// All time comes from an injectable clock.
type Scheduler struct {
	store  *Store
	now    func() time.Time
	limits Limits
	log    *zap.SugaredLogger
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLimits sets the bounds applied by CreateJob
func WithLimits(l Limits) Option {
	return func(s *Scheduler) { s.limits = l }
}

// WithLogger sets the scheduler logger
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Scheduler) { s.log = log }
}

// NewScheduler creates a scheduler over store
func NewScheduler(store *Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:  store,
		now:    time.Now,
		limits: DefaultLimits(),
		log:    logger.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	s.log = s.log.Named("scheduler")
	return s
}

// Store returns the underlying job store
func (s *Scheduler) Store() *Store {
	return s.store
}

// Now returns the scheduler clock's current time in UTC
func (s *Scheduler) Now() time.Time {
	return s.now().UTC()
}

// NewJobRequest is the management-surface input for a job
type NewJobRequest struct {
	Name                string
	BatchIDs            []string
	PollIntervalSeconds int // 0 = default
	StatusSecretID      string
	TriggerSecretID     string
	Trigger             Trigger
}

// CreateJob validates req and persists an active job that is due immediately
func (s *Scheduler) CreateJob(ctx context.Context, req NewJobRequest) (*Job, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errors.NewValidationError("job name is required")
	}
	batchIDs, err := s.limits.NormalizeBatchIDs(req.BatchIDs)
	if err != nil {
		return nil, err
	}
	interval, err := s.limits.ResolvePollInterval(req.PollIntervalSeconds)
	if err != nil {
		return nil, err
	}
	if err := req.Trigger.Validate(); err != nil {
		return nil, err
	}
	if req.StatusSecretID == "" || req.TriggerSecretID == "" {
		return nil, errors.NewValidationError("both a status secret and a trigger secret are required")
	}

	now := s.Now()
	job := &Job{
		ID:                  NewJobID(),
		Name:                name,
		Status:              JobActive,
		PollIntervalSeconds: interval,
		StatusSecretID:      req.StatusSecretID,
		TriggerSecretID:     req.TriggerSecretID,
		Trigger:             req.Trigger,
		NextCheckAt:         &now,
		CreatedAt:           now,
	}

	if err := s.store.CreateJob(ctx, job, batchIDs); err != nil {
		return nil, err
	}

	s.log.Infow("Job created",
		logger.FieldJobID, job.ID,
		logger.FieldJobName, job.Name,
		logger.FieldCount, len(batchIDs))
	return job, nil
}

// JobsDueForCheck returns active jobs whose next_check_at is unset or not in the future,
// unset first, then by next_check_at ascending. Read only.
func (s *Scheduler) JobsDueForCheck(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		return nil, errors.NewValidationError("limit must be positive, got %d", limit)
	}
	return s.store.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = ?
		  AND (next_check_at IS NULL OR next_check_at <= ?)
		ORDER BY next_check_at IS NOT NULL, next_check_at ASC, created_at ASC
		LIMIT ?`,
		string(JobActive), db.FormatTime(s.Now()), limit)
}

// ScheduleNextCheck stamps last_check_at=now and next_check_at=now+interval.
// intervalOverride replaces the job's own poll interval when non-nil.
func (s *Scheduler) ScheduleNextCheck(ctx context.Context, jobID string, intervalOverride *int) (time.Time, error) {
	var interval int
	if intervalOverride != nil {
		interval = *intervalOverride
	} else {
		err := s.store.db.QueryRowContext(ctx,
			`SELECT poll_interval_seconds FROM jobs WHERE id = ?`, jobID).Scan(&interval)
		if err == sql.ErrNoRows {
			return time.Time{}, errors.NewNotFoundError("job not found: %s", jobID)
		}
		if err != nil {
			return time.Time{}, errors.WrapPersistence(err, "read poll interval of job "+jobID)
		}
	}
	if interval <= 0 {
		return time.Time{}, errors.NewValidationError("poll interval must be positive, got %d", interval)
	}

	now := s.Now()
	next := now.Add(time.Duration(interval) * time.Second)

	res, err := s.store.db.ExecContext(ctx,
		`UPDATE jobs SET last_check_at = ?, next_check_at = ? WHERE id = ?`,
		db.FormatTime(now), db.FormatTime(next), jobID)
	if err != nil {
		return time.Time{}, errors.WrapPersistence(err, "schedule job "+jobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return time.Time{}, errors.NewNotFoundError("job not found: %s", jobID)
	}

	s.log.Debugw("Next check scheduled",
		logger.FieldJobID, jobID,
		logger.FieldNextCheck, next)
	return next, nil
}

// UpdateJobStatus sets a job's status.
// Entering a terminal status stamps completed_at (completedAt, else now) unless one is
// already set; an existing completed_at is never overwritten. A terminal job cannot go
// back to a non-terminal status.
func (s *Scheduler) UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, completedAt *time.Time) error {
	if !status.Valid() {
		return errors.NewValidationError("invalid job status %q", status)
	}

	var res sql.Result
	var err error
	if status.IsTerminal() {
		stamp := s.Now()
		if completedAt != nil {
			stamp = completedAt.UTC()
		}
		res, err = s.store.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, completed_at = COALESCE(completed_at, ?)
			WHERE id = ?`,
			string(status), db.FormatTime(stamp), jobID)
	} else {
		res, err = s.store.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, completed_at = NULL
			WHERE id = ? AND status NOT IN (?, ?, ?)`,
			string(status), jobID,
			string(JobCompleted), string(JobCompletedWithFailures), string(JobFailed))
	}
	if err != nil {
		return errors.WrapPersistence(err, "update status of job "+jobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOrConflict(ctx, jobID, "cannot move job %s to %s from %s", status)
	}

	s.log.Debugw("Job status updated",
		logger.FieldJobID, jobID,
		logger.FieldStatus, status)
	return nil
}

// missingOrConflict explains a conditional update that matched no row
func (s *Scheduler) missingOrConflict(ctx context.Context, jobID, format string, target JobStatus) error {
	var current string
	err := s.store.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&current)
	if err == sql.ErrNoRows {
		return errors.NewNotFoundError("job not found: %s", jobID)
	}
	if err != nil {
		return errors.WrapPersistence(err, "read status of job "+jobID)
	}
	return errors.NewConflictError(format, jobID, target, current)
}

// EarliestPendingDeadline returns the minimum next_check_at among active jobs,
// or nil when no active job has one.
func (s *Scheduler) EarliestPendingDeadline(ctx context.Context) (*time.Time, error) {
	var next sql.NullString
	err := s.store.db.QueryRowContext(ctx, `
		SELECT MIN(next_check_at) FROM jobs
		WHERE status = ? AND next_check_at IS NOT NULL`,
		string(JobActive)).Scan(&next)
	if err != nil {
		return nil, errors.WrapPersistence(err, "earliest pending deadline")
	}
	t, err := db.ParseNullTime(next)
	if err != nil {
		return nil, errors.WrapPersistence(err, "parse earliest deadline")
	}
	return t, nil
}

// Pause excludes an active job from checks
func (s *Scheduler) Pause(ctx context.Context, jobID string) error {
	res, err := s.store.db.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE id = ? AND status = ?`,
		string(JobPaused), jobID, string(JobActive))
	if err != nil {
		return errors.WrapPersistence(err, "pause job "+jobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOrConflict(ctx, jobID, "cannot move job %s to %s from %s", JobPaused)
	}
	s.log.Infow("Job paused", logger.FieldJobID, jobID)
	return nil
}

// Resume reactivates a paused job. With resetSchedule the job is due immediately.
func (s *Scheduler) Resume(ctx context.Context, jobID string, resetSchedule bool) error {
	var res sql.Result
	var err error
	if resetSchedule {
		res, err = s.store.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, next_check_at = ? WHERE id = ? AND status = ?`,
			string(JobActive), db.FormatTime(s.Now()), jobID, string(JobPaused))
	} else {
		res, err = s.store.db.ExecContext(ctx,
			`UPDATE jobs SET status = ? WHERE id = ? AND status = ?`,
			string(JobActive), jobID, string(JobPaused))
	}
	if err != nil {
		return errors.WrapPersistence(err, "resume job "+jobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missingOrConflict(ctx, jobID, "cannot move job %s to %s from %s", JobActive)
	}
	s.log.Infow("Job resumed", logger.FieldJobID, jobID, "reset_schedule", resetSchedule)
	return nil
}

// JobUpdate holds the mutable fields of a job; nil leaves a field unchanged.
// Batches, secrets and the trigger target are fixed at creation.
type JobUpdate struct {
	Name                *string
	PollIntervalSeconds *int // 0 = default
}

// UpdateJob applies upd and appends an "updated" entry to the job log.
// The current schedule is kept; a new interval applies from the next check.
func (s *Scheduler) UpdateJob(ctx context.Context, jobID string, upd JobUpdate) (*Job, error) {
	var sets, fields []string
	var args []interface{}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, errors.NewValidationError("job name cannot be empty")
		}
		sets = append(sets, "name = ?")
		args = append(args, name)
		fields = append(fields, "name")
	}
	if upd.PollIntervalSeconds != nil {
		interval, err := s.limits.ResolvePollInterval(*upd.PollIntervalSeconds)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "poll_interval_seconds = ?")
		args = append(args, interval)
		fields = append(fields, "poll_interval_seconds")
	}
	if len(sets) == 0 {
		return nil, errors.NewValidationError("nothing to update for job %s", jobID)
	}

	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.WrapPersistence(err, "begin update job")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`,
		append(args, jobID)...)
	if err != nil {
		return nil, classifyWriteError(err, "update job "+jobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errors.NewNotFoundError("job not found: %s", jobID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_logs (job_id, status, message, created_at)
		VALUES (?, ?, ?, ?)`,
		jobID, string(LogUpdated), "job updated: "+strings.Join(fields, ", "), db.FormatTime(s.Now()))
	if err != nil {
		return nil, classifyLogError(err, jobID)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.WrapPersistence(err, "commit update job "+jobID)
	}

	s.log.Infow("Job updated", logger.FieldJobID, jobID, "fields", fields)
	return s.store.GetJob(ctx, jobID)
}

// PurgeOlderThan deletes terminal jobs completed more than days ago and
// returns how many were removed. Batches and logs cascade.
func (s *Scheduler) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, errors.NewValidationError("retention must be at least one day, got %d", days)
	}
	cutoff := s.Now().Add(-time.Duration(days) * 24 * time.Hour)

	res, err := s.store.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?, ?)
		  AND completed_at IS NOT NULL
		  AND completed_at < ?`,
		string(JobCompleted), string(JobCompletedWithFailures), string(JobFailed),
		db.FormatTime(cutoff))
	if err != nil {
		return 0, errors.WrapPersistence(err, "purge finished jobs")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logger.DBInfow(s.log, "Purged finished jobs", logger.FieldCount, n, "older_than_days", days)
	}
	return n, nil
}

// ActiveJobsCount returns how many jobs are currently active
func (s *Scheduler) ActiveJobsCount(ctx context.Context) (int, error) {
	var n int
	err := s.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ?`, string(JobActive)).Scan(&n)
	if err != nil {
		return 0, errors.WrapPersistence(err, "count active jobs")
	}
	return n, nil
}
