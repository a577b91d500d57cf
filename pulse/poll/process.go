package poll

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/batchwatch/errors"
	"github.com/teranos/batchwatch/internal/util"
	"github.com/teranos/batchwatch/logger"
	"github.com/teranos/batchwatch/pulse/retry"
	"github.com/teranos/batchwatch/pulse/schedule"
)

// RunOnce performs a single iteration: fetch due jobs and process them concurrently.
// It returns how many due jobs were fetched. Only persistence failures are returned;
// integration failures are absorbed per job.
func (e *Engine) RunOnce(ctx context.Context) (int, error) {
	started := time.Now()
	cfg := e.config()
	jobs, err := e.scheduler.JobsDueForCheck(ctx, cfg.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "fetch due jobs")
	}

	e.mu.Lock()
	e.stats.Iterations++
	e.stats.LastIterationAt = e.scheduler.Now()
	e.mu.Unlock()

	if len(jobs) > 0 {
		e.pulseLog.Infow("Processing due jobs", logger.FieldCount, len(jobs))
	}

	var g errgroup.Group
	for _, job := range jobs {
		job := job
		if !e.claim(job.ID) {
			e.log.Debugw("Job already in flight, skipping", logger.FieldJobID, job.ID)
			continue
		}
		g.Go(func() error {
			defer e.release(job.ID)
			return e.processJobSafely(ctx, job)
		})
	}
	err = g.Wait()
	if len(jobs) > 0 {
		e.log.Debugw("Iteration complete",
			logger.FieldCount, len(jobs),
			logger.FieldDurationMS, time.Since(started).Milliseconds())
	}
	return len(jobs), err
}

func (e *Engine) claim(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[jobID]; busy {
		return false
	}
	e.inFlight[jobID] = struct{}{}
	return true
}

func (e *Engine) release(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, jobID)
}

// processJobSafely contains panics and non-persistence failures at the job boundary.
// The job is rescheduled and the error recorded in its log.
func (e *Engine) processJobSafely(ctx context.Context, job *schedule.Job) (err error) {
	log := logger.FromContext(logger.WithComponent(logger.WithJobID(ctx, job.ID), "poll"), e.log)

	defer func() {
		if r := recover(); r != nil {
			log.Errorw("Panic while processing job",
				"panic", r,
				"stack", string(debug.Stack()))
			err = e.recoverJob(ctx, job.ID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	e.mu.Lock()
	e.stats.JobsProcessed++
	e.mu.Unlock()

	if err := e.processJob(ctx, job.ID, log); err != nil {
		if errors.IsPersistence(err) || ctx.Err() != nil {
			return err
		}
		log.Errorw("Job processing failed", logger.FieldError, err)
		return e.recoverJob(ctx, job.ID, err.Error())
	}
	return nil
}

// recoverJob logs an error entry and reschedules the job
func (e *Engine) recoverJob(ctx context.Context, jobID, message string) error {
	e.appendLog(ctx, jobID, schedule.LogError, message)
	if _, err := e.scheduler.ScheduleNextCheck(ctx, jobID, nil); err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

func (e *Engine) appendLog(ctx context.Context, jobID string, status schedule.LogStatus, message string) {
	if err := e.store.AppendLog(ctx, jobID, status, message, e.scheduler.Now()); err != nil {
		e.log.Warnw("Failed to append job log",
			logger.FieldJobID, jobID,
			logger.FieldStatus, status,
			logger.FieldError, err)
	}
}

// processJob runs one check cycle for a job
func (e *Engine) processJob(ctx context.Context, jobID string, log *zap.SugaredLogger) error {
	job, err := e.store.GetJobWithBatches(ctx, jobID)
	if err != nil {
		if errors.IsNotFound(err) {
			log.Debugw("Job deleted before processing")
			return nil
		}
		return err
	}
	if job.Status != schedule.JobActive {
		log.Debugw("Job no longer active, skipping", logger.FieldStatus, job.Status)
		return nil
	}

	if status, ok := e.pendingFinalStatus(job.ID); ok {
		// Trigger already decided in this process; only the status write is outstanding
		return e.persistFinalStatus(ctx, job.ID, status, log)
	}

	if pending := job.PendingBatches(); len(pending) > 0 {
		if err := e.checkBatches(ctx, job, pending, log); err != nil {
			return err
		}
		if job.Batches, err = e.store.ListBatches(ctx, job.ID); err != nil {
			return err
		}
	}

	summary := job.Summary()
	if !job.AllBatchesTerminal() {
		e.appendLog(ctx, job.ID, schedule.LogPending, fmt.Sprintf("%d/%d completed, %d failed, %d in progress",
			summary.Completed, summary.Total, summary.Failed, summary.InProgress))
		next, err := e.scheduler.ScheduleNextCheck(ctx, job.ID, nil)
		if err != nil {
			return err
		}
		log.Infow("Job still in progress",
			logger.FieldCompleted, summary.Completed,
			logger.FieldFailed, summary.Failed,
			logger.FieldInProgress, summary.InProgress,
			logger.FieldNextCheck, next)
		return nil
	}

	return e.triggerJob(ctx, job, summary, log)
}

// checkBatches queries every pending batch concurrently and persists changed statuses.
// A failed check leaves its batch untouched.
func (e *Engine) checkBatches(ctx context.Context, job *schedule.Job, pending []schedule.Batch, log *zap.SugaredLogger) error {
	checker, err := e.clients.StatusChecker(ctx, job.StatusSecretID)
	if err != nil {
		return errors.Wrap(err, "status client")
	}

	e.appendLog(ctx, job.ID, schedule.LogChecking, fmt.Sprintf("checking %d batch(es)", len(pending)))

	results := make([]*BatchStatusResult, len(pending))
	failures := make([]error, len(pending))

	var g errgroup.Group
	for i, batch := range pending {
		i, batch := i, batch
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					failures[i] = errors.Newf("panic while checking %s: %v", batch.BatchID, r)
				}
			}()
			results[i], failures[i] = e.checkBatch(ctx, checker, batch.BatchID)
			return nil
		})
	}
	_ = g.Wait()

	var checkFailures int64
	for i, batch := range pending {
		if failures[i] != nil {
			checkFailures++
			log.Warnw("Batch check failed",
				logger.FieldBatchID, batch.BatchID,
				logger.FieldError, failures[i])
			e.appendLog(ctx, job.ID, schedule.LogError,
				fmt.Sprintf("check %s failed: %s", batch.BatchID, util.Truncate(failures[i].Error(), 500)))
			continue
		}

		result := results[i]
		status := schedule.BatchStatus(strings.ToLower(result.Status))
		if status == "" || status == batch.Status {
			continue
		}
		if err := e.store.UpdateBatchStatus(ctx, batch.ID, status, e.scheduler.Now()); err != nil {
			return err
		}
		log.Infow("Batch status changed",
			logger.FieldBatchID, batch.BatchID,
			logger.FieldOldStatus, batch.Status,
			logger.FieldStatus, status,
			"request_counts", result.RequestCounts)

		switch {
		case status.IsCompleted():
			e.appendLog(ctx, job.ID, schedule.LogCompleted, batch.BatchID+" completed"+countsSuffix(result.RequestCounts))
		case status.IsFailed():
			msg := fmt.Sprintf("%s %s", batch.BatchID, status)
			if result.ErrorMessage != "" {
				msg += ": " + util.Truncate(result.ErrorMessage, 500)
			}
			e.appendLog(ctx, job.ID, schedule.LogFailed, msg+countsSuffix(result.RequestCounts))
		}
	}

	e.mu.Lock()
	e.stats.BatchChecks += int64(len(pending))
	e.stats.BatchCheckFailures += checkFailures
	e.mu.Unlock()
	return nil
}

// checkBatch performs one outbound status call under the global concurrency bound
func (e *Engine) checkBatch(ctx context.Context, checker StatusChecker, batchID string) (*BatchStatusResult, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	result, err := checker.CheckBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.Newf("empty status result for %s", batchID)
	}
	return result, nil
}

func countsSuffix(c *RequestCounts) string {
	if c == nil {
		return ""
	}
	return fmt.Sprintf(" (requests: %d total, %d completed, %d failed)", c.Total, c.Completed, c.Failed)
}

// triggerJob fires the downstream action for a job whose batches are all terminal
// and moves the job out of active.
func (e *Engine) triggerJob(ctx context.Context, job *schedule.Job, summary schedule.BatchSummary, log *zap.SugaredLogger) error {
	trigger, err := e.clients.ActionTrigger(ctx, job.TriggerSecretID, job.Trigger.StackURL)
	if err != nil {
		if errors.IsPersistence(err) {
			return err
		}
		return e.failJob(ctx, job.ID, errors.Wrap(err, "trigger client"), log)
	}

	result, err := e.callTrigger(ctx, trigger, TriggerRequest{
		JobID:   job.ID,
		Target:  job.Trigger,
		Summary: summary,
	})
	if err != nil {
		if ctx.Err() != nil {
			log.Warnw("Trigger interrupted by shutdown, job stays active", logger.FieldError, err)
			return ctx.Err()
		}
		return e.failJob(ctx, job.ID, err, log)
	}

	final := summary.FinalStatus()
	e.mu.Lock()
	e.settled[job.ID] = final
	e.stats.Triggers++
	e.mu.Unlock()

	log.Infow("Downstream job triggered",
		logger.FieldExternalJobID, result.ExternalJobID,
		logger.FieldStatus, final,
		logger.FieldTotal, summary.Total,
		logger.FieldCompleted, summary.Completed,
		logger.FieldFailed, summary.Failed)

	msg := fmt.Sprintf("triggered downstream job %s (%s): %d/%d batches completed, %d failed",
		result.ExternalJobID, result.InitialStatus, summary.Completed, summary.Total, summary.Failed)
	if result.URL != "" {
		msg += " " + result.URL
	}
	e.appendLog(context.WithoutCancel(ctx), job.ID, schedule.LogTriggered, msg)

	return e.persistFinalStatus(ctx, job.ID, final, log)
}

// callTrigger performs the trigger call under the global concurrency bound
func (e *Engine) callTrigger(ctx context.Context, trigger ActionTrigger, req TriggerRequest) (*TriggerResult, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	result, err := trigger.TriggerJob(ctx, req)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.MarkPermanent(errors.New("empty trigger result"))
	}
	return result, nil
}

// failJob records a trigger failure and marks the job failed. The trigger is not retried.
func (e *Engine) failJob(ctx context.Context, jobID string, cause error, log *zap.SugaredLogger) error {
	e.mu.Lock()
	e.settled[jobID] = schedule.JobFailed
	e.stats.TriggerFailures++
	e.mu.Unlock()

	log.Errorw("Trigger failed, marking job failed",
		logger.FieldError, cause,
		"permanent", errors.IsPermanent(cause))
	e.appendLog(ctx, jobID, schedule.LogError, "trigger failed: "+util.Truncate(cause.Error(), 500))

	return e.persistFinalStatus(ctx, jobID, schedule.JobFailed, log)
}

func (e *Engine) pendingFinalStatus(jobID string) (schedule.JobStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	status, ok := e.settled[jobID]
	return status, ok
}

// persistFinalStatus writes the terminal status decided for a job, retrying storage
// failures. The write survives shutdown cancellation.
func (e *Engine) persistFinalStatus(ctx context.Context, jobID string, status schedule.JobStatus, log *zap.SugaredLogger) error {
	writeCtx := context.WithoutCancel(ctx)
	now := e.scheduler.Now()

	err := retry.Do(writeCtx, e.finalize, "persist final status", func(ctx context.Context) error {
		err := e.scheduler.UpdateJobStatus(ctx, jobID, status, &now)
		if errors.IsAny(err, errors.ErrNotFound, errors.ErrConflict, errors.ErrValidation) {
			return errors.MarkPermanent(err)
		}
		return err
	}, retry.WithLogger(log))

	switch {
	case err == nil, errors.IsNotFound(err), errors.IsConflict(err):
		// Written, or the job was deleted or already finished elsewhere
		e.mu.Lock()
		delete(e.settled, jobID)
		e.mu.Unlock()
		if err != nil {
			log.Warnw("Job changed while finishing", logger.FieldError, err)
		}
		return nil
	default:
		log.Errorw("Failed to persist final status; will retry without re-triggering",
			logger.FieldStatus, status,
			logger.FieldError, err)
		return err
	}
}
