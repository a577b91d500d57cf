// Package schedule owns the job and batch lifecycle: persistence of jobs, their
// batches and audit logs, and the scheduling operations the polling engine
// drives (due-job selection, next-check computation, status transitions).
package schedule

import (
	"time"
)

// JobStatus is the lifecycle state of a job
type JobStatus string

const (
	JobActive                JobStatus = "active"                  // checked on schedule
	JobPaused                JobStatus = "paused"                  // excluded from checks until resumed
	JobCompleted             JobStatus = "completed"               // all batches completed, trigger fired
	JobCompletedWithFailures JobStatus = "completed_with_failures" // all batches terminal, some failed, trigger fired
	JobFailed                JobStatus = "failed"                  // trigger could not be fired
)

// JobStatuses lists every valid job status
var JobStatuses = []JobStatus{JobActive, JobPaused, JobCompleted, JobCompletedWithFailures, JobFailed}

// Valid reports whether s is one of the enumerated statuses
func (s JobStatus) Valid() bool {
	for _, v := range JobStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further automatic transition happens from s
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobCompletedWithFailures || s == JobFailed
}

// BatchStatus is the provider-reported state of one batch.
// Unknown provider values (e.g. "cancelling") are carried as-is and treated as non-terminal.
type BatchStatus string

const (
	BatchInProgress BatchStatus = "in_progress"
	BatchValidating BatchStatus = "validating"
	BatchFinalizing BatchStatus = "finalizing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
	BatchExpired    BatchStatus = "expired"
)

// IsTerminal reports whether s is completed, failed, cancelled or expired
func (s BatchStatus) IsTerminal() bool {
	return s.IsCompleted() || s.IsFailed()
}

// IsCompleted reports whether the batch finished successfully
func (s BatchStatus) IsCompleted() bool {
	return s == BatchCompleted
}

// IsFailed reports whether the batch ended without completing
func (s BatchStatus) IsFailed() bool {
	return s == BatchFailed || s == BatchCancelled || s == BatchExpired
}

// LogStatus tags a job log entry
type LogStatus string

const (
	LogChecking  LogStatus = "checking"
	LogPending   LogStatus = "pending"
	LogCompleted LogStatus = "completed"
	LogFailed    LogStatus = "failed"
	LogError     LogStatus = "error"
	LogTriggered LogStatus = "triggered"
	LogUpdated   LogStatus = "updated"
)

// Trigger holds the static parameters of the downstream action
type Trigger struct {
	StackURL        string
	ComponentID     string
	ConfigurationID string
}

// Job is the unit of orchestration: N batches, one trigger
type Job struct {
	ID                  string
	Name                string
	Status              JobStatus
	PollIntervalSeconds int
	StatusSecretID      string // credential for the status provider
	TriggerSecretID     string // credential for the trigger target
	Trigger             Trigger
	LastCheckAt         *time.Time
	NextCheckAt         *time.Time // nil = due immediately
	CreatedAt           time.Time
	CompletedAt         *time.Time

	// Batches is populated only by GetJobWithBatches
	Batches []Batch
}

// PollInterval returns the configured interval as a duration
func (j *Job) PollInterval() time.Duration {
	return time.Duration(j.PollIntervalSeconds) * time.Second
}

// PendingBatches returns the batches still awaiting a terminal status
func (j *Job) PendingBatches() []Batch {
	var out []Batch
	for _, b := range j.Batches {
		if !b.Status.IsTerminal() {
			out = append(out, b)
		}
	}
	return out
}

// AllBatchesTerminal reports whether every batch is terminal.
// A job without batches is never considered finished.
func (j *Job) AllBatchesTerminal() bool {
	if len(j.Batches) == 0 {
		return false
	}
	for _, b := range j.Batches {
		if !b.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Summary aggregates the batch states of the job
func (j *Job) Summary() BatchSummary {
	return Summarize(j.Batches)
}

// Batch is one externally executing unit of work
type Batch struct {
	ID          int64 // row id
	JobID       string
	BatchID     string // provider id, e.g. batch_abc123
	Status      BatchStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// LogEntry is one append-only audit record of a job
type LogEntry struct {
	ID        int64
	JobID     string
	Status    LogStatus
	Message   string
	CreatedAt time.Time
}

// BatchSummary aggregates batch states.
// Completed + Failed + InProgress == Total always holds.
type BatchSummary struct {
	Total        int
	Completed    int
	Failed       int
	InProgress   int
	CompletedIDs []string
	FailedIDs    []string
}

// Summarize classifies batches into completed, failed and in-progress
func Summarize(batches []Batch) BatchSummary {
	s := BatchSummary{
		Total:        len(batches),
		CompletedIDs: []string{},
		FailedIDs:    []string{},
	}
	for _, b := range batches {
		switch {
		case b.Status.IsCompleted():
			s.Completed++
			s.CompletedIDs = append(s.CompletedIDs, b.BatchID)
		case b.Status.IsFailed():
			s.Failed++
			s.FailedIDs = append(s.FailedIDs, b.BatchID)
		default:
			s.InProgress++
		}
	}
	return s
}

// FinalStatus is the job status once all batches are terminal and the trigger fired.
// Any failed batch yields completed_with_failures, even when none completed.
func (s BatchSummary) FinalStatus() JobStatus {
	if s.Failed > 0 {
		return JobCompletedWithFailures
	}
	return JobCompleted
}
