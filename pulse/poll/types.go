// Package poll implements the polling engine: a single control loop that
// checks the batches of due jobs, persists their progress and fires the
// downstream trigger once every batch of a job is terminal.
//
// The engine only sees the outside world through the interfaces below.
// Implementations live in integrations/ and are wired together in internal/app.
package poll

import (
	"context"
	"time"

	"github.com/teranos/batchwatch/pulse/schedule"
)

// BatchStatusResult is the normalised answer of a status provider for one batch
type BatchStatusResult struct {
	Status        string // lower-cased provider status
	CreatedAt     time.Time
	CompletedAt   *time.Time
	FailedAt      *time.Time
	ExpiredAt     *time.Time
	CancelledAt   *time.Time
	ErrorMessage  string
	RequestCounts *RequestCounts
}

// RequestCounts are the per-request tallies some providers report for a batch
type RequestCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// TriggerRequest is everything the downstream action receives about a finished job
type TriggerRequest struct {
	JobID   string
	Target  schedule.Trigger
	Summary schedule.BatchSummary
}

// TriggerResult describes the downstream job that was started
type TriggerResult struct {
	ExternalJobID string
	InitialStatus string
	URL           string // optional monitoring link
}

// StatusChecker reads the status of one external batch.
// Errors are tagged transient or permanent by the implementation.
type StatusChecker interface {
	CheckBatch(ctx context.Context, batchID string) (*BatchStatusResult, error)
}

// ActionTrigger starts the downstream action for a finished job
type ActionTrigger interface {
	TriggerJob(ctx context.Context, req TriggerRequest) (*TriggerResult, error)
}

// ClientFactory hands out outbound clients keyed by credential id
type ClientFactory interface {
	StatusChecker(ctx context.Context, secretID string) (StatusChecker, error)
	ActionTrigger(ctx context.Context, secretID, stackURL string) (ActionTrigger, error)
	Close() error
}

// SecretResolver returns the plaintext of a stored credential.
// Unknown ids fail with errors.ErrNotFound.
type SecretResolver interface {
	DecryptedValue(ctx context.Context, id string) (string, error)
}
