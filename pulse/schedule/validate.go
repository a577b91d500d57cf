package schedule

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/teranos/batchwatch/config"
	"github.com/teranos/batchwatch/errors"
)

const (
	// BatchIDPrefix is required on every provider batch id
	BatchIDPrefix = "batch_"

	// MaxBatchIDLength bounds provider batch ids
	MaxBatchIDLength = 255
)

var batchIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Limits bounds what a new job may contain
type Limits struct {
	MinPollIntervalSeconds     int
	MaxPollIntervalSeconds     int
	DefaultPollIntervalSeconds int
	MaxBatches                 int
}

// DefaultLimits are interval [30, 3600] defaulting to 120, and up to 10 batches
func DefaultLimits() Limits {
	return Limits{
		MinPollIntervalSeconds:     30,
		MaxPollIntervalSeconds:     3600,
		DefaultPollIntervalSeconds: 120,
		MaxBatches:                 10,
	}
}

// LimitsFromConfig builds limits from the [jobs] config section
func LimitsFromConfig(cfg config.JobsConfig) Limits {
	return Limits{
		MinPollIntervalSeconds:     cfg.MinPollIntervalSeconds,
		MaxPollIntervalSeconds:     cfg.MaxPollIntervalSeconds,
		DefaultPollIntervalSeconds: cfg.DefaultPollIntervalSeconds,
		MaxBatches:                 cfg.MaxBatches,
	}
}

// NewJobID generates a job identity
func NewJobID() string {
	return uuid.NewString()
}

// ValidateBatchID checks prefix, character set and length of one provider batch id
func ValidateBatchID(id string) error {
	switch {
	case id == "":
		return errors.NewValidationError("batch id cannot be empty")
	case len(id) > MaxBatchIDLength:
		return errors.NewValidationError("batch id exceeds %d characters", MaxBatchIDLength)
	case !strings.HasPrefix(id, BatchIDPrefix):
		return errors.NewValidationError("batch id %q must start with %q", id, BatchIDPrefix)
	case !batchIDPattern.MatchString(id):
		return errors.NewValidationError("batch id %q contains invalid characters", id)
	}
	return nil
}

// NormalizeBatchIDs trims, validates and de-duplicates ids preserving order
func (l Limits) NormalizeBatchIDs(ids []string) ([]string, error) {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if err := ValidateBatchID(id); err != nil {
			return nil, err
		}
		if seen[id] {
			return nil, errors.NewValidationError("duplicate batch id %q", id)
		}
		seen[id] = true
		out = append(out, id)
	}

	if len(out) == 0 {
		return nil, errors.NewValidationError("a job needs at least one batch id")
	}
	if l.MaxBatches > 0 && len(out) > l.MaxBatches {
		return nil, errors.NewValidationError("a job may monitor at most %d batches, got %d", l.MaxBatches, len(out))
	}
	return out, nil
}

// ResolvePollInterval applies the default for 0 and enforces bounds
func (l Limits) ResolvePollInterval(seconds int) (int, error) {
	if seconds == 0 {
		seconds = l.DefaultPollIntervalSeconds
	}
	if seconds < l.MinPollIntervalSeconds || seconds > l.MaxPollIntervalSeconds {
		return 0, errors.NewValidationError("poll interval must be within [%d, %d] seconds, got %d",
			l.MinPollIntervalSeconds, l.MaxPollIntervalSeconds, seconds)
	}
	return seconds, nil
}

// Validate checks the static trigger parameters
func (t Trigger) Validate() error {
	if t.StackURL == "" {
		return errors.NewValidationError("trigger stack URL is required")
	}
	u, err := url.Parse(t.StackURL)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return errors.NewValidationError("trigger stack URL %q is not an absolute http(s) URL", t.StackURL)
	}
	if strings.TrimSpace(t.ComponentID) == "" {
		return errors.NewValidationError("trigger component id is required")
	}
	if strings.TrimSpace(t.ConfigurationID) == "" {
		return errors.NewValidationError("trigger configuration id is required")
	}
	return nil
}
