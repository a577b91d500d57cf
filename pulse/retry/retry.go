// Package retry implements the exponential-backoff policy shared by every
// outbound integration call.
//
// The policy dispatches only on the error classification applied at the
// integration boundary (errors.MarkPermanent / errors.MarkTransient):
//
//	permanent  -> return immediately, no wait
//	otherwise  -> wait Delay(n) and try again until MaxAttempts is reached
package retry

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/batchwatch/config"
	"github.com/teranos/batchwatch/errors"
	"github.com/teranos/batchwatch/logger"
)

// Policy describes how many attempts an operation gets and how long to wait between them
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultPolicy is 3 attempts, 1s initial delay doubling up to 60s
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
	}
}

// FromConfig builds a policy from the [retry] config section
func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.InitialDelay(),
		MaxDelay:     cfg.MaxDelay(),
		Multiplier:   cfg.Multiplier,
	}
}

// Delay returns the wait after the given (1-based) failed attempt:
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// RetryHook observes a failed attempt that is about to be retried
type RetryHook func(attempt int, delay time.Duration, err error)

type options struct {
	sleep   Sleeper
	onRetry RetryHook
	log     *zap.SugaredLogger
}

// Option customises a single Do call
type Option func(*options)

// WithSleeper replaces the real timer (tests use it to record delays)
func WithSleeper(s Sleeper) Option {
	return func(o *options) { o.sleep = s }
}

// OnRetry registers a hook called before each backoff wait
func OnRetry(h RetryHook) Option {
	return func(o *options) { o.onRetry = h }
}

// WithLogger logs retries and give-ups at debug/warn level
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *options) { o.log = log }
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn under policy p. op names the operation in errors and logs.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error, opts ...Option) error {
	_, err := DoValue(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
	return err
}

// DoValue is Do for operations that return a value
func DoValue[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	o := options{sleep: sleepContext}
	for _, opt := range opts {
		opt(&o)
	}

	var zero T
	if err := ctx.Err(); err != nil {
		return zero, errors.Wrapf(err, "%s not attempted", op)
	}

	max := p.attempts()
	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if errors.IsPermanent(err) {
			if o.log != nil {
				o.log.Debugw("Permanent failure, not retrying",
					logger.FieldOperation, op,
					logger.FieldAttempt, attempt,
					logger.FieldError, err)
			}
			return zero, errors.Wrapf(err, "%s failed permanently", op)
		}

		if attempt == max {
			break
		}

		delay := p.Delay(attempt)
		if o.onRetry != nil {
			o.onRetry(attempt, delay, err)
		}
		if o.log != nil {
			o.log.Debugw("Transient failure, backing off",
				logger.FieldOperation, op,
				logger.FieldAttempt, attempt,
				"delay", delay,
				logger.FieldError, err)
		}

		if serr := o.sleep(ctx, delay); serr != nil {
			wrapped := errors.Wrapf(lastErr, "%s interrupted after %d attempts: %v", op, attempt, serr)
			return zero, errors.Mark(wrapped, serr)
		}
	}

	if o.log != nil {
		o.log.Warnw("Retries exhausted",
			logger.FieldOperation, op,
			logger.FieldAttempt, max,
			logger.FieldError, lastErr)
	}
	return zero, errors.Wrapf(lastErr, "%s failed after %d attempts", op, max)
}
