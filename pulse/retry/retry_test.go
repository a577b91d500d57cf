package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/batchwatch/config"
	"github.com/teranos/batchwatch/errors"
	"github.com/teranos/batchwatch/logger"
)

// recordingSleeper records requested delays without waiting
type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func TestPolicyDelay(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 32*time.Second, p.Delay(6))
	assert.Equal(t, 60*time.Second, p.Delay(7), "capped at MaxDelay")
	assert.Equal(t, 60*time.Second, p.Delay(30))
	assert.Equal(t, time.Second, p.Delay(0), "attempt below 1 is treated as first")
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(config.RetryConfig{MaxAttempts: 5, InitialDelayMS: 250, MaxDelayMS: 1000, Multiplier: 3})
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, p.Delay(1))
	assert.Equal(t, 750*time.Millisecond, p.Delay(2))
	assert.Equal(t, time.Second, p.Delay(3))
}

func TestDo(t *testing.T) {
	transient := errors.MarkTransient(errors.New("503 from upstream"))
	permanent := errors.MarkPermanent(errors.New("401 unauthorized"))

	tests := []struct {
		name         string
		results      []error
		wantCalls    int
		wantDelays   []time.Duration
		wantErr      bool
		wantPerm     bool
		wantTransErr bool
	}{
		{
			name:      "success first try",
			results:   []error{nil},
			wantCalls: 1,
		},
		{
			name:       "transient then success",
			results:    []error{transient, transient, nil},
			wantCalls:  3,
			wantDelays: []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name:         "transient exhausts attempts",
			results:      []error{transient, transient, transient, nil},
			wantCalls:    3,
			wantDelays:   []time.Duration{time.Second, 2 * time.Second},
			wantErr:      true,
			wantTransErr: true,
		},
		{
			name:      "permanent aborts without waiting",
			results:   []error{permanent, nil},
			wantCalls: 1,
			wantErr:   true,
			wantPerm:  true,
		},
		{
			name:       "transient then permanent",
			results:    []error{transient, permanent},
			wantCalls:  2,
			wantDelays: []time.Duration{time.Second},
			wantErr:    true,
			wantPerm:   true,
		},
		{
			name:         "untagged errors are retried",
			results:      []error{errors.New("boom"), errors.New("boom"), errors.New("boom")},
			wantCalls:    3,
			wantDelays:   []time.Duration{time.Second, 2 * time.Second},
			wantErr:      true,
			wantTransErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sleeper := &recordingSleeper{}
			calls := 0
			var hooked []int

			err := Do(context.Background(), DefaultPolicy(), "check", func(ctx context.Context) error {
				err := tt.results[calls]
				calls++
				return err
			}, WithSleeper(sleeper.sleep), OnRetry(func(attempt int, _ time.Duration, _ error) {
				hooked = append(hooked, attempt)
			}))

			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.wantDelays, sleeper.delays)
			assert.Len(t, hooked, len(tt.wantDelays))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantPerm, errors.IsPermanent(err), "classification survives wrapping")
			assert.Equal(t, tt.wantTransErr, errors.IsTransient(err))
		})
	}
}

func TestDoValue(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0

	v, err := DoValue(context.Background(), DefaultPolicy(), "fetch", func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.MarkTransient(errors.New("timeout"))
		}
		return "batch_abc", nil
	}, WithSleeper(sleeper.sleep))

	require.NoError(t, err)
	assert.Equal(t, "batch_abc", v)
	assert.Equal(t, 2, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	start := time.Now()
	err := Do(ctx, DefaultPolicy(), "trigger", func(ctx context.Context) error {
		calls++
		cancel()
		return errors.MarkTransient(errors.New("connection reset"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "real sleeper must observe cancellation")
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, errors.IsTransient(err), "last attempt error stays in the chain")
}

func TestDo_NotAttemptedWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Do(ctx, DefaultPolicy(), "check", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{}, "check", func(ctx context.Context) error {
		calls++
		return errors.MarkTransient(errors.New("x"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryLogsCarryOperation(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sleeper := &recordingSleeper{}
	transient := errors.MarkTransient(errors.New("503 from upstream"))

	err := Do(context.Background(), Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2},
		"check batch", func(ctx context.Context) error { return transient },
		WithSleeper(sleeper.sleep), WithLogger(zap.New(core).Sugar()))
	require.Error(t, err)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "Transient failure, backing off", entries[0].Message)
	assert.Equal(t, "Retries exhausted", entries[1].Message)
	for _, e := range entries {
		assert.Equal(t, "check batch", e.ContextMap()[logger.FieldOperation])
	}
	assert.Equal(t, int64(2), entries[1].ContextMap()[logger.FieldAttempt])
}
