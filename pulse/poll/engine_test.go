package poll

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/batchwatch/db"
	"github.com/teranos/batchwatch/errors"
	bwtest "github.com/teranos/batchwatch/internal/testing"
	"github.com/teranos/batchwatch/internal/util"
	"github.com/teranos/batchwatch/logger"
	"github.com/teranos/batchwatch/pulse/retry"
	"github.com/teranos/batchwatch/pulse/schedule"
)

type harness struct {
	conn    *sql.DB
	clock   *schedule.TestClock
	sched   *schedule.Scheduler
	engine  *Engine
	checker *fakeChecker
	trigger *fakeTrigger
	factory *fakeFactory
}

func newHarness(t *testing.T, tune ...func(*Config)) *harness {
	t.Helper()

	conn := bwtest.CreateTestDB(t)
	schedule.SeedTestSecrets(t, conn)
	clock := schedule.NewTestClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	sched := schedule.NewScheduler(schedule.NewStore(conn), schedule.WithClock(clock.Now))

	checker := newFakeChecker()
	trigger := &fakeTrigger{}
	factory := &fakeFactory{checker: checker, trigger: trigger}

	cfg := DefaultConfig()
	cfg.RetentionDays = 0
	for _, fn := range tune {
		fn(&cfg)
	}

	return &harness{
		conn:    conn,
		clock:   clock,
		sched:   sched,
		engine:  NewEngine(sched, factory, cfg, WithFinalizePolicy(retry.Policy{MaxAttempts: 1})),
		checker: checker,
		trigger: trigger,
		factory: factory,
	}
}

func (h *harness) runOnce(t *testing.T) {
	t.Helper()
	_, err := h.engine.RunOnce(context.Background())
	require.NoError(t, err)
}

func (h *harness) createJob(t *testing.T, name string, batchIDs ...string) *schedule.Job {
	t.Helper()
	return schedule.MustCreateJob(t, h.sched, schedule.TestJobRequest(name, batchIDs...))
}

func (h *harness) reload(t *testing.T, jobID string) *schedule.Job {
	t.Helper()
	job, err := h.sched.Store().GetJobWithBatches(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

func (h *harness) logStatuses(t *testing.T, jobID string) []schedule.LogStatus {
	t.Helper()
	entries, err := h.sched.Store().ListLogs(context.Background(), jobID, 0)
	require.NoError(t, err)
	statuses := make([]schedule.LogStatus, len(entries))
	for i, e := range entries {
		statuses[i] = e.Status
	}
	return statuses
}

func batchStatuses(job *schedule.Job) map[string]schedule.BatchStatus {
	out := make(map[string]schedule.BatchStatus, len(job.Batches))
	for _, b := range job.Batches {
		out[b.BatchID] = b.Status
	}
	return out
}

func TestPartialProgressReschedules(t *testing.T) {
	h := newHarness(t)
	job := h.createJob(t, "partial", "batch_1", "batch_2", "batch_3")
	h.checker.set("completed", "batch_1")

	h.runOnce(t)

	got := h.reload(t, job.ID)
	assert.Equal(t, schedule.JobActive, got.Status)
	assert.Equal(t, map[string]schedule.BatchStatus{
		"batch_1": schedule.BatchCompleted,
		"batch_2": schedule.BatchInProgress,
		"batch_3": schedule.BatchInProgress,
	}, batchStatuses(got))
	require.NotNil(t, got.Batches[0].CompletedAt)
	assert.Nil(t, got.Batches[1].CompletedAt)

	require.NotNil(t, got.NextCheckAt)
	assert.True(t, h.clock.Now().Add(120*time.Second).Equal(*got.NextCheckAt))
	require.NotNil(t, got.LastCheckAt)
	assert.Nil(t, got.CompletedAt)
	assert.Empty(t, h.trigger.requests())

	summary := got.Summary()
	assert.Equal(t, summary.Total, summary.Completed+summary.Failed+summary.InProgress)

	assert.Equal(t, []schedule.LogStatus{schedule.LogPending, schedule.LogCompleted, schedule.LogChecking},
		h.logStatuses(t, job.ID))
}

func TestAllCompletedTriggersOnce(t *testing.T) {
	h := newHarness(t)
	job := h.createJob(t, "complete", "batch_1", "batch_2", "batch_3")
	h.checker.set("completed", "batch_1")
	h.runOnce(t)

	h.clock.Advance(120 * time.Second)
	h.checker.set("completed", "batch_2", "batch_3")
	h.runOnce(t)

	reqs := h.trigger.requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, job.ID, req.JobID)
	assert.Equal(t, "12345", req.Target.ConfigurationID)
	assert.Equal(t, 3, req.Summary.Total)
	assert.Equal(t, 3, req.Summary.Completed)
	assert.Equal(t, 0, req.Summary.Failed)
	assert.ElementsMatch(t, []string{"batch_1", "batch_2", "batch_3"}, req.Summary.CompletedIDs)
	assert.Empty(t, req.Summary.FailedIDs)

	got := h.reload(t, job.ID)
	assert.Equal(t, schedule.JobCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, h.clock.Now().Equal(*got.CompletedAt))

	// Only pending batches are checked
	assert.Equal(t, 1, h.checker.callCount("batch_1"))
	assert.Equal(t, 2, h.checker.callCount("batch_2"))

	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Hour)
		h.runOnce(t)
	}
	assert.Len(t, h.trigger.requests(), 1, "a finished job is never triggered again")
	assert.Contains(t, h.logStatuses(t, job.ID), schedule.LogTriggered)

	due, err := h.sched.JobsDueForCheck(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestFailuresDriveFinalStatus(t *testing.T) {
	tests := []struct {
		name      string
		statuses  map[string]string
		completed int
		failed    int
		want      schedule.JobStatus
	}{
		{
			name: "mixed outcome",
			statuses: map[string]string{
				"batch_1": "completed", "batch_2": "completed", "batch_3": "completed",
				"batch_4": "failed", "batch_5": "cancelled",
			},
			completed: 3,
			failed:    2,
			want:      schedule.JobCompletedWithFailures,
		},
		{
			name:      "every batch failed",
			statuses:  map[string]string{"batch_1": "failed", "batch_2": "expired"},
			completed: 0,
			failed:    2,
			want:      schedule.JobCompletedWithFailures,
		},
		{
			name:      "upper-case provider status",
			statuses:  map[string]string{"batch_1": "COMPLETED"},
			completed: 1,
			failed:    0,
			want:      schedule.JobCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			var ids []string
			for id, status := range tt.statuses {
				ids = append(ids, id)
				h.checker.set(status, id)
			}
			job := h.createJob(t, tt.name, ids...)

			h.runOnce(t)

			reqs := h.trigger.requests()
			require.Len(t, reqs, 1)
			s := reqs[0].Summary
			assert.Equal(t, len(tt.statuses), s.Total)
			assert.Equal(t, tt.completed, s.Completed)
			assert.Equal(t, tt.failed, s.Failed)
			assert.Len(t, s.CompletedIDs, tt.completed)
			assert.Len(t, s.FailedIDs, tt.failed)

			got := h.reload(t, job.ID)
			assert.Equal(t, tt.want, got.Status)
			assert.NotNil(t, got.CompletedAt)
		})
	}
}

func TestTriggerFailureFailsJob(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"permanent", errors.MarkPermanent(errors.New("400 bad request"))},
		{"transient after retries", errors.MarkTransient(errors.New("503 unavailable"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.trigger.err = tt.err
			h.checker.set("completed", "batch_1")
			job := h.createJob(t, "doomed", "batch_1")

			h.runOnce(t)

			got := h.reload(t, job.ID)
			assert.Equal(t, schedule.JobFailed, got.Status)
			require.NotNil(t, got.CompletedAt)
			assert.Contains(t, h.logStatuses(t, job.ID), schedule.LogError)

			entries, err := h.sched.Store().ListLogs(context.Background(), job.ID, 1)
			require.NoError(t, err)
			assert.Contains(t, entries[0].Message, "trigger failed")

			h.clock.Advance(time.Hour)
			h.runOnce(t)
			assert.Len(t, h.trigger.requests(), 1)
			assert.Equal(t, int64(1), h.engine.Stats().TriggerFailures)
		})
	}
}

func TestBatchCheckFailureIsIsolated(t *testing.T) {
	h := newHarness(t)
	job := h.createJob(t, "isolated", "batch_1", "batch_2", "batch_3")
	h.checker.set("completed", "batch_1", "batch_3")
	h.checker.fail(errors.MarkTransient(errors.New("503 from provider")), "batch_2")

	h.runOnce(t)

	got := h.reload(t, job.ID)
	assert.Equal(t, schedule.JobActive, got.Status)
	assert.Equal(t, map[string]schedule.BatchStatus{
		"batch_1": schedule.BatchCompleted,
		"batch_2": schedule.BatchInProgress,
		"batch_3": schedule.BatchCompleted,
	}, batchStatuses(got))
	assert.Empty(t, h.trigger.requests())
	assert.Equal(t, int64(1), h.engine.Stats().BatchCheckFailures)

	entries, err := h.sched.Store().ListLogs(context.Background(), job.ID, 0)
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.Status == schedule.LogError {
			found = true
			assert.Contains(t, e.Message, "batch_2")
		}
	}
	assert.True(t, found, "check failure is logged")

	h.clock.Advance(120 * time.Second)
	h.checker.set("completed", "batch_2")
	h.runOnce(t)

	assert.Len(t, h.trigger.requests(), 1)
	assert.Equal(t, schedule.JobCompleted, h.reload(t, job.ID).Status)
}

func TestAllTerminalWithoutChecksTriggers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.createJob(t, "recovered", "batch_1", "batch_2")
	for _, b := range job.Batches {
		require.NoError(t, h.sched.Store().UpdateBatchStatus(ctx, b.ID, schedule.BatchCompleted, h.clock.Now()))
	}

	h.runOnce(t)

	assert.Equal(t, 0, h.checker.totalCalls())
	assert.Len(t, h.trigger.requests(), 1)
	assert.Equal(t, schedule.JobCompleted, h.reload(t, job.ID).Status)
}

func TestJobErrorsAreContained(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeFactory)
		msg   string
	}{
		{"client creation fails", func(f *fakeFactory) { f.checkerErr = errors.NewNotFoundError("secret gone") }, "secret gone"},
		{"panic", func(f *fakeFactory) { f.checkerPanic = true }, "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h.factory)
			job := h.createJob(t, "fragile", "batch_1")
			other := h.createJob(t, "other", "batch_2")

			h.runOnce(t)

			for _, id := range []string{job.ID, other.ID} {
				got := h.reload(t, id)
				assert.Equal(t, schedule.JobActive, got.Status)
				require.NotNil(t, got.NextCheckAt)
				assert.True(t, h.clock.Now().Add(120*time.Second).Equal(*got.NextCheckAt), "rescheduled")
			}

			entries, err := h.sched.Store().ListLogs(context.Background(), job.ID, 1)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, schedule.LogError, entries[0].Status)
			assert.Contains(t, entries[0].Message, tt.msg)
		})
	}
}

func TestConcurrencyBoundCoversAllJobs(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxConcurrency = 2 })
	h.checker.delay = 20 * time.Millisecond
	for _, name := range []string{"a", "b", "c"} {
		h.createJob(t, name, "batch_"+name+"1", "batch_"+name+"2", "batch_"+name+"3")
	}

	h.runOnce(t)

	assert.Equal(t, 9, h.checker.totalCalls())
	peak := h.checker.load.peak()
	assert.LessOrEqual(t, peak, int32(2))
	assert.GreaterOrEqual(t, peak, int32(1))
}

func TestConcurrencyBoundCoversTriggersAndChecks(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxConcurrency = 2 })
	ctx := context.Background()
	h.checker.delay = 20 * time.Millisecond
	h.trigger.delay = 20 * time.Millisecond
	h.trigger.gauge = h.checker.load

	// Finished batches go straight to the trigger, the rest are checked
	for _, name := range []string{"t1", "t2", "t3"} {
		job := h.createJob(t, name, "batch_"+name)
		for _, b := range job.Batches {
			require.NoError(t, h.sched.Store().UpdateBatchStatus(ctx, b.ID, schedule.BatchCompleted, h.clock.Now()))
		}
	}
	for _, name := range []string{"c1", "c2"} {
		h.createJob(t, name, "batch_"+name+"a", "batch_"+name+"b", "batch_"+name+"c")
	}

	h.runOnce(t)

	assert.Len(t, h.trigger.requests(), 3)
	assert.Equal(t, 6, h.checker.totalCalls())
	peak := h.checker.load.peak()
	assert.LessOrEqual(t, peak, int32(2), "checks and triggers share one bound")
	assert.GreaterOrEqual(t, peak, int32(1))
}

func TestFinalStatusWriteFailureDoesNotRetrigger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.checker.set("completed", "batch_1", "batch_2")
	job := h.createJob(t, "unlucky", "batch_1", "batch_2")

	h.trigger.after = func(TriggerRequest) {
		_, err := h.conn.Exec(`
			CREATE TRIGGER block_status BEFORE UPDATE OF status ON jobs
			BEGIN SELECT RAISE(ABORT, 'status writes unavailable'); END`)
		assert.NoError(t, err)
	}

	_, err := h.engine.RunOnce(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsPersistence(err))
	assert.Len(t, h.trigger.requests(), 1)
	got := h.reload(t, job.ID)
	assert.Equal(t, schedule.JobActive, got.Status)
	assert.Nil(t, got.CompletedAt)

	h.trigger.after = nil
	_, err = h.conn.Exec(`DROP TRIGGER block_status`)
	require.NoError(t, err)

	h.runOnce(t)

	got = h.reload(t, job.ID)
	assert.Equal(t, schedule.JobCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Len(t, h.trigger.requests(), 1, "the decided status is written without a second trigger")
	assert.Equal(t, int64(1), h.engine.Stats().Triggers)

	var triggered int
	for _, st := range h.logStatuses(t, job.ID) {
		if st == schedule.LogTriggered {
			triggered++
		}
	}
	assert.Equal(t, 1, triggered)
}

func TestConcurrentIterationsTriggerOnce(t *testing.T) {
	h := newHarness(t)
	h.checker.delay = 30 * time.Millisecond
	h.checker.set("completed", "batch_1", "batch_2")
	job := h.createJob(t, "racy", "batch_1", "batch_2")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.RunOnce(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, h.trigger.requests(), 1)
	assert.Equal(t, schedule.JobCompleted, h.reload(t, job.ID).Status)
}

func TestPausedJobsAreSkipped(t *testing.T) {
	h := newHarness(t)
	job := h.createJob(t, "paused", "batch_1")
	require.NoError(t, h.sched.Pause(context.Background(), job.ID))

	h.runOnce(t)
	assert.Equal(t, 0, h.checker.totalCalls())

	require.NoError(t, h.sched.Resume(context.Background(), job.ID, true))
	h.runOnce(t)
	assert.Equal(t, 1, h.checker.totalCalls())
}

func TestRunOncePersistenceFailure(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.conn.Close())

	_, err := h.engine.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsPersistence(err))
}

func TestNextSleep(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing scheduled", func(t *testing.T) {
		h := newHarness(t)
		d, err := h.engine.nextSleep(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, d)
	})

	t.Run("due now", func(t *testing.T) {
		h := newHarness(t)
		h.createJob(t, "due", "batch_1")
		d, err := h.engine.nextSleep(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, time.Duration(0), d)
	})

	t.Run("near deadline", func(t *testing.T) {
		h := newHarness(t)
		job := h.createJob(t, "soon", "batch_1")
		_, err := h.sched.ScheduleNextCheck(ctx, job.ID, util.Ptr(30))
		require.NoError(t, err)
		d, err := h.engine.nextSleep(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, d)
	})

	t.Run("far deadline is capped", func(t *testing.T) {
		h := newHarness(t)
		job := h.createJob(t, "later", "batch_1")
		_, err := h.sched.ScheduleNextCheck(ctx, job.ID, util.Ptr(3600))
		require.NoError(t, err)
		d, err := h.engine.nextSleep(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 60*time.Second, d)
	})

	t.Run("full batch fetched", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.BatchSize = 2 })
		d, err := h.engine.nextSleep(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, time.Duration(0), d)
	})
}

func TestHousekeepingPurgesOnInterval(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.RetentionDays = 30
		c.PurgeInterval = time.Hour
	})
	ctx := context.Background()
	longAgo := func() *time.Time { return util.Ptr(h.clock.Now().Add(-40 * 24 * time.Hour)) }

	first := h.createJob(t, "first", "batch_1")
	require.NoError(t, h.sched.UpdateJobStatus(ctx, first.ID, schedule.JobCompleted, longAgo()))
	active := h.createJob(t, "active", "batch_a")

	h.engine.housekeeping(ctx)
	assert.Equal(t, int64(1), h.engine.Stats().Purged)
	_, err := h.sched.Store().GetJob(ctx, first.ID)
	assert.True(t, errors.IsNotFound(err))
	_, err = h.sched.Store().GetJob(ctx, active.ID)
	assert.NoError(t, err)

	second := h.createJob(t, "second", "batch_2")
	require.NoError(t, h.sched.UpdateJobStatus(ctx, second.ID, schedule.JobFailed, longAgo()))

	h.clock.Advance(30 * time.Minute)
	h.engine.housekeeping(ctx)
	assert.Equal(t, int64(1), h.engine.Stats().Purged, "interval not elapsed")

	h.clock.Advance(time.Hour)
	h.engine.housekeeping(ctx)
	assert.Equal(t, int64(2), h.engine.Stats().Purged)
}

func runInBackground(t *testing.T, h *harness, ctx context.Context) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	require.Eventually(t, h.engine.IsRunning, time.Second, 5*time.Millisecond)
	return done
}

func waitStopped(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestRunStopsOnRequestShutdown(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DefaultSleep = time.Hour })
	done := runInBackground(t, h, context.Background())

	require.Eventually(t, func() bool { return h.engine.Stats().Iterations >= 1 }, time.Second, 5*time.Millisecond)
	h.engine.RequestShutdown()
	h.engine.RequestShutdown()

	waitStopped(t, done)
	assert.False(t, h.engine.IsRunning())
	assert.True(t, h.factory.isClosed(), "cached clients disposed")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DefaultSleep = time.Hour })
	ctx, cancel := context.WithCancel(context.Background())
	done := runInBackground(t, h, ctx)

	cancel()
	waitStopped(t, done)
	assert.True(t, h.factory.isClosed())
}

func TestRunRejectsSecondCaller(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DefaultSleep = time.Hour })
	done := runInBackground(t, h, context.Background())

	err := h.engine.Run(context.Background())
	assert.True(t, errors.IsConflict(err))

	h.engine.RequestShutdown()
	waitStopped(t, done)
}

func TestRunBacksOffOnPersistenceFailure(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ErrorBackoff = 10 * time.Millisecond })
	_, err := h.conn.Exec(`ALTER TABLE jobs RENAME TO jobs_unavailable`)
	require.NoError(t, err)

	done := runInBackground(t, h, context.Background())
	require.Eventually(t, func() bool { return h.engine.Stats().FailedIterations >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.engine.IsRunning(), "loop survives storage failures")

	h.engine.RequestShutdown()
	waitStopped(t, done)
}

func TestRunStopsWhenDatabaseClosed(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ErrorBackoff = 10 * time.Millisecond })
	require.NoError(t, h.conn.Close())

	err := h.engine.Run(context.Background())
	require.Error(t, err)
	assert.True(t, db.IsDatabaseClosed(err))
	assert.False(t, h.engine.IsRunning())
	assert.Equal(t, int64(1), h.engine.Stats().FailedIterations)
	assert.True(t, h.factory.isClosed(), "clients are closed on the way out")
}

func TestShutdownCancelsInFlightAfterGrace(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.ShutdownGrace = 50 * time.Millisecond
		c.DefaultSleep = time.Hour
	})
	h.checker.block = make(chan struct{})
	job := h.createJob(t, "slow", "batch_1")

	done := runInBackground(t, h, context.Background())
	select {
	case <-h.checker.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("status check never started")
	}

	h.engine.RequestShutdown()
	waitStopped(t, done)

	got := h.reload(t, job.ID)
	assert.Equal(t, schedule.JobActive, got.Status)
	assert.Equal(t, schedule.BatchInProgress, got.Batches[0].Status)
	assert.Empty(t, h.trigger.requests())
}

func TestForcedCancelSkipsGrace(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.ShutdownGrace = 10 * time.Second
		c.DefaultSleep = time.Hour
	})
	h.checker.block = make(chan struct{})
	job := h.createJob(t, "slow", "batch_1")

	ctx, cancel := context.WithCancel(context.Background())
	done := runInBackground(t, h, ctx)
	select {
	case <-h.checker.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("status check never started")
	}

	h.engine.RequestShutdown()
	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	cancel()

	waitStopped(t, done)
	assert.Less(t, time.Since(start), time.Second, "cancel does not wait for the grace period")
	assert.Equal(t, schedule.JobActive, h.reload(t, job.ID).Status)
	assert.True(t, h.factory.isClosed())
}

func TestCancelledContextSkipsGrace(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.ShutdownGrace = 10 * time.Second
		c.DefaultSleep = time.Hour
	})
	h.checker.block = make(chan struct{})
	h.createJob(t, "slow", "batch_1")

	ctx, cancel := context.WithCancel(context.Background())
	done := runInBackground(t, h, ctx)
	select {
	case <-h.checker.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("status check never started")
	}

	start := time.Now()
	cancel()
	waitStopped(t, done)
	assert.Less(t, time.Since(start), time.Second)
}

func TestShutdownRequestedBeforeRun(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DefaultSleep = time.Hour })
	h.createJob(t, "untouched", "batch_1")

	h.engine.RequestShutdown()

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(context.Background()) }()
	waitStopped(t, done)

	assert.Equal(t, int64(0), h.engine.Stats().Iterations)
	assert.Equal(t, 0, h.checker.totalCalls())
	assert.True(t, h.factory.isClosed())

	// The request is consumed by the run it stopped
	done2 := runInBackground(t, h, context.Background())
	require.Eventually(t, func() bool { return h.engine.Stats().Iterations >= 1 }, time.Second, 5*time.Millisecond)
	h.engine.RequestShutdown()
	waitStopped(t, done2)
}

func TestIterationLogsCountAndDuration(t *testing.T) {
	h := newHarness(t)
	core, logs := observer.New(zapcore.DebugLevel)
	engine := NewEngine(h.sched, h.factory, DefaultConfig(), WithLogger(zap.New(core).Sugar()))
	job := h.createJob(t, "observed", "batch_1")

	_, err := engine.RunOnce(context.Background())
	require.NoError(t, err)

	done := logs.FilterMessage("Iteration complete").All()
	require.Len(t, done, 1)
	fields := done[0].ContextMap()
	assert.Equal(t, int64(1), fields[logger.FieldCount])
	assert.Contains(t, fields, logger.FieldDurationMS)

	checked := logs.FilterMessage("Job still in progress").All()
	require.Len(t, checked, 1)
	assert.Equal(t, job.ID, checked[0].ContextMap()[logger.FieldJobID])
	assert.Equal(t, "poll", checked[0].ContextMap()[logger.FieldComponent])
}
