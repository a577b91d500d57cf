package poll

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/teranos/batchwatch/config"
	"github.com/teranos/batchwatch/db"
	"github.com/teranos/batchwatch/errors"
	"github.com/teranos/batchwatch/internal/util"
	"github.com/teranos/batchwatch/logger"
	"github.com/teranos/batchwatch/pulse/retry"
	"github.com/teranos/batchwatch/pulse/schedule"
)

// Config tunes the engine loop
type Config struct {
	MaxConcurrency int           // in-flight outbound calls, process-wide
	BatchSize      int           // due jobs fetched per iteration
	DefaultSleep   time.Duration // idle sleep when no deadline is pending
	MaxSleep       time.Duration // cap on the sleep until the earliest deadline
	ErrorBackoff   time.Duration // fixed delay after a failed iteration
	ShutdownGrace  time.Duration // how long in-flight work may run after shutdown
	RetentionDays  int           // 0 disables purging
	PurgeInterval  time.Duration
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 10,
		BatchSize:      50,
		DefaultSleep:   5 * time.Second,
		MaxSleep:       60 * time.Second,
		ErrorBackoff:   5 * time.Second,
		ShutdownGrace:  30 * time.Second,
		RetentionDays:  30,
		PurgeInterval:  time.Hour,
	}
}

// ConfigFrom converts the engine section of the application config
func ConfigFrom(cfg config.EngineConfig) Config {
	return Config{
		MaxConcurrency: cfg.MaxConcurrency,
		BatchSize:      cfg.PollBatchSize,
		DefaultSleep:   cfg.DefaultSleep(),
		MaxSleep:       cfg.MaxSleep(),
		ErrorBackoff:   cfg.ErrorBackoff(),
		ShutdownGrace:  cfg.ShutdownGrace(),
		RetentionDays:  cfg.RetentionDays,
		PurgeInterval:  cfg.PurgeInterval(),
	}
}

// Stats is a snapshot of engine activity since Run started
type Stats struct {
	Running            bool
	StartedAt          time.Time
	Iterations         int64
	FailedIterations   int64
	JobsProcessed      int64
	BatchChecks        int64
	BatchCheckFailures int64
	Triggers           int64
	TriggerFailures    int64
	Purged             int64
	LastIterationAt    time.Time
}

// Engine is the polling control loop
type Engine struct {
	scheduler *schedule.Scheduler
	store     *schedule.Store
	clients   ClientFactory
	sem       *semaphore.Weighted
	log       *zap.SugaredLogger
	pulseLog  *zap.SugaredLogger

	// finalize retries the terminal status write after a trigger call
	finalize retry.Policy

	mu        sync.Mutex
	cfg       Config
	running   bool
	shutdown  chan struct{}
	stopEarly bool // RequestShutdown arrived before Run
	inFlight  map[string]struct{}
	settled   map[string]schedule.JobStatus // decided terminal status not yet persisted
	lastPurge time.Time
	stats     Stats
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(log *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = log }
}

// WithFinalizePolicy sets the retry policy of the status write that follows a trigger
func WithFinalizePolicy(p retry.Policy) Option {
	return func(e *Engine) { e.finalize = p }
}

// NewEngine creates an engine over scheduler, using clients for all outbound calls
func NewEngine(scheduler *schedule.Scheduler, clients ClientFactory, cfg Config, opts ...Option) *Engine {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}

	e := &Engine{
		scheduler: scheduler,
		store:     scheduler.Store(),
		clients:   clients,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		log:       logger.Logger,
		finalize: retry.Policy{
			MaxAttempts:  5,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
		},
		cfg:      cfg,
		inFlight: make(map[string]struct{}),
		settled:  make(map[string]schedule.JobStatus),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = zap.NewNop().Sugar()
	}
	e.log = e.log.Named("engine")
	e.pulseLog = logger.AddPulseSymbol(e.log)
	return e
}

// ApplyConfig updates the loop timings at runtime. The concurrency bound is fixed at construction.
func (e *Engine) ApplyConfig(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg.MaxConcurrency = e.cfg.MaxConcurrency
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = e.cfg.BatchSize
	}
	e.cfg = cfg
	e.log.Infow("Engine configuration reloaded",
		"default_sleep", cfg.DefaultSleep,
		"max_sleep", cfg.MaxSleep,
		"retention_days", cfg.RetentionDays)
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// IsRunning reports whether Run is active
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Stats returns a snapshot of engine counters
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.Running = e.running
	return s
}

// RequestShutdown asks the engine to stop. Safe to call more than once.
// A request made before Run makes the next Run return without iterating.
func (e *Engine) RequestShutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown == nil {
		e.stopEarly = true
		return
	}
	select {
	case <-e.shutdown:
	default:
		close(e.shutdown)
		e.pulseLog.Infow("Shutdown requested")
	}
}

// Run drives the loop until ctx is cancelled or RequestShutdown is called.
// After RequestShutdown in-flight work gets the shutdown grace period before it is
// cancelled; cancelling ctx cancels it at once, also during the grace period.
// Cached clients are closed before Run returns. Storage failures are retried after
// ErrorBackoff, except a closed database, which ends Run with an error.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.NewConflictError("engine is already running")
	}
	e.running = true
	e.shutdown = make(chan struct{})
	shutdown := e.shutdown
	if e.stopEarly {
		close(e.shutdown)
		e.stopEarly = false
	}
	e.stats = Stats{StartedAt: e.scheduler.Now()}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.shutdown = nil
		e.mu.Unlock()
	}()

	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	loopDone := make(chan struct{})
	go e.enforceGrace(ctx, shutdown, loopDone, cancelWork)

	cfg := e.config()
	logger.PulseOpenInfow(e.log, "Polling engine started",
		"max_concurrency", cfg.MaxConcurrency,
		"batch_size", cfg.BatchSize)

	var runErr error
	for !stopRequested(ctx, shutdown) {
		fetched, err := e.RunOnce(workCtx)
		if db.IsDatabaseClosed(err) {
			// A closed handle never recovers
			e.recordFailedIteration()
			runErr = errors.Wrap(err, "polling engine stopped")
			e.pulseLog.Errorw("Database closed, stopping", logger.FieldError, err)
			break
		}
		if err == nil {
			e.housekeeping(workCtx)
		}

		var sleep time.Duration
		if err != nil {
			e.recordFailedIteration()
			sleep = e.config().ErrorBackoff
			e.pulseLog.Errorw("Iteration failed, backing off",
				logger.FieldError, err,
				logger.FieldSleep, sleep)
		} else if sleep, err = e.nextSleep(workCtx, fetched); err != nil {
			e.recordFailedIteration()
			sleep = e.config().ErrorBackoff
			e.pulseLog.Errorw("Failed to size sleep, backing off",
				logger.FieldError, err,
				logger.FieldSleep, sleep)
		}

		e.log.Debugw("Sleeping", logger.FieldSleep, sleep)
		if !sleepUntil(ctx, shutdown, sleep) {
			break
		}
	}
	close(loopDone)

	if err := e.clients.Close(); err != nil {
		e.log.Warnw("Failed to close clients", logger.FieldError, err)
	}
	logger.PulseCloseInfow(e.log, "Polling engine stopped")
	return runErr
}

// enforceGrace cancels in-flight work once a requested shutdown has waited
// ShutdownGrace. A cancelled ctx has already cancelled the work.
func (e *Engine) enforceGrace(ctx context.Context, shutdown, loopDone <-chan struct{}, cancelWork context.CancelFunc) {
	select {
	case <-loopDone:
		return
	case <-ctx.Done():
		return
	case <-shutdown:
	}

	grace := e.config().ShutdownGrace
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-loopDone:
	case <-ctx.Done():
		e.log.Warnw("Forced shutdown, in-flight work cancelled")
	case <-timer.C:
		e.log.Warnw("Shutdown grace period elapsed, cancelling in-flight work", "grace", grace)
		cancelWork()
	}
}

func stopRequested(ctx context.Context, shutdown <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-shutdown:
		return true
	default:
		return false
	}
}

// sleepUntil waits d unless shutdown comes first; false means stop
func sleepUntil(ctx context.Context, shutdown <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return !stopRequested(ctx, shutdown)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-shutdown:
		return false
	}
}

// nextSleep sizes the idle period after an iteration that fetched n due jobs
func (e *Engine) nextSleep(ctx context.Context, fetched int) (time.Duration, error) {
	cfg := e.config()
	if fetched >= cfg.BatchSize {
		// More due work is probably waiting
		return 0, nil
	}

	deadline, err := e.scheduler.EarliestPendingDeadline(ctx)
	if err != nil {
		return 0, err
	}
	if deadline == nil {
		return cfg.DefaultSleep, nil
	}
	return util.ClampDuration(deadline.Sub(e.scheduler.Now()), 0, cfg.MaxSleep), nil
}

func (e *Engine) recordFailedIteration() {
	e.mu.Lock()
	e.stats.FailedIterations++
	e.mu.Unlock()
}

// housekeeping purges finished jobs past retention, at most once per PurgeInterval
func (e *Engine) housekeeping(ctx context.Context) {
	cfg := e.config()
	if cfg.RetentionDays <= 0 {
		return
	}

	now := e.scheduler.Now()
	e.mu.Lock()
	due := e.lastPurge.IsZero() || now.Sub(e.lastPurge) >= cfg.PurgeInterval
	if due {
		e.lastPurge = now
	}
	e.mu.Unlock()
	if !due {
		return
	}

	n, err := e.scheduler.PurgeOlderThan(ctx, cfg.RetentionDays)
	if err != nil {
		e.log.Warnw("Retention purge failed", logger.FieldError, err)
		return
	}
	e.mu.Lock()
	e.stats.Purged += n
	e.mu.Unlock()
}
