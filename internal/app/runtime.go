// Package app wires configuration, storage, secrets and the polling engine into one
// process-level dependency object shared by the CLI commands.
package app

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/batchwatch/config"
	"github.com/teranos/batchwatch/db"
	"github.com/teranos/batchwatch/errors"
	"github.com/teranos/batchwatch/integrations/keboola"
	"github.com/teranos/batchwatch/integrations/openai"
	"github.com/teranos/batchwatch/internal/httpclient"
	"github.com/teranos/batchwatch/logger"
	"github.com/teranos/batchwatch/pulse/poll"
	"github.com/teranos/batchwatch/pulse/retry"
	"github.com/teranos/batchwatch/pulse/schedule"
	"github.com/teranos/batchwatch/secrets"
)

// Runtime holds the long-lived collaborators of one batchwatch process
type Runtime struct {
	Config    *config.Config
	DB        *sql.DB
	Scheduler *schedule.Scheduler
	Secrets   *secrets.Store
	StartedAt time.Time

	log *zap.SugaredLogger
	now func() time.Time
}

// Option configures a Runtime
type Option func(*Runtime)

// WithClock sets the time source shared by the scheduler and secret store
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) { r.now = now }
}

// WithLogger sets the base logger
func WithLogger(log *zap.SugaredLogger) Option {
	return func(r *Runtime) { r.log = log }
}

// Open opens and migrates the database and builds the stores.
// Without secrets.key the secret store is metadata-only.
func Open(cfg *config.Config, opts ...Option) (*Runtime, error) {
	r := &Runtime{
		Config: cfg,
		log:    logger.Logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = zap.NewNop().Sugar()
	}

	conn, err := db.OpenWithMigrations(cfg.GetDatabasePath(), r.log)
	if err != nil {
		return nil, err
	}
	return r.attach(conn)
}

// New builds a runtime over an already migrated database
func New(cfg *config.Config, conn *sql.DB, opts ...Option) (*Runtime, error) {
	r := &Runtime{
		Config: cfg,
		log:    logger.Logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = zap.NewNop().Sugar()
	}
	return r.attach(conn)
}

func (r *Runtime) attach(conn *sql.DB) (*Runtime, error) {
	var cipher *secrets.Cipher
	if r.Config.Secrets.Key != "" {
		c, err := secrets.NewCipher(r.Config.Secrets.Key)
		if err != nil {
			conn.Close()
			return nil, err
		}
		cipher = c
	}

	r.DB = conn
	r.StartedAt = r.now()
	r.Scheduler = schedule.NewScheduler(schedule.NewStore(conn),
		schedule.WithClock(r.now),
		schedule.WithLimits(schedule.LimitsFromConfig(r.Config.Jobs)),
		schedule.WithLogger(r.log))
	r.Secrets = secrets.NewStore(conn, cipher,
		secrets.WithClock(r.now),
		secrets.WithLogger(r.log))
	return r, nil
}

// Close releases the database
func (r *Runtime) Close() error {
	if r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// JobInput describes a job as entered by an operator. Secrets may be given by id or name.
type JobInput struct {
	Name                string
	BatchIDs            []string
	PollIntervalSeconds int
	StatusSecret        string
	TriggerSecret       string
	Trigger             schedule.Trigger
}

// CreateJob resolves the credentials by role and creates the job
func (r *Runtime) CreateJob(ctx context.Context, in JobInput) (*schedule.Job, error) {
	statusSecret, err := r.Secrets.Resolve(ctx, in.StatusSecret, secrets.TypeOpenAI)
	if err != nil {
		return nil, errors.Wrap(err, "status secret")
	}
	triggerSecret, err := r.Secrets.Resolve(ctx, in.TriggerSecret, secrets.TypeKeboola)
	if err != nil {
		return nil, errors.Wrap(err, "trigger secret")
	}

	return r.Scheduler.CreateJob(ctx, schedule.NewJobRequest{
		Name:                in.Name,
		BatchIDs:            in.BatchIDs,
		PollIntervalSeconds: in.PollIntervalSeconds,
		StatusSecretID:      statusSecret.ID,
		TriggerSecretID:     triggerSecret.ID,
		Trigger:             in.Trigger,
	})
}

// Stats summarises stored state for the stats command
type Stats struct {
	JobsByStatus  map[schedule.JobStatus]int
	TotalJobs     int
	Secrets       int
	Logs          int
	SchemaVersion string
	LatestSchema  string
	Uptime        time.Duration
}

// Stats counts jobs, secrets and logs
func (r *Runtime) Stats(ctx context.Context) (*Stats, error) {
	byStatus, err := r.Scheduler.Store().CountJobsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	nSecrets, err := r.Secrets.Count(ctx)
	if err != nil {
		return nil, err
	}
	nLogs, err := r.Scheduler.Store().CountLogs(ctx)
	if err != nil {
		return nil, err
	}

	schema, err := db.SchemaVersion(r.DB)
	if err != nil {
		return nil, errors.WrapPersistence(err, "failed to read schema version")
	}
	latest, err := db.LatestVersion()
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		JobsByStatus:  byStatus,
		Secrets:       nSecrets,
		Logs:          nLogs,
		SchemaVersion: schema,
		LatestSchema:  latest,
		Uptime:        r.now().Sub(r.StartedAt),
	}
	for _, n := range byStatus {
		stats.TotalJobs += n
	}
	return stats, nil
}

// HTTPOptions returns the outbound client options for the configured limits
func (r *Runtime) HTTPOptions() httpclient.Options {
	return httpclient.Options{
		Timeout:              r.Config.Engine.RequestTimeout(),
		AllowPrivateNetworks: r.Config.HTTP.AllowPrivateNetworks,
		RequestsPerSecond:    r.Config.HTTP.RequestsPerSecond,
		Burst:                r.Config.HTTP.Burst,
	}
}

// NewClientCache builds the per-credential client cache used by the engine.
// Each credential gets its own HTTP client and therefore its own rate limit.
func (r *Runtime) NewClientCache(retryOpts ...retry.Option) *poll.ClientCache {
	policy := retry.FromConfig(r.Config.Retry)
	httpOpts := r.HTTPOptions()
	baseURL := strings.TrimSpace(r.Config.Integrations.OpenAI.BaseURL)

	newChecker := func(apiKey string) (poll.StatusChecker, error) {
		return openai.NewClient(openai.Config{
			APIKey:       apiKey,
			BaseURL:      baseURL,
			HTTP:         httpclient.New(httpOpts),
			Retry:        policy,
			RetryOptions: retryOpts,
			Logger:       r.log.Named("openai"),
		})
	}
	newTrigger := func(token, stackURL string) (poll.ActionTrigger, error) {
		return keboola.NewClient(keboola.Config{
			Token:        token,
			StackURL:     stackURL,
			HTTP:         httpclient.New(httpOpts),
			Retry:        policy,
			RetryOptions: retryOpts,
			Logger:       r.log.Named("keboola"),
		})
	}
	return poll.NewClientCache(r.Secrets, newChecker, newTrigger, r.log)
}

// NewEngine builds a polling engine over this runtime
func (r *Runtime) NewEngine(opts ...poll.Option) *poll.Engine {
	opts = append([]poll.Option{poll.WithLogger(r.log)}, opts...)
	return poll.NewEngine(r.Scheduler, r.NewClientCache(), poll.ConfigFrom(r.Config.Engine), opts...)
}
