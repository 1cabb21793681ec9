// Package main is the entry point for the onboarding bot.
//
// Startup:
//  1. Load configuration and build the logger.
//  2. Build the external clients (stubs when APP_ENV=local).
//  3. Load the workflow definition and, optionally, watch it for changes.
//  4. Fill the item catalog from its snapshot, then from the inventory service.
//  5. Build the scheduler, the interpreter and its driver, then restore jobs.
//  6. Serve HTTP, and start the queue consumer and signup poller when
//     configured.
//
// Shutdown on SIGINT/SIGTERM: stop the HTTP listener, drain Slack event work,
// pause every job, wait for running ones, and save the jobs one last time.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"bagbot/internal/api/handlers"
	"bagbot/internal/catalog"
	"bagbot/internal/config"
	"bagbot/internal/core"
	"bagbot/internal/db"
	"bagbot/internal/external"
	"bagbot/internal/metrics"
	"bagbot/internal/onboarding"
	"bagbot/internal/queue"
	"bagbot/internal/scheduler"
	"bagbot/internal/signup"
	"bagbot/internal/types"
	"bagbot/internal/workflow"
)

const (
	metricsFlushInterval = time.Minute
	finalSaveTimeout     = 30 * time.Second
)

// recorder is what the bot needs from a metrics backend.
type recorder interface {
	onboarding.Metrics
	scheduler.MetricsRecorder
	Run(ctx context.Context, interval time.Duration)
	Flush(ctx context.Context)
}

// drainer waits for background work started outside the scheduler.
type drainer interface {
	Wait(ctx context.Context) error
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(nil)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("onboarding bot starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := external.NewClientRegistry(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating external clients: %w", err)
	}

	def, err := workflow.LoadFile(cfg.Onboarding.WorkflowPath)
	if err != nil {
		return fmt.Errorf("loading workflow: %w", err)
	}
	for _, w := range def.Warnings() {
		logger.Warn("workflow warning", "path", cfg.Onboarding.WorkflowPath, "warning", w)
	}
	store := workflow.NewStore(def)
	logger.Info("workflow loaded", "path", cfg.Onboarding.WorkflowPath, "steps", def.Len())

	items := catalog.New(catalog.Config{
		Source:       registry.Bag,
		SnapshotPath: cfg.Bag.CatalogPath,
		Logger:       logger.With("component", "catalog"),
	})
	if err := items.LoadSnapshot(); err != nil {
		logger.Warn("item catalog snapshot unreadable", "path", cfg.Bag.CatalogPath, "error", err)
	}
	if err := items.Refresh(ctx); err != nil {
		logger.Warn("item catalog refresh failed, using snapshot", "items", items.Len(), "error", err)
	}

	var awsCfg *aws.Config
	if cfg.Observability.EnableMetrics || cfg.AWS.TriggerQueueURL != "" {
		loaded, err := loadAWSConfig(ctx, cfg)
		if err != nil {
			return err
		}
		awsCfg = &loaded
	}

	rec := newRecorder(cfg, awsCfg, logger)

	jobStore, pool, err := openJobStore(ctx, cfg)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	sched := scheduler.New(scheduler.Config{
		Logger:  logger.With("component", "scheduler"),
		Metrics: rec,
	})

	engine := onboarding.New(onboarding.Config{
		Workflow:     store,
		Identity:     registry.Bag,
		Inventory:    registry.Bag,
		Messenger:    registry.Messenger,
		Valuer:       items,
		Metrics:      rec,
		Logger:       logger.With("component", "onboarding"),
		StepDelay:    cfg.Onboarding.StepDelay,
		WelcomeDelay: cfg.Onboarding.WelcomeDelay,
		StarterItems: cfg.Onboarding.StarterItems,
	})
	driver := onboarding.NewDriver(engine, sched, logger.With("component", "driver"))
	sched.SetResumer(driver.Resume)

	restored, err := sched.LoadJobs(ctx, jobStore)
	if err != nil {
		return fmt.Errorf("restoring jobs: %w", err)
	}
	logger.Info("jobs restored", "count", restored)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	auth, err := core.NewBcryptAuthenticator(cfg.Auth.TriggerTokenHash.Unmask())
	if err != nil {
		return fmt.Errorf("trigger token: %w", err)
	}
	srv.Authenticator = auth
	srv.HealthProbes = healthProbes(store, cfg, pool)

	onboardingHandler := handlers.NewOnboardingHandler(driver, sched, srv.Validator, logger)
	slackHandler := handlers.NewSlackEventsHandler(driver, registry.Messenger, handlers.SlackEventsConfig{
		SigningSecret:       cfg.Slack.SigningSecret,
		CommandPrefix:       cfg.Slack.CommandPrefix,
		CommandPasswordHash: cfg.Auth.CommandPasswordHash,
	}, logger.With("component", "slack_events"))
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, onboardingHandler.RegisterRoutes)
	srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, slackHandler.RegisterRoutes)
	srv.MountRoutes()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.ListenAndServe(gctx) })

	g.Go(func() error {
		rec.Run(gctx, metricsFlushInterval)
		return nil
	})

	g.Go(func() error {
		saveLoop(gctx, sched, jobStore, cfg.Jobs.SaveInterval, logger)
		return nil
	})

	if cfg.Onboarding.WatchWorkflow {
		watcher := workflow.NewWatcher(cfg.Onboarding.WorkflowPath, store, logger.With("component", "workflow_watcher"))
		g.Go(func() error { return watcher.Run(gctx) })
	}

	if cfg.AWS.TriggerQueueURL != "" && awsCfg != nil {
		consumer := queue.NewConsumer(newSQSClient(*awsCfg, cfg), cfg.AWS.TriggerQueueURL,
			welcomeFromQueue(driver), logger.With("component", "trigger_queue"))
		g.Go(func() error { return consumer.Run(gctx) })
	}

	if registry.Signups != nil && cfg.Airtable.Enabled() {
		poller := signup.NewPoller(signup.Config{
			Source:   registry.Signups,
			Welcomer: driver,
			Interval: cfg.Airtable.PollInterval,
			Logger:   logger.With("component", "signup_poller"),
		})
		g.Go(func() error { return poller.Run(gctx) })
	}

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("component failed, shutting down", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), finalSaveTimeout)
	defer cancel()
	if err := shutdown(shutdownCtx, slackHandler, sched, jobStore, rec, logger); err != nil {
		return err
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// shutdown drains event work, pauses every job, waits for running ones, saves
// the jobs and flushes the metrics they produced.
func shutdown(ctx context.Context, events drainer, sched *scheduler.Scheduler, store scheduler.Store, rec recorder, logger *slog.Logger) error {
	if err := events.Wait(ctx); err != nil {
		logger.Warn("slack event work still running at shutdown", "error", err)
	}
	if err := sched.StopAllJobs(ctx); err != nil {
		logger.Error("stopping jobs", "error", err)
	}
	if err := sched.Wait(ctx); err != nil {
		logger.Warn("jobs still running at shutdown", "error", err)
	}
	saveErr := sched.SaveJobs(ctx, store)
	rec.Flush(ctx)
	if saveErr != nil {
		return fmt.Errorf("final job save: %w", saveErr)
	}
	logger.Info("onboarding bot stopped", "saved_jobs", len(sched.Snapshot()))
	return nil
}

// welcomeFromQueue adapts the driver to the trigger queue consumer.
func welcomeFromQueue(w handlers.Welcomer) queue.HandlerFunc {
	return func(ctx context.Context, msg queue.TriggerMessage) error {
		_, err := w.Welcome(ctx, msg.UserID)
		return err
	}
}

// saveLoop persists jobs every interval until ctx is done.
func saveLoop(ctx context.Context, sched *scheduler.Scheduler, store scheduler.Store, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sched.SaveJobs(ctx, store); err != nil {
				logger.ErrorContext(ctx, "periodic job save failed", "error", err)
			}
		}
	}
}

// openJobStore selects the job store from JOBS_PERSISTENCE_URL. The pool is
// nil for file storage.
func openJobStore(ctx context.Context, cfg *config.Config) (scheduler.Store, *pgxpool.Pool, error) {
	switch cfg.Jobs.Scheme() {
	case "file":
		path := cfg.Jobs.FilePath()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating job store directory: %w", err)
		}
		return scheduler.NewFileStore(path), nil, nil
	case "postgres", "postgresql":
		pool, err := db.NewPool(ctx, cfg.Jobs.PersistenceURL.Unmask(), db.PoolConfig{
			MaxConns:          cfg.Database.MaxConns,
			MinConns:          cfg.Database.MinConns,
			MaxConnLifetime:   cfg.Database.MaxConnLifetime,
			HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connecting job database: %w", err)
		}
		repo := db.NewScheduledJobRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("preparing job table: %w", err)
		}
		return repo, pool, nil
	}
	return nil, nil, fmt.Errorf("unsupported job persistence scheme %q", cfg.Jobs.Scheme())
}

func healthProbes(store *workflow.Store, cfg *config.Config, pool *pgxpool.Pool) []core.HealthProbe {
	probes := []core.HealthProbe{
		core.ProbeFunc{ProbeName: "workflow", Fn: func(context.Context) error {
			if store.Current() == nil || store.Current().Len() == 0 {
				return errors.New("no workflow loaded")
			}
			return nil
		}},
	}
	if pool != nil {
		probes = append(probes, core.ProbeFunc{ProbeName: "job_store", Fn: pool.Ping})
	} else {
		dir := filepath.Dir(cfg.Jobs.FilePath())
		probes = append(probes, core.ProbeFunc{ProbeName: "job_store", Fn: func(context.Context) error {
			_, err := os.Stat(dir)
			return err
		}})
	}
	return probes
}

func loadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return awsCfg, nil
}

func newSQSClient(awsCfg aws.Config, cfg *config.Config) *sqs.Client {
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
}

func newRecorder(cfg *config.Config, awsCfg *aws.Config, logger *slog.Logger) recorder {
	if !cfg.Observability.EnableMetrics || awsCfg == nil {
		return metrics.Noop{}
	}
	client := cloudwatch.NewFromConfig(*awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	return metrics.NewCloudWatchRecorder(metrics.Config{
		Client:    client,
		Namespace: cfg.Observability.MetricNamespace,
		Logger:    logger.With("component", "metrics"),
		Clock:     types.RealClock{},
	})
}

// newLogger creates a JSON slog.Logger at the given level. Unknown levels
// default to info.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
