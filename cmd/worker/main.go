// Package main is the entry point of the grades worker.
//
// The worker consumes problem score changes, recalculates persistent
// subsection grades through the task runner, rolls subsection changes up
// into course grades and replays abandoned recalculations on a schedule.
// A small HTTP server exposes health, metrics and read endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/persistent-grades/config"
	"github.com/alem-hub/persistent-grades/internal/application/command"
	"github.com/alem-hub/persistent-grades/internal/application/eventhandler"
	"github.com/alem-hub/persistent-grades/internal/application/query"
	"github.com/alem-hub/persistent-grades/internal/domain/grades"
	"github.com/alem-hub/persistent-grades/internal/domain/shared"
	"github.com/alem-hub/persistent-grades/internal/infrastructure/content"
	"github.com/alem-hub/persistent-grades/internal/infrastructure/external/ecommerce"
	"github.com/alem-hub/persistent-grades/internal/infrastructure/metrics"
	"github.com/alem-hub/persistent-grades/internal/infrastructure/reporting"
	"github.com/alem-hub/persistent-grades/internal/infrastructure/scheduler"
	"github.com/alem-hub/persistent-grades/internal/infrastructure/scheduler/jobs"
	"github.com/alem-hub/persistent-grades/internal/infrastructure/tasks"
	httpserver "github.com/alem-hub/persistent-grades/internal/interface/http"
	"github.com/alem-hub/persistent-grades/internal/interface/http/handlers"
	"github.com/alem-hub/persistent-grades/pkg/circuitbreaker"
	"github.com/alem-hub/persistent-grades/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. Configuration and logging
	// ─────────────────────────────────────────────────────────────────────────

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.Setup(logger.Options{
		Level:     logger.ParseLevel(cfg.Log.Level),
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
		Attrs: []slog.Attr{
			slog.String("service", cfg.App.Name),
			slog.String("env", string(cfg.App.Environment)),
		},
	})

	log.Info("starting grades worker",
		"version", cfg.App.Version,
		"backend", cfg.App.Backend,
		"workers", cfg.Grades.Workers,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 2. Metrics and error reporting
	// ─────────────────────────────────────────────────────────────────────────

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg, "grades")

	reporters := reporting.Multi{reporting.NewLogReporter(log)}
	var rollbar *reporting.RollbarReporter
	if cfg.Reporting.RollbarToken != "" {
		rollbar = reporting.NewRollbarReporter(reporting.RollbarConfig{
			Token:       cfg.Reporting.RollbarToken,
			Environment: string(cfg.App.Environment),
			ServerHost:  cfg.Reporting.ServerHost,
			CodeVersion: cfg.App.Version,
		})
		reporters = append(reporters, rollbar)
		defer rollbar.Flush(5 * time.Second)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. Course content and storage backend
	// ─────────────────────────────────────────────────────────────────────────

	contentStore, err := content.NewFileStore(os.DirFS(cfg.Content.Dir), log)
	if err != nil {
		return fmt.Errorf("failed to load course content from %s: %w", cfg.Content.Dir, err)
	}
	log.Info("course content loaded", "dir", cfg.Content.Dir, "courses", len(contentStore.Courses()))

	var b *backend
	switch cfg.App.Backend {
	case config.BackendDistributed:
		b, err = newDistributedBackend(ctx, cfg, contentStore, collector, log)
		if err != nil {
			return err
		}
	default:
		b = newMemoryBackend(cfg, contentStore, collector, log)
	}
	defer b.close()

	// ─────────────────────────────────────────────────────────────────────────
	// 4. Recalculation pipeline
	// ─────────────────────────────────────────────────────────────────────────

	recalc := command.NewRecalculateSubsectionGradeHandler(
		grades.NewFlagGate(b.flags, cfg.Grades.EnabledForAllTests),
		b.structures,
		b.scores,
		b.grades,
		b.bus,
		command.RecalculateSubsectionGradeConfig{Logger: log},
	)

	runner := tasks.NewRunner(func(ctx context.Context, t tasks.Task) error {
		_, err := recalc.Handle(ctx, command.RecalculateSubsectionGradeCommand{Event: t.Payload, TaskID: t.ID})
		return err
	}, tasks.RunnerConfig{
		RetryOptions: cfg.Grades.RetryOptions(),
		Reporter:     reporters,
		DeadLetters:  b.deadLetters,
		Metrics:      collector,
		Logger:       log,
	})

	queue, err := b.startQueue(ctx, runner, nil)
	if err != nil {
		return fmt.Errorf("failed to start task queue: %w", err)
	}
	defer queue.Stop()

	// ─────────────────────────────────────────────────────────────────────────
	// 5. Event subscriptions
	// ─────────────────────────────────────────────────────────────────────────

	onScore := eventhandler.NewOnProblemScoreChangedHandler(queue, log)
	if err := b.bus.SubscribeOnce(shared.EventProblemScoreChanged, onScore.Handle); err != nil {
		return fmt.Errorf("failed to subscribe to score changes: %w", err)
	}

	if cfg.Features.IsEnabled(config.FeatureCourseGradeUpdates, nil) {
		onSubsection := eventhandler.NewOnSubsectionScoreChangedHandler(
			b.grades, b.courseGrades, b.bus, eventhandler.DefaultCourseGradeConfig(), log)
		if err := b.bus.SubscribeOnce(shared.EventSubsectionScoreChanged, onSubsection.Handle); err != nil {
			return fmt.Errorf("failed to subscribe to subsection changes: %w", err)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. Scheduler
	// ─────────────────────────────────────────────────────────────────────────

	sched := scheduler.NewScheduler(scheduler.SchedulerConfig{
		Logger: log,
		OnJobComplete: func(r scheduler.JobResult) {
			collector.ObserveJob(r.JobName, r.Duration, r.Success)
		},
	})

	if cfg.Scheduler.Enabled && cfg.Features.IsEnabled(config.FeatureDeadLetterReplay, nil) {
		schedule, err := scheduler.ParseSchedule(cfg.Scheduler.ReplaySchedule)
		if err != nil {
			return fmt.Errorf("invalid replay schedule: %w", err)
		}
		replay := jobs.NewReplayAbandonedJob(b.deadLetters, queue, jobs.ReplayAbandonedConfig{
			Reason:     tasks.ReasonRetryExhausted,
			BatchSize:  cfg.Scheduler.ReplayBatchSize,
			MinAge:     cfg.Scheduler.ReplayMinAge,
			PerSecond:  cfg.Scheduler.ReplayPerSecond,
			MaxReplays: cfg.Scheduler.ReplayMaxReplays,
			Logger:     log,
		})
		if err := sched.Register(replay, schedule); err != nil {
			return fmt.Errorf("failed to register %s: %w", replay.Name(), err)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. HTTP server
	// ─────────────────────────────────────────────────────────────────────────

	var server *httpserver.Server
	if cfg.HTTP.Enabled {
		checker := handlers.NewCompositeHealthChecker(cfg.App.Version)
		for name, check := range b.checks {
			checker.AddCheck(name, check)
		}

		httpCfg := httpserver.DefaultConfig()
		httpCfg.Host = cfg.HTTP.Host
		httpCfg.Port = cfg.HTTP.Port
		httpCfg.ReadTimeout = cfg.HTTP.ReadTimeout
		httpCfg.WriteTimeout = cfg.HTTP.WriteTimeout
		httpCfg.RateLimitPerMinute = cfg.HTTP.RateLimitPerMinute
		httpCfg.APIKeys = cfg.HTTP.APIKeys
		httpCfg.TrustedProxies = cfg.HTTP.TrustedProxies
		httpCfg.Version = cfg.App.Version

		var discounts query.Discounts
		if cfg.Commerce.DiscountAPIURL != "" {
			ecCfg := ecommerce.DefaultClientConfig(cfg.Commerce.DiscountAPIURL)
			ecCfg.APIKey = cfg.Commerce.APIKey
			ecCfg.Breaker = circuitbreaker.New("ecommerce",
				circuitbreaker.WithFailureThreshold(5),
				circuitbreaker.WithTimeout(30*time.Second),
				circuitbreaker.WithOnStateChange(collector.BreakerStateChanged),
			)
			ecCfg.Logger = log
			discounts = ecommerce.NewClient(ecCfg)
		}

		server = httpserver.NewServer(httpCfg, httpserver.Dependencies{
			GetSubsectionGrade: query.NewGetSubsectionGradeHandler(b.grades),
			GetVerificationContext: query.NewGetVerificationContextHandler(
				b.enrollments,
				cfg.Features,
				discounts,
				query.CommerceConfig{
					EcommerceURL:        cfg.Commerce.EcommerceURL,
					CheckoutOnEcommerce: cfg.Commerce.CheckoutOnEcommerce,
				},
				log,
			),
			HealthChecker: checker,
			Gatherer:      reg,
			Logger:        log,
		})
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 8. Run until signalled
	// ─────────────────────────────────────────────────────────────────────────

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Start(gctx)
	})

	if server != nil {
		g.Go(func() error {
			return server.Start()
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", "timeout", cfg.App.ShutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()

		var errs []error
		if server != nil {
			if err := server.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}
		if err := sched.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("scheduler stop: %w", err))
		}
		return errors.Join(errs...)
	})

	log.Info("grades worker started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("grades worker stopped")
	return nil
}
