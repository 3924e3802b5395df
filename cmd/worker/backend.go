package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alem-hub/persistent-grades/config"
	"github.com/alem-hub/persistent-grades/internal/domain/course"
	"github.com/alem-hub/persistent-grades/internal/domain/enrollment"
	"github.com/alem-hub/persistent-grades/internal/domain/grades"
	"github.com/alem-hub/persistent-grades/internal/domain/shared"
	"github.com/alem-hub/persistent-grades/internal/infrastructure/messaging"
	"github.com/alem-hub/persistent-grades/internal/infrastructure/metrics"
	"github.com/alem-hub/persistent-grades/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/persistent-grades/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/persistent-grades/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/persistent-grades/internal/infrastructure/tasks"
	"github.com/alem-hub/persistent-grades/internal/interface/http/handlers"
	"github.com/alem-hub/persistent-grades/pkg/circuitbreaker"
	"github.com/alem-hub/persistent-grades/pkg/identity"
)

// eventBus is what the worker needs from either bus implementation.
type eventBus interface {
	shared.EventBus
	// SubscribeOnce handlers run on one worker per event across the cluster.
	SubscribeOnce(eventType shared.EventType, handler shared.EventHandler) error
	Close() error
}

// workerQueue is a started task queue.
type workerQueue interface {
	tasks.ReplayQueue
	Stop()
}

// backend holds the stores and transports selected by APP_BACKEND.
type backend struct {
	grades       grades.GradeStore
	scores       grades.ScoreStore
	courseGrades grades.CourseGradeStore
	flags        grades.FlagStore
	enrollments  enrollment.Repository
	structures   course.StructureProvider
	deadLetters  tasks.DeadLetterStore
	bus          eventBus

	// startQueue builds and starts the queue once the runner exists.
	startQueue func(ctx context.Context, runner *tasks.Runner, onResult func(tasks.Task, tasks.Result)) (workerQueue, error)

	checks  map[string]handlers.HealthCheckFunc
	closers []func()
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Memory
// ─────────────────────────────────────────────────────────────────────────────

func newMemoryBackend(cfg *config.Config, contentStore course.ContentStore, collector *metrics.Collector, log *slog.Logger) *backend {
	bus := messaging.NewInMemoryEventBus(messaging.InMemoryEventBusConfig{
		AsyncMode:      true,
		WorkerPoolSize: cfg.Grades.Workers * 2,
		Observer:       collector,
		Logger:         log,
	})

	b := &backend{
		grades:       memory.NewGradeStore(),
		scores:       memory.NewScoreStore(),
		courseGrades: memory.NewCourseGradeStore(),
		flags:        memory.NewFlagStore(),
		enrollments:  memory.NewEnrollmentRepository(),
		structures:   memory.NewStructureCache(contentStore),
		deadLetters:  tasks.NewMemoryDeadLetters(1000),
		bus:          bus,
		checks:       map[string]handlers.HealthCheckFunc{},
	}
	b.closers = append(b.closers, func() { _ = bus.Close() })

	b.startQueue = func(ctx context.Context, runner *tasks.Runner, onResult func(tasks.Task, tasks.Result)) (workerQueue, error) {
		q := tasks.NewMemoryQueue(runner, tasks.MemoryQueueConfig{
			Workers:  cfg.Grades.Workers,
			Capacity:    1024,
			Logger:      log,
			DeadLetters: b.deadLetters,
			OnResult:    onResult,
		})
		q.Start(ctx)
		return q, nil
	}
	return b
}

// ─────────────────────────────────────────────────────────────────────────────
// Distributed: Postgres, Redis and NATS JetStream
// ─────────────────────────────────────────────────────────────────────────────

func newDistributedBackend(ctx context.Context, cfg *config.Config, contentStore course.ContentStore, collector *metrics.Collector, log *slog.Logger) (*backend, error) {
	b := &backend{checks: map[string]handlers.HealthCheckFunc{}}
	ok := false
	defer func() {
		if !ok {
			b.close()
		}
	}()

	// PostgreSQL
	conn, err := postgres.NewConnection(ctx, postgres.Config{
		URL:               cfg.Database.URL,
		MaxConns:          cfg.Database.MaxConns,
		MinConns:          cfg.Database.MinConns,
		MaxConnLifetime:   cfg.Database.ConnMaxLifetime,
		MaxConnIdleTime:   cfg.Database.ConnMaxIdleTime,
		HealthCheckPeriod: time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	b.closers = append(b.closers, conn.Close)
	b.checks["postgres"] = handlers.NewPingCheck(conn)
	log.Info("connected to PostgreSQL")

	if cfg.Database.MigrateOnStart {
		applied, err := postgres.NewMigrator(conn).Migrate(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("migrations applied", "count", applied)
	}

	b.grades = postgres.NewGradeRepository(conn)
	b.scores = postgres.NewScoreRepository(conn, identity.NewAnonymousIDs(cfg.Grades.AnonymousIDSecret))
	b.courseGrades = postgres.NewCourseGradeRepository(conn)
	b.flags = postgres.NewFlagRepository(conn)
	b.enrollments = postgres.NewEnrollmentRepository(conn)
	b.deadLetters = postgres.NewDeadLetterRepository(conn)

	// Redis
	redisCfg := redis.DefaultConfig()
	redisCfg.Addrs = cfg.Redis.Addrs
	redisCfg.Password = cfg.Redis.Password
	redisCfg.DB = cfg.Redis.DB
	redisCfg.PoolSize = cfg.Redis.PoolSize
	redisCfg.MinIdleConns = cfg.Redis.MinIdleConns
	redisCfg.DialTimeout = cfg.Redis.DialTimeout
	redisCfg.ReadTimeout = cfg.Redis.ReadTimeout
	redisCfg.WriteTimeout = cfg.Redis.WriteTimeout

	cache, err := redis.NewCache(redisCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	b.closers = append(b.closers, func() { _ = cache.Close() })
	b.checks["redis"] = handlers.NewPingCheck(cache)
	log.Info("connected to Redis", "addrs", cfg.Redis.Addrs)

	b.structures = redis.NewStructureCache(cache, contentStore, redis.StructureCacheConfig{
		TTL:     cfg.Redis.StructureTTL,
		Breaker: circuitbreaker.CacheBreaker(collector.BreakerStateChanged),
		Logger:  log,
	})

	localBus := messaging.DefaultInMemoryEventBusConfig()
	localBus.WorkerPoolSize = cfg.Grades.Workers * 2
	localBus.Observer = collector
	bus, err := messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
		Client:         messaging.NewGoRedisPubSub(cache.Client()),
		ChannelName:    redis.PubSubChannel("events"),
		Breaker:        circuitbreaker.EventBusBreaker(collector.BreakerStateChanged),
		LocalBusConfig: localBus,
		Logger:         log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start event bus: %w", err)
	}
	b.bus = bus
	b.closers = append(b.closers, func() { _ = bus.Close() })

	// NATS JetStream
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	b.closers = append(b.closers, func() { _ = nc.Drain() })
	b.checks["nats"] = handlers.NewNATSCheck(nc)
	log.Info("connected to NATS", "url", nc.ConnectedUrl())

	b.startQueue = func(ctx context.Context, runner *tasks.Runner, onResult func(tasks.Task, tasks.Result)) (workerQueue, error) {
		q, err := tasks.NewNATSQueue(ctx, nc, runner, tasks.NATSQueueConfig{
			StreamName: cfg.NATS.Stream,
			Subject:    cfg.NATS.Subject,
			Durable:    cfg.NATS.Durable,
			AckWait:    cfg.NATS.AckWait,
			MaxDeliver: cfg.NATS.MaxDeliver,
			BatchSize:  cfg.NATS.BatchSize,
			Logger:     log,
			OnResult:   onResult,
		})
		if err != nil {
			return nil, err
		}
		if err := q.Start(ctx); err != nil {
			return nil, err
		}
		return q, nil
	}

	ok = true
	return b, nil
}
