// Package main implements gradectl, the operator CLI for the grades worker:
// schema migrations, the persistent grades flags, manual recalculation,
// course outline checks, the course sock and dead-letter replay.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/alem-hub/persistent-grades/config"
	"github.com/alem-hub/persistent-grades/internal/domain/enrollment"
	"github.com/alem-hub/persistent-grades/internal/domain/grades"
	"github.com/alem-hub/persistent-grades/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/persistent-grades/internal/infrastructure/tasks"
	"github.com/alem-hub/persistent-grades/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(newApp()).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// WIRING
// ══════════════════════════════════════════════════════════════════════════════

type migrator interface {
	Migrate(ctx context.Context) (int, error)
	Status(ctx context.Context) ([]postgres.Migration, error)
	Rollback(ctx context.Context) error
}

// stores is everything a subcommand may touch. queue is opened on demand
// because only enqueue and replay need NATS.
type stores struct {
	flags       grades.FlagStore
	enrollments enrollment.Repository
	deadLetters tasks.DeadLetterStore
	migrator    migrator
	queue       func(ctx context.Context) (tasks.ReplayQueue, error)
	close       func()
}

type app struct {
	loadConfig func() (*config.Config, error)
	open       func(ctx context.Context, cfg *config.Config, log *slog.Logger) (*stores, error)
	now        func() time.Time

	cfg *config.Config
	log *slog.Logger
}

func newApp() *app {
	return &app{
		loadConfig: config.Load,
		open:       openStores,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// withStores opens the stores for the duration of fn.
func (a *app) withStores(ctx context.Context, fn func(*stores) error) error {
	s, err := a.open(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	defer s.close()
	return fn(s)
}

func openStores(ctx context.Context, cfg *config.Config, log *slog.Logger) (*stores, error) {
	pg := postgres.DefaultConfig()
	pg.URL = cfg.Database.URL
	pg.MaxConns = 2
	pg.MinConns = 0

	conn, err := postgres.NewConnection(ctx, pg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	var nc *nats.Conn
	s := &stores{
		flags:       postgres.NewFlagRepository(conn),
		enrollments: postgres.NewEnrollmentRepository(conn),
		deadLetters: postgres.NewDeadLetterRepository(conn),
		migrator:    postgres.NewMigrator(conn),
	}
	s.queue = func(ctx context.Context) (tasks.ReplayQueue, error) {
		if nc == nil {
			c, err := nats.Connect(cfg.NATS.URL, nats.Name("gradectl"))
			if err != nil {
				return nil, fmt.Errorf("failed to connect to nats: %w", err)
			}
			nc = c
		}
		// The CLI only publishes; the worker owns the consumer.
		return tasks.NewNATSQueue(ctx, nc, nil, tasks.NATSQueueConfig{
			StreamName: cfg.NATS.Stream,
			Subject:    cfg.NATS.Subject,
			Durable:    cfg.NATS.Durable,
			Logger:     log,
		})
	}
	s.close = func() {
		if nc != nil {
			_ = nc.Drain()
		}
		conn.Close()
	}
	return s, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ROOT COMMAND
// ══════════════════════════════════════════════════════════════════════════════

func newRootCmd(a *app) *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:          "gradectl",
		Short:        "Operate the persistent grades worker",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			a.cfg = cfg

			level := logger.ParseLevel(cfg.Log.Level)
			if verbose {
				level = slog.LevelDebug
			}
			a.log = logger.New(logger.Options{
				Output: cmd.ErrOrStderr(),
				Level:  level,
				Format: "text",
			})
			return nil
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		newMigrateCmd(a),
		newFlagsCmd(a),
		newEnqueueCmd(a),
		newCourseCmd(a),
		newSockCmd(a),
		newDeadLettersCmd(a),
	)
	return root
}
