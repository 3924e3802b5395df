package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
	"github.com/alem-hub/persistent-grades/internal/domain/grades"
	"github.com/alem-hub/persistent-grades/internal/infrastructure/scheduler/jobs"
	"github.com/alem-hub/persistent-grades/internal/infrastructure/tasks"
	"github.com/alem-hub/persistent-grades/pkg/timeutil"
)

// ─────────────────────────────────────────────────────────────────────────────
// migrate
// ─────────────────────────────────────────────────────────────────────────────

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStores(cmd.Context(), func(s *stores) error {
				n, err := s.migrator.Migrate(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
				return nil
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStores(cmd.Context(), func(s *stores) error {
				migrations, err := s.migrator.Status(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED")
				for _, m := range migrations {
					applied := "pending"
					if m.IsApplied {
						applied = m.AppliedAt.UTC().Format("2006-01-02 15:04:05")
					}
					fmt.Fprintf(w, "%d\t%s\t%s\n", m.Version, m.Name, applied)
				}
				return w.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rollback",
		Short: "Revert the most recent migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStores(cmd.Context(), func(s *stores) error {
				if err := s.migrator.Rollback(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "rolled back 1 migration")
				return nil
			})
		},
	})
	return cmd
}

// ─────────────────────────────────────────────────────────────────────────────
// flags
// ─────────────────────────────────────────────────────────────────────────────

func newFlagsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flags",
		Short: "Show or change the persistent grades flags",
	}

	var courseID string
	var allCourses bool

	set := func(enabled bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			return a.withStores(cmd.Context(), func(s *stores) error {
				now := a.now()
				if courseID == "" {
					f := grades.GlobalFlag{Enabled: enabled, EnabledForAllCourses: enabled && allCourses, ChangedAt: now}
					if err := s.flags.SetGlobal(cmd.Context(), f); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "global: enabled=%t all_courses=%t\n", f.Enabled, f.EnabledForAllCourses)
					return nil
				}

				courseKey, err := course.ParseCourseKey(courseID)
				if err != nil {
					return err
				}
				if err := s.flags.SetCourse(cmd.Context(), grades.CourseFlag{CourseKey: courseKey, Enabled: enabled, ChangedAt: now}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: enabled=%t\n", courseKey, enabled)
				return nil
			})
		}
	}

	enable := &cobra.Command{
		Use:   "enable",
		Short: "Enable persistent grades globally or for one course",
		Args:  cobra.NoArgs,
		RunE:  set(true),
	}
	enable.Flags().StringVar(&courseID, "course", "", "course run to enable, e.g. course-v1:Org+Num+Run")
	enable.Flags().BoolVar(&allCourses, "all-courses", false, "with no --course, enable for every course")

	disable := &cobra.Command{
		Use:   "disable",
		Short: "Disable persistent grades globally or for one course",
		Args:  cobra.NoArgs,
		RunE:  set(false),
	}
	disable.Flags().StringVar(&courseID, "course", "", "course run to disable")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the current flag rows and the effective value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStores(cmd.Context(), func(s *stores) error {
				out := cmd.OutOrStdout()
				global, err := s.flags.CurrentGlobal(cmd.Context())
				if err != nil {
					return err
				}
				if global == nil {
					fmt.Fprintln(out, "global: unset")
				} else {
					fmt.Fprintf(out, "global: enabled=%t all_courses=%t changed %s\n",
						global.Enabled, global.EnabledForAllCourses, timeutil.FormatRelative(global.ChangedAt, a.now()))
				}
				if courseID == "" {
					return nil
				}

				courseKey, err := course.ParseCourseKey(courseID)
				if err != nil {
					return err
				}
				cf, err := s.flags.CurrentForCourse(cmd.Context(), courseKey)
				if err != nil {
					return err
				}
				if cf == nil {
					fmt.Fprintf(out, "%s: unset\n", courseKey)
				} else {
					fmt.Fprintf(out, "%s: enabled=%t changed %s\n", courseKey, cf.Enabled, timeutil.FormatRelative(cf.ChangedAt, a.now()))
				}
				fmt.Fprintf(out, "effective: %t\n", grades.PersistentGradesEnabled(global, cf))
				return nil
			})
		},
	}
	status.Flags().StringVar(&courseID, "course", "", "also evaluate this course run")

	cmd.AddCommand(enable, disable, status)
	return cmd
}

// ─────────────────────────────────────────────────────────────────────────────
// enqueue
// ─────────────────────────────────────────────────────────────────────────────

func newEnqueueCmd(a *app) *cobra.Command {
	var ev grades.ScoreChangeEvent
	var onlyIfHigher bool

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a subsection recalculation for one problem score",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, _, err := ev.Keys(); err != nil {
				return err
			}
			if cmd.Flags().Changed("only-if-higher") {
				ev.OnlyIfHigher = grades.BoolPtr(onlyIfHigher)
			}

			return a.withStores(cmd.Context(), func(s *stores) error {
				q, err := s.queue(cmd.Context())
				if err != nil {
					return err
				}
				id, err := q.Enqueue(cmd.Context(), ev)
				if err != nil {
					return err
				}
				a.log.Info("recalculation enqueued", "task_id", id, "user_id", ev.UserID, "usage_id", ev.UsageID)
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.Int64Var(&ev.UserID, "user", 0, "learner id")
	f.StringVar(&ev.CourseID, "course", "", "course run id")
	f.StringVar(&ev.UsageID, "usage", "", "problem usage id")
	f.Float64Var(&ev.RawEarned, "earned", 0, "raw points earned")
	f.Float64Var(&ev.RawPossible, "possible", 0, "raw points possible")
	f.BoolVar(&onlyIfHigher, "only-if-higher", false, "keep the stored grade unless the new one is strictly higher")
	f.BoolVar(&ev.ScoreDeleted, "deleted", false, "the problem score was deleted")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("course")
	_ = cmd.MarkFlagRequired("usage")
	return cmd
}

// ─────────────────────────────────────────────────────────────────────────────
// deadletters
// ─────────────────────────────────────────────────────────────────────────────

func newDeadLettersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dl"},
		Short:   "Inspect and replay abandoned recalculations",
	}

	var reason string
	var limit, maxReplays int

	list := &cobra.Command{
		Use:   "list",
		Short: "List unreplayed dead letters, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStores(cmd.Context(), func(s *stores) error {
				entries, err := s.deadLetters.ListReplayable(cmd.Context(), tasks.ReplayFilter{
					Reason:     reason,
					MaxReplays: maxReplays,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				now := a.now()
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tUSER\tUSAGE\tATTEMPTS\tREPLAYS\tFAILED\tERROR")
				for _, dl := range entries {
					fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\t%s\t%s\n",
						dl.ID, dl.Payload.UserID, dl.Payload.UsageID, dl.Attempts, dl.Replays,
						timeutil.FormatRelative(dl.FailedAt, now), dl.Error)
				}
				return w.Flush()
			})
		},
	}

	var perSecond float64
	replay := &cobra.Command{
		Use:   "replay",
		Short: "Re-enqueue dead letters with their original payload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStores(cmd.Context(), func(s *stores) error {
				q, err := s.queue(cmd.Context())
				if err != nil {
					return err
				}
				job := jobs.NewReplayAbandonedJob(s.deadLetters, q, jobs.ReplayAbandonedConfig{
					Reason:     reason,
					BatchSize:  limit,
					PerSecond:  perSecond,
					MaxReplays: maxReplays,
					Logger:     a.log,
					Clock:      a.now,
				})
				stats, err := job.Replay(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "listed=%d replayed=%d skipped=%d\n", stats.Listed, stats.Replayed, stats.Skipped)
				return err
			})
		},
	}
	replay.Flags().Float64Var(&perSecond, "rate", 20, "maximum enqueues per second")

	for _, c := range []*cobra.Command{list, replay} {
		c.Flags().StringVar(&reason, "reason", tasks.ReasonRetryExhausted, "abandon reason to select")
		c.Flags().IntVar(&limit, "limit", 100, "maximum entries")
		c.Flags().IntVar(&maxReplays, "max-replays", 0, "skip entries replayed this many times (0: no bound)")
	}

	cmd.AddCommand(list, replay)
	return cmd
}
