package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taskline/internal/api"
	"taskline/internal/config"
	"taskline/internal/db"
	"taskline/pkg/coordinator"
	"taskline/pkg/eventbus"
	"taskline/pkg/reminder"
	"taskline/pkg/reply"
	"taskline/pkg/task"
)

func main() {
	root := &cobra.Command{
		Use:           "taskline",
		Short:         "Support-chat task lifecycle engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(coordinatorCmd(), schedulerCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func coordinatorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "coordinator",
		Short: "Run the coordinator process (event loop, HTTP API, embedded reminder scheduler)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool, err := db.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer pool.Close()

			tasks := task.NewPgStore(pool)
			events := eventbus.NewPgLog(pool)
			if err := tasks.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure tasks schema: %w", err)
			}
			if err := events.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure events schema: %w", err)
			}

			bus := eventbus.NewBus(events)
			replies := reply.NewSessions(cfg.ReplyTimeout)
			coord := coordinator.New(bus, tasks, replies, cfg.StatsInterval)
			sched := reminder.New(tasks, bus, reminder.Config{
				Tiers:    cfg.ReminderTiers,
				Interval: cfg.SweepInterval,
			})

			go coord.Run(ctx)
			go sched.Run(ctx)

			server := &http.Server{
				Addr:    cfg.HTTPAddr,
				Handler: api.New(events, tasks, coord),
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					log.Printf("taskline: http shutdown: %v", err)
				}
			}()

			log.Printf("taskline: coordinator listening on %s", cfg.HTTPAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen: %w", err)
			}
			return nil
		},
	}
}

func schedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the reminder scheduler loop alone",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool, err := db.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer pool.Close()

			tasks := task.NewPgStore(pool)
			events := eventbus.NewPgLog(pool)
			if err := tasks.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure tasks schema: %w", err)
			}
			if err := events.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure events schema: %w", err)
			}

			sched := reminder.New(tasks, eventbus.NewBus(events), reminder.Config{
				Tiers:    cfg.ReminderTiers,
				Interval: cfg.SweepInterval,
			})
			sched.Run(ctx)
			return nil
		},
	}
}
