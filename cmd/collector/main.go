package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron"

	config "github.com/mik888em/threads/configs"
	"github.com/mik888em/threads/internal/collector"
	"github.com/mik888em/threads/internal/ghactions"
	"github.com/mik888em/threads/internal/sheets"
	"github.com/mik888em/threads/internal/state"
	"github.com/mik888em/threads/internal/threads"
)

const heartbeatInterval = 30 * time.Second

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file loaded", slog.String("error", err.Error()))
	}

	command := "run"
	args := os.Args[1:]
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}

	var err error
	switch command {
	case "run":
		err = runCollector()
	case "serve":
		err = serveCollector()
	case "sync-sheets":
		err = syncSheets()
	case "cancel-pending":
		err = cancelPending(args)
	default:
		err = fmt.Errorf("unknown command: %s", command)
	}
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func runCollector() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.RunTimeout())
	defer cancel()

	return executeRun(ctx, cfg)
}

func serveCollector() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	schedule := os.Getenv("THREADS_CRON_SCHEDULE")
	if schedule == "" {
		schedule = "@every 15m"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := cron.New()
	err = c.AddFunc(schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout())
		defer cancel()
		if err := executeRun(runCtx, cfg); err != nil {
			slog.Error("scheduled run failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	c.Start()
	defer c.Stop()

	slog.Info("collector scheduled", slog.String("schedule", schedule))
	<-ctx.Done()
	slog.Info("stop signal received, shutting down")
	return nil
}

func executeRun(ctx context.Context, cfg *config.Config) error {
	stateStore := state.NewStore(cfg.StateFile)
	client := threads.NewClient(cfg.ThreadsAPIBaseURL, cfg.RequestTimeout, cfg.ConcurrencyLimit, cfg.PostsURLOverride)
	sheetsClient, err := sheets.NewClient(ctx, cfg.GoogleTableID, cfg.ServiceAccountJSON, stateStore)
	if err != nil {
		return err
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go heartbeat(heartbeatCtx)

	col := collector.New(cfg, stateStore, client, sheetsClient)
	if err := col.Run(ctx); err != nil {
		if ctx.Err() != nil {
			slog.Warn("run stopped before completion", slog.String("error", err.Error()))
			return nil
		}
		return err
	}
	return nil
}

func syncSheets() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if cfg.PublicTableID == "" {
		return fmt.Errorf("environment variable ID_GOOGLE_TABLE_PUBLIC_DANNYE must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stateStore := state.NewStore(cfg.StateFile)
	sheetsClient, err := sheets.NewClient(ctx, cfg.GoogleTableID, cfg.ServiceAccountJSON, stateStore)
	if err != nil {
		return err
	}
	if err := sheetsClient.SyncWorksheet(ctx, cfg.PublicTableID, cfg.SourceWorksheetName, cfg.MaxSyncRows); err != nil {
		return err
	}
	slog.Info("worksheet sync finished")
	return nil
}

func cancelPending(args []string) error {
	flags := flag.NewFlagSet("cancel-pending", flag.ContinueOnError)
	interval := flags.Int("interval", int(ghactions.DefaultInterval/time.Second), "polling interval in seconds")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *interval < 0 {
		return fmt.Errorf("interval cannot be negative")
	}

	owner, repo, token := os.Getenv("GITHUB_OWNER"), os.Getenv("GITHUB_REPO"), os.Getenv("GITHUB_TOKEN")
	if owner == "" || repo == "" || token == "" {
		return fmt.Errorf("environment variables GITHUB_OWNER, GITHUB_REPO and GITHUB_TOKEN must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting workflow queue canceller",
		slog.String("owner", owner), slog.String("repo", repo))
	return ghactions.NewCanceller(owner, repo, token).Watch(ctx, time.Duration(*interval)*time.Second)
}

func heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			slog.Info("heartbeat")
		case <-ctx.Done():
			return
		}
	}
}
