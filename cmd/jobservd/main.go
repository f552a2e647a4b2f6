// jobservd is the JobServ API server. It serves the REST API, dispatches
// queued runs to polling workers, and runs the leader-only background
// workers: the queue monitor and the git poller.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jobserv-ci/jobserv/internal/api"
	"github.com/jobserv-ci/jobserv/internal/config"
	"github.com/jobserv-ci/jobserv/internal/dispatch"
	"github.com/jobserv-ci/jobserv/internal/leader"
	"github.com/jobserv-ci/jobserv/internal/monitor"
	"github.com/jobserv-ci/jobserv/internal/notify"
	"github.com/jobserv-ci/jobserv/internal/poller"
	"github.com/jobserv-ci/jobserv/internal/postgres"
	"github.com/jobserv-ci/jobserv/internal/storage"
	"github.com/jobserv-ci/jobserv/internal/trigger"
	"github.com/jobserv-ci/jobserv/internal/vault"
)

const version = "1.0.0-dev"

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /jobservd healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		resp, err := http.Get("http://localhost:8000/health")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	configPath := config.ResolvePath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if configPath != "" {
		slog.Info("config loaded", "path", configPath)
	}

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	projects := postgres.NewProjectStore(pool)
	triggers := postgres.NewTriggerStore(pool)
	builds := postgres.NewBuildStore(pool)
	runs := postgres.NewRunStore(pool)
	tests := postgres.NewTestStore(pool)
	workers := postgres.NewWorkerStore(pool)
	locker := postgres.NewBuildLocker(pool)
	slog.Info("postgres stores initialized")

	if cfg.Storage.Endpoint == "" {
		slog.Error("S3_ENDPOINT not set, artifact storage is required")
		os.Exit(1)
	}
	store, err := storage.NewS3Store(ctx, cfg.Storage)
	if err != nil {
		slog.Error("failed to connect to S3", "error", err)
		os.Exit(1)
	}
	slog.Info("s3 storage initialized",
		"endpoint", cfg.Storage.Endpoint, "bucket", cfg.Storage.Bucket)

	console := storage.NewConsoleDir(filepath.Join(cfg.DataDir, "runs"))
	pings := monitor.NewPings(filepath.Join(cfg.DataDir, "workers"))
	flags := monitor.NewFlags(filepath.Join(cfg.DataDir, "flags"))

	secretVault, err := vault.NewFromEnv()
	if err != nil {
		slog.Error("failed to load secrets key", "error", err)
		os.Exit(1)
	}

	notifier := notify.New(notify.SMTPConfig{
		Server:   cfg.SMTP.Server,
		User:     cfg.SMTP.User,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	}, cfg.NotificationEmails)

	engine := trigger.NewEngine(projects, builds, runs, locker, store, console,
		notifier, cfg.FrontendURL)
	dispatcher := dispatch.New(runs, flags)

	// Leader-only workers: the surge monitor and the git poller run on the
	// replica holding the advisory lock.
	startWorkers := func(ctx context.Context) func() {
		mon := monitor.New(workers, runs, pings, flags, notifier,
			cfg.SurgeSupportRatio, cfg.MonitorInterval)
		mon.Start(ctx)

		cache := storage.NewPollerCache(store)
		poll := poller.New(triggers, projects, secretVault, engine, cache,
			cfg.PollerInterval)
		poll.Start(ctx)

		slog.Info("background workers started")
		return func() {
			poll.Stop()
			mon.Stop()
			slog.Info("background workers stopped")
		}
	}
	// The advisory lock is session-level, so the election runs on a pinned
	// connection that stays out of the pool for the process lifetime.
	leaderConn, err := pool.Acquire(ctx)
	if err != nil {
		slog.Error("failed to acquire leader connection", "error", err)
		os.Exit(1)
	}
	defer leaderConn.Release()
	tryLock := func(ctx context.Context) (bool, error) {
		var acquired bool
		err := leaderConn.QueryRow(ctx,
			"SELECT pg_try_advisory_lock($1)", leader.AdvisoryLockID).Scan(&acquired)
		return acquired, err
	}
	elector := leader.New(tryLock, leader.RetryInterval, startWorkers)
	elector.Start(ctx)
	slog.Info("leader election started (advisory lock)")

	srv := &api.Server{
		Projects:   projects,
		Triggers:   triggers,
		Builds:     builds,
		Runs:       runs,
		Tests:      tests,
		Workers:    workers,
		Storage:    store,
		Console:    console,
		Vault:      secretVault,
		Engine:     engine,
		Dispatcher: dispatcher,
		Pings:      pings,
		RunnerURL:  cfg.RunnerURL,
		Version:    version,
	}
	if apiKey := os.Getenv("JOBSERV_API_KEY"); apiKey != "" {
		srv.Auth = api.TokenAuth(apiKey)
		slog.Info("API key authentication enabled")
	}
	if corsEnv := os.Getenv("CORS_ORIGINS"); corsEnv != "" {
		srv.CORSOrigins = strings.Split(corsEnv, ",")
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(srv),
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	slog.Info("starting jobservd", "addr", cfg.ListenAddr, "version", version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	elector.Stop()
	notifier.Wait()
	slog.Info("jobservd shutdown complete")
}
