package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// asyncConcurrency is the number of test sets the in-process worker
// evaluates at once.
const asyncConcurrency = 2

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd.OutOrStdout(), a.cfg)
		},
	}
	f := cmd.Flags()
	f.String("host", "", "Listen host")
	f.Int("port", 0, "Listen port")
	f.String("driver", "", "Repository driver (sqlite|postgres)")
	f.String("db", "", "SQLite database path")
	f.String("cache", "", "Cache type (none|memory|redis)")
	f.String("redis-addr", "", "Redis address")
	f.String("bus", "", "Event bus type (channel|nats)")
	f.String("nats-url", "", "NATS server URL")
	f.Bool("async", false, "Run evaluations requested with ?async=true on an in-process worker")
	return cmd
}

func runServe(ctx context.Context, out io.Writer, cfg *domain.Config) error {
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"evaluator", cfg.Evaluation.Evaluator,
		"batch_size", cfg.Evaluation.BatchSize,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	sc, err := buildScoring(cfg)
	if err != nil {
		return err
	}
	defer sc.Close()

	orch := orchestrator.New(sc.evaluator, orchestratorConfig(cfg),
		orchestrator.WithCache(cacheImpl),
		orchestrator.WithEventBus(busImpl),
	)

	var asyncWorker *worker.Worker
	if cfg.Evaluation.AsyncWorker {
		asyncWorker = worker.NewWorker(busImpl, repo, orch, worker.Config{
			Concurrency: asyncConcurrency,
			Match:       matchOptions(cfg),
		})
		if err := asyncWorker.Start(); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
		slog.Info("async worker started", "concurrency", asyncConcurrency)
	}

	var serviceName string
	if cfg.Tracing.Enabled {
		serviceName = cfg.Tracing.ServiceName
		slog.Info("tracing enabled", "service_name", serviceName)
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:         repo,
		Cache:        cacheImpl,
		Bus:          busImpl,
		Orchestrator: orch,
		Responder:    sc.responder,
		Summarizer:   sc.summarizer,
		KPIValidator: sc.validator,
		Match:        matchOptions(cfg),
		AsyncRuns:    asyncWorker != nil,
		Version:      Version,
		ServiceName:  serviceName,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(out, cfg)

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		serveErr = fmt.Errorf("server failed: %w", err)
	}
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return serveErr
}

func printBanner(w io.Writer, cfg *domain.Config) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  KESTREL - product data quality scoring")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Version:    %s\n", Version)
	fmt.Fprintf(w, "  Evaluator:  %s\n", cfg.Evaluation.Evaluator)
	fmt.Fprintf(w, "  Server:     http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Endpoints:")
	fmt.Fprintln(w, "    POST   /testsets                                 - Upload source and target")
	fmt.Fprintln(w, "    GET    /testsets                                 - List test sets")
	fmt.Fprintln(w, "    PUT    /testsets/{id}/kpis                       - Configure KPIs")
	fmt.Fprintln(w, "    POST   /testsets/{id}/evaluate                   - Score all records")
	fmt.Fprintln(w, "    POST   /testsets/{id}/records/{msid}/reevaluate  - Rescore with feedback")
	fmt.Fprintln(w, "    GET    /testsets/{id}/results                    - Per-record scores")
	fmt.Fprintln(w, "    GET    /testsets/{id}/summary                    - Per-KPI summary")
	fmt.Fprintln(w, "    POST   /testsets/{id}/ask                        - Ask about the results")
	fmt.Fprintln(w, "    GET    /health                                   - Health check")
	fmt.Fprintln(w)
}
