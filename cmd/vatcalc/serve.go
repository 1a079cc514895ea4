package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/vatcalc/internal/api"
	"github.com/opensource-finance/vatcalc/internal/bus"
	"github.com/opensource-finance/vatcalc/internal/cache"
	"github.com/opensource-finance/vatcalc/internal/domain"
	"github.com/opensource-finance/vatcalc/internal/engine"
	"github.com/opensource-finance/vatcalc/internal/repository"
	"github.com/opensource-finance/vatcalc/internal/worker"
	"github.com/spf13/cobra"
)

var serveRulesFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Start the calculation API. The tier preset comes from VATCALC_TIER
(community or pro); individual settings are overridden by VATCALC_* variables.

The async worker runs on the pro tier or when VATCALC_ASYNC_WORKER=true.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveRulesFile, "rules", "", "YAML rule file to import before serving")
}

func runServe(cmd *cobra.Command, args []string) error {
	slog.Info("starting vatcalc",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	if serveRulesFile != "" {
		n, err := importRules(ctx, repo, serveRulesFile)
		if err != nil {
			return err
		}
		slog.Info("rules imported", "file", serveRulesFile, "count", n)
	}

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

	// The API engine announces its results; the worker publishes its own.
	eng := engine.New(repo, cfg.Engine,
		engine.WithCache(cacheImpl),
		engine.WithConsumer(bus.NewResultPublisher(busImpl)),
	)

	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("VATCALC_ASYNC_WORKER") == "true" {
		workerEngine := engine.New(repo, cfg.Engine, engine.WithCache(cacheImpl))
		asyncWorker = worker.NewWorker(busImpl, repo, workerEngine)

		workerCfg := worker.Config{
			Timeout:    time.Duration(cfg.Server.CalculationTimeout) * time.Second,
			QueueGroup: domain.WorkerQueueGroup,
		}
		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		} else {
			slog.Info("async worker started")
		}
	}

	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, eng, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("vatcalc is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		slog.Error("server failed", "error", err)
		cancel()
	}

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

	slog.Info("vatcalc shutdown complete")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  vatcalc - VAT filing cost engine")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Currency: %s\n", cfg.Engine.BaseCurrency)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /calculations                - Price a filing request")
	fmt.Println("    POST /calculations/compare        - Compare scenarios")
	fmt.Println("    POST /calculations/async          - Queue a calculation")
	fmt.Println("    GET  /calculations/{id}           - Get a stored calculation")
	fmt.Println("    GET  /rules                       - List rules")
	fmt.Println("    POST /rules                       - Create a rule")
	fmt.Println("    PUT  /rules/{id}                  - Update a rule")
	fmt.Println("    POST /rules/{id}/deactivate       - Deactivate a rule")
	fmt.Println("    POST /rules/validate              - Validate a rule")
	fmt.Println("    GET  /health                      - Health check")
	fmt.Println()
}
