package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"leadflow/internal/agent"
	"leadflow/internal/approval"
	"leadflow/internal/config"
	"leadflow/internal/crm"
	lferrors "leadflow/internal/errors"
	"leadflow/internal/id"
	"leadflow/internal/logging"
	"leadflow/internal/orchestrator"
	"leadflow/internal/run"
	"leadflow/internal/run/postgresstore"
	serverHTTP "leadflow/internal/server/http"
	"leadflow/internal/stream"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "leadflow-server",
		Short: "Agent orchestration and approval server for the LeadFlow CRM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("leadflow-server: %v", err)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logging.SetLevel(logging.ParseLevel(cfg.Logging.Level))
	logger := logging.NewComponentLogger("Main")

	strategy, err := id.ParseStrategy(cfg.ID.Strategy)
	if err != nil {
		return err
	}
	id.SetStrategy(strategy)

	fmt.Printf("%s %s\n", bold("LeadFlow"), green("orchestration server"))
	fmt.Printf("  storage:  %s\n", cyan(cfg.Storage.Driver))
	fmt.Printf("  listen:   %s\n", cyan(cfg.Server.Addr()))
	fmt.Printf("  timeout:  %s\n", cyan(cfg.Orchestrator.RunTimeout.String()))

	store, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize run store: %w", err)
	}
	defer cleanup()

	registry := agent.NewRegistry(logger)
	broadcaster := stream.NewBroadcaster()

	leads, err := crm.NewCachedLeadStore(crm.NewInMemoryLeadStore(), cfg.CRM.LeadCacheSize)
	if err != nil {
		return fmt.Errorf("initialize lead cache: %w", err)
	}
	applier := crm.NewEffectApplier(leads, crm.NewLogNotifier())

	retry := lferrors.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Orchestrator.MaxRetries
	orch := orchestrator.New(store, registry, agent.BuiltinCapabilities(), applier, broadcaster, orchestrator.Options{
		RunTimeout: cfg.Orchestrator.RunTimeout,
		Retry:      retry,
		Logger:     logger,
	})

	gate := approval.NewGate(store, broadcaster)
	gate.SetResumer(orch)

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	orch.StartReaper(reaperCtx, cfg.Orchestrator.ReapInterval)

	router := serverHTTP.NewRouter(serverHTTP.RouterDeps{
		Orchestrator: orch,
		Gate:         gate,
		Registry:     registry,
		Store:        store,
		Broadcaster:  broadcaster,
		CORSOrigins:  cfg.Server.CORSOrigins,
	})

	srv := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// No write timeout: SSE connections stay open.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("Server listening on %s", cfg.Server.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	fmt.Println(yellow("Shutting down..."))
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}

func buildStore(ctx context.Context, cfg *config.Config) (run.Store, func(), error) {
	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		store := postgresstore.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	default:
		return run.NewInMemoryStore(), func() {}, nil
	}
}
