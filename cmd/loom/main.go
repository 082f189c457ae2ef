// Loom core server — owns the session engines, the decision graph, and
// persistence, and exposes them over HTTP and WebSocket.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/loomhq/loom/pkg/api"
	"github.com/loomhq/loom/pkg/architect"
	"github.com/loomhq/loom/pkg/bus"
	"github.com/loomhq/loom/pkg/cleanup"
	"github.com/loomhq/loom/pkg/config"
	"github.com/loomhq/loom/pkg/contextwindow"
	"github.com/loomhq/loom/pkg/engine"
	"github.com/loomhq/loom/pkg/graph"
	"github.com/loomhq/loom/pkg/llm"
	"github.com/loomhq/loom/pkg/masking"
	"github.com/loomhq/loom/pkg/permissions"
	"github.com/loomhq/loom/pkg/store"
	"github.com/loomhq/loom/pkg/store/postgres"
	"github.com/loomhq/loom/pkg/store/sqlite"
	"github.com/loomhq/loom/pkg/telemetry"
	"github.com/loomhq/loom/pkg/tools"
	"github.com/loomhq/loom/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// openStore selects the backend from the storage path's scheme.
func openStore(dbPath string, logger *slog.Logger) (store.Store, error) {
	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		return postgres.Open(dbPath, logger)
	}
	return sqlite.Open(dbPath, logger)
}

func main() {
	projectPath := flag.String("project-path",
		getEnv("LOOM_PROJECT_PATH", "."),
		"Path to the project loom works on")
	addr := flag.String("addr", getEnv("LOOM_ADDR", ":8750"), "HTTP listen address")
	flag.Parse()

	// A .env beside the project is optional.
	envPath := filepath.Join(*projectPath, ".env")
	if err := godotenv.Load(envPath); err == nil {
		slog.Info("Loaded environment", "path", envPath)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*projectPath)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("Starting loom",
		"version", version.Full(),
		"project_path", *projectPath,
		"model", cfg.Model.Default,
		"db_path", cfg.DBPath)

	st, err := openStore(cfg.DBPath, logger)
	if err != nil {
		logger.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("Error closing store", "error", err)
		}
	}()

	janitor := cleanup.NewService(st, cleanup.DefaultRetention, cleanup.DefaultInterval, logger)
	janitor.Start(context.Background())
	defer janitor.Stop()

	eventBus := bus.New()
	emitter := telemetry.NewEmitter(eventBus)
	var aggregator *telemetry.Aggregator
	if team := os.Getenv("LOOM_TEAM"); team != "" {
		// Team scope republishes each snapshot on telemetry:team:{id}
		// for shared dashboards.
		aggregator = telemetry.NewTeamAggregator(eventBus, team)
	} else {
		aggregator = telemetry.NewAggregator(eventBus)
	}
	defer aggregator.Stop()

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry)
	dispatcher := tools.NewDispatcher(registry, emitter, logger)
	dispatcher.SetMasker(masking.NewService(logger))
	perms := permissions.NewManager(st, cfg.Permissions.AutoApprove, logger)
	graphService := graph.NewService(st, emitter, logger)

	window := &contextwindow.Builder{
		RepoMap:                  tools.NewRepoMapper(),
		Decisions:                graphService,
		MaxRepoMapTokens:         cfg.Context.MaxRepoMapTokens,
		MaxDecisionContextTokens: cfg.Context.MaxDecisionContextTokens,
		ReservedOutput:           cfg.Context.ReservedOutputTokens,
		Logger:                   logger,
	}

	// The LLM service is a sidecar owning provider credentials; the
	// core only speaks its JSON contract.
	llmURL := getEnv("LOOM_LLM_SERVICE_URL", "http://localhost:8751")
	transport := llm.NewHTTPTransport(llmURL)
	logger.Info("LLM transport initialized", "url", llmURL)

	manager := engine.NewManager(engine.ManagerConfig{
		Store:       st,
		Bus:         eventBus,
		Telemetry:   emitter,
		Transport:   transport,
		Dispatcher:  dispatcher,
		Permissions: perms,
		Window:      window,
		Logger:      logger,
	})

	pipeline := architect.New(architect.Config{
		PlanModel: llm.ParseModelSpec(cfg.Model.Architect),
		EditModel: llm.ParseModelSpec(cfg.Model.Editor),
		Store:     st,
		Bus:       eventBus,
		Telemetry: emitter,
		Transport: transport,
		Registry:  registry,
		Logger:    logger,
	})

	server := api.NewServer(api.Config{
		Store:     st,
		Manager:   manager,
		Graph:     graphService,
		Telemetry: aggregator,
		Bus:       eventBus,
		Architect: pipeline,
		Logger:    logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(*addr); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// Engines first so their final writes land before the store closes.
	manager.Shutdown(context.Background())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Shutdown complete")
}
