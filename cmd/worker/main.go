// Package main provides the entry point for the analysis service worker. It
// runs the workflow engine, the trigger event listener, and the operational
// HTTP server in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/entomex/analysis-service/internal/computation"
	"github.com/entomex/analysis-service/internal/config"
	"github.com/entomex/analysis-service/internal/database"
	"github.com/entomex/analysis-service/internal/events"
	"github.com/entomex/analysis-service/internal/observability"
	"github.com/entomex/analysis-service/internal/repository"
	httpserver "github.com/entomex/analysis-service/internal/server/http"
	"github.com/entomex/analysis-service/internal/workflow"
	"github.com/entomex/analysis-service/internal/workflows"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Set up structured logging.
	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger = logger.With().Str("component", "worker").Logger()
	logger.Info().Msg("analysis-service worker starting")

	// Set up context with graceful shutdown via OS signals.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL.
	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info().Msg("database connection established")

	// Run migrations if configured.
	if cfg.Database.MigrationAutoRun {
		migrator, err := database.NewMigrator(db, cfg.Database.MigrationPath, logger)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
		defer func() {
			if closeErr := migrator.Close(); closeErr != nil {
				logger.Error().Err(closeErr).Msg("failed to close migrator")
			}
		}()

		if err := migrator.Up(); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	// Create repositories.
	analysisRepo := repository.NewPgAnalysisRepository(db)
	caseRepo := repository.NewPgCaseRepository(db)
	auditRepo := repository.NewPgAuditRepository(db)
	workflowRepo := repository.NewPgWorkflowRepository(db)
	caseLocker := repository.NewPgCaseLocker(db)
	defer caseLocker.Close()

	// Create metrics.
	metrics := observability.NewMetrics("analysis_service")

	// Create the computation service client.
	computationClient := computation.NewClient(cfg.Computation, logger, metrics)
	logger.Info().Str("base_url", cfg.Computation.BaseURL).Msg("computation client created")

	// Create the workflow engine and register workflow definitions.
	engine := workflow.NewEngine(workflowRepo, caseLocker, workflow.Config{
		Workers:          cfg.Engine.Workers,
		PollInterval:     cfg.Engine.PollInterval,
		LeaseDuration:    cfg.Engine.LeaseDuration,
		MaxRetries:       cfg.Engine.MaxRetries,
		RetryBackoffBase: cfg.Engine.RetryBackoffBase,
	}, logger, metrics)

	deps := workflows.Deps{
		Analyses:          analysisRepo,
		Cases:             caseRepo,
		Audits:            auditRepo,
		Computation:       computationClient,
		Logger:            logger,
		Metrics:           metrics,
		UploadGracePeriod: cfg.Engine.UploadGracePeriod,
	}
	engine.Register(workflows.NewAnalysisDefinition(deps))
	engine.Register(workflows.NewRecalculationDefinition(deps))

	// Create the trigger event listener.
	listener := events.NewListener(cfg.Events, engine, logger, metrics)

	// Create the operational HTTP server.
	httpSrv := httpserver.NewServer(cfg.Server, cfg.Metrics, analysisRepo, db, logger)

	// Channel to collect component errors.
	errCh := make(chan error, 3)

	go func() {
		if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("workflow engine error: %w", err)
		}
	}()

	go func() {
		if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("event listener error: %w", err)
		}
	}()

	go func() {
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	logger.Info().
		Str("http_address", cfg.Server.HTTPAddress()).
		Str("events_topic", cfg.Events.Topic).
		Int("engine_workers", cfg.Engine.Workers).
		Msg("analysis-service is ready")

	// Wait for shutdown signal or component error.
	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("component error")
		return err
	}

	// Graceful shutdown.
	logger.Info().Msg("shutting down analysis-service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	logger.Info().Msg("analysis-service shutdown complete")
	return nil
}
