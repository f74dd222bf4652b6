// Command migrate manages the PostgreSQL schema of the analysis service.
//
// Usage:
//
//	migrate [-path DIR] up              apply all pending migrations
//	migrate [-path DIR] down            roll back all migrations
//	migrate [-path DIR] steps N         apply N steps (negative rolls back)
//	migrate [-path DIR] version         print the current version
//	migrate [-path DIR] force V         set the version without migrating
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/entomex/analysis-service/internal/config"
	"github.com/entomex/analysis-service/internal/database"
	"github.com/entomex/analysis-service/internal/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	migrationsPath := flag.String("path", "", "Override the migrations directory path")
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		flag.Usage()
		return fmt.Errorf("no command given, expected one of: up, down, steps, version, force")
	}

	var arg int
	switch command {
	case "up", "down", "version":
	case "steps", "force":
		n, err := strconv.Atoi(flag.Arg(1))
		if err != nil {
			return fmt.Errorf("%s requires a numeric argument: %w", command, err)
		}
		arg = n
	default:
		return fmt.Errorf("unknown command %q, expected one of: up, down, steps, version, force", command)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		AddSource:  false,
		TimeFormat: time.RFC3339,
	})
	logger = logger.With().Str("component", "migrate").Logger()

	migrationDir := cfg.Database.MigrationPath
	if *migrationsPath != "" {
		migrationDir = *migrationsPath
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	migrator, err := database.NewMigrator(db, migrationDir, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close migrator")
		}
	}()

	switch command {
	case "up":
		if err := migrator.Up(); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
	case "down":
		if err := migrator.Down(); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
	case "steps":
		if err := migrator.Steps(arg); err != nil {
			return fmt.Errorf("migrate steps: %w", err)
		}
	case "force":
		logger.Warn().Int("version", arg).Msg("forcing migration version")
		if err := migrator.Force(arg); err != nil {
			return fmt.Errorf("force version: %w", err)
		}
	case "version":
	}

	printVersion(migrator, logger)
	return nil
}

// printVersion logs the schema version the database now sits at.
func printVersion(migrator *database.Migrator, logger zerolog.Logger) {
	v, dirty, err := migrator.Version()
	if err != nil {
		logger.Warn().Err(err).Msg("could not determine migration version")
		return
	}
	logger.Info().
		Uint("version", v).
		Bool("dirty", dirty).
		Msg("current migration version")
}
