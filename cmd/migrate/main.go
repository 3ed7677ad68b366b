// Package main provides a CLI tool for running the per-chain schema migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/position-indexer/internal/config"
	"github.com/position-indexer/internal/logging"
	"github.com/position-indexer/internal/storage"
	"github.com/position-indexer/internal/types"
)

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, version")
		chain  = flag.String("chain", "", "Chain to migrate (default: every enabled chain)")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	chains := cfg.Chains.Enabled
	if *chain != "" {
		chains = []string{*chain}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	for _, name := range chains {
		if err := runMigrations(ctx, cfg, types.ChainID(name), *action, logger); err != nil {
			logger.WithField("chain", name).Fatalf("Migration failed: %v", err)
		}
	}
}

func runMigrations(ctx context.Context, cfg *config.Config, chain types.ChainID, action string, logger *logging.Logger) error {
	schema := chain.SchemaName()
	logger = logger.WithFields(map[string]interface{}{"chain": string(chain), "schema": schema})

	switch action {
	case "up":
		logger.Info("Running migrations...")
		if err := storage.RunMigrations(ctx, cfg.Database.URL, schema); err != nil {
			return err
		}
		logger.Info("Migrations completed successfully")

	case "version":
		version, dirty, err := storage.MigrationVersion(ctx, cfg.Database.URL, schema)
		if err != nil {
			return err
		}
		logger.WithFields(map[string]interface{}{"version": version, "dirty": dirty}).Info("Current migration version")

	default:
		return fmt.Errorf("unknown action: %s (migrations are forward-only)", action)
	}

	return nil
}
