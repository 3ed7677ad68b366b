// Package main provides an ops tool to register watch jobs and inspect what
// the indexer has recorded for a user.
//
// Usage:
//
//	jobctl register -chain ethereum -file jobs.json [-block N]
//	jobctl lookup -chain ethereum -address 0x... [-refresh]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/position-indexer/internal/adapter"
	"github.com/position-indexer/internal/config"
	apperrors "github.com/position-indexer/internal/errors"
	"github.com/position-indexer/internal/logging"
	"github.com/position-indexer/internal/models"
	"github.com/position-indexer/internal/service"
	"github.com/position-indexer/internal/storage"
	"github.com/position-indexer/internal/types"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch os.Args[1] {
	case "register":
		err = register(ctx, cfg, os.Args[2:], logger)
	case "lookup":
		err = lookup(ctx, cfg, os.Args[2:], logger)
	default:
		usage()
	}
	if err != nil {
		logger.WithError(err).Error("jobctl failed")
		if apperrors.IsValidation(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: jobctl register|lookup [flags]")
	os.Exit(2)
}

func openChainDB(ctx context.Context, cfg *config.Config, chain types.ChainID) (*storage.PostgresDB, error) {
	return storage.NewPostgresDB(ctx, &storage.PostgresConfig{
		URL:            cfg.Database.URL,
		Schema:         chain.SchemaName(),
		PoolSize:       2,
		AcquireTimeout: cfg.Database.AcquireTimeout,
	})
}

func register(ctx context.Context, cfg *config.Config, args []string, logger *logging.Logger) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	chainFlag := fs.String("chain", "ethereum", "Chain the jobs belong to")
	fileFlag := fs.String("file", "", "JSON file holding an array of job requests")
	blockFlag := fs.Uint64("block", 0, "Backfill target block (default: current chain head)")
	_ = fs.Parse(args)

	chain := types.ChainID(*chainFlag)
	data, err := os.ReadFile(*fileFlag)
	if err != nil {
		return fmt.Errorf("failed to read job file: %w", err)
	}
	var requests []models.JobRequest
	if err := json.Unmarshal(data, &requests); err != nil {
		return fmt.Errorf("failed to decode job file: %w", err)
	}

	target := *blockFlag
	if target == 0 {
		chainCfg, ok := cfg.Chains.Chains[string(chain)]
		if !ok {
			return fmt.Errorf("chain %s is not configured", chain)
		}
		client, err := adapter.NewChainClient(ctx, chain, chainCfg, logger)
		if err != nil {
			return err
		}
		defer client.Close()
		if target, err = client.BlockNumber(ctx); err != nil {
			return fmt.Errorf("failed to read chain head: %w", err)
		}
	}

	db, err := openChainDB(ctx, cfg, chain)
	if err != nil {
		return err
	}
	defer db.Close()

	jobs := service.NewJobService(map[types.ChainID]service.JobRegistrar{
		chain: storage.NewJobRepository(db),
	}, logger)

	created, err := jobs.RegisterJobs(ctx, chain, requests, target)
	if err != nil {
		return err
	}
	fmt.Printf("registered %d of %d jobs on %s with target block %d\n", created, len(requests), chain, target)
	return nil
}

func lookup(ctx context.Context, cfg *config.Config, args []string, logger *logging.Logger) error {
	fs := flag.NewFlagSet("lookup", flag.ExitOnError)
	chainFlag := fs.String("chain", "ethereum", "Chain to query")
	addressFlag := fs.String("address", "", "User address")
	refreshFlag := fs.Bool("refresh", false, "Drop the cached result before looking up")
	_ = fs.Parse(args)

	chain := types.ChainID(*chainFlag)
	db, err := openChainDB(ctx, cfg, chain)
	if err != nil {
		return err
	}
	defer db.Close()

	middlewares := []service.Middleware{service.WithTiming(logger, cfg.Indexer.SlowLookupThreshold)}
	if redis, err := storage.NewRedisCache(ctx, &cfg.Redis); err != nil {
		logger.WithError(err).Warn("Redis unavailable, looking up without cache")
	} else {
		defer redis.Close()
		cache := storage.NewCacheService(redis)
		if *refreshFlag {
			if err := cache.Invalidate(ctx, cache.PoolFilterKey(*addressFlag, chain)); err != nil {
				return err
			}
		}
		middlewares = append(middlewares, service.WithCache(cache, cfg.Cache.TTL, logger))
	}

	filter := service.Chain(
		service.NewLogPoolFilter(map[types.ChainID]service.LogReader{chain: storage.NewLogRepository(db)}),
		middlewares...,
	)

	result, err := filter.Lookup(ctx, *addressFlag, chain)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
