// Package main provides the indexer entry point: one live and one historic
// indexing loop per enabled chain.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/position-indexer/internal/adapter"
	"github.com/position-indexer/internal/config"
	"github.com/position-indexer/internal/fetcher"
	"github.com/position-indexer/internal/logging"
	"github.com/position-indexer/internal/retry"
	"github.com/position-indexer/internal/storage"
	"github.com/position-indexer/internal/types"
	"github.com/position-indexer/internal/worker"
)

// chainResources are closed on shutdown, after every runner has returned
type chainResources struct {
	db     *storage.PostgresDB
	client *adapter.Client
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Indexer stopped with error")
		os.Exit(1)
	}
	logger.Info("Indexer stopped. Goodbye!")
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	supervisor := worker.NewSupervisor(64, cfg.Indexer.HealthSummaryInterval, logger)

	var resources []chainResources
	defer func() {
		for _, r := range resources {
			r.db.Close()
			r.client.Close()
		}
	}()

	var runners []*worker.Runner
	for _, name := range cfg.Chains.Enabled {
		chain := types.ChainID(name)
		runner, res, err := buildChain(ctx, cfg, chain, supervisor.Reporter(), logger)
		if res.db != nil {
			resources = append(resources, res)
		}
		if err != nil {
			return fmt.Errorf("failed to set up chain %s: %w", chain, err)
		}
		runners = append(runners, runner)
		logger.WithField("chain", name).Info("Chain runner ready")
	}

	g, gCtx := errgroup.WithContext(ctx)
	supCtx, stopSupervisor := context.WithCancel(context.Background())
	supDone := make(chan struct{})
	go func() {
		defer close(supDone)
		_ = supervisor.Run(supCtx)
	}()

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.WithField("addr", cfg.Metrics.Addr).Info("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	for _, runner := range runners {
		g.Go(func() error { return runner.Run(gCtx) })
	}

	logger.WithField("chains", len(runners)).Info("All chain runners started")
	err := g.Wait()

	// runners have returned, so nothing reports any more
	stopSupervisor()
	<-supDone
	return err
}

func buildChain(ctx context.Context, cfg *config.Config, chain types.ChainID, reporter worker.Reporter, logger *logging.Logger) (*worker.Runner, chainResources, error) {
	chainCfg := cfg.Chains.Chains[string(chain)]
	schema := chain.SchemaName()

	if cfg.Database.MigrationsEnabled {
		if err := storage.RunMigrations(ctx, cfg.Database.URL, schema); err != nil {
			return nil, chainResources{}, err
		}
	}

	db, err := storage.NewPostgresDB(ctx, &storage.PostgresConfig{
		URL:            cfg.Database.URL,
		Schema:         schema,
		PoolSize:       chainCfg.PoolSize,
		AcquireTimeout: cfg.Database.AcquireTimeout,
	})
	if err != nil {
		return nil, chainResources{}, err
	}

	client, err := adapter.NewChainClient(ctx, chain, chainCfg, logger)
	if err != nil {
		db.Close()
		return nil, chainResources{}, err
	}
	res := chainResources{db: db, client: client}

	jobs := storage.NewJobRepository(db)
	logs := storage.NewLogRepository(db)
	checkpoints := storage.NewCheckpointRepository(db)
	holder := &worker.WatchIndexHolder{}
	poll := retry.PollConfig{
		InitialDelay: cfg.Indexer.BlockWaitInitialDelay,
		MaxDelay:     cfg.Indexer.BlockWaitMaxDelay,
		Multiplier:   2,
	}

	live, err := worker.NewLiveIndexer(&worker.LiveIndexerConfig{
		Chain:       chain,
		Processor:   worker.NewBlockProcessor(chain, client, holder, logger),
		Waiter:      worker.NewBlockWaiter(chain, client, poll, logger),
		Head:        client,
		Logs:        logs,
		Checkpoints: checkpoints,
		BatchSize:   cfg.Indexer.BatchSize,
		Backoff:     poll,
		Reporter:    reporter,
		Logger:      logger,
	})
	if err != nil {
		return nil, res, err
	}

	historic, err := worker.NewHistoricIndexer(&worker.HistoricIndexerConfig{
		Chain: chain,
		Jobs:  jobs,
		Logs:  logs,
		Fetcher: fetcher.NewRangeFetcher(client, chain,
			fetcher.WithRequestTimeout(cfg.Indexer.RPCRequestTimeout),
			fetcher.WithLogger(logger),
		),
		Selector:             worker.LargestGroupSelector{BatchSize: cfg.Indexer.HistoricAddressBatchSize},
		MaxConcurrentBatches: cfg.Indexer.MaxConcurrentBatches,
		IdleInterval:         cfg.Indexer.HistoricIdleInterval,
		HeartbeatInterval:    cfg.Indexer.HistoricHeartbeat,
		Backoff:              poll,
		Reporter:             reporter,
		Logger:               logger,
	})
	if err != nil {
		return nil, res, err
	}

	refresher, err := worker.NewIndexRefresher(&worker.IndexRefresherConfig{
		Chain:    chain,
		Jobs:     jobs,
		Holder:   holder,
		Interval: cfg.Indexer.WatchIndexRefresh,
		OnTick: func() {
			if client.TryResetToPrimary() {
				logger.WithField("chain", string(chain)).Info("Switched back to primary RPC endpoint")
			}
		},
		Logger: logger,
	})
	if err != nil {
		return nil, res, err
	}

	runner, err := worker.NewRunner(&worker.RunnerConfig{
		Chain:     chain,
		Refresher: refresher,
		Live:      live,
		Historic:  historic,
		Extra: []worker.Service{
			storage.NewPoolMonitor(chain, db, cfg.Database.MonitorInterval, logger),
		},
		Backoff:  poll,
		Reporter: reporter,
		Logger:   logger,
	})
	return runner, res, err
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
