package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vesis/internal/config"
	"vesis/internal/host"
	"vesis/internal/ingestion"
	"vesis/internal/metrics"
	"vesis/internal/persistence"
	"vesis/internal/pricing"
	"vesis/internal/symbiosis"
	"vesis/pkg/chain/ethereum"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	flag.Parse()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		// .env file is optional
		log.Debug().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logging
	setupLogging(cfg.Logging)
	log.Info().Msg("Starting veSIS position tracker")

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("Application error")
	}

	log.Info().Msg("Tracker shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	// Initialize metrics
	m := metrics.New()
	if cfg.Metrics.Enabled {
		if err := m.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			m.Shutdown(shutdownCtx)
		}()
		log.Info().Int("port", cfg.Metrics.Port).Msg("Metrics server started")
	}

	// Initialize persistence
	store, err := persistence.NewStore(cfg.Persistence.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info().Str("path", cfg.Persistence.SQLitePath).Msg("SQLite initialized")

	// Initialize RPC client
	client, err := ethereum.NewClient(cfg.Chain.RPCURL,
		ethereum.WithRateLimit(cfg.Chain.RequestsPerSec),
		ethereum.WithRetry(cfg.Chain.MaxTries, cfg.Chain.RetryDelay),
		ethereum.WithMulticallAddress(common.HexToAddress(cfg.Contracts.Multicall3)),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return err
	}
	if chainID.Int64() != cfg.Chain.ChainID {
		log.Warn().
			Int64("expected", cfg.Chain.ChainID).
			Int64("actual", chainID.Int64()).
			Msg("RPC endpoint serves a different chain")
	}
	log.Info().Int64("chain_id", chainID.Int64()).Msg("RPC client connected")

	prices, err := pricing.FromConfig(cfg.Pricing)
	if err != nil {
		return err
	}

	reader := ethereum.NewReader(client)
	module := symbiosis.NewVeSIS(symbiosis.Addresses{
		SIS:   common.HexToAddress(cfg.Contracts.SIS),
		VeSIS: common.HexToAddress(cfg.Contracts.VeSIS),
	})

	runner := host.NewRunner(
		host.Config{
			Users:           cfg.UserAddresses(),
			Interval:        cfg.Refresh.Interval,
			EveryBlocks:     cfg.Refresh.EveryBlocks,
			UserConcurrency: cfg.Refresh.UserConcurrency,
			Timeout:         cfg.Refresh.Timeout,
		},
		module,
		reader,
		host.NewResolver(reader, prices),
		store,
		m,
	)
	runner.SetBlockSource(client)

	// Start all services
	g, gCtx := errgroup.WithContext(ctx)

	var blocks <-chan uint64
	if cfg.Chain.WSURL != "" {
		ingestionSvc := ingestion.NewService(cfg.Chain.WSURL, m)
		blocks = ingestionSvc.Blocks()

		// Interval refreshes keep running when the head subscription gives up
		g.Go(func() error {
			log.Info().Msg("Starting ingestion service...")
			if err := ingestionSvc.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Ingestion service stopped, block-triggered refreshes disabled")
			}
			return nil
		})
	}

	g.Go(func() error {
		return runner.Run(gCtx, blocks)
	})

	// Wait for all goroutines
	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}

	return nil
}

func setupLogging(cfg config.LoggingConfig) {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}
