package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tradeguard/resilience/internal/config"
	"github.com/tradeguard/resilience/internal/ingest"
	httpserver "github.com/tradeguard/resilience/internal/interfaces/http"
	"github.com/tradeguard/resilience/internal/notify"
	"github.com/tradeguard/resilience/internal/persistence"
	"github.com/tradeguard/resilience/internal/persistence/memory"
	"github.com/tradeguard/resilience/internal/persistence/postgres"
	"github.com/tradeguard/resilience/internal/provider"
	"github.com/tradeguard/resilience/internal/resilience"
	"github.com/tradeguard/resilience/internal/risk"
	"github.com/tradeguard/resilience/internal/scheduler"
	"github.com/tradeguard/resilience/internal/telemetry"
)

const (
	appName = "tradeguard"
	version = "v1.2.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Resilience and risk-control core for trading infrastructure",
		Version: version,
		Long: `tradeguard tracks upstream data provider health, trips per-provider
circuit breakers, arbitrates the system operating mode, and exposes an
emergency killswitch driven by operator action or computed portfolio risk.`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the resilience core service",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "Path to YAML configuration file")
	serveCmd.Flags().String("addr", "", "Listen address (overrides config)")
	serveCmd.Flags().String("store", "", "Storage driver: memory or postgres (overrides config)")
	serveCmd.Flags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	addr, _ := cmd.Flags().GetString("addr")
	driver, _ := cmd.Flags().GetString("store")
	debug, _ := cmd.Flags().GetBool("debug")

	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if driver != "" {
		cfg.Storage.Driver = driver
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	publisher, closePublisher, err := openPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	metrics := telemetry.New()
	registry := provider.NewRegistry(store, provider.BreakerPolicy{
		TripThreshold: cfg.Breaker.TripThreshold,
		AutoTrip:      cfg.Breaker.AutoTrip,
	})
	machine := resilience.NewStateMachine(store, registry, publisher, metrics)
	killswitch := risk.NewKillswitch(store, publisher, metrics)

	if err := seed(ctx, cfg, registry, killswitch); err != nil {
		return err
	}

	samples := ingest.NewSampleSink(registry, machine, metrics)
	portfolio := ingest.NewPortfolioSink(killswitch)
	loop := scheduler.New(machine, cfg.Evaluator.Interval)

	var wg sync.WaitGroup
	for _, run := range []func(context.Context){samples.Run, portfolio.Run, loop.Run} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(run)
	}

	server := httpserver.NewServer(httpserver.Config{
		Addr:           cfg.Server.Addr,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, registry, machine, killswitch, samples, portfolio, metrics)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	log.Info().Str("version", version).Str("store", cfg.Storage.Driver).Msg("tradeguard started")

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		stop()
		wg.Wait()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	wg.Wait()
	log.Info().Msg("tradeguard stopped")
	return nil
}

func openStore(cfg *config.Config) (persistence.Store, func(), error) {
	switch cfg.Storage.Driver {
	case "postgres":
		store, err := postgres.Open(cfg.Storage.DSN, cfg.Storage.QueryTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Warn().Err(err).Msg("postgres close failed")
			}
		}, nil
	default:
		return memory.NewStore(), func() {}, nil
	}
}

func openPublisher(ctx context.Context, cfg *config.Config) (notify.Publisher, func(), error) {
	if cfg.Redis.Addr == "" {
		return notify.Nop{}, func() {}, nil
	}
	publisher, err := notify.NewRedisPublisher(ctx, cfg.Redis.Addr, cfg.Redis.Timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return publisher, func() {
		if err := publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close failed")
		}
	}, nil
}

// seed registers configured providers and applies configured risk limits on
// a fresh store. Both paths are idempotent across restarts.
func seed(ctx context.Context, cfg *config.Config, registry *provider.Registry, killswitch *risk.Killswitch) error {
	for _, p := range cfg.Providers {
		if _, err := registry.Register(ctx, p.Name, p.Priority); err != nil {
			return fmt.Errorf("register provider %s: %w", p.Name, err)
		}
	}

	rec, err := killswitch.State(ctx)
	if err != nil {
		return err
	}
	if rec.Version == 0 {
		if _, err := killswitch.UpdateConfiguration(ctx, cfg.Risk.Limits, "config"); err != nil {
			return fmt.Errorf("seed risk limits: %w", err)
		}
	}
	return nil
}
