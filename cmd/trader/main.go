// Command trader launches the live trading runtime: venue adapters, the
// execution engine, and the ticker aggregation loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tradekit/tradekit/config"
	"github.com/tradekit/tradekit/internal/engine"
	"github.com/tradekit/tradekit/internal/exchange"
	"github.com/tradekit/tradekit/internal/exchange/binance"
	"github.com/tradekit/tradekit/internal/exchange/bittrex"
	"github.com/tradekit/tradekit/internal/exchange/gdax"
	"github.com/tradekit/tradekit/internal/exchange/kraken"
	"github.com/tradekit/tradekit/internal/exchange/kucoin"
	"github.com/tradekit/tradekit/internal/exchange/poloniex"
	"github.com/tradekit/tradekit/internal/observability"
	"github.com/tradekit/tradekit/internal/persistence/migrations"
	"github.com/tradekit/tradekit/internal/persistence/postgres"
	"github.com/tradekit/tradekit/internal/registry"
	"github.com/tradekit/tradekit/internal/tickers"
	"github.com/tradekit/tradekit/lib/telemetry"
)

const (
	defaultConfigPath = "config/app.yaml"
	shutdownTimeout   = 10 * time.Second
	tickerInterval    = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", defaultConfigPath, "Path to the application configuration")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	observability.SetLogger(observability.NewLogrusLogger(cfg.Logging.Level, cfg.Logging.Format))
	log := observability.Log()

	if cfg.Telemetry.EnableMetrics {
		provider, shutdown, err := telemetry.Init(ctx, telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			ServiceName:  cfg.Telemetry.ServiceName,
		})
		if err != nil {
			return fmt.Errorf("initialise telemetry: %w", err)
		}
		observability.SetMetrics(observability.NewOTelMetrics(provider.Meter("tradekit")))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Warn("telemetry shutdown", observability.F("error", err.Error()))
			}
		}()
	}

	dsn := cfg.Database.DSN()
	if err := migrations.Apply(ctx, dsn); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := postgres.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()
	store := postgres.New(pool)

	adapters := buildAdapters(cfg)
	if len(adapters) == 0 {
		return fmt.Errorf("no venue credentials configured")
	}
	log.Info("adapters configured", observability.F("count", len(adapters)))

	eng := engine.New(store.Orders, engine.Config{
		Workers:      cfg.Engine.Workers,
		MaxPolls:     cfg.Engine.MaxPolls,
		PollInterval: cfg.Engine.PollInterval,
	})
	if err := eng.Reconcile(ctx, adapters); err != nil {
		log.Warn("boot reconcile", observability.F("error", err.Error()))
	}

	recorder := tickers.NewRecorder(tickers.NewService(len(adapters)), store.Tickers)
	sources := make([]tickers.Source, 0, len(adapters))
	for _, adapter := range adapters {
		sources = append(sources, adapter)
	}

	log.Info("trader started", observability.F("environment", cfg.Environment))
	ticker := time.NewTicker(tickerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("trader stopping")
			return nil
		case <-ticker.C:
			batch := recorder.FetchLatestTickers(ctx, sources...)
			log.Debug("ticker sweep", observability.F("tickers", len(batch)))
		}
	}
}

func buildAdapters(cfg config.AppConfig) map[string]exchange.Adapter {
	pairs := registry.DefaultExchangePairs()
	adapters := make(map[string]exchange.Adapter)
	for venue, creds := range cfg.VenueCredentials() {
		switch venue {
		case exchange.Binance:
			adapters[venue] = binance.New(creds, pairs)
		case exchange.Bittrex:
			adapters[venue] = bittrex.New(creds, pairs)
		case exchange.Gdax:
			adapters[venue] = gdax.New(creds, pairs)
		case exchange.Kraken:
			adapters[venue] = kraken.New(creds, pairs)
		case exchange.Kucoin:
			adapters[venue] = kucoin.New(creds, pairs)
		case exchange.Poloniex:
			adapters[venue] = poloniex.New(creds, pairs)
		default:
			observability.Log().Warn("unknown venue in credentials",
				observability.F("exchange", venue))
		}
	}
	return adapters
}
