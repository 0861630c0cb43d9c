// Command backtest replays a historical ticker feed against a simulated
// venue and drives a strategy over it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tradekit/tradekit/internal/backtest"
	"github.com/tradekit/tradekit/internal/engine"
	"github.com/tradekit/tradekit/internal/exchange"
	"github.com/tradekit/tradekit/internal/exchange/sim"
	"github.com/tradekit/tradekit/internal/numeric"
	"github.com/tradekit/tradekit/internal/observability"
	"github.com/tradekit/tradekit/internal/schema"
	"github.com/tradekit/tradekit/internal/strategy"
)

const simVenue = "sim"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	dataPath := flag.String("data", "", "Path to the historical ticker file (CSV)")
	pairName := flag.String("pair", "", "Pair to trade, e.g. ARK_ETH")
	spend := flag.String("spend", "1", "Quote amount to spend on entry")
	trail := flag.String("trail", "0.05", "Trailing stop fraction, 0 < trail < 1")
	fee := flag.Float64("fee", 0.0025, "Simulated trade fee fraction")
	fundCurrency := flag.String("fund.currency", "ETH", "Currency to seed the simulated venue with")
	fundAmount := flag.String("fund.amount", "10", "Amount of the funding currency")
	logLevel := flag.String("log.level", "info", "Log level")
	flag.Parse()

	if *dataPath == "" {
		return fmt.Errorf("data path is required")
	}
	pair, err := schema.ParsePair(*pairName)
	if err != nil {
		return fmt.Errorf("parse pair: %w", err)
	}

	observability.SetLogger(observability.NewLogrusLogger(*logLevel, "text"))
	log := observability.Log()

	feeder, err := backtest.NewCSVFeeder(*dataPath)
	if err != nil {
		return fmt.Errorf("create csv feeder: %w", err)
	}
	defer feeder.Close()

	venue := sim.New(sim.Config{Name: simVenue, TradeFee: numeric.FromFloat(*fee)}, sim.NewNetwork())
	venue.Fund(*fundCurrency, numeric.MustParse(*fundAmount))

	props, err := json.Marshal(strategy.NewMarketProperties{
		Exchange:     simVenue,
		Pair:         pair,
		Spend:        numeric.MustParse(*spend),
		TrailPercent: numeric.MustParse(*trail),
	})
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}
	def := schema.Strategy{StrategyID: "backtest", Type: strategy.TypeNewMarket, Properties: props}
	execution := &schema.StrategyExecution{
		StrategyExecutionID: "backtest-1",
		StrategyID:          def.StrategyID,
		StartedAt:           time.Now().UTC(),
	}

	eng := engine.New(engine.NewMemoryWriter(), engine.Config{
		Workers:      2,
		MaxPolls:     3,
		PollInterval: time.Millisecond,
	})
	adapters := map[string]exchange.Adapter{simVenue: venue}
	s, err := strategy.NewMarketFrom(def, execution, eng, adapters, strategy.WithPause(time.Millisecond))
	if err != nil {
		return fmt.Errorf("build strategy: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	runner := backtest.NewRunner(venue)
	// Pace the replay so the strategy loop observes each tick.
	pace := func(ctx context.Context, _ schema.Ticker) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
			return nil
		}
	}
	ticks, err := runner.Run(ctx, feeder, pace)
	if err != nil {
		return fmt.Errorf("replay feed: %w", err)
	}

	// Give the strategy a moment to consume the final tick, then stop it.
	select {
	case err = <-done:
	case <-time.After(time.Second):
		cancel()
		err = <-done
	}
	if err != nil && ctx.Err() == nil {
		log.Warn("strategy finished with error", observability.F("error", err.Error()))
	}

	log.Info("backtest finished",
		observability.F("ticks", ticks),
		observability.F("final_state", execution.CurrentState),
		observability.F("capital_gains", venue.CapitalGains().String()),
		observability.F("capital_losses", venue.CapitalLosses().String()))
	return nil
}
