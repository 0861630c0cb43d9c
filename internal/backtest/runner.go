package backtest

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/tradekit/tradekit/internal/exchange/sim"
	"github.com/tradekit/tradekit/internal/observability"
	"github.com/tradekit/tradekit/internal/schema"
)

// Feeder yields historical tickers in time order.
type Feeder interface {
	Next() (schema.Ticker, error)
}

// TickFunc observes each replayed ticker; returning an error stops the run.
type TickFunc func(ctx context.Context, ticker schema.Ticker) error

// Runner replays a feed into one simulated venue, advancing its clock to
// each ticker's event time so delayed deposits settle on schedule.
type Runner struct {
	venue *sim.Sim
}

// NewRunner builds a runner over the simulated venue.
func NewRunner(venue *sim.Sim) *Runner {
	return &Runner{venue: venue}
}

// Run pushes every ticker through the venue and invokes fn after each one.
// It returns the number of ticks replayed.
func (r *Runner) Run(ctx context.Context, feeder Feeder, fn TickFunc) (int, error) {
	ticks := 0
	started := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return ticks, err
		}
		ticker, err := feeder.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ticks, err
		}
		ticker.Exchange = r.venue.Name()
		r.venue.SetTicker(ticker)
		if !ticker.EventTime.IsZero() {
			r.venue.AdvanceClock(ticker.EventTime)
		}
		if fn != nil {
			if err := fn(ctx, ticker); err != nil {
				return ticks, err
			}
		}
		ticks++
	}
	observability.Log().Info("backtest replay finished",
		observability.F("ticks", ticks),
		observability.F("elapsed", time.Since(started).String()),
		observability.F("capital_gains", r.venue.CapitalGains().String()),
		observability.F("capital_losses", r.venue.CapitalLosses().String()))
	return ticks, nil
}
