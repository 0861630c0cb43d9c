package backtest

import (
	"context"
	"strings"
	"testing"

	"github.com/tradekit/tradekit/internal/exchange/sim"
	"github.com/tradekit/tradekit/internal/numeric"
	"github.com/tradekit/tradekit/internal/schema"
)

const sampleFeed = `timestamp,pair,bid,ask
1000000000,ARK_ETH,0.25,0.26
2000000000,ARK_ETH,0.27,0.28
3000000000,ARK_ETH,0.24,0.25
`

func TestCSVFeederParsesRows(t *testing.T) {
	feeder, err := NewCSVFeederFrom(strings.NewReader(sampleFeed))
	if err != nil {
		t.Fatalf("NewCSVFeederFrom: %v", err)
	}
	first, err := feeder.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first.Pair.Underscore() != "ARK_ETH" {
		t.Fatalf("pair = %s, want ARK_ETH", first.Pair.Underscore())
	}
	if got := first.Bid.String(); got != "0.25" {
		t.Fatalf("bid = %s, want 0.25", got)
	}
	if first.EventTime.UnixNano() != 1000000000 {
		t.Fatalf("event time = %d", first.EventTime.UnixNano())
	}
}

func TestCSVFeederRejectsShortRows(t *testing.T) {
	feeder, err := NewCSVFeederFrom(strings.NewReader("timestamp,pair,bid\n1,ARK_ETH,0.25\n"))
	if err != nil {
		t.Fatalf("NewCSVFeederFrom: %v", err)
	}
	if _, err := feeder.Next(); err == nil {
		t.Fatal("expected error for short row")
	}
}

func TestRunnerReplaysFeedIntoVenue(t *testing.T) {
	feeder, err := NewCSVFeederFrom(strings.NewReader(sampleFeed))
	if err != nil {
		t.Fatalf("NewCSVFeederFrom: %v", err)
	}
	venue := sim.New(sim.Config{Name: "sim", TradeFee: numeric.MustParse("0.002")}, sim.NewNetwork())
	venue.Fund("ETH", numeric.FromInt(10))

	var seen []schema.Ticker
	ticks, err := NewRunner(venue).Run(context.Background(), feeder,
		func(_ context.Context, ticker schema.Ticker) error {
			seen = append(seen, ticker)
			return nil
		})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ticks != 3 || len(seen) != 3 {
		t.Fatalf("ticks = %d, seen = %d, want 3", ticks, len(seen))
	}
	latest, ok := venue.GetTicker("ARK_ETH")
	if !ok {
		t.Fatal("venue missing replayed ticker")
	}
	if got := latest.Bid.String(); got != "0.24" {
		t.Fatalf("latest bid = %s, want 0.24", got)
	}
	if latest.Exchange != "sim" {
		t.Fatalf("exchange = %s, want sim", latest.Exchange)
	}
}
