package poloniex

import (
	"testing"
	"time"

	"github.com/tradekit/tradekit/errs"
	"github.com/tradekit/tradekit/internal/exchange"
	"github.com/tradekit/tradekit/internal/registry"
	"github.com/tradekit/tradekit/internal/schema"
)

func TestNonceStrictlyIncreasing(t *testing.T) {
	frozen := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a := New(exchange.Credentials{}, registry.DefaultExchangePairs(),
		WithClock(func() time.Time { return frozen }))

	// A frozen clock must still yield distinct, increasing nonces.
	prev := a.nextNonce()
	for i := 0; i < 100; i++ {
		next := a.nextNonce()
		if next <= prev {
			t.Fatalf("nonce %d not greater than %d", next, prev)
		}
		prev = next
	}
}

func TestCurrencyPairSpelling(t *testing.T) {
	pair := schema.MustPair("BTC", "ARK")
	if got := currencyPair(pair); got != "BTC_ARK" {
		t.Fatalf("currencyPair = %q, want BTC_ARK", got)
	}
	a := New(exchange.Credentials{}, registry.DefaultExchangePairs())
	parsed, ok := a.pairForName("BTC_ARK")
	if !ok {
		t.Fatal("BTC_ARK not recognised")
	}
	if parsed != pair {
		t.Fatalf("parsed = %v, want %v", parsed, pair)
	}
	if _, ok := a.pairForName("BTC_DOGE"); ok {
		t.Fatal("unsupported pair accepted")
	}
}

func TestVenueErrorMapping(t *testing.T) {
	if err := venueError("Not enough BTC."); !errs.InsufficientBalance(err) {
		t.Fatalf("insufficient funds not canonical: %v", err)
	}
	if err := venueError("Invalid order number, or you are not the person who placed the order."); !errs.OrderClosed(err) {
		t.Fatalf("invalid order number not order-closed: %v", err)
	}
	if err := venueError("Total must be at least 0.0001."); errs.CanonicalOf(err) != errs.CanonicalMinimumSize {
		t.Fatalf("minimum size not canonical: %v", err)
	}
}
