package kraken

import (
	"testing"

	"github.com/tradekit/tradekit/errs"
	"github.com/tradekit/tradekit/internal/schema"
)

func TestAssetTranslation(t *testing.T) {
	if got := assetFor("BTC"); got != "XBT" {
		t.Fatalf("assetFor(BTC) = %q, want XBT", got)
	}
	if got := currencyFor("XXBT"); got != "BTC" {
		t.Fatalf("currencyFor(XXBT) = %q, want BTC", got)
	}
	if got := currencyFor("ZEUR"); got != "EUR" {
		t.Fatalf("currencyFor(ZEUR) = %q, want EUR", got)
	}
	if got := currencyFor("XBT"); got != "BTC" {
		t.Fatalf("currencyFor(XBT) = %q, want BTC", got)
	}
	if got := krakenPair(schema.MustPair("BTC", "ETH")); got != "ETHXBT" {
		t.Fatalf("krakenPair = %q, want ETHXBT", got)
	}
}

func TestTickerLookupToleratesLegacyNames(t *testing.T) {
	pair := schema.MustPair("BTC", "ETH")
	result := map[string]tickerEntry{
		"XETHXXBT": {Ask: []string{"0.05"}, Bid: []string{"0.049"}, Last: []string{"0.0495"}},
	}
	entry, ok := lookupTicker(result, pair)
	if !ok {
		t.Fatal("legacy prefixed name not matched")
	}
	if entry.Ask[0] != "0.05" {
		t.Fatalf("ask = %q", entry.Ask[0])
	}
}

func TestVenueErrorMapping(t *testing.T) {
	if err := venueError("EOrder:Insufficient funds"); !errs.InsufficientBalance(err) {
		t.Fatalf("insufficient funds not canonical: %v", err)
	}
	if err := venueError("EOrder:Unknown order"); !errs.OrderClosed(err) {
		t.Fatalf("unknown order not order-closed: %v", err)
	}
	if err := venueError("EAPI:Rate limit exceeded"); errs.CodeOf(err) != errs.CodeRateLimited {
		t.Fatalf("rate limit not retryable code: %v", err)
	}
	if err := venueError("EService:Unavailable"); !errs.Retryable(err) {
		t.Fatalf("service unavailable must be retryable: %v", err)
	}
}
