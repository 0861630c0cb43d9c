package registry

import (
	"sort"

	"github.com/tradekit/tradekit/internal/schema"
)

// ExchangePairs is the per-venue allow-list of tradable pairs, populated once
// from discovery output so strategies avoid probing pairs a venue lacks.
type ExchangePairs struct {
	pairs map[string]map[string]schema.Pair // exchange -> underscore form -> pair
}

// NewExchangePairs builds an allow-list from pair spellings in any canonical
// form. Unparseable entries are skipped.
func NewExchangePairs(table map[string][]string) *ExchangePairs {
	pairs := make(map[string]map[string]schema.Pair, len(table))
	for exchange, names := range table {
		inner := make(map[string]schema.Pair, len(names))
		for _, name := range names {
			pair, err := schema.ParsePair(name)
			if err != nil {
				continue
			}
			inner[pair.Underscore()] = pair
		}
		pairs[exchange] = inner
	}
	return &ExchangePairs{pairs: pairs}
}

// Supported reports whether the pair trades on the exchange.
func (e *ExchangePairs) Supported(exchange string, pair schema.Pair) bool {
	if e == nil {
		return false
	}
	inner, ok := e.pairs[exchange]
	if !ok {
		return false
	}
	_, ok = inner[pair.Underscore()]
	return ok
}

// Pairs returns the allow-list for the exchange in a stable order.
func (e *ExchangePairs) Pairs(exchange string) []schema.Pair {
	if e == nil {
		return nil
	}
	inner, ok := e.pairs[exchange]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(inner))
	for key := range inner {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]schema.Pair, 0, len(keys))
	for _, key := range keys {
		out = append(out, inner[key])
	}
	return out
}

// DefaultExchangePairs ships the discovery snapshot of pair universes.
func DefaultExchangePairs() *ExchangePairs {
	return NewExchangePairs(map[string][]string{
		"binance": {
			"ETH/BTC", "LTC/BTC", "BCH/BTC", "XRP/BTC", "NANO/BTC",
			"ARK/BTC", "ARK/ETH", "NANO/ETH", "BTC/USDT", "ETH/USDT",
		},
		"bittrex": {
			"ETH/BTC", "LTC/BTC", "BCH/BTC", "XRP/BTC", "ARK/BTC", "ARK/ETH",
		},
		"gdax": {
			"BTC/USD", "ETH/USD", "LTC/USD", "BCH/USD", "ETH/BTC", "LTC/BTC",
		},
		"kraken": {
			"ETH/BTC", "LTC/BTC", "BCH/BTC", "XRP/BTC", "NANO/BTC", "BTC/EUR", "ETH/EUR",
		},
		"kucoin": {
			"ETH/BTC", "LTC/BTC", "BCH/BTC", "NANO/BTC", "NANO/ETH", "KCS/BTC",
		},
		"poloniex": {
			"ETH/BTC", "LTC/BTC", "BCH/BTC", "XRP/BTC", "ARK/BTC",
		},
	})
}
