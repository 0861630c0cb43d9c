package exchange

import (
	"sync"
	"time"

	"github.com/tradekit/tradekit/internal/schema"
)

// Caches holds the per-adapter ticker and balance snapshots behind a read
// lock. Live adapters embed it; Fetch* methods write, Get* methods read.
type Caches struct {
	exchange string

	mu       sync.RWMutex
	tickers  map[string]schema.Ticker // keyed by underscore pair form
	balances map[string]schema.Balance
}

// NewCaches constructs empty caches for the named exchange.
func NewCaches(exchange string) Caches {
	return Caches{
		exchange: exchange,
		tickers:  make(map[string]schema.Ticker),
		balances: make(map[string]schema.Balance),
	}
}

// StoreTickers replaces cached entries for the given tickers.
func (c *Caches) StoreTickers(tickers []schema.Ticker) {
	c.mu.Lock()
	for _, ticker := range tickers {
		c.tickers[ticker.Pair.Underscore()] = ticker
	}
	c.mu.Unlock()
}

// Ticker reads one cached ticker by any canonical pair spelling.
func (c *Caches) Ticker(pairName string) (schema.Ticker, bool) {
	pair, err := schema.ParsePair(pairName)
	if err != nil {
		return schema.Ticker{}, false
	}
	c.mu.RLock()
	ticker, ok := c.tickers[pair.Underscore()]
	c.mu.RUnlock()
	return ticker, ok
}

// Tickers copies the ticker cache keyed by underscore pair form.
func (c *Caches) Tickers() map[string]schema.Ticker {
	c.mu.RLock()
	out := make(map[string]schema.Ticker, len(c.tickers))
	for key, ticker := range c.tickers {
		out[key] = ticker
	}
	c.mu.RUnlock()
	return out
}

// StoreBalances replaces the balance cache.
func (c *Caches) StoreBalances(balances map[string]schema.Balance) {
	c.mu.Lock()
	c.balances = make(map[string]schema.Balance, len(balances))
	for currency, balance := range balances {
		c.balances[schema.AliasCurrency(currency)] = balance
	}
	c.mu.Unlock()
}

// Balance reads one cached balance; unknown currencies return a zero-valued
// balance, never a missing value.
func (c *Caches) Balance(currency string) schema.Balance {
	normalized := schema.AliasCurrency(currency)
	c.mu.RLock()
	balance, ok := c.balances[normalized]
	c.mu.RUnlock()
	if !ok {
		return schema.ZeroBalance(c.exchange, normalized, time.Now())
	}
	return balance
}
