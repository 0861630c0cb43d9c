package schema

import "github.com/tradekit/tradekit/internal/numeric"

// FreeBalancesPortfolioID identifies the designated portfolio holding the
// unallocated balance pool.
const FreeBalancesPortfolioID = "free_balances"

// BalanceMap keys amounts by exchange id then currency.
type BalanceMap map[string]map[string]numeric.Amount

// Get returns the amount for (exchange, currency), zero when absent.
func (m BalanceMap) Get(exchange, currency string) numeric.Amount {
	if currencies, ok := m[exchange]; ok {
		if amount, ok := currencies[currency]; ok {
			return amount
		}
	}
	return numeric.Zero()
}

// Set stores the amount for (exchange, currency), creating maps as needed.
func (m BalanceMap) Set(exchange, currency string, amount numeric.Amount) {
	currencies, ok := m[exchange]
	if !ok {
		currencies = make(map[string]numeric.Amount)
		m[exchange] = currencies
	}
	currencies[currency] = amount
}

// Clone deep-copies the map.
func (m BalanceMap) Clone() BalanceMap {
	out := make(BalanceMap, len(m))
	for exchange, currencies := range m {
		inner := make(map[string]numeric.Amount, len(currencies))
		for currency, amount := range currencies {
			inner[currency] = amount
		}
		out[exchange] = inner
	}
	return out
}

// Portfolio partitions balances for one strategy execution (or the free pool).
// Free is available to the owner; Locked is allocated but not yet traded.
type Portfolio struct {
	ID     string     `json:"portfolio_id"`
	Free   BalanceMap `json:"free"`
	Locked BalanceMap `json:"locked"`
}

// NewPortfolio constructs an empty portfolio.
func NewPortfolio(id string) *Portfolio {
	return &Portfolio{
		ID:     id,
		Free:   make(BalanceMap),
		Locked: make(BalanceMap),
	}
}

// Clone deep-copies the portfolio.
func (p *Portfolio) Clone() *Portfolio {
	if p == nil {
		return nil
	}
	return &Portfolio{ID: p.ID, Free: p.Free.Clone(), Locked: p.Locked.Clone()}
}
