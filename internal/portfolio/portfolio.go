// Package portfolio partitions funds between strategies. All balances live in
// named portfolios; the reserved free_balances portfolio holds everything not
// allocated to a strategy. Every mutation moves value between portfolios and
// never creates or destroys it.
package portfolio

import (
	"context"
	"sync"

	"github.com/tradekit/tradekit/errs"
	"github.com/tradekit/tradekit/internal/numeric"
	"github.com/tradekit/tradekit/internal/observability"
	"github.com/tradekit/tradekit/internal/schema"
)

// AllocationRequest asks for a share of one (exchange, currency) bucket.
type AllocationRequest struct {
	Exchange string
	Currency string
}

// AllocationRules maps strategy type to the fraction of free balances an
// allocation takes. Fractions must lie in [0.01, 1.0].
type AllocationRules map[string]numeric.Amount

// DefaultAllocationRules returns the shipped per-strategy-type fractions.
func DefaultAllocationRules() AllocationRules {
	return AllocationRules{
		"newmarket": numeric.MustParse("0.05"),
	}
}

var (
	minPercent = numeric.MustParse("0.01")
	maxPercent = numeric.FromInt(1)
)

// Manager owns every portfolio. A single mutex serialises mutations;
// allocation is rare, so throughput is traded for an always-consistent view.
type Manager struct {
	mu         sync.Mutex
	rules      AllocationRules
	portfolios map[string]*schema.Portfolio
}

// NewManager seeds the manager with the free balances snapshot.
func NewManager(rules AllocationRules, free schema.BalanceMap) *Manager {
	root := schema.NewPortfolio(schema.FreeBalancesPortfolioID)
	root.Free = free.Clone()
	return &Manager{
		rules:      rules,
		portfolios: map[string]*schema.Portfolio{root.ID: root},
	}
}

// AllocatePortfolio moves percent_allocation of each requested bucket from
// free balances into a new portfolio keyed by strategyID. Nothing moves
// unless every request can be satisfied; nil means insufficient funds.
func (m *Manager) AllocatePortfolio(_ context.Context, strategyType, strategyID string, requests []AllocationRequest) (*schema.Portfolio, error) {
	percent, ok := m.rules[strategyType]
	if !ok {
		return nil, errs.New("portfolio", errs.CodeInvalid,
			errs.WithMessage("no allocation rule for strategy type "+strategyType))
	}
	if percent.LessThan(minPercent) || percent.GreaterThan(maxPercent) {
		return nil, errs.New("portfolio", errs.CodeInvalid,
			errs.WithMessage("allocation fraction out of range for "+strategyType))
	}
	seen := make(map[AllocationRequest]struct{}, len(requests))
	for _, req := range requests {
		if _, dup := seen[req]; dup {
			return nil, errs.New("portfolio", errs.CodeInvalid,
				errs.WithMessage("duplicate allocation request for "+req.Exchange+"/"+req.Currency))
		}
		seen[req] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.portfolios[strategyID]; exists {
		return nil, errs.New("portfolio", errs.CodeInvalid,
			errs.WithMessage("portfolio already exists for "+strategyID))
	}
	free := m.portfolios[schema.FreeBalancesPortfolioID]

	// Dry-run every bucket first so failure leaves no partial allocation.
	shares := make([]numeric.Amount, len(requests))
	for i, req := range requests {
		available := free.Free.Get(req.Exchange, req.Currency)
		share := available.Mul(percent)
		if share.Sign() <= 0 {
			observability.Log().Warn("allocation refused",
				observability.F("strategy_id", strategyID),
				observability.F("exchange", req.Exchange),
				observability.F("currency", req.Currency))
			return nil, nil
		}
		shares[i] = share
	}

	allocated := schema.NewPortfolio(strategyID)
	for i, req := range requests {
		remaining := free.Free.Get(req.Exchange, req.Currency).Sub(shares[i])
		free.Free.Set(req.Exchange, req.Currency, remaining)
		allocated.Free.Set(req.Exchange, req.Currency, shares[i])
	}
	m.portfolios[strategyID] = allocated
	return allocated.Clone(), nil
}

// GetPortfolio returns a copy of the named portfolio.
func (m *Manager) GetPortfolio(id string) (*schema.Portfolio, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.portfolios[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// UpdatePortfolio replaces the stored portfolio under its id.
func (m *Manager) UpdatePortfolio(p *schema.Portfolio) error {
	if p == nil || p.ID == "" {
		return errs.New("portfolio", errs.CodeInvalid, errs.WithMessage("portfolio missing id"))
	}
	m.mu.Lock()
	m.portfolios[p.ID] = p.Clone()
	m.mu.Unlock()
	return nil
}

// RemovePortfolio deletes the portfolio without returning its funds; callers
// that want the funds back compose ReleasePortfolio instead.
func (m *Manager) RemovePortfolio(id string) {
	if id == schema.FreeBalancesPortfolioID {
		return
	}
	m.mu.Lock()
	delete(m.portfolios, id)
	m.mu.Unlock()
}

// ReleasePortfolio folds a strategy portfolio's free and locked funds back
// into free balances and removes it.
func (m *Manager) ReleasePortfolio(id string) error {
	if id == schema.FreeBalancesPortfolioID {
		return errs.New("portfolio", errs.CodeInvalid,
			errs.WithMessage("cannot release free balances into itself"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.portfolios[id]
	if !ok {
		return errs.New("portfolio", errs.CodeNotFound, errs.WithMessage("no portfolio "+id))
	}
	free := m.portfolios[schema.FreeBalancesPortfolioID]
	merge := func(buckets schema.BalanceMap) {
		for exchange, currencies := range buckets {
			for currency, amount := range currencies {
				total := free.Free.Get(exchange, currency).Add(amount)
				free.Free.Set(exchange, currency, total)
			}
		}
	}
	merge(p.Free)
	merge(p.Locked)
	delete(m.portfolios, id)
	return nil
}

// TotalBalance sums free+locked for one (exchange, currency) across every
// portfolio. Conservation checks hang off this.
func (m *Manager) TotalBalance(exchange, currency string) numeric.Amount {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := numeric.Zero()
	for _, p := range m.portfolios {
		total = total.Add(p.Free.Get(exchange, currency))
		total = total.Add(p.Locked.Get(exchange, currency))
	}
	return total
}
