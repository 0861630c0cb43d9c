// Package sim implements an in-process exchange used for backtests and
// strategy tests. Limit orders fill instantly at their limit price, balances
// are plain maps, and inter-exchange transfers settle through a delayed
// deposit queue driven by an explicit clock. The adapter is single-threaded
// by convention; callers serialise access themselves.
package sim

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/tradekit/tradekit/errs"
	"github.com/tradekit/tradekit/internal/exchange"
	"github.com/tradekit/tradekit/internal/numeric"
	"github.com/tradekit/tradekit/internal/registry"
	"github.com/tradekit/tradekit/internal/schema"
)

// epsilon absorbs scale-15 rounding residue when checking that a debit does
// not overdraw a balance.
var epsilon = numeric.MustParse("0.000001")

// Config parameterises one simulated venue.
type Config struct {
	// Name is the registry key the venue answers to, e.g. "sim_binance".
	Name string
	// TradeFee is the proportional taker fee, e.g. 0.002.
	TradeFee numeric.Amount
	// MinNotional rejects orders whose amount*price falls below it.
	MinNotional numeric.Amount
	// SettlementDelay is how long a withdrawal takes to arrive.
	SettlementDelay time.Duration
	// WithdrawalFees resolves per-currency withdrawal fees; nil falls back
	// to the default registry.
	WithdrawalFees *registry.WithdrawalFees
	// FeeExchange is the exchange key used for withdrawal fee lookups when
	// the simulated venue mirrors a live one; empty uses Name.
	FeeExchange string
}

// Network connects simulated venues so withdrawals can settle on a peer.
// Venues reference each other by registry key, never by pointer escape.
type Network struct {
	venues map[string]*Sim
}

// NewNetwork returns an empty venue registry.
func NewNetwork() *Network {
	return &Network{venues: make(map[string]*Sim)}
}

// Add registers a venue under its name.
func (n *Network) Add(s *Sim) {
	n.venues[s.name] = s
}

// Lookup resolves a venue by registry key.
func (n *Network) Lookup(name string) (*Sim, bool) {
	s, ok := n.venues[name]
	return s, ok
}

// Sim is one simulated exchange.
type Sim struct {
	name            string
	tradeFee        numeric.Amount
	minNotional     numeric.Amount
	settlementDelay time.Duration
	fees            *registry.WithdrawalFees
	feeExchange     string
	network         *Network

	now      time.Time
	seq      int
	balances map[string]numeric.Amount
	tickers  map[string]schema.Ticker // keyed by underscore pair form
	orders   map[string]schema.Order  // terminal snapshots by exchange order id

	// lastBuyPrice tracks the most recent buy price per pair so sells can
	// book realised capital gains and losses.
	lastBuyPrice  map[string]numeric.Amount
	capitalGains  numeric.Amount
	capitalLosses numeric.Amount

	deposits depositQueue
}

// New constructs a simulated venue attached to the given network.
func New(cfg Config, network *Network) *Sim {
	if cfg.Name == "" {
		cfg.Name = exchange.Sim
	}
	if cfg.WithdrawalFees == nil {
		cfg.WithdrawalFees = registry.DefaultWithdrawalFees()
	}
	if cfg.FeeExchange == "" {
		cfg.FeeExchange = cfg.Name
	}
	s := &Sim{
		name:            cfg.Name,
		tradeFee:        cfg.TradeFee,
		minNotional:     cfg.MinNotional,
		settlementDelay: cfg.SettlementDelay,
		fees:            cfg.WithdrawalFees,
		feeExchange:     cfg.FeeExchange,
		network:         network,
		balances:        make(map[string]numeric.Amount),
		tickers:         make(map[string]schema.Ticker),
		orders:          make(map[string]schema.Order),
		lastBuyPrice:    make(map[string]numeric.Amount),
		capitalGains:    numeric.Zero(),
		capitalLosses:   numeric.Zero(),
	}
	if network != nil {
		network.Add(s)
	}
	return s
}

// Name implements exchange.Adapter.
func (s *Sim) Name() string { return s.name }

// Fund credits a starting balance.
func (s *Sim) Fund(currency string, amount numeric.Amount) {
	currency = schema.AliasCurrency(currency)
	s.balances[currency] = s.free(currency).Add(amount)
}

// SetTicker injects the current top of book for a pair.
func (s *Sim) SetTicker(t schema.Ticker) {
	t.Exchange = s.name
	if t.ProcessingTime.IsZero() {
		t.ProcessingTime = s.clock()
	}
	s.tickers[t.Pair.Underscore()] = t
}

// AdvanceClock moves simulated time forward and settles every deposit whose
// completion time has passed. Deposits with equal completion times settle in
// arrival order.
func (s *Sim) AdvanceClock(now time.Time) {
	if now.After(s.now) {
		s.now = now
	}
	for _, dep := range s.deposits.due(s.now) {
		s.balances[dep.currency] = s.free(dep.currency).Add(dep.amount)
	}
}

// CapitalGains returns realised gains accumulated across sells.
func (s *Sim) CapitalGains() numeric.Amount { return s.capitalGains }

// CapitalLosses returns realised losses accumulated across sells.
func (s *Sim) CapitalLosses() numeric.Amount { return s.capitalLosses }

// PendingDeposits reports how many transfers are still in flight.
func (s *Sim) PendingDeposits() int { return s.deposits.Len() }

func (s *Sim) clock() time.Time {
	if s.now.IsZero() {
		return time.Now()
	}
	return s.now
}

func (s *Sim) free(currency string) numeric.Amount {
	if amt, ok := s.balances[currency]; ok {
		return amt
	}
	return numeric.Zero()
}

// FetchLatestTickers implements exchange.Adapter. Injected tickers are
// returned with a fresh processing time.
func (s *Sim) FetchLatestTickers(_ context.Context) ([]schema.Ticker, error) {
	out := make([]schema.Ticker, 0, len(s.tickers))
	for key, t := range s.tickers {
		t.ProcessingTime = s.clock()
		s.tickers[key] = t
		out = append(out, t)
	}
	return out, nil
}

// GetTicker implements exchange.Adapter.
func (s *Sim) GetTicker(pairName string) (schema.Ticker, bool) {
	pair, err := schema.ParsePair(pairName)
	if err != nil {
		return schema.Ticker{}, false
	}
	t, ok := s.tickers[pair.Underscore()]
	return t, ok
}

// GetTickers implements exchange.Adapter.
func (s *Sim) GetTickers() map[string]schema.Ticker {
	out := make(map[string]schema.Ticker, len(s.tickers))
	for key, t := range s.tickers {
		out[key] = t
	}
	return out
}

// FetchBalances implements exchange.Adapter.
func (s *Sim) FetchBalances(_ context.Context) (map[string]schema.Balance, error) {
	out := make(map[string]schema.Balance, len(s.balances))
	for currency, amt := range s.balances {
		out[currency] = schema.NewBalance(s.name, currency, amt, numeric.Zero(), s.clock())
	}
	return out, nil
}

// GetBalance implements exchange.Adapter.
func (s *Sim) GetBalance(currency string) schema.Balance {
	currency = schema.AliasCurrency(currency)
	return schema.NewBalance(s.name, currency, s.free(currency), numeric.Zero(), s.clock())
}

// CreateLimitBuyOrder implements exchange.Adapter. The buy debits
// amount*price*(1+fee) of the base currency and credits amount of the quote
// asset. Orders below the minimum notional are returned with status
// insufficient_order_size and no balance mutation.
func (s *Sim) CreateLimitBuyOrder(_ context.Context, order schema.Order) (schema.Order, error) {
	order.Side = schema.SideBuy
	return s.execute(order)
}

// CreateLimitSellOrder implements exchange.Adapter. The sell debits amount of
// the quote asset and credits amount*price/(1+fee) of the base currency.
func (s *Sim) CreateLimitSellOrder(_ context.Context, order schema.Order) (schema.Order, error) {
	order.Side = schema.SideSell
	return s.execute(order)
}

func (s *Sim) execute(order schema.Order) (schema.Order, error) {
	order.Exchange = s.name
	order.Type = schema.TypeLimit
	order = order.WithSyntheticID()
	if err := order.Validate(); err != nil {
		return schema.Order{}, err
	}
	if !s.minNotional.IsUnset() && order.Notional().LessThan(s.minNotional) {
		order.Status = schema.StatusInsufficientOrderSize
		order.ProcessingTime = s.clock()
		return order, nil
	}

	base := order.Pair.Base()
	quote := order.Pair.Quote()
	one := numeric.FromInt(1)
	feeFactor := one.Add(s.tradeFee)

	switch order.Side {
	case schema.SideBuy:
		cost := order.Amount.Mul(order.Price).Mul(feeFactor)
		if s.free(base).Sub(cost).Add(epsilon).Sign() < 0 {
			return schema.Order{}, errs.New(s.name, errs.CodeExchange,
				errs.WithCanonical(errs.CanonicalInsufficientBalance),
				errs.WithMessage(fmt.Sprintf("insufficient %s for buy of %s", base, order.Pair.Slash())))
		}
		s.balances[base] = s.free(base).Sub(cost)
		s.balances[quote] = s.free(quote).Add(order.Amount)
		s.lastBuyPrice[order.Pair.Underscore()] = order.Price
	case schema.SideSell:
		if s.free(quote).Sub(order.Amount).Add(epsilon).Sign() < 0 {
			return schema.Order{}, errs.New(s.name, errs.CodeExchange,
				errs.WithCanonical(errs.CanonicalInsufficientBalance),
				errs.WithMessage(fmt.Sprintf("insufficient %s for sell of %s", quote, order.Pair.Slash())))
		}
		proceeds := order.Amount.Mul(order.Price).Div(feeFactor)
		s.balances[quote] = s.free(quote).Sub(order.Amount)
		s.balances[base] = s.free(base).Add(proceeds)
		s.bookRealised(order)
	}

	s.seq++
	order.ExchangeOrderID = strconv.Itoa(s.seq)

	// The terminal snapshot is stored for FetchOrder; the placement response
	// reports open so callers exercise the same poll path as live venues.
	final := order
	final.Status = schema.StatusFilled
	final.Filled = order.Amount
	final.Remaining = numeric.Zero()
	final.ProcessingTime = s.clock()
	s.orders[order.ExchangeOrderID] = final

	order.Status = schema.StatusOpen
	order.Filled = numeric.Zero()
	order.Remaining = order.Amount
	order.ProcessingTime = s.clock()
	return order, nil
}

func (s *Sim) bookRealised(order schema.Order) {
	buyPrice, ok := s.lastBuyPrice[order.Pair.Underscore()]
	if !ok {
		return
	}
	diff := order.Price.Sub(buyPrice).Mul(order.Amount)
	if diff.Sign() >= 0 {
		s.capitalGains = s.capitalGains.Add(diff)
	} else {
		s.capitalLosses = s.capitalLosses.Add(diff.Abs())
	}
}

// CancelOrder implements exchange.Adapter. Every simulated order fills on
// placement, so cancellation always reports the order as already closed.
func (s *Sim) CancelOrder(_ context.Context, order schema.Order) (*schema.Order, error) {
	if _, ok := s.orders[order.ExchangeOrderID]; ok {
		return nil, nil
	}
	return nil, errs.New(s.name, errs.CodeNotFound,
		errs.WithCanonical(errs.CanonicalOrderNotFound),
		errs.WithMessage("unknown order "+order.ExchangeOrderID))
}

// FetchOrder implements exchange.Adapter.
func (s *Sim) FetchOrder(_ context.Context, exchangeOrderID string, _ schema.Pair) (*schema.Order, error) {
	order, ok := s.orders[exchangeOrderID]
	if !ok {
		return nil, errs.New(s.name, errs.CodeNotFound,
			errs.WithCanonical(errs.CanonicalOrderNotFound),
			errs.WithMessage("unknown order "+exchangeOrderID))
	}
	return &order, nil
}

// FetchOpenOrders implements exchange.Adapter. Instant fills mean the open
// set is always empty.
func (s *Sim) FetchOpenOrders(_ context.Context, _ schema.Pair) (map[string]schema.Order, error) {
	return map[string]schema.Order{}, nil
}

// FetchClosedOrders implements exchange.Adapter.
func (s *Sim) FetchClosedOrders(_ context.Context, pair schema.Pair) (map[string]schema.Order, error) {
	out := make(map[string]schema.Order)
	for id, order := range s.orders {
		if order.Pair == pair {
			out[id] = order
		}
	}
	return out, nil
}

// FetchDepositDestination implements exchange.Adapter. The address is the
// venue's own registry key; withdrawals resolve it through the network.
func (s *Sim) FetchDepositDestination(_ context.Context, currency string) (exchange.DepositDestination, error) {
	return exchange.DepositDestination{
		Currency: schema.AliasCurrency(currency),
		Address:  s.name,
		Status:   "ok",
	}, nil
}

// Withdraw implements exchange.Adapter. The source balance is debited
// immediately; the destination venue receives amount minus the withdrawal fee
// once the settlement delay elapses on its clock.
func (s *Sim) Withdraw(_ context.Context, currency string, amount numeric.Amount, dest exchange.DepositDestination) (exchange.WithdrawalReceipt, error) {
	currency = schema.AliasCurrency(currency)
	if amount.IsUnset() || amount.Sign() <= 0 {
		return exchange.WithdrawalReceipt{}, errs.New(s.name, errs.CodeInvalid,
			errs.WithMessage("withdrawal amount must be positive"))
	}
	if s.free(currency).Sub(amount).Add(epsilon).Sign() < 0 {
		return exchange.WithdrawalReceipt{}, errs.New(s.name, errs.CodeExchange,
			errs.WithCanonical(errs.CanonicalInsufficientBalance),
			errs.WithMessage("insufficient "+currency+" for withdrawal"))
	}
	if s.network == nil {
		return exchange.WithdrawalReceipt{}, errs.New(s.name, errs.CodeInvalid,
			errs.WithMessage("no network attached"))
	}
	target, ok := s.network.Lookup(dest.Address)
	if !ok {
		return exchange.WithdrawalReceipt{}, errs.New(s.name, errs.CodeInvalid,
			errs.WithMessage("unknown destination "+dest.Address))
	}

	fee, ok := s.fees.Fee(s.feeExchange, currency)
	if !ok {
		fee = numeric.Zero()
	}
	arriving := amount.Sub(fee)
	if arriving.Sign() <= 0 {
		return exchange.WithdrawalReceipt{}, errs.New(s.name, errs.CodeInvalid,
			errs.WithMessage("withdrawal of "+currency+" does not cover the fee"))
	}

	s.balances[currency] = s.free(currency).Sub(amount)
	target.deposits.push(currency, arriving, s.clock().Add(s.settlementDelay))

	s.seq++
	return exchange.WithdrawalReceipt{
		ID:       strconv.Itoa(s.seq),
		Currency: currency,
		Amount:   amount,
		Fee:      fee,
		Address:  dest.Address,
	}, nil
}

// WithdrawAll implements exchange.Adapter.
func (s *Sim) WithdrawAll(ctx context.Context, currency string, dest exchange.DepositDestination) (exchange.WithdrawalReceipt, error) {
	return s.Withdraw(ctx, currency, s.free(schema.AliasCurrency(currency)), dest)
}
