package schema

import (
	"strings"
	"time"

	"github.com/tradekit/tradekit/errs"
	"github.com/tradekit/tradekit/internal/numeric"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	// SideBuy buys the quote asset with the base currency.
	SideBuy OrderSide = "buy"
	// SideSell sells the quote asset for the base currency.
	SideSell OrderSide = "sell"
)

// Valid reports whether the side is recognised.
func (s OrderSide) Valid() bool { return s == SideBuy || s == SideSell }

// OrderType classifies the execution style.
type OrderType string

const (
	// TypeLimit is a limit order.
	TypeLimit OrderType = "limit"
	// TypeMarket is a market order.
	TypeMarket OrderType = "market"
)

// OrderStatus is the lifecycle state of an order. Statuses are ranked; a
// persisted sequence of snapshots for one order id is monotonically
// non-decreasing by (rank, processing_time).
type OrderStatus string

const (
	// StatusPending is recorded before the exchange call leaves the process.
	StatusPending OrderStatus = "pending"
	// StatusInsufficientOrderSize marks an order below the venue minimum notional.
	StatusInsufficientOrderSize OrderStatus = "insufficient_order_size"
	// StatusOpen is assigned once the exchange acknowledges the order.
	StatusOpen OrderStatus = "open"
	// StatusPartiallyFilled marks a live order with a non-zero fill.
	StatusPartiallyFilled OrderStatus = "partially_filled"
	// StatusCancelled marks a cancelled order with no fill.
	StatusCancelled OrderStatus = "cancelled"
	// StatusCancelledAndPartiallyFilled marks a cancelled order with a partial fill.
	StatusCancelledAndPartiallyFilled OrderStatus = "cancelled_and_partially_filled"
	// StatusFilled marks a completely filled order.
	StatusFilled OrderStatus = "filled"
)

var statusRanks = map[OrderStatus]int{
	StatusPending:                     0,
	StatusInsufficientOrderSize:       1,
	StatusOpen:                        2,
	StatusPartiallyFilled:             3,
	StatusCancelled:                   4,
	StatusCancelledAndPartiallyFilled: 5,
	StatusFilled:                      6,
}

// Rank returns the integer ordering of the status; unknown statuses rank -1.
func (s OrderStatus) Rank() int {
	if rank, ok := statusRanks[s]; ok {
		return rank
	}
	return -1
}

// Terminal reports whether the status can never change again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusCancelledAndPartiallyFilled, StatusInsufficientOrderSize:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the engine may persist a snapshot moving
// the order from s to next. Re-recording a partial fill is allowed; every
// other self-transition and all backward transitions are not.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusOpen || next == StatusCancelled
	case StatusOpen:
		return next == StatusPartiallyFilled || next == StatusCancelled || next == StatusFilled
	case StatusPartiallyFilled:
		return next == StatusPartiallyFilled || next == StatusCancelledAndPartiallyFilled || next == StatusFilled
	default:
		return false
	}
}

// Order is one snapshot of a logical order. The synthetic OrderID is
// deterministic from strategy inputs so a restarting process can reconstruct
// it before the exchange has responded; ExchangeOrderID stays empty until the
// placement round-trip completes.
type Order struct {
	StrategyExecutionID string         `json:"strategy_execution_id"`
	OrderID             string         `json:"order_id"`
	ExchangeOrderID     string         `json:"exchange_order_id,omitempty"`
	Exchange            string         `json:"exchange_id"`
	Pair                Pair           `json:"pair"`
	Side                OrderSide      `json:"order_side"`
	Type                OrderType      `json:"order_type"`
	Amount              numeric.Amount `json:"amount"`
	Price               numeric.Amount `json:"price"`
	Filled              numeric.Amount `json:"filled"`
	Remaining           numeric.Amount `json:"remaining"`
	Status              OrderStatus    `json:"order_status"`
	EventTime           time.Time      `json:"event_time,omitempty"`
	ProcessingTime      time.Time      `json:"processing_time"`
}

// SyntheticID derives the deterministic order id from strategy inputs:
// strategyExecutionID_exchange_quote_base_side_price_amount.
func (o Order) SyntheticID() string {
	return strings.Join([]string{
		o.StrategyExecutionID,
		o.Exchange,
		o.Pair.Quote(),
		o.Pair.Base(),
		string(o.Side),
		o.Price.String(),
		o.Amount.String(),
	}, "_")
}

// WithSyntheticID returns a copy with OrderID populated when empty.
func (o Order) WithSyntheticID() Order {
	if strings.TrimSpace(o.OrderID) == "" {
		o.OrderID = o.SyntheticID()
	}
	return o
}

// Validate enforces the per-snapshot invariants.
func (o Order) Validate() error {
	if !o.Side.Valid() {
		return errs.New(o.Exchange, errs.CodeInvalid, errs.WithMessage("invalid order side"))
	}
	if o.Pair.IsZero() {
		return errs.New(o.Exchange, errs.CodeInvalid, errs.WithMessage("order missing pair"))
	}
	if o.Amount.IsUnset() || o.Amount.Sign() <= 0 {
		return errs.New(o.Exchange, errs.CodeInvalid, errs.WithMessage("order amount must be positive"))
	}
	if !o.Filled.IsUnset() && !o.Remaining.IsUnset() && !o.Filled.Add(o.Remaining).Equal(o.Amount) {
		return errs.New(o.Exchange, errs.CodeInvalid,
			errs.WithMessage("filled+remaining must equal amount for "+o.OrderID))
	}
	return nil
}

// Notional is amount*price.
func (o Order) Notional() numeric.Amount {
	return o.Amount.Mul(o.Price)
}

// After reports whether snapshot o supersedes prev in the
// (status rank, processing time) ordering.
func (o Order) After(prev Order) bool {
	if o.Status.Rank() != prev.Status.Rank() {
		return o.Status.Rank() > prev.Status.Rank()
	}
	return o.ProcessingTime.After(prev.ProcessingTime)
}
