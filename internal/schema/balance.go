package schema

import (
	"time"

	"github.com/tradekit/tradekit/errs"
	"github.com/tradekit/tradekit/internal/numeric"
)

// Balance describes one currency position on one exchange.
// Invariant: Total = Free + Locked, all three non-negative.
type Balance struct {
	Currency       string         `json:"currency"`
	Exchange       string         `json:"exchange_id"`
	Free           numeric.Amount `json:"free"`
	Locked         numeric.Amount `json:"locked"`
	Total          numeric.Amount `json:"total"`
	EventTime      time.Time      `json:"event_time,omitempty"`
	ProcessingTime time.Time      `json:"processing_time"`
	Version        int            `json:"version"`
}

// NewBalance constructs a balance with Total derived from free+locked.
func NewBalance(exchange, currency string, free, locked numeric.Amount, at time.Time) Balance {
	return Balance{
		Currency:       AliasCurrency(currency),
		Exchange:       exchange,
		Free:           free,
		Locked:         locked,
		Total:          free.Add(locked),
		ProcessingTime: at,
	}
}

// ZeroBalance returns a zero-valued balance for the currency. Adapters return
// it for unknown currencies instead of a missing value.
func ZeroBalance(exchange, currency string, at time.Time) Balance {
	return NewBalance(exchange, currency, numeric.Zero(), numeric.Zero(), at)
}

// Validate enforces the balance invariants.
func (b Balance) Validate() error {
	if b.Free.Sign() < 0 || b.Locked.Sign() < 0 || b.Total.Sign() < 0 {
		return errs.New(b.Exchange, errs.CodeInvalid,
			errs.WithMessage("negative balance for "+b.Currency))
	}
	if !b.Free.Add(b.Locked).Equal(b.Total) {
		return errs.New(b.Exchange, errs.CodeInvalid,
			errs.WithMessage("balance total mismatch for "+b.Currency))
	}
	return nil
}
