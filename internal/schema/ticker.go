package schema

import (
	"time"

	"github.com/tradekit/tradekit/errs"
	"github.com/tradekit/tradekit/internal/numeric"
)

// Ticker is a top-of-book snapshot for one pair on one exchange.
// EventTime is the exchange clock and may be zero; ProcessingTime is stamped
// by the ingesting process.
type Ticker struct {
	Pair           Pair           `json:"pair"`
	Exchange       string         `json:"exchange_id"`
	Ask            numeric.Amount `json:"ask"`
	Bid            numeric.Amount `json:"bid"`
	Last           numeric.Amount `json:"last"`
	EventTime      time.Time      `json:"event_time,omitempty"`
	ProcessingTime time.Time      `json:"processing_time"`
	Version        int            `json:"version"`
}

// Validate enforces the bid <= ask invariant on adapter output.
func (t Ticker) Validate() error {
	if t.Pair.IsZero() {
		return errs.New(t.Exchange, errs.CodeInvalid, errs.WithMessage("ticker missing pair"))
	}
	if !t.Bid.IsUnset() && !t.Ask.IsUnset() && t.Bid.GreaterThan(t.Ask) {
		return errs.New(t.Exchange, errs.CodeInvalid,
			errs.WithMessage("ticker bid exceeds ask for "+t.Pair.Slash()))
	}
	return nil
}

// Spread returns ask-bid, or unset when either side is missing.
func (t Ticker) Spread() numeric.Amount {
	return t.Ask.Sub(t.Bid)
}

// Mid returns the midpoint price, or unset when either side is missing.
func (t Ticker) Mid() numeric.Amount {
	two := numeric.FromInt(2)
	return t.Ask.Add(t.Bid).Div(two)
}
