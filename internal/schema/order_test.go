package schema

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tradekit/tradekit/internal/numeric"
)

func limitBuy() Order {
	return Order{
		StrategyExecutionID: "exec-1",
		Exchange:            "binance",
		Pair:                MustPair("ETH", "ARK"),
		Side:                SideBuy,
		Type:                TypeLimit,
		Amount:              numeric.FromInt(2),
		Price:               numeric.MustParse("0.25"),
		Status:              StatusPending,
		ProcessingTime:      time.Now(),
	}
}

func TestSyntheticIDDeterministic(t *testing.T) {
	o := limitBuy()
	want := "exec-1_binance_ARK_ETH_buy_0.25_2"
	if got := o.SyntheticID(); got != want {
		t.Fatalf("SyntheticID = %s, want %s", got, want)
	}
	stamped := o.WithSyntheticID()
	if stamped.OrderID != want {
		t.Fatalf("WithSyntheticID = %s", stamped.OrderID)
	}
	stamped.OrderID = "explicit"
	if got := stamped.WithSyntheticID().OrderID; got != "explicit" {
		t.Fatalf("explicit id overwritten: %s", got)
	}
}

func TestValidateFilledPlusRemaining(t *testing.T) {
	o := limitBuy()
	if err := o.Validate(); err != nil {
		t.Fatalf("valid order rejected: %v", err)
	}
	o.Filled = numeric.FromInt(1)
	o.Remaining = numeric.FromInt(1)
	if err := o.Validate(); err != nil {
		t.Fatalf("consistent fill rejected: %v", err)
	}
	o.Remaining = numeric.MustParse("0.5")
	if err := o.Validate(); err == nil {
		t.Fatalf("filled+remaining != amount should fail")
	}
	o = limitBuy()
	o.Amount = numeric.Zero()
	if err := o.Validate(); err == nil {
		t.Fatalf("zero amount should fail")
	}
}

func TestStatusOrdering(t *testing.T) {
	prev := limitBuy()
	next := prev
	next.Status = StatusOpen
	if !next.After(prev) || prev.After(next) {
		t.Fatalf("open should supersede pending")
	}
	// Same rank, later processing time wins.
	later := prev
	later.ProcessingTime = prev.ProcessingTime.Add(time.Second)
	if !later.After(prev) {
		t.Fatalf("later snapshot at same rank should supersede")
	}

	if !StatusPending.CanTransitionTo(StatusOpen) {
		t.Fatalf("pending -> open should be legal")
	}
	if StatusFilled.CanTransitionTo(StatusOpen) {
		t.Fatalf("filled is terminal")
	}
	if !StatusPartiallyFilled.CanTransitionTo(StatusPartiallyFilled) {
		t.Fatalf("partial fills may repeat")
	}
	if !StatusFilled.Terminal() || StatusOpen.Terminal() {
		t.Fatalf("Terminal broken")
	}
}

func TestDeepMergeState(t *testing.T) {
	execution := &StrategyExecution{
		StrategyExecutionID: "exec-1",
		State:               []byte(`{"buy_price":"10","meta":{"attempt":1}}`),
	}
	if err := execution.MergeState([]byte(`{"peak_bid":"12","meta":{"note":"x"}}`)); err != nil {
		t.Fatalf("merge: %v", err)
	}
	var state struct {
		BuyPrice numeric.Amount `json:"buy_price"`
		PeakBid  numeric.Amount `json:"peak_bid"`
		Meta     struct {
			Attempt int    `json:"attempt"`
			Note    string `json:"note"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(execution.State, &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !state.BuyPrice.Equal(numeric.FromInt(10)) || !state.PeakBid.Equal(numeric.FromInt(12)) {
		t.Fatalf("amounts lost in merge: %s %s", state.BuyPrice, state.PeakBid)
	}
	if state.Meta.Attempt != 1 || state.Meta.Note != "x" {
		t.Fatalf("nested maps should merge, got %+v", state.Meta)
	}

	// Scalars replace rather than merge.
	merged, err := DeepMergeJSON([]byte(`{"done":false}`), []byte(`{"done":true}`))
	if err != nil {
		t.Fatalf("merge scalars: %v", err)
	}
	var done struct {
		Done bool `json:"done"`
	}
	if err := json.Unmarshal(merged, &done); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !done.Done {
		t.Fatalf("patch scalar should replace base")
	}
}
