package engine

import (
	"context"
	"testing"
	"time"

	"github.com/tradekit/tradekit/errs"
	"github.com/tradekit/tradekit/internal/exchange"
	"github.com/tradekit/tradekit/internal/numeric"
	"github.com/tradekit/tradekit/internal/schema"
)

// fakeAdapter scripts placement and poll behaviour for engine tests.
type fakeAdapter struct {
	name        string
	createErr   error
	fetchStates []schema.OrderStatus
	fetches     int
	creates     int
	clientIDHit *schema.Order
	supportsCID bool
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) FetchLatestTickers(context.Context) ([]schema.Ticker, error) {
	return nil, nil
}
func (f *fakeAdapter) GetTicker(string) (schema.Ticker, bool)  { return schema.Ticker{}, false }
func (f *fakeAdapter) GetTickers() map[string]schema.Ticker    { return nil }
func (f *fakeAdapter) FetchBalances(context.Context) (map[string]schema.Balance, error) {
	return nil, nil
}
func (f *fakeAdapter) GetBalance(currency string) schema.Balance {
	return schema.ZeroBalance(f.name, currency, time.Now())
}

func (f *fakeAdapter) CreateLimitBuyOrder(_ context.Context, order schema.Order) (schema.Order, error) {
	return f.create(order)
}

func (f *fakeAdapter) CreateLimitSellOrder(_ context.Context, order schema.Order) (schema.Order, error) {
	return f.create(order)
}

func (f *fakeAdapter) create(order schema.Order) (schema.Order, error) {
	f.creates++
	if f.createErr != nil {
		return schema.Order{}, f.createErr
	}
	order = order.WithSyntheticID()
	order.ExchangeOrderID = "ex-1"
	order.Status = schema.StatusOpen
	order.Filled = numeric.Zero()
	order.Remaining = order.Amount
	order.ProcessingTime = time.Now()
	return order, nil
}

func (f *fakeAdapter) CancelOrder(context.Context, schema.Order) (*schema.Order, error) {
	return nil, nil
}

func (f *fakeAdapter) FetchOrder(_ context.Context, exchangeOrderID string, pair schema.Pair) (*schema.Order, error) {
	status := schema.StatusOpen
	if f.fetches < len(f.fetchStates) {
		status = f.fetchStates[f.fetches]
	}
	f.fetches++
	order := schema.Order{
		ExchangeOrderID: exchangeOrderID,
		Exchange:        f.name,
		Pair:            pair,
		Side:            schema.SideBuy,
		Type:            schema.TypeLimit,
		Amount:          numeric.FromInt(1),
		Price:           numeric.MustParse("0.25"),
		Status:          status,
		ProcessingTime:  time.Now(),
	}
	switch status {
	case schema.StatusFilled:
		order.Filled = order.Amount
		order.Remaining = numeric.Zero()
	case schema.StatusPartiallyFilled:
		order.Filled = numeric.MustParse("0.5")
		order.Remaining = numeric.MustParse("0.5")
	default:
		order.Filled = numeric.Zero()
		order.Remaining = order.Amount
	}
	return &order, nil
}

func (f *fakeAdapter) FetchOpenOrders(context.Context, schema.Pair) (map[string]schema.Order, error) {
	return nil, nil
}
func (f *fakeAdapter) FetchClosedOrders(context.Context, schema.Pair) (map[string]schema.Order, error) {
	return nil, nil
}
func (f *fakeAdapter) FetchDepositDestination(context.Context, string) (exchange.DepositDestination, error) {
	return exchange.DepositDestination{}, nil
}
func (f *fakeAdapter) Withdraw(context.Context, string, numeric.Amount, exchange.DepositDestination) (exchange.WithdrawalReceipt, error) {
	return exchange.WithdrawalReceipt{}, nil
}
func (f *fakeAdapter) WithdrawAll(context.Context, string, exchange.DepositDestination) (exchange.WithdrawalReceipt, error) {
	return exchange.WithdrawalReceipt{}, nil
}

// clientIDAdapter adds client-order-id lookup on top of fakeAdapter.
type clientIDAdapter struct {
	*fakeAdapter
}

func (c *clientIDAdapter) FetchOrderByClientID(_ context.Context, clientOrderID string, pair schema.Pair) (*schema.Order, error) {
	if c.clientIDHit == nil {
		return nil, errs.New(c.name, errs.CodeNotFound,
			errs.WithCanonical(errs.CanonicalOrderNotFound),
			errs.WithMessage("unknown client order id "+clientOrderID))
	}
	order := *c.clientIDHit
	order.Pair = pair
	return &order, nil
}

func newTestEngine(writer OrderWriter) *Engine {
	e := New(writer, Config{Workers: 2, MaxPolls: 3, PollInterval: time.Millisecond})
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func testOrder() schema.Order {
	return schema.Order{
		StrategyExecutionID: "exec-1",
		Pair:                schema.MustPair("ETH", "ARK"),
		Side:                schema.SideBuy,
		Type:                schema.TypeLimit,
		Amount:              numeric.FromInt(1),
		Price:               numeric.MustParse("0.25"),
	}
}

func TestExecuteOrderRecordsLifecycle(t *testing.T) {
	writer := NewMemoryWriter()
	e := newTestEngine(writer)
	adapter := &fakeAdapter{name: "sim", fetchStates: []schema.OrderStatus{schema.StatusFilled}}

	final, err := e.ExecuteOrder(context.Background(), adapter, testOrder(),
		ExecOptions{WritePending: true, PollUntilFilled: true})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if final.Status != schema.StatusFilled {
		t.Fatalf("final status = %s, want filled", final.Status)
	}

	history := writer.History(final.OrderID)
	if len(history) != 3 {
		t.Fatalf("history = %d snapshots, want pending/open/filled", len(history))
	}
	want := []schema.OrderStatus{schema.StatusPending, schema.StatusOpen, schema.StatusFilled}
	for i, status := range want {
		if history[i].Status != status {
			t.Fatalf("history[%d] = %s, want %s", i, history[i].Status, status)
		}
	}
	for i := 1; i < len(history); i++ {
		if history[i].Status.Rank() < history[i-1].Status.Rank() {
			t.Fatalf("snapshot ranks regressed at %d", i)
		}
	}
}

func TestPollBoundReturnsNonTerminal(t *testing.T) {
	writer := NewMemoryWriter()
	e := newTestEngine(writer)
	adapter := &fakeAdapter{name: "sim"} // never fills

	final, err := e.ExecuteOrder(context.Background(), adapter, testOrder(),
		ExecOptions{WritePending: true, PollUntilFilled: true})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if final.Status != schema.StatusOpen {
		t.Fatalf("final status = %s, want open", final.Status)
	}
	if adapter.fetches != 3 {
		t.Fatalf("fetches = %d, want 3", adapter.fetches)
	}
	history := writer.History(final.OrderID)
	for _, snapshot := range history {
		if snapshot.Status.Terminal() {
			t.Fatalf("engine fabricated terminal snapshot %s", snapshot.Status)
		}
	}
}

func TestPartialFillPersisted(t *testing.T) {
	writer := NewMemoryWriter()
	e := newTestEngine(writer)
	adapter := &fakeAdapter{name: "sim", fetchStates: []schema.OrderStatus{
		schema.StatusPartiallyFilled, schema.StatusFilled,
	}}

	final, err := e.ExecuteOrder(context.Background(), adapter, testOrder(),
		ExecOptions{WritePending: true, PollUntilFilled: true})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if final.Status != schema.StatusFilled {
		t.Fatalf("final status = %s, want filled", final.Status)
	}
	history := writer.History(final.OrderID)
	want := []schema.OrderStatus{
		schema.StatusPending, schema.StatusOpen,
		schema.StatusPartiallyFilled, schema.StatusFilled,
	}
	if len(history) != len(want) {
		t.Fatalf("history = %d snapshots, want %d", len(history), len(want))
	}
	for i, status := range want {
		if history[i].Status != status {
			t.Fatalf("history[%d] = %s, want %s", i, history[i].Status, status)
		}
	}
}

func TestBackwardTransitionRejected(t *testing.T) {
	writer := NewMemoryWriter()
	e := newTestEngine(writer)
	order := testOrder().WithSyntheticID()
	order.Exchange = "sim"

	filled := order
	filled.Status = schema.StatusFilled
	if err := writer.InsertSnapshot(context.Background(), filled); err != nil {
		t.Fatalf("seed: %v", err)
	}
	open := order
	open.Status = schema.StatusOpen
	if err := e.persist(context.Background(), open); err == nil {
		t.Fatal("backward transition filled -> open must be rejected")
	}
}

func TestExecuteOrderSetJoinsFailures(t *testing.T) {
	writer := NewMemoryWriter()
	e := newTestEngine(writer)
	good := &fakeAdapter{name: "sim"}
	adapters := map[string]exchange.Adapter{"sim": good}

	first := testOrder()
	first.Exchange = "sim"
	second := testOrder()
	second.Exchange = "ghost"
	second.Price = numeric.MustParse("0.26")

	results, err := e.ExecuteOrderSet(context.Background(), adapters,
		[]schema.Order{first, second}, ExecOptions{})
	if err == nil {
		t.Fatal("missing adapter must surface in joined error")
	}
	if results[0].Status != schema.StatusOpen {
		t.Fatalf("first order status = %s, want open", results[0].Status)
	}
	if results[1].OrderID != "" {
		t.Fatalf("second order executed despite missing adapter: %+v", results[1])
	}
}

func TestReconcileFetchesByClientID(t *testing.T) {
	writer := NewMemoryWriter()
	e := newTestEngine(writer)

	order := testOrder()
	order.Exchange = "sim"
	order = order.WithSyntheticID()
	pending := order
	pending.Status = schema.StatusPending
	if err := writer.InsertSnapshot(context.Background(), pending); err != nil {
		t.Fatalf("seed: %v", err)
	}

	hit := order
	hit.ExchangeOrderID = "ex-1"
	hit.Status = schema.StatusFilled
	hit.Filled = hit.Amount
	hit.Remaining = numeric.Zero()
	adapter := &clientIDAdapter{fakeAdapter: &fakeAdapter{name: "sim", clientIDHit: &hit}}

	if err := e.Reconcile(context.Background(), map[string]exchange.Adapter{"sim": adapter}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	history := writer.History(order.OrderID)
	last := history[len(history)-1]
	if last.Status != schema.StatusFilled {
		t.Fatalf("latest = %s, want filled", last.Status)
	}
	if adapter.creates != 0 {
		t.Fatal("reconcile must not re-submit when the client id resolves")
	}
}

func TestReconcileLeavesPendingWhenUnsupported(t *testing.T) {
	writer := NewMemoryWriter()
	e := newTestEngine(writer)

	order := testOrder()
	order.Exchange = "sim"
	order = order.WithSyntheticID()
	pending := order
	pending.Status = schema.StatusPending
	if err := writer.InsertSnapshot(context.Background(), pending); err != nil {
		t.Fatalf("seed: %v", err)
	}

	adapter := &fakeAdapter{name: "sim"}
	if err := e.Reconcile(context.Background(), map[string]exchange.Adapter{"sim": adapter}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if adapter.creates != 0 {
		t.Fatalf("creates = %d, venue without client ids must not re-submit", adapter.creates)
	}
	history := writer.History(order.OrderID)
	last := history[len(history)-1]
	if last.Status != schema.StatusPending {
		t.Fatalf("latest = %s, want pending", last.Status)
	}
}
