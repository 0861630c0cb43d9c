package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tradekit/tradekit/internal/engine"
	"github.com/tradekit/tradekit/internal/exchange"
	"github.com/tradekit/tradekit/internal/numeric"
	"github.com/tradekit/tradekit/internal/schema"
)

// marketAdapter scripts a ticker tape and fills every order on first poll.
type marketAdapter struct {
	exchange.Caches
	name   string
	pair   schema.Pair
	tape   []string // bid=ask per fetch, last entry repeats
	fetch  int
	orders map[string]schema.Order
	placed []schema.Order
	seq    int
}

func newMarketAdapter(name string, pair schema.Pair, tape ...string) *marketAdapter {
	return &marketAdapter{
		Caches: exchange.NewCaches(name),
		name:   name,
		pair:   pair,
		tape:   tape,
		orders: make(map[string]schema.Order),
	}
}

func (a *marketAdapter) Name() string { return a.name }

func (a *marketAdapter) FetchLatestTickers(context.Context) ([]schema.Ticker, error) {
	idx := a.fetch
	if idx >= len(a.tape) {
		idx = len(a.tape) - 1
	}
	a.fetch++
	price := numeric.MustParse(a.tape[idx])
	ticker := schema.Ticker{
		Pair:           a.pair,
		Exchange:       a.name,
		Bid:            price,
		Ask:            price,
		Last:           price,
		ProcessingTime: time.Now(),
	}
	a.StoreTickers([]schema.Ticker{ticker})
	return []schema.Ticker{ticker}, nil
}

func (a *marketAdapter) GetTicker(pairName string) (schema.Ticker, bool) { return a.Ticker(pairName) }
func (a *marketAdapter) GetTickers() map[string]schema.Ticker            { return a.Tickers() }

func (a *marketAdapter) FetchBalances(context.Context) (map[string]schema.Balance, error) {
	return nil, nil
}
func (a *marketAdapter) GetBalance(currency string) schema.Balance {
	return schema.ZeroBalance(a.name, currency, time.Now())
}

func (a *marketAdapter) create(order schema.Order) (schema.Order, error) {
	a.seq++
	order = order.WithSyntheticID()
	order.ExchangeOrderID = "ex-" + order.Pair.Concat() + "-" + string(rune('0'+a.seq))
	order.Status = schema.StatusOpen
	order.Filled = numeric.Zero()
	order.Remaining = order.Amount
	order.ProcessingTime = time.Now()
	a.orders[order.ExchangeOrderID] = order
	a.placed = append(a.placed, order)
	return order, nil
}

func (a *marketAdapter) CreateLimitBuyOrder(_ context.Context, order schema.Order) (schema.Order, error) {
	return a.create(order)
}
func (a *marketAdapter) CreateLimitSellOrder(_ context.Context, order schema.Order) (schema.Order, error) {
	return a.create(order)
}
func (a *marketAdapter) CancelOrder(context.Context, schema.Order) (*schema.Order, error) {
	return nil, nil
}

func (a *marketAdapter) FetchOrder(_ context.Context, exchangeOrderID string, _ schema.Pair) (*schema.Order, error) {
	order, ok := a.orders[exchangeOrderID]
	if !ok {
		return nil, errors.New("unknown order")
	}
	order.Status = schema.StatusFilled
	order.Filled = order.Amount
	order.Remaining = numeric.Zero()
	order.ProcessingTime = time.Now()
	return &order, nil
}

func (a *marketAdapter) FetchOpenOrders(context.Context, schema.Pair) (map[string]schema.Order, error) {
	return nil, nil
}
func (a *marketAdapter) FetchClosedOrders(context.Context, schema.Pair) (map[string]schema.Order, error) {
	return nil, nil
}
func (a *marketAdapter) FetchDepositDestination(context.Context, string) (exchange.DepositDestination, error) {
	return exchange.DepositDestination{}, nil
}
func (a *marketAdapter) Withdraw(context.Context, string, numeric.Amount, exchange.DepositDestination) (exchange.WithdrawalReceipt, error) {
	return exchange.WithdrawalReceipt{}, nil
}
func (a *marketAdapter) WithdrawAll(context.Context, string, exchange.DepositDestination) (exchange.WithdrawalReceipt, error) {
	return exchange.WithdrawalReceipt{}, nil
}

func testEngine() *engine.Engine {
	return engine.New(engine.NewMemoryWriter(), engine.Config{
		Workers:      2,
		MaxPolls:     2,
		PollInterval: time.Millisecond,
	})
}

func TestMachineRunsStatesInOrder(t *testing.T) {
	execution := &schema.StrategyExecution{StrategyExecutionID: "exec-1"}
	m := NewMachine(execution, testEngine(), nil, WithPause(0))

	var visited []string
	record := func(name string) StateFunc {
		return func(context.Context) (string, error) {
			visited = append(visited, name)
			return "", nil
		}
	}
	m.AddState("a", record("a"), "b")
	m.AddState("b", record("b"), "c")
	m.AddState("c", record("c"), "")

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(visited) != 3 || visited[0] != "a" || visited[1] != "b" || visited[2] != "c" {
		t.Fatalf("visited = %v", visited)
	}
	for _, name := range []string{"a", "b", "c"} {
		if !m.Completed(name) {
			t.Fatalf("state %s not marked completed", name)
		}
	}
	if execution.CurrentState != "c" {
		t.Fatalf("current state = %s, want c", execution.CurrentState)
	}
}

func TestMachineExplicitTargetOverridesSuccessor(t *testing.T) {
	execution := &schema.StrategyExecution{StrategyExecutionID: "exec-1"}
	m := NewMachine(execution, testEngine(), nil, WithPause(0))

	var visited []string
	m.AddState("a", func(context.Context) (string, error) {
		visited = append(visited, "a")
		return "c", nil
	}, "b")
	m.AddState("b", func(context.Context) (string, error) {
		visited = append(visited, "b")
		return "", nil
	}, "c")
	m.AddState("c", func(context.Context) (string, error) {
		visited = append(visited, "c")
		return "", nil
	}, "")

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(visited) != 2 || visited[0] != "a" || visited[1] != "c" {
		t.Fatalf("visited = %v, want [a c]", visited)
	}
	if m.Completed("b") {
		t.Fatal("skipped state marked completed")
	}
}

func TestMachineRoutesErrorsToFailure(t *testing.T) {
	execution := &schema.StrategyExecution{StrategyExecutionID: "exec-1"}
	m := NewMachine(execution, testEngine(), nil, WithPause(0))

	boom := errors.New("boom")
	failureRan := false
	m.AddState("a", func(context.Context) (string, error) {
		return "", boom
	}, "")
	m.AddState(StateFailure, func(context.Context) (string, error) {
		failureRan = true
		return "", nil
	}, "")

	err := m.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want boom", err)
	}
	if !failureRan {
		t.Fatal("failure state did not run")
	}
	if execution.CurrentState != StateFailure {
		t.Fatalf("current state = %s, want %s", execution.CurrentState, StateFailure)
	}
}

func TestMachineUnknownStateRejected(t *testing.T) {
	execution := &schema.StrategyExecution{StrategyExecutionID: "exec-1"}
	m := NewMachine(execution, testEngine(), nil, WithPause(0))
	m.AddState("a", func(context.Context) (string, error) { return "ghost", nil }, "")
	if err := m.Run(context.Background()); err == nil {
		t.Fatal("expected unknown state error")
	}
}

func TestNewMarketLifecycle(t *testing.T) {
	pair := schema.MustPair("ETH", "ARK")
	// Buy at 10, peak at 12, then 10.7 breaches the 10% trail (stop 10.8).
	adapter := newMarketAdapter("binance", pair, "10", "12", "11.5", "10.7", "10.7")
	adapters := map[string]exchange.Adapter{"binance": adapter}

	props, err := json.Marshal(NewMarketProperties{
		Exchange:     "binance",
		Pair:         pair,
		Spend:        numeric.MustParse("100"),
		TrailPercent: numeric.MustParse("0.1"),
	})
	if err != nil {
		t.Fatalf("marshal properties: %v", err)
	}
	def := schema.Strategy{StrategyID: "strat-1", Type: TypeNewMarket, Properties: props}
	execution := &schema.StrategyExecution{StrategyExecutionID: "exec-1", StrategyID: "strat-1"}

	s, err := NewMarketFrom(def, execution, testEngine(), adapters, WithPause(0))
	if err != nil {
		t.Fatalf("NewMarketFrom: %v", err)
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(adapter.placed) != 2 {
		t.Fatalf("placed %d orders, want 2", len(adapter.placed))
	}
	buy, sell := adapter.placed[0], adapter.placed[1]
	if buy.Side != schema.SideBuy || sell.Side != schema.SideSell {
		t.Fatalf("order sides = %s, %s", buy.Side, sell.Side)
	}
	if got := buy.Amount.String(); got != "10" {
		t.Fatalf("buy amount = %s, want 10", got)
	}
	if got := sell.Price.String(); got != "10.7" {
		t.Fatalf("sell price = %s, want 10.7", got)
	}
	if !sell.Amount.Equal(buy.Amount) {
		t.Fatalf("sell amount = %s, want %s", sell.Amount, buy.Amount)
	}

	var st newMarketState
	if err := json.Unmarshal(execution.State, &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if st.BuyOrderID == "" || st.SellOrderID == "" {
		t.Fatalf("order ids missing in state: %+v", st)
	}
	if got := st.PeakBid.String(); got != "12" {
		t.Fatalf("peak bid = %s, want 12", got)
	}
	if !st.Done {
		t.Fatal("state not marked done")
	}
	if execution.CurrentState != "complete" {
		t.Fatalf("current state = %s, want complete", execution.CurrentState)
	}
}

func TestParseNewMarketPropertiesValidation(t *testing.T) {
	pair := schema.MustPair("ETH", "ARK")
	valid := NewMarketProperties{
		Exchange:     "binance",
		Pair:         pair,
		Spend:        numeric.FromInt(100),
		TrailPercent: numeric.MustParse("0.1"),
	}

	cases := []struct {
		name   string
		mutate func(*NewMarketProperties)
	}{
		{"missing exchange", func(p *NewMarketProperties) { p.Exchange = "" }},
		{"zero spend", func(p *NewMarketProperties) { p.Spend = numeric.Zero() }},
		{"trail too large", func(p *NewMarketProperties) { p.TrailPercent = numeric.FromInt(1) }},
		{"negative trail", func(p *NewMarketProperties) { p.TrailPercent = numeric.MustParse("-0.1") }},
	}
	for _, tc := range cases {
		props := valid
		tc.mutate(&props)
		raw, err := json.Marshal(props)
		if err != nil {
			t.Fatalf("%s: marshal: %v", tc.name, err)
		}
		if _, err := ParseNewMarketProperties(raw); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}

	raw, err := json.Marshal(valid)
	if err != nil {
		t.Fatalf("marshal valid: %v", err)
	}
	if _, err := ParseNewMarketProperties(raw); err != nil {
		t.Fatalf("valid properties rejected: %v", err)
	}
}
