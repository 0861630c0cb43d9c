package persistence_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tradekit/tradekit/internal/numeric"
	"github.com/tradekit/tradekit/internal/persistence/migrations"
	pgstore "github.com/tradekit/tradekit/internal/persistence/postgres"
	"github.com/tradekit/tradekit/internal/schema"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "tradekit"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/tradekit?sslmode=disable", host, port.Port())

	if err := migrations.Apply(ctx, dsn); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func baseOrder(executionID string) schema.Order {
	order := schema.Order{
		StrategyExecutionID: executionID,
		Exchange:            "binance",
		Pair:                schema.MustPair("ETH", "ARK"),
		Side:                schema.SideBuy,
		Type:                schema.TypeLimit,
		Amount:              numeric.FromInt(2),
		Price:               numeric.MustParse("0.25"),
		Status:              schema.StatusPending,
		ProcessingTime:      time.Now().UTC(),
	}
	return order.WithSyntheticID()
}

func TestOrderSnapshotMonotonicity(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.NewOrderStore(testPool)

	pending := baseOrder("exec-" + uuid.NewString())
	if err := store.InsertSnapshot(ctx, pending); err != nil {
		t.Fatalf("insert pending: %v", err)
	}

	open := pending
	open.Status = schema.StatusOpen
	open.ExchangeOrderID = "ex-" + uuid.NewString()
	open.ProcessingTime = pending.ProcessingTime.Add(time.Second)
	if err := store.InsertSnapshot(ctx, open); err != nil {
		t.Fatalf("insert open: %v", err)
	}

	filled := open
	filled.Status = schema.StatusFilled
	filled.Filled = filled.Amount
	filled.Remaining = numeric.Zero()
	filled.ProcessingTime = open.ProcessingTime.Add(time.Second)
	if err := store.InsertSnapshot(ctx, filled); err != nil {
		t.Fatalf("insert filled: %v", err)
	}

	// A stale snapshot with a lower status rank must be refused.
	stale := pending
	stale.ProcessingTime = filled.ProcessingTime.Add(time.Second)
	err := store.InsertSnapshot(ctx, stale)
	if err == nil {
		t.Fatalf("expected stale snapshot rejection")
	}
	if !strings.Contains(err.Error(), "stale") {
		t.Fatalf("unexpected error: %v", err)
	}

	latest, err := store.LatestSnapshot(ctx, pending.OrderID)
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if latest == nil || latest.Status != schema.StatusFilled {
		t.Fatalf("latest = %+v, want filled", latest)
	}
	if !latest.Filled.Equal(filled.Amount) {
		t.Fatalf("filled amount = %s, want %s", latest.Filled, filled.Amount)
	}

	pendingRows, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	for _, row := range pendingRows {
		if row.OrderID == pending.OrderID {
			t.Fatalf("filled order still listed as pending")
		}
	}
}

func TestOrderListPendingSurfacesUnplacedOrders(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.NewOrderStore(testPool)

	order := baseOrder("exec-" + uuid.NewString())
	if err := store.InsertSnapshot(ctx, order); err != nil {
		t.Fatalf("insert pending: %v", err)
	}

	rows, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	found := false
	for _, row := range rows {
		if row.OrderID == order.OrderID {
			found = true
			if row.ExchangeOrderID != "" {
				t.Fatalf("pending order has exchange id %q", row.ExchangeOrderID)
			}
			if !row.Price.Equal(order.Price) {
				t.Fatalf("price = %s, want %s", row.Price, order.Price)
			}
		}
	}
	if !found {
		t.Fatalf("pending order %s not listed", order.OrderID)
	}
}

func TestTickerBatchInsertAndLatest(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.NewTickerStore(testPool)

	pair := schema.MustPair("ETH", "ARK")
	now := time.Now().UTC()
	batch := []schema.Ticker{
		{
			Pair:           pair,
			Exchange:       "kraken",
			Ask:            numeric.MustParse("0.26"),
			Bid:            numeric.MustParse("0.25"),
			Last:           numeric.MustParse("0.255"),
			ProcessingTime: now.Add(-time.Minute),
		},
		{
			Pair:           pair,
			Exchange:       "kraken",
			Ask:            numeric.MustParse("0.28"),
			Bid:            numeric.MustParse("0.27"),
			Last:           numeric.MustParse("0.275"),
			ProcessingTime: now,
		},
	}
	if err := store.InsertBatch(ctx, batch); err != nil {
		t.Fatalf("insert batch: %v", err)
	}

	latest, err := store.Latest(ctx, "kraken", pair)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil {
		t.Fatalf("no ticker returned")
	}
	if got := latest.Bid.String(); got != "0.27" {
		t.Fatalf("latest bid = %s, want 0.27", got)
	}
	if latest.Exchange != "kraken" || latest.Pair.Underscore() != "ARK_ETH" {
		t.Fatalf("latest = %s %s", latest.Exchange, latest.Pair.Underscore())
	}
}

func TestStrategyExecutionStateDeepMerge(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.NewStrategyStore(testPool)

	strategyID := "strat-" + uuid.NewString()
	def := schema.Strategy{
		StrategyID: strategyID,
		Type:       "newmarket",
		Properties: json.RawMessage(`{"exchange_id":"binance","pair":"ARK_ETH","spend":"1","trail_percent":"0.05"}`),
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.SaveStrategy(ctx, def); err != nil {
		t.Fatalf("save strategy: %v", err)
	}
	loaded, err := store.GetStrategy(ctx, strategyID)
	if err != nil {
		t.Fatalf("get strategy: %v", err)
	}
	if loaded == nil || loaded.Type != def.Type {
		t.Fatalf("loaded strategy = %+v", loaded)
	}

	executionID := "exec-" + uuid.NewString()
	execution := schema.StrategyExecution{
		StrategyExecutionID: executionID,
		StrategyID:          strategyID,
		State:               json.RawMessage(`{"buy_price":"10","meta":{"attempt":1}}`),
		CurrentState:        "buy",
		StartedAt:           time.Now().UTC(),
	}
	if err := store.SaveExecution(ctx, execution); err != nil {
		t.Fatalf("save execution: %v", err)
	}

	patch := []byte(`{"peak_bid":"12","meta":{"note":"trailing"}}`)
	if err := store.MergeExecutionState(ctx, executionID, "watch", patch); err != nil {
		t.Fatalf("merge state: %v", err)
	}

	got, err := store.GetExecution(ctx, executionID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got == nil {
		t.Fatalf("execution not found")
	}
	if got.CurrentState != "watch" {
		t.Fatalf("current state = %s, want watch", got.CurrentState)
	}

	var state map[string]any
	if err := json.Unmarshal(got.State, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state["buy_price"] != "10" {
		t.Fatalf("buy_price = %v, want \"10\"", state["buy_price"])
	}
	if state["peak_bid"] != "12" {
		t.Fatalf("peak_bid = %v, want \"12\"", state["peak_bid"])
	}
	meta, ok := state["meta"].(map[string]any)
	if !ok {
		t.Fatalf("meta = %v", state["meta"])
	}
	if meta["attempt"] != float64(1) || meta["note"] != "trailing" {
		t.Fatalf("meta merged badly: %v", meta)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	host, err := pgContainer.Host(context.Background())
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := pgContainer.MappedPort(context.Background(), "5432/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/tradekit?sslmode=disable", host, port.Port())
	if err := migrations.Apply(context.Background(), dsn); err != nil {
		t.Fatalf("second apply: %v", err)
	}
}
