package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tradekit/tradekit/internal/numeric"
	"github.com/tradekit/tradekit/internal/schema"
)

func sampleOrder() schema.Order {
	return schema.Order{
		StrategyExecutionID: "exec-1",
		OrderID:             "exec-1_binance_ARK_ETH_buy_0.25_1",
		Exchange:            "binance",
		Pair:                schema.MustPair("ETH", "ARK"),
		Side:                schema.SideBuy,
		Type:                schema.TypeLimit,
		Amount:              numeric.FromInt(1),
		Price:               numeric.MustParse("0.25"),
		Status:              schema.StatusPending,
		ProcessingTime:      time.Now(),
	}
}

func TestOrderStoreNilPool(t *testing.T) {
	store := NewOrderStore(nil)
	ctx := context.Background()
	if err := store.InsertSnapshot(ctx, sampleOrder()); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.LatestSnapshot(ctx, "abc"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ListPending(ctx); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ListByStatus(ctx, schema.StatusOpen); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.WithTransaction(ctx, func(context.Context, pgx.Tx) error {
		return nil
	}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestTickerStoreNilPool(t *testing.T) {
	store := NewTickerStore(nil)
	ctx := context.Background()
	batch := []schema.Ticker{{
		Pair:           schema.MustPair("ETH", "ARK"),
		Exchange:       "binance",
		Bid:            numeric.MustParse("0.25"),
		Ask:            numeric.MustParse("0.26"),
		ProcessingTime: time.Now(),
	}}
	if err := store.InsertBatch(ctx, batch); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.WriteTickers(ctx, batch); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.Latest(ctx, "binance", schema.MustPair("ETH", "ARK")); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestStrategyStoreNilPool(t *testing.T) {
	store := NewStrategyStore(nil)
	ctx := context.Background()
	if err := store.SaveStrategy(ctx, schema.Strategy{StrategyID: "strat-1", Type: "newmarket"}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.GetStrategy(ctx, "strat-1"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.SaveExecution(ctx, schema.StrategyExecution{StrategyExecutionID: "exec-1"}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.GetExecution(ctx, "exec-1"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.MergeExecutionState(ctx, "exec-1", "watch", []byte(`{"a":1}`)); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}
