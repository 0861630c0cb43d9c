// Package postgres holds the pgx-backed stores. SQL lives in named-argument
// constants next to the store that runs it; every store tolerates a nil pool
// by failing fast instead of panicking.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store bundles the per-entity stores over one shared pool.
type Store struct {
	Orders     *OrderStore
	Tickers    *TickerStore
	Strategies *StrategyStore
}

// New constructs the store bundle.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Orders:     NewOrderStore(pool),
		Tickers:    NewTickerStore(pool),
		Strategies: NewStrategyStore(pool),
	}
}

// Connect parses the DSN and opens a pool, verifying connectivity once.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

func ensurePool(pool *pgxpool.Pool, name string) (*pgxpool.Pool, error) {
	if pool == nil {
		return nil, fmt.Errorf("%s: nil pool", name)
	}
	return pool, nil
}

func withTransaction(ctx context.Context, pool *pgxpool.Pool, name string, fn func(pgx.Tx) error) error {
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("%s: begin tx: %w", name, err)
	}
	if runErr := fn(tx); runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%s: rollback tx: %w (original error: %v)", name, rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("%s: commit tx: %w", name, err)
	}
	return nil
}
