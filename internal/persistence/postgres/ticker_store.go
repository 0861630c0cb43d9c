package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradekit/tradekit/internal/schema"
)

// TickerStore persists top-of-book snapshots.
type TickerStore struct {
	pool *pgxpool.Pool
}

// NewTickerStore constructs a TickerStore backed by the provided pool.
func NewTickerStore(pool *pgxpool.Pool) *TickerStore {
	return &TickerStore{pool: pool}
}

const (
	tickerInsertSQL = `
INSERT INTO tickers (
    exchange_id,
    pair,
    ask,
    bid,
    last,
    version,
    event_time,
    processing_time,
    created_at
)
VALUES (
    @exchange_id,
    @pair,
    @ask::numeric,
    @bid::numeric,
    @last::numeric,
    @version,
    @event_time,
    @processing_time,
    NOW()
);
`

	tickerLatestSQL = `
SELECT
    t.exchange_id,
    t.pair,
    t.ask::text,
    t.bid::text,
    t.last::text,
    t.version,
    t.event_time,
    t.processing_time
FROM tickers t
WHERE t.exchange_id = @exchange_id AND t.pair = @pair
ORDER BY t.processing_time DESC
LIMIT 1;
`
)

func (s *TickerStore) ensurePool() (*pgxpool.Pool, error) {
	return ensurePool(s.pool, "ticker store")
}

// InsertBatch appends every ticker in one batched round trip.
func (s *TickerStore) InsertBatch(ctx context.Context, tickers []schema.Ticker) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if len(tickers) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ticker := range tickers {
		processingTime := ticker.ProcessingTime
		if processingTime.IsZero() {
			processingTime = time.Now()
		}
		batch.Queue(tickerInsertSQL, pgx.NamedArgs{
			"exchange_id":     ticker.Exchange,
			"pair":            ticker.Pair.Underscore(),
			"ask":             nullableAmount(ticker.Ask),
			"bid":             nullableAmount(ticker.Bid),
			"last":            nullableAmount(ticker.Last),
			"version":         ticker.Version,
			"event_time":      nullableTime(ticker.EventTime),
			"processing_time": processingTime,
		})
	}
	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for range tickers {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("ticker store: insert batch: %w", err)
		}
	}
	return nil
}

// WriteTickers adapts InsertBatch to the aggregation sink contract.
func (s *TickerStore) WriteTickers(ctx context.Context, tickers []schema.Ticker) error {
	return s.InsertBatch(ctx, tickers)
}

// Latest returns the newest stored ticker for (exchange, pair), or nil.
func (s *TickerStore) Latest(ctx context.Context, exchange string, pair schema.Pair) (*schema.Ticker, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	row := pool.QueryRow(ctx, tickerLatestSQL, pgx.NamedArgs{
		"exchange_id": exchange,
		"pair":        pair.Underscore(),
	})
	var (
		ticker         schema.Ticker
		pairText       string
		ask, bid, last *string
		eventTime      *time.Time
	)
	err = row.Scan(
		&ticker.Exchange,
		&pairText,
		&ask,
		&bid,
		&last,
		&ticker.Version,
		&eventTime,
		&ticker.ProcessingTime,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ticker store: latest: %w", err)
	}
	if ticker.Pair, err = schema.PairFromUnderscore(pairText); err != nil {
		return nil, err
	}
	if ticker.Ask, err = parseAmount(ask); err != nil {
		return nil, err
	}
	if ticker.Bid, err = parseAmount(bid); err != nil {
		return nil, err
	}
	if ticker.Last, err = parseAmount(last); err != nil {
		return nil, err
	}
	if eventTime != nil {
		ticker.EventTime = *eventTime
	}
	return &ticker, nil
}
