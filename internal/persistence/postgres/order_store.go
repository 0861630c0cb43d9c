package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradekit/tradekit/internal/numeric"
	"github.com/tradekit/tradekit/internal/schema"
)

// OrderStore persists order lifecycle snapshots. Every transition appends a
// row; the latest snapshot of an order is the max (status_rank,
// processing_time) row, and the insert itself refuses backward transitions.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const (
	orderInsertSQL = `
INSERT INTO orders (
    order_id,
    strategy_execution_id,
    exchange_order_id,
    exchange_id,
    pair,
    order_side,
    order_type,
    amount,
    price,
    filled,
    remaining,
    order_status,
    status_rank,
    event_time,
    processing_time,
    created_at
)
SELECT
    @order_id,
    @strategy_execution_id,
    @exchange_order_id,
    @exchange_id,
    @pair,
    @order_side,
    @order_type,
    @amount::numeric,
    @price::numeric,
    @filled::numeric,
    @remaining::numeric,
    @order_status,
    @status_rank,
    @event_time,
    @processing_time,
    NOW()
WHERE NOT EXISTS (
    SELECT 1 FROM orders o
    WHERE o.order_id = @order_id
      AND (o.status_rank > @status_rank
           OR (o.status_rank = @status_rank AND o.processing_time > @processing_time))
);
`

	orderSelectBase = `
SELECT
    o.order_id,
    o.strategy_execution_id,
    COALESCE(o.exchange_order_id, ''),
    o.exchange_id,
    o.pair,
    o.order_side,
    o.order_type,
    o.amount::text,
    o.price::text,
    o.filled::text,
    o.remaining::text,
    o.order_status,
    o.event_time,
    o.processing_time
FROM orders o
`

	orderLatestSQL = orderSelectBase + `
WHERE o.order_id = @order_id
ORDER BY o.status_rank DESC, o.processing_time DESC
LIMIT 1;
`

	orderLatestPerOrderSQL = `
SELECT
    s.order_id,
    s.strategy_execution_id,
    s.exchange_order_id,
    s.exchange_id,
    s.pair,
    s.order_side,
    s.order_type,
    s.amount,
    s.price,
    s.filled,
    s.remaining,
    s.order_status,
    s.event_time,
    s.processing_time
FROM (
    SELECT DISTINCT ON (o.order_id)
        o.order_id,
        o.strategy_execution_id,
        COALESCE(o.exchange_order_id, '') AS exchange_order_id,
        o.exchange_id,
        o.pair,
        o.order_side,
        o.order_type,
        o.amount::text AS amount,
        o.price::text AS price,
        o.filled::text AS filled,
        o.remaining::text AS remaining,
        o.order_status,
        o.event_time,
        o.processing_time
    FROM orders o
    ORDER BY o.order_id, o.status_rank DESC, o.processing_time DESC
) s
WHERE s.order_status = @order_status
ORDER BY s.order_id;
`
)

func (s *OrderStore) ensurePool() (*pgxpool.Pool, error) {
	return ensurePool(s.pool, "order store")
}

// InsertSnapshot appends one snapshot row. A snapshot older than the stored
// latest, by (status_rank, processing_time), is rejected.
func (s *OrderStore) InsertSnapshot(ctx context.Context, order schema.Order) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(order.OrderID) == "" {
		return fmt.Errorf("order store: order id required")
	}
	if err := order.Validate(); err != nil {
		return err
	}
	processingTime := order.ProcessingTime
	if processingTime.IsZero() {
		processingTime = time.Now()
	}
	args := pgx.NamedArgs{
		"order_id":              order.OrderID,
		"strategy_execution_id": order.StrategyExecutionID,
		"exchange_order_id":     nullableString(order.ExchangeOrderID),
		"exchange_id":           order.Exchange,
		"pair":                  order.Pair.Underscore(),
		"order_side":            string(order.Side),
		"order_type":            string(order.Type),
		"amount":                order.Amount.String(),
		"price":                 nullableAmount(order.Price),
		"filled":                nullableAmount(order.Filled),
		"remaining":             nullableAmount(order.Remaining),
		"order_status":          string(order.Status),
		"status_rank":           order.Status.Rank(),
		"event_time":            nullableTime(order.EventTime),
		"processing_time":       processingTime,
	}
	tag, err := pool.Exec(ctx, orderInsertSQL, args)
	if err != nil {
		return fmt.Errorf("order store: insert snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order store: stale snapshot for %s (%s)", order.OrderID, order.Status)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot of the order, or nil when the
// order has never been persisted.
func (s *OrderStore) LatestSnapshot(ctx context.Context, orderID string) (*schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	row := pool.QueryRow(ctx, orderLatestSQL, pgx.NamedArgs{"order_id": orderID})
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("order store: latest snapshot: %w", err)
	}
	return &order, nil
}

// ListPending returns orders whose latest snapshot is still pending.
func (s *OrderStore) ListPending(ctx context.Context) ([]schema.Order, error) {
	return s.ListByStatus(ctx, schema.StatusPending)
}

// ListByStatus returns orders whose latest snapshot carries the given status.
func (s *OrderStore) ListByStatus(ctx context.Context, status schema.OrderStatus) ([]schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, orderLatestPerOrderSQL, pgx.NamedArgs{"order_status": string(status)})
	if err != nil {
		return nil, fmt.Errorf("order store: list by status: %w", err)
	}
	defer rows.Close()
	var out []schema.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("order store: list by status: %w", err)
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: list by status: %w", err)
	}
	return out, nil
}

// WithTransaction executes fn within one database transaction; any error
// rolls the whole batch back.
func (s *OrderStore) WithTransaction(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("order store: transaction callback required")
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return withTransaction(ctx, pool, "order store", func(tx pgx.Tx) error {
		return fn(ctx, tx)
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (schema.Order, error) {
	var (
		order                             schema.Order
		pairText, side, orderType, status string
		amount, price, filled, remaining  *string
		eventTime                         *time.Time
	)
	err := row.Scan(
		&order.OrderID,
		&order.StrategyExecutionID,
		&order.ExchangeOrderID,
		&order.Exchange,
		&pairText,
		&side,
		&orderType,
		&amount,
		&price,
		&filled,
		&remaining,
		&status,
		&eventTime,
		&order.ProcessingTime,
	)
	if err != nil {
		return schema.Order{}, err
	}
	pair, err := schema.PairFromUnderscore(pairText)
	if err != nil {
		return schema.Order{}, err
	}
	order.Pair = pair
	order.Side = schema.OrderSide(side)
	order.Type = schema.OrderType(orderType)
	order.Status = schema.OrderStatus(status)
	if order.Amount, err = parseAmount(amount); err != nil {
		return schema.Order{}, err
	}
	if order.Price, err = parseAmount(price); err != nil {
		return schema.Order{}, err
	}
	if order.Filled, err = parseAmount(filled); err != nil {
		return schema.Order{}, err
	}
	if order.Remaining, err = parseAmount(remaining); err != nil {
		return schema.Order{}, err
	}
	if eventTime != nil {
		order.EventTime = *eventTime
	}
	return order, nil
}

func parseAmount(text *string) (numeric.Amount, error) {
	if text == nil {
		return numeric.Unset(), nil
	}
	return numeric.FromString(*text)
}

func nullableAmount(amount numeric.Amount) any {
	if amount.IsUnset() {
		return nil
	}
	return amount.String()
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nullableTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value
}
