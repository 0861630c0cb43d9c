package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradekit/tradekit/internal/schema"
)

// StrategyStore persists strategy definitions and their executions.
// Properties and State are schemaless JSONB; state mutation deep-merges at
// the application layer inside one transaction.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore constructs a StrategyStore backed by the provided pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

const (
	strategyUpsertSQL = `
INSERT INTO strategy (
    strategy_id,
    strategy_type,
    properties,
    created_at
)
VALUES (
    @strategy_id,
    @strategy_type,
    @properties::jsonb,
    NOW()
)
ON CONFLICT (strategy_id) DO UPDATE SET
    strategy_type = EXCLUDED.strategy_type,
    properties = EXCLUDED.properties;
`

	strategySelectSQL = `
SELECT
    s.strategy_id,
    s.strategy_type,
    s.properties,
    s.created_at
FROM strategy s
WHERE s.strategy_id = @strategy_id;
`

	executionUpsertSQL = `
INSERT INTO strategy_execution (
    strategy_execution_id,
    strategy_id,
    state,
    current_state,
    started_at,
    updated_at
)
VALUES (
    @strategy_execution_id,
    @strategy_id,
    @state::jsonb,
    @current_state,
    @started_at,
    NOW()
)
ON CONFLICT (strategy_execution_id) DO UPDATE SET
    state = EXCLUDED.state,
    current_state = EXCLUDED.current_state,
    updated_at = NOW();
`

	executionSelectSQL = `
SELECT
    e.strategy_execution_id,
    e.strategy_id,
    e.state,
    e.current_state,
    e.started_at,
    e.updated_at
FROM strategy_execution e
WHERE e.strategy_execution_id = @strategy_execution_id
`

	executionStateUpdateSQL = `
UPDATE strategy_execution
SET state = @state::jsonb,
    current_state = @current_state,
    updated_at = NOW()
WHERE strategy_execution_id = @strategy_execution_id;
`
)

func (s *StrategyStore) ensurePool() (*pgxpool.Pool, error) {
	return ensurePool(s.pool, "strategy store")
}

// SaveStrategy upserts one strategy definition.
func (s *StrategyStore) SaveStrategy(ctx context.Context, strategy schema.Strategy) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(strategy.StrategyID) == "" {
		return fmt.Errorf("strategy store: strategy id required")
	}
	args := pgx.NamedArgs{
		"strategy_id":   strategy.StrategyID,
		"strategy_type": strategy.Type,
		"properties":    jsonbOrEmpty(strategy.Properties),
	}
	if _, err := pool.Exec(ctx, strategyUpsertSQL, args); err != nil {
		return fmt.Errorf("strategy store: upsert strategy: %w", err)
	}
	return nil
}

// GetStrategy loads one strategy definition, nil when absent.
func (s *StrategyStore) GetStrategy(ctx context.Context, strategyID string) (*schema.Strategy, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	row := pool.QueryRow(ctx, strategySelectSQL, pgx.NamedArgs{"strategy_id": strategyID})
	var strategy schema.Strategy
	var properties []byte
	err = row.Scan(&strategy.StrategyID, &strategy.Type, &properties, &strategy.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("strategy store: get strategy: %w", err)
	}
	strategy.Properties = properties
	return &strategy, nil
}

// SaveExecution upserts one strategy execution snapshot.
func (s *StrategyStore) SaveExecution(ctx context.Context, execution schema.StrategyExecution) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(execution.StrategyExecutionID) == "" {
		return fmt.Errorf("strategy store: execution id required")
	}
	startedAt := execution.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	args := pgx.NamedArgs{
		"strategy_execution_id": execution.StrategyExecutionID,
		"strategy_id":           execution.StrategyID,
		"state":                 jsonbOrEmpty(execution.State),
		"current_state":         execution.CurrentState,
		"started_at":            startedAt,
	}
	if _, err := pool.Exec(ctx, executionUpsertSQL, args); err != nil {
		return fmt.Errorf("strategy store: upsert execution: %w", err)
	}
	return nil
}

// GetExecution loads one execution, nil when absent.
func (s *StrategyStore) GetExecution(ctx context.Context, executionID string) (*schema.StrategyExecution, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	row := pool.QueryRow(ctx, executionSelectSQL+";", pgx.NamedArgs{"strategy_execution_id": executionID})
	execution, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("strategy store: get execution: %w", err)
	}
	return &execution, nil
}

// MergeExecutionState deep-merges patch into the stored state blob and moves
// current_state, all inside one transaction so concurrent writers serialise
// on the row lock.
func (s *StrategyStore) MergeExecutionState(ctx context.Context, executionID, currentState string, patch []byte) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return withTransaction(ctx, pool, "strategy store", func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, executionSelectSQL+" FOR UPDATE;",
			pgx.NamedArgs{"strategy_execution_id": executionID})
		execution, err := scanExecution(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("strategy store: no execution %s", executionID)
		}
		if err != nil {
			return fmt.Errorf("strategy store: load execution: %w", err)
		}
		merged, err := schema.DeepMergeJSON(execution.State, patch)
		if err != nil {
			return err
		}
		if currentState == "" {
			currentState = execution.CurrentState
		}
		_, err = tx.Exec(ctx, executionStateUpdateSQL, pgx.NamedArgs{
			"strategy_execution_id": executionID,
			"state":                 merged,
			"current_state":         currentState,
		})
		if err != nil {
			return fmt.Errorf("strategy store: update state: %w", err)
		}
		return nil
	})
}

func scanExecution(row rowScanner) (schema.StrategyExecution, error) {
	var execution schema.StrategyExecution
	var state []byte
	err := row.Scan(
		&execution.StrategyExecutionID,
		&execution.StrategyID,
		&state,
		&execution.CurrentState,
		&execution.StartedAt,
		&execution.UpdatedAt,
	)
	if err != nil {
		return schema.StrategyExecution{}, err
	}
	execution.State = state
	return execution, nil
}

func jsonbOrEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}
