package schema

import "github.com/google/uuid"

// TradeSaga groups orders whose business intent is joint, e.g. both legs of
// an arbitrage. Execution is at-least-once best-effort: a failed order does
// not roll back the saga's successful orders.
type TradeSaga struct {
	StrategyExecutionID string  `json:"strategy_execution_id"`
	SagaID              string  `json:"trade_saga_id"`
	Orders              []Order `json:"orders"`
}

// NewTradeSaga assigns a fresh saga id and stamps each order with the
// strategy execution id and its synthetic order id.
func NewTradeSaga(strategyExecutionID string, orders ...Order) TradeSaga {
	stamped := make([]Order, 0, len(orders))
	for _, order := range orders {
		order.StrategyExecutionID = strategyExecutionID
		stamped = append(stamped, order.WithSyntheticID())
	}
	return TradeSaga{
		StrategyExecutionID: strategyExecutionID,
		SagaID:              uuid.NewString(),
		Orders:              stamped,
	}
}
