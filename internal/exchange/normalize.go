package exchange

import (
	"strings"
	"time"

	"github.com/tradekit/tradekit/internal/numeric"
	"github.com/tradekit/tradekit/internal/schema"
)

// NormalizeStatus maps a venue status string plus fill quantity onto the
// canonical order status: "closed" means filled; a cancel with a non-zero
// fill becomes cancelled_and_partially_filled; an open order with a non-zero
// fill becomes partially_filled.
func NormalizeStatus(raw string, filled numeric.Amount) schema.OrderStatus {
	hasFill := !filled.IsUnset() && filled.Sign() > 0
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "closed", "filled", "done", "executed":
		return schema.StatusFilled
	case "canceled", "cancelled", "cancel":
		if hasFill {
			return schema.StatusCancelledAndPartiallyFilled
		}
		return schema.StatusCancelled
	case "open", "new", "active", "live", "partially_filled", "partiallyfilled":
		if hasFill {
			return schema.StatusPartiallyFilled
		}
		return schema.StatusOpen
	case "pending", "submitting":
		return schema.StatusPending
	default:
		if hasFill {
			return schema.StatusPartiallyFilled
		}
		return schema.StatusOpen
	}
}

// FillOrderQuantities completes an order snapshot from whatever subset of
// (filled, remaining) the venue reported, preserving remaining+filled=amount.
func FillOrderQuantities(order schema.Order) schema.Order {
	switch {
	case order.Filled.IsUnset() && order.Remaining.IsUnset():
		order.Filled = numeric.Zero()
		order.Remaining = order.Amount
	case order.Filled.IsUnset():
		order.Filled = order.Amount.Sub(order.Remaining)
	case order.Remaining.IsUnset():
		order.Remaining = order.Amount.Sub(order.Filled)
	}
	return order
}

// StampProcessed sets the processing clock on an order snapshot.
func StampProcessed(order schema.Order, now time.Time) schema.Order {
	order.ProcessingTime = now
	return order
}
