package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/tradekit/tradekit/internal/schema"
)

// OrderWriter is the persistence surface the engine needs: append-only order
// snapshots plus the reads that drive reconciliation.
type OrderWriter interface {
	InsertSnapshot(ctx context.Context, order schema.Order) error
	LatestSnapshot(ctx context.Context, orderID string) (*schema.Order, error)
	ListPending(ctx context.Context) ([]schema.Order, error)
}

// MemoryWriter keeps snapshots in memory. Backtests and tests use it in place
// of the Postgres store.
type MemoryWriter struct {
	mu        sync.Mutex
	snapshots map[string][]schema.Order
}

// NewMemoryWriter returns an empty in-memory writer.
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{snapshots: make(map[string][]schema.Order)}
}

// InsertSnapshot implements OrderWriter.
func (w *MemoryWriter) InsertSnapshot(_ context.Context, order schema.Order) error {
	w.mu.Lock()
	w.snapshots[order.OrderID] = append(w.snapshots[order.OrderID], order)
	w.mu.Unlock()
	return nil
}

// LatestSnapshot implements OrderWriter.
func (w *MemoryWriter) LatestSnapshot(_ context.Context, orderID string) (*schema.Order, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	history := w.snapshots[orderID]
	if len(history) == 0 {
		return nil, nil
	}
	latest := history[len(history)-1]
	return &latest, nil
}

// ListPending implements OrderWriter. An order counts as pending when its
// latest snapshot never progressed past the pending state.
func (w *MemoryWriter) ListPending(_ context.Context) ([]schema.Order, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var pending []schema.Order
	for _, history := range w.snapshots {
		latest := history[len(history)-1]
		if latest.Status == schema.StatusPending {
			pending = append(pending, latest)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].OrderID < pending[j].OrderID })
	return pending, nil
}

// History returns every snapshot recorded for the order, oldest first.
func (w *MemoryWriter) History(orderID string) []schema.Order {
	w.mu.Lock()
	defer w.mu.Unlock()
	history := w.snapshots[orderID]
	out := make([]schema.Order, len(history))
	copy(out, history)
	return out
}
