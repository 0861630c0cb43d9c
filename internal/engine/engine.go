// Package engine executes orders against exchange adapters and records every
// lifecycle snapshot. The engine never fabricates terminal states: only a
// venue response can mark an order filled or cancelled.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tradekit/tradekit/errs"
	"github.com/tradekit/tradekit/internal/exchange"
	"github.com/tradekit/tradekit/internal/numeric"
	"github.com/tradekit/tradekit/internal/observability"
	"github.com/tradekit/tradekit/internal/schema"
	"github.com/tradekit/tradekit/lib/async"
)

const (
	// DefaultWorkers sizes the fan-out pool for order sets.
	DefaultWorkers = 10
	// DefaultMaxPolls bounds fill polling after placement.
	DefaultMaxPolls = 3
	// DefaultPollInterval separates fill polls.
	DefaultPollInterval = 4 * time.Second
)

// Config tunes engine behaviour.
type Config struct {
	Workers      int
	MaxPolls     int
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = DefaultMaxPolls
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// ExecOptions control one execution.
type ExecOptions struct {
	// WritePending records a pending snapshot before the venue call so a
	// crash between write and acknowledgement leaves a reconcilable row.
	WritePending bool
	// PollUntilFilled polls the venue for a fill after placement.
	PollUntilFilled bool
}

// Engine places orders and persists their snapshot history.
type Engine struct {
	writer OrderWriter
	cfg    Config
	sleep  func(ctx context.Context, d time.Duration) error
}

// New constructs an engine over the given snapshot writer.
func New(writer OrderWriter, cfg Config) *Engine {
	return &Engine{
		writer: writer,
		cfg:    cfg.withDefaults(),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// persist records a snapshot after checking it moves the order forward.
// Backward transitions mean the caller raced a fresher snapshot and are
// rejected.
func (e *Engine) persist(ctx context.Context, order schema.Order) error {
	latest, err := e.writer.LatestSnapshot(ctx, order.OrderID)
	if err != nil {
		return err
	}
	if latest != nil && !latest.Status.CanTransitionTo(order.Status) {
		return errs.New(order.Exchange, errs.CodeInvalid,
			errs.WithMessage("rejected transition "+string(latest.Status)+" -> "+string(order.Status)+
				" for "+order.OrderID))
	}
	return e.writer.InsertSnapshot(ctx, order)
}

// ExecuteOrder runs the full placement protocol for one order: optional
// pending write, venue placement, open write, then bounded fill polling. The
// returned order is the freshest snapshot observed.
func (e *Engine) ExecuteOrder(ctx context.Context, adapter exchange.Adapter, order schema.Order, opts ExecOptions) (schema.Order, error) {
	started := time.Now()
	order.Exchange = adapter.Name()
	order = order.WithSyntheticID()
	if err := order.Validate(); err != nil {
		return schema.Order{}, err
	}

	if opts.WritePending {
		pending := order
		pending.Status = schema.StatusPending
		pending.ProcessingTime = time.Now()
		if err := e.writer.InsertSnapshot(ctx, pending); err != nil {
			return schema.Order{}, err
		}
	}

	placed, err := e.place(ctx, adapter, order)
	if err != nil {
		observability.Telemetry().IncCounter("engine.orders.failed", 1,
			map[string]string{"exchange": adapter.Name()})
		return schema.Order{}, err
	}
	// Below-minimum placements are terminal on arrival and skip the open
	// write; the rejection is recorded as-is.
	if placed.Status == schema.StatusInsufficientOrderSize {
		if err := e.writer.InsertSnapshot(ctx, placed); err != nil {
			return schema.Order{}, err
		}
		return placed, nil
	}
	if err := e.persist(ctx, placed); err != nil {
		return schema.Order{}, err
	}

	final := placed
	if opts.PollUntilFilled {
		final, err = e.pollForFill(ctx, adapter, placed)
		if err != nil {
			return schema.Order{}, err
		}
	}

	observability.Telemetry().IncCounter("engine.orders.executed", 1,
		map[string]string{"exchange": adapter.Name(), "status": string(final.Status)})
	observability.Telemetry().ObserveHistogram("engine.execute.duration_seconds",
		time.Since(started).Seconds(), map[string]string{"exchange": adapter.Name()})
	return final, nil
}

func (e *Engine) place(ctx context.Context, adapter exchange.Adapter, order schema.Order) (schema.Order, error) {
	switch order.Side {
	case schema.SideBuy:
		return adapter.CreateLimitBuyOrder(ctx, order)
	case schema.SideSell:
		return adapter.CreateLimitSellOrder(ctx, order)
	default:
		return schema.Order{}, errs.New(adapter.Name(), errs.CodeInvalid,
			errs.WithMessage("unknown order side "+string(order.Side)))
	}
}

// pollForFill polls the venue up to MaxPolls times. Venue-confirmed terminal
// snapshots are persisted and returned; otherwise the freshest non-terminal
// snapshot wins.
func (e *Engine) pollForFill(ctx context.Context, adapter exchange.Adapter, placed schema.Order) (schema.Order, error) {
	newest := placed
	for attempt := 0; attempt < e.cfg.MaxPolls; attempt++ {
		if err := e.sleep(ctx, e.cfg.PollInterval); err != nil {
			return schema.Order{}, err
		}
		fetched, err := adapter.FetchOrder(ctx, placed.ExchangeOrderID, placed.Pair)
		if err != nil {
			return schema.Order{}, err
		}
		snapshot := *fetched
		snapshot.OrderID = placed.OrderID
		snapshot.StrategyExecutionID = placed.StrategyExecutionID

		if snapshot.Status.Terminal() {
			if err := e.persist(ctx, snapshot); err != nil {
				return schema.Order{}, err
			}
			return snapshot, nil
		}
		if snapshot.Status == schema.StatusPartiallyFilled && snapshot.After(newest) {
			if err := e.persist(ctx, snapshot); err != nil {
				return schema.Order{}, err
			}
		}
		if snapshot.After(newest) {
			newest = snapshot
		}
	}
	return newest, nil
}

// ExecuteOrderSet fans a saga's orders out onto a bounded worker pool, one
// task per order. Results keep the input order's position; the joined error
// carries every per-order failure.
func (e *Engine) ExecuteOrderSet(ctx context.Context, adapters map[string]exchange.Adapter, orders []schema.Order, opts ExecOptions) ([]schema.Order, error) {
	if len(orders) == 0 {
		return nil, nil
	}
	pool, err := async.NewPool(e.cfg.Workers, len(orders))
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	results := make([]schema.Order, len(orders))
	failures := make([]error, len(orders))
	var wg sync.WaitGroup
	for i, order := range orders {
		i, order := i, order
		adapter, ok := adapters[order.Exchange]
		if !ok {
			failures[i] = errs.New(order.Exchange, errs.CodeInvalid,
				errs.WithMessage("no adapter registered for "+order.Exchange))
			continue
		}
		wg.Add(1)
		submitErr := pool.Submit(ctx, func(taskCtx context.Context) error {
			defer wg.Done()
			result, execErr := e.ExecuteOrder(taskCtx, adapter, order, opts)
			if execErr != nil {
				failures[i] = execErr
				return execErr
			}
			results[i] = result
			return nil
		})
		if submitErr != nil {
			wg.Done()
			failures[i] = submitErr
		}
	}
	wg.Wait()
	return results, errors.Join(failures...)
}

// Reconcile resolves orders stranded in the pending state by a crash. Venues
// that accept client order ids are queried by the synthetic id; everywhere
// else the row stays pending for an operator, because blind re-submission
// cannot be made safe without a client order id.
func (e *Engine) Reconcile(ctx context.Context, adapters map[string]exchange.Adapter) error {
	pending, err := e.writer.ListPending(ctx)
	if err != nil {
		return err
	}
	var failures []error
	for _, order := range pending {
		adapter, ok := adapters[order.Exchange]
		if !ok {
			failures = append(failures, errs.New(order.Exchange, errs.CodeInvalid,
				errs.WithMessage("no adapter registered for "+order.Exchange)))
			continue
		}
		if err := e.reconcileOne(ctx, adapter, order); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

func (e *Engine) reconcileOne(ctx context.Context, adapter exchange.Adapter, order schema.Order) error {
	lookup, supported := adapter.(exchange.ClientOrderIDs)
	if supported {
		found, err := lookup.FetchOrderByClientID(ctx, order.OrderID, order.Pair)
		if err == nil {
			snapshot := *found
			snapshot.OrderID = order.OrderID
			snapshot.StrategyExecutionID = order.StrategyExecutionID
			observability.Log().Info("reconciled pending order",
				observability.F("order_id", order.OrderID),
				observability.F("exchange", adapter.Name()),
				observability.F("status", string(snapshot.Status)))
			// A found order reached the venue before the crash; record open
			// first so a terminal snapshot never skips a state.
			if snapshot.Status != schema.StatusOpen {
				open := snapshot
				open.Status = schema.StatusOpen
				open.Filled = numeric.Zero()
				open.Remaining = open.Amount
				if err := e.persist(ctx, open); err != nil {
					return err
				}
			}
			return e.persist(ctx, snapshot)
		}
		if errs.CodeOf(err) != errs.CodeNotFound {
			return err
		}
		observability.Log().Warn("pending order unknown to venue, leaving for operator",
			observability.F("order_id", order.OrderID),
			observability.F("exchange", adapter.Name()))
		return nil
	}
	observability.Log().Warn("venue lacks client order ids, leaving pending for operator",
		observability.F("order_id", order.OrderID),
		observability.F("exchange", adapter.Name()))
	return nil
}
