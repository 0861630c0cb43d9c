// Package strategy provides the state machine substrate that drives a single
// strategy execution, plus the concrete strategies built on it. States never
// call adapters or persistence directly; they go through the machine helpers
// so crash-safety lives in one place.
package strategy

import (
	"context"
	"time"

	"github.com/tradekit/tradekit/errs"
	"github.com/tradekit/tradekit/internal/engine"
	"github.com/tradekit/tradekit/internal/exchange"
	"github.com/tradekit/tradekit/internal/observability"
	"github.com/tradekit/tradekit/internal/schema"
)

// StateFailure is the reserved state every erroring state routes to.
const StateFailure = "failure"

// StateFunc runs one state. Returning an empty next selects the state's
// default successor; returning a name overrides it.
type StateFunc func(ctx context.Context) (next string, err error)

type stateEntry struct {
	fn        StateFunc
	successor string
	completed bool
}

// Machine drives one strategy execution through its registered states.
type Machine struct {
	execution *schema.StrategyExecution
	eng       *engine.Engine
	adapters  map[string]exchange.Adapter
	states    map[string]*stateEntry
	order     []string
	pause     time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
	clock     func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithPause sets the delay inserted when a state re-enters itself, e.g. a
// watch state polling tickers.
func WithPause(d time.Duration) Option {
	return func(m *Machine) { m.pause = d }
}

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(m *Machine) { m.clock = clock }
}

// NewMachine builds an empty machine for one execution.
func NewMachine(execution *schema.StrategyExecution, eng *engine.Engine, adapters map[string]exchange.Adapter, opts ...Option) *Machine {
	m := &Machine{
		execution: execution,
		eng:       eng,
		adapters:  adapters,
		states:    make(map[string]*stateEntry),
		pause:     time.Second,
		clock:     time.Now,
	}
	m.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
			return nil
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddState registers a named state with its default successor. An empty
// successor marks the state terminal unless its function routes elsewhere.
// The first registered state becomes the initial state when the execution
// does not already carry one.
func (m *Machine) AddState(name string, fn StateFunc, successor string) {
	m.states[name] = &stateEntry{fn: fn, successor: successor}
	m.order = append(m.order, name)
	if m.execution.CurrentState == "" {
		m.execution.CurrentState = name
	}
}

// Execution exposes the driven execution for typed state accessors.
func (m *Machine) Execution() *schema.StrategyExecution { return m.execution }

// Completed reports whether the named state has finished at least once.
func (m *Machine) Completed(name string) bool {
	entry, ok := m.states[name]
	return ok && entry.completed
}

// MergeState deep-merges patch into the execution state blob and stamps
// UpdatedAt.
func (m *Machine) MergeState(patch []byte) error {
	if err := m.execution.MergeState(patch); err != nil {
		return err
	}
	m.execution.UpdatedAt = m.clock()
	return nil
}

// PlaceOrders wraps the orders in a trade saga and dispatches them to the
// engine, each on its own exchange adapter. Order placement persists the
// pending snapshot and polls to fill.
func (m *Machine) PlaceOrders(ctx context.Context, orders ...schema.Order) ([]schema.Order, error) {
	saga := schema.NewTradeSaga(m.execution.StrategyExecutionID, orders...)
	return m.eng.ExecuteOrderSet(ctx, m.adapters, saga.Orders, engine.ExecOptions{
		WritePending:    true,
		PollUntilFilled: true,
	})
}

// Adapter returns the named adapter.
func (m *Machine) Adapter(name string) (exchange.Adapter, error) {
	adapter, ok := m.adapters[name]
	if !ok {
		return nil, errs.New(name, errs.CodeNotFound, errs.WithMessage("no adapter for "+name))
	}
	return adapter, nil
}

// Run drives the execution from its current state until a terminal state
// finishes or an error escapes. Any state error routes through the failure
// state (when registered) before the error is returned.
func (m *Machine) Run(ctx context.Context) error {
	current := m.execution.CurrentState
	if current == "" {
		return errs.New("strategy", errs.CodeInvalid, errs.WithMessage("no states registered"))
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, ok := m.states[current]
		if !ok {
			return errs.New("strategy", errs.CodeInvalid, errs.WithMessage("unknown state "+current))
		}
		observability.Log().Info("state entered",
			observability.F("strategy_execution_id", m.execution.StrategyExecutionID),
			observability.F("state", current))
		next, err := entry.fn(ctx)
		if err != nil {
			observability.Log().Warn("state failed",
				observability.F("strategy_execution_id", m.execution.StrategyExecutionID),
				observability.F("state", current),
				observability.F("error", err.Error()))
			m.runFailure(ctx, current)
			return err
		}
		entry.completed = true
		observability.Log().Info("state completed",
			observability.F("strategy_execution_id", m.execution.StrategyExecutionID),
			observability.F("state", current))
		if next == "" {
			next = entry.successor
		}
		if next == "" {
			return nil
		}
		if next == current && m.pause > 0 {
			if err := m.sleep(ctx, m.pause); err != nil {
				return err
			}
		}
		m.execution.CurrentState = next
		m.execution.UpdatedAt = m.clock()
		current = next
	}
}

// runFailure invokes the failure state once, if registered. Its own outcome
// never masks the original error.
func (m *Machine) runFailure(ctx context.Context, from string) {
	if from == StateFailure {
		return
	}
	entry, ok := m.states[StateFailure]
	if !ok {
		return
	}
	m.execution.CurrentState = StateFailure
	m.execution.UpdatedAt = m.clock()
	if _, err := entry.fn(ctx); err != nil {
		observability.Log().Warn("failure state errored",
			observability.F("strategy_execution_id", m.execution.StrategyExecutionID),
			observability.F("error", err.Error()))
		return
	}
	entry.completed = true
}
