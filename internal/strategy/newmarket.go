package strategy

import (
	"context"

	json "github.com/goccy/go-json"

	"github.com/tradekit/tradekit/errs"
	"github.com/tradekit/tradekit/internal/engine"
	"github.com/tradekit/tradekit/internal/exchange"
	"github.com/tradekit/tradekit/internal/numeric"
	"github.com/tradekit/tradekit/internal/schema"
)

// TypeNewMarket is the strategy type tag for the new-market strategy.
const TypeNewMarket = "newmarket"

// NewMarketProperties is the typed view of a newmarket strategy's Properties
// blob: buy once on a venue, then watch the ticker and trail a sell behind
// the peak bid.
type NewMarketProperties struct {
	Exchange     string         `json:"exchange_id"`
	Pair         schema.Pair    `json:"pair"`
	Spend        numeric.Amount `json:"spend"`
	TrailPercent numeric.Amount `json:"trail_percent"`
}

// ParseNewMarketProperties decodes and validates a Properties blob.
func ParseNewMarketProperties(raw json.RawMessage) (NewMarketProperties, error) {
	var props NewMarketProperties
	if err := json.Unmarshal(raw, &props); err != nil {
		return props, errs.New("strategy", errs.CodeInvalid,
			errs.WithMessage("decode newmarket properties"), errs.WithCause(err))
	}
	if props.Exchange == "" {
		return props, errs.New("strategy", errs.CodeInvalid, errs.WithMessage("newmarket: missing exchange"))
	}
	if props.Pair.IsZero() {
		return props, errs.New("strategy", errs.CodeInvalid, errs.WithMessage("newmarket: missing pair"))
	}
	if props.Spend.IsUnset() || props.Spend.Sign() <= 0 {
		return props, errs.New("strategy", errs.CodeInvalid, errs.WithMessage("newmarket: spend must be positive"))
	}
	one := numeric.FromInt(1)
	if props.TrailPercent.Sign() <= 0 || !props.TrailPercent.LessThan(one) {
		return props, errs.New("strategy", errs.CodeInvalid, errs.WithMessage("newmarket: trail_percent must be in (0, 1)"))
	}
	return props, nil
}

// newMarketState is the typed view of the execution State blob.
type newMarketState struct {
	BuyOrderID  string         `json:"buy_order_id"`
	BuyPrice    numeric.Amount `json:"buy_price"`
	Position    numeric.Amount `json:"position"`
	PeakBid     numeric.Amount `json:"peak_bid"`
	SellOrderID string         `json:"sell_order_id"`
	SellPrice   numeric.Amount `json:"sell_price"`
	Done        bool           `json:"done"`
	Failed      bool           `json:"failed"`
}

// NewMarket buys into a freshly listed market and trails a sell behind the
// peak bid. States: buy, watch, adjust_sell, complete.
type NewMarket struct {
	machine *Machine
	props   NewMarketProperties
}

// NewMarketFrom wires a newmarket strategy onto a machine for the given
// execution.
func NewMarketFrom(def schema.Strategy, execution *schema.StrategyExecution, eng *engine.Engine, adapters map[string]exchange.Adapter, opts ...Option) (*NewMarket, error) {
	props, err := ParseNewMarketProperties(def.Properties)
	if err != nil {
		return nil, err
	}
	s := &NewMarket{
		machine: NewMachine(execution, eng, adapters, opts...),
		props:   props,
	}
	s.machine.AddState("buy", s.buy, "watch")
	s.machine.AddState("watch", s.watch, "adjust_sell")
	s.machine.AddState("adjust_sell", s.adjustSell, "complete")
	s.machine.AddState("complete", s.complete, "")
	s.machine.AddState(StateFailure, s.failure, "")
	return s, nil
}

// Run drives the strategy to completion.
func (s *NewMarket) Run(ctx context.Context) error { return s.machine.Run(ctx) }

// Machine exposes the underlying machine, mainly for inspection in callers.
func (s *NewMarket) Machine() *Machine { return s.machine }

func (s *NewMarket) snapshot() (newMarketState, error) {
	var st newMarketState
	raw := s.machine.Execution().State
	if len(raw) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, errs.New("strategy", errs.CodeInvalid,
			errs.WithMessage("decode newmarket state"), errs.WithCause(err))
	}
	return st, nil
}

func (s *NewMarket) merge(patch any) error {
	encoded, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	return s.machine.MergeState(encoded)
}

func (s *NewMarket) latestTicker(ctx context.Context) (schema.Ticker, error) {
	adapter, err := s.machine.Adapter(s.props.Exchange)
	if err != nil {
		return schema.Ticker{}, err
	}
	if _, err := adapter.FetchLatestTickers(ctx); err != nil {
		return schema.Ticker{}, err
	}
	ticker, ok := adapter.GetTicker(s.props.Pair.Underscore())
	if !ok {
		return schema.Ticker{}, errs.New(s.props.Exchange, errs.CodeNotFound,
			errs.WithMessage("no ticker for "+s.props.Pair.Slash()))
	}
	return ticker, nil
}

// buy spends the configured quote amount at the ask.
func (s *NewMarket) buy(ctx context.Context) (string, error) {
	ticker, err := s.latestTicker(ctx)
	if err != nil {
		return "", err
	}
	price := ticker.Ask
	if price.IsUnset() {
		price = ticker.Last
	}
	if price.IsUnset() || price.Sign() <= 0 {
		return "", errs.New(s.props.Exchange, errs.CodeInvalid,
			errs.WithMessage("no buy price for "+s.props.Pair.Slash()))
	}
	amount := s.props.Spend.Div(price)
	results, err := s.machine.PlaceOrders(ctx, schema.Order{
		Exchange: s.props.Exchange,
		Pair:     s.props.Pair,
		Side:     schema.SideBuy,
		Type:     schema.TypeLimit,
		Amount:   amount,
		Price:    price,
	})
	if err != nil {
		return "", err
	}
	placed := results[0]
	if err := s.merge(map[string]any{
		"buy_order_id": placed.OrderID,
		"buy_price":    price,
		"position":     amount,
		"peak_bid":     price,
	}); err != nil {
		return "", err
	}
	return "", nil
}

// watch tracks the peak bid and hands off to adjust_sell once the bid drops
// trail_percent below it.
func (s *NewMarket) watch(ctx context.Context) (string, error) {
	st, err := s.snapshot()
	if err != nil {
		return "", err
	}
	ticker, err := s.latestTicker(ctx)
	if err != nil {
		return "", err
	}
	bid := ticker.Bid
	if bid.IsUnset() {
		return "watch", nil
	}
	peak := st.PeakBid
	if peak.IsUnset() || bid.GreaterThan(peak) {
		peak = bid
		if err := s.merge(map[string]any{"peak_bid": peak}); err != nil {
			return "", err
		}
	}
	one := numeric.FromInt(1)
	stop := peak.Mul(one.Sub(s.props.TrailPercent))
	if bid.GreaterThan(stop) {
		return "watch", nil
	}
	return "", nil
}

// adjustSell sells the position at the current bid.
func (s *NewMarket) adjustSell(ctx context.Context) (string, error) {
	st, err := s.snapshot()
	if err != nil {
		return "", err
	}
	if st.Position.IsUnset() || st.Position.Sign() <= 0 {
		return "", errs.New(s.props.Exchange, errs.CodeInvalid,
			errs.WithMessage("no position to sell for "+s.props.Pair.Slash()))
	}
	ticker, err := s.latestTicker(ctx)
	if err != nil {
		return "", err
	}
	price := ticker.Bid
	if price.IsUnset() || price.Sign() <= 0 {
		return "", errs.New(s.props.Exchange, errs.CodeInvalid,
			errs.WithMessage("no sell price for "+s.props.Pair.Slash()))
	}
	results, err := s.machine.PlaceOrders(ctx, schema.Order{
		Exchange: s.props.Exchange,
		Pair:     s.props.Pair,
		Side:     schema.SideSell,
		Type:     schema.TypeLimit,
		Amount:   st.Position,
		Price:    price,
	})
	if err != nil {
		return "", err
	}
	return "", s.merge(map[string]any{
		"sell_order_id": results[0].OrderID,
		"sell_price":    price,
	})
}

func (s *NewMarket) complete(_ context.Context) (string, error) {
	return "", s.merge(map[string]any{"done": true})
}

func (s *NewMarket) failure(_ context.Context) (string, error) {
	return "", s.merge(map[string]any{"failed": true})
}
