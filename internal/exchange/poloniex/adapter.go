// Package poloniex implements the legacy Poloniex adapter. Private calls POST
// a form body with a strictly increasing microsecond nonce; the Sign header
// is a hex HMAC-SHA512 of the body. Currency pairs are spelled BASE_QUOTE
// (BTC_ARK for ARK traded against BTC).
package poloniex

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tradekit/tradekit/errs"
	"github.com/tradekit/tradekit/internal/exchange"
	"github.com/tradekit/tradekit/internal/numeric"
	"github.com/tradekit/tradekit/internal/registry"
	"github.com/tradekit/tradekit/internal/schema"
)

const (
	defaultPublicURL  = "https://poloniex.com/public"
	defaultTradingURL = "https://poloniex.com/tradingApi"
)

// Adapter is the live Poloniex adapter.
type Adapter struct {
	exchange.Caches

	publicURL  string
	tradingURL string
	creds      exchange.Credentials
	pairs      *registry.ExchangePairs
	rest       *exchange.Transport
	clock      func() time.Time
	nonce      atomic.Int64
}

// Option mutates the adapter during construction.
type Option func(*Adapter)

// WithURLs points the adapter at non-production endpoints.
func WithURLs(public, trading string) Option {
	return func(a *Adapter) {
		a.publicURL = public
		a.tradingURL = trading
	}
}

// WithTransport replaces the HTTP transport.
func WithTransport(t *exchange.Transport) Option {
	return func(a *Adapter) { a.rest = t }
}

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(a *Adapter) { a.clock = clock }
}

// New constructs a Poloniex adapter.
func New(creds exchange.Credentials, pairs *registry.ExchangePairs, opts ...Option) *Adapter {
	a := &Adapter{
		Caches:     exchange.NewCaches(exchange.Poloniex),
		publicURL:  defaultPublicURL,
		tradingURL: defaultTradingURL,
		creds:      creds,
		pairs:      pairs,
		rest:       exchange.NewTransport(exchange.Poloniex, 5),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.nonce.Store(a.clock().UnixMicro())
	return a
}

// Name implements exchange.Adapter.
func (a *Adapter) Name() string { return exchange.Poloniex }

// GetTicker implements exchange.Adapter.
func (a *Adapter) GetTicker(pairName string) (schema.Ticker, bool) { return a.Ticker(pairName) }

// GetTickers implements exchange.Adapter.
func (a *Adapter) GetTickers() map[string]schema.Ticker { return a.Tickers() }

// GetBalance implements exchange.Adapter.
func (a *Adapter) GetBalance(currency string) schema.Balance { return a.Balance(currency) }

func currencyPair(pair schema.Pair) string { return pair.Base() + "_" + pair.Quote() }

func (a *Adapter) pairForName(name string) (schema.Pair, bool) {
	parts := strings.SplitN(name, "_", 2)
	if len(parts) != 2 {
		return schema.Pair{}, false
	}
	pair, err := schema.NewPair(schema.AliasCurrency(parts[0]), schema.AliasCurrency(parts[1]))
	if err != nil {
		return schema.Pair{}, false
	}
	if !a.pairs.Supported(exchange.Poloniex, pair) {
		return schema.Pair{}, false
	}
	return pair, true
}

// nextNonce returns a strictly increasing microsecond nonce even when the
// clock stalls or two calls land in the same microsecond.
func (a *Adapter) nextNonce() int64 {
	for {
		prev := a.nonce.Load()
		next := a.clock().UnixMicro()
		if next <= prev {
			next = prev + 1
		}
		if a.nonce.CompareAndSwap(prev, next) {
			return next
		}
	}
}

func (a *Adapter) public(ctx context.Context, command string, params url.Values, out any) error {
	return a.rest.Do(ctx, func() (*http.Request, error) {
		values := url.Values{}
		for key, vs := range params {
			values[key] = vs
		}
		values.Set("command", command)
		return http.NewRequest(http.MethodGet, a.publicURL+"?"+values.Encode(), nil)
	}, out)
}

func (a *Adapter) private(ctx context.Context, command string, params url.Values, out any) error {
	body, err := a.privateRaw(ctx, command, params)
	if err != nil {
		return err
	}
	// Errors come back as 200s with an error field.
	var probe struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &probe); err == nil && probe.Error != "" {
		return venueError(probe.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.New(exchange.Poloniex, errs.CodeExchange,
			errs.WithMessage("decode result"), errs.WithCause(err))
	}
	return nil
}

func (a *Adapter) privateRaw(ctx context.Context, command string, params url.Values) (json.RawMessage, error) {
	var raw json.RawMessage
	err := a.rest.Do(ctx, func() (*http.Request, error) {
		values := url.Values{}
		for key, vs := range params {
			values[key] = vs
		}
		values.Set("command", command)
		values.Set("nonce", strconv.FormatInt(a.nextNonce(), 10))
		body := values.Encode()

		mac := hmac.New(sha512.New, []byte(a.creds.Secret))
		_, _ = mac.Write([]byte(body))

		req, err := http.NewRequest(http.MethodPost, a.tradingURL, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Key", a.creds.Key)
		req.Header.Set("Sign", hex.EncodeToString(mac.Sum(nil)))
		return req, nil
	}, &raw)
	return raw, err
}

func venueError(raw string) error {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "not enough"):
		return errs.New(exchange.Poloniex, errs.CodeExchange,
			errs.WithCanonical(errs.CanonicalInsufficientBalance), errs.WithRaw(raw, raw))
	case strings.Contains(lower, "invalid order number"), strings.Contains(lower, "order not found"):
		return errs.New(exchange.Poloniex, errs.CodeNotFound,
			errs.WithCanonical(errs.CanonicalOrderClosed), errs.WithRaw(raw, raw))
	case strings.Contains(lower, "total must be at least"):
		return errs.New(exchange.Poloniex, errs.CodeExchange,
			errs.WithCanonical(errs.CanonicalMinimumSize), errs.WithRaw(raw, raw))
	case strings.Contains(lower, "invalid currency pair"):
		return errs.New(exchange.Poloniex, errs.CodeInvalid,
			errs.WithCanonical(errs.CanonicalInvalidPair), errs.WithRaw(raw, raw))
	case strings.Contains(lower, "nonce"):
		return errs.New(exchange.Poloniex, errs.CodeAuth, errs.WithRaw(raw, raw))
	default:
		return errs.New(exchange.Poloniex, errs.CodeExchange, errs.WithRaw(raw, raw))
	}
}

type tickerEntry struct {
	Last       string `json:"last"`
	LowestAsk  string `json:"lowestAsk"`
	HighestBid string `json:"highestBid"`
}

// FetchLatestTickers implements exchange.Adapter.
func (a *Adapter) FetchLatestTickers(ctx context.Context) ([]schema.Ticker, error) {
	result := map[string]tickerEntry{}
	if err := a.public(ctx, "returnTicker", nil, &result); err != nil {
		return nil, err
	}
	now := a.clock()
	tickers := make([]schema.Ticker, 0, len(result))
	for name, entry := range result {
		pair, ok := a.pairForName(name)
		if !ok {
			continue
		}
		ask, err := numeric.FromString(entry.LowestAsk)
		if err != nil {
			return nil, parseErr(name, err)
		}
		bid, err := numeric.FromString(entry.HighestBid)
		if err != nil {
			return nil, parseErr(name, err)
		}
		last, err := numeric.FromString(entry.Last)
		if err != nil {
			return nil, parseErr(name, err)
		}
		tickers = append(tickers, schema.Ticker{
			Pair:           pair,
			Exchange:       exchange.Poloniex,
			Ask:            ask,
			Bid:            bid,
			Last:           last,
			ProcessingTime: now,
		})
	}
	a.StoreTickers(tickers)
	return tickers, nil
}

// FetchBalances implements exchange.Adapter.
func (a *Adapter) FetchBalances(ctx context.Context) (map[string]schema.Balance, error) {
	result := map[string]struct {
		Available string `json:"available"`
		OnOrders  string `json:"onOrders"`
	}{}
	if err := a.private(ctx, "returnCompleteBalances", nil, &result); err != nil {
		return nil, err
	}
	now := a.clock()
	balances := make(map[string]schema.Balance, len(result))
	for currency, entry := range result {
		free, err := numeric.FromString(entry.Available)
		if err != nil {
			return nil, parseErr(currency, err)
		}
		locked, err := numeric.FromString(entry.OnOrders)
		if err != nil {
			return nil, parseErr(currency, err)
		}
		balance := schema.NewBalance(exchange.Poloniex, currency, free, locked, now)
		balances[balance.Currency] = balance
	}
	a.StoreBalances(balances)
	return balances, nil
}

// CreateLimitBuyOrder implements exchange.Adapter.
func (a *Adapter) CreateLimitBuyOrder(ctx context.Context, order schema.Order) (schema.Order, error) {
	return a.createOrder(ctx, order, "buy", schema.SideBuy)
}

// CreateLimitSellOrder implements exchange.Adapter.
func (a *Adapter) CreateLimitSellOrder(ctx context.Context, order schema.Order) (schema.Order, error) {
	return a.createOrder(ctx, order, "sell", schema.SideSell)
}

func (a *Adapter) createOrder(ctx context.Context, order schema.Order, command string, side schema.OrderSide) (schema.Order, error) {
	order.Exchange = exchange.Poloniex
	order.Type = schema.TypeLimit
	order.Side = side
	order = order.WithSyntheticID()
	if err := order.Validate(); err != nil {
		return schema.Order{}, err
	}
	params := url.Values{}
	params.Set("currencyPair", currencyPair(order.Pair))
	params.Set("rate", order.Price.String())
	params.Set("amount", order.Amount.String())

	var resp struct {
		OrderNumber string `json:"orderNumber"`
	}
	if err := a.private(ctx, command, params, &resp); err != nil {
		return schema.Order{}, err
	}
	order.ExchangeOrderID = resp.OrderNumber
	order.Status = schema.StatusOpen
	order.Filled = numeric.Zero()
	order.Remaining = order.Amount
	order.ProcessingTime = a.clock()
	return order, nil
}

// CancelOrder implements exchange.Adapter.
func (a *Adapter) CancelOrder(ctx context.Context, order schema.Order) (*schema.Order, error) {
	params := url.Values{}
	params.Set("orderNumber", order.ExchangeOrderID)
	if err := a.private(ctx, "cancelOrder", params, nil); err != nil {
		if errs.OrderClosed(err) {
			return nil, nil
		}
		return nil, err
	}
	cancelled := order
	cancelled.Status = schema.StatusCancelled
	if !cancelled.Filled.IsUnset() && cancelled.Filled.Sign() > 0 {
		cancelled.Status = schema.StatusCancelledAndPartiallyFilled
	}
	cancelled.ProcessingTime = a.clock()
	return &cancelled, nil
}

type openOrderEntry struct {
	OrderNumber    string `json:"orderNumber"`
	Type           string `json:"type"`
	Rate           string `json:"rate"`
	Amount         string `json:"amount"`
	StartingAmount string `json:"startingAmount"`
}

func (e openOrderEntry) order(pair schema.Pair, now time.Time) (schema.Order, error) {
	remaining, err := numeric.FromString(e.Amount)
	if err != nil {
		return schema.Order{}, parseErr(e.OrderNumber, err)
	}
	amount := remaining
	if strings.TrimSpace(e.StartingAmount) != "" {
		if amount, err = numeric.FromString(e.StartingAmount); err != nil {
			return schema.Order{}, parseErr(e.OrderNumber, err)
		}
	}
	price, err := numeric.FromString(e.Rate)
	if err != nil {
		return schema.Order{}, parseErr(e.OrderNumber, err)
	}
	filled := amount.Sub(remaining)
	return schema.Order{
		ExchangeOrderID: e.OrderNumber,
		Exchange:        exchange.Poloniex,
		Pair:            pair,
		Side:            schema.OrderSide(e.Type),
		Type:            schema.TypeLimit,
		Amount:          amount,
		Price:           price,
		Filled:          filled,
		Remaining:       remaining,
		Status:          exchange.NormalizeStatus("open", filled),
		ProcessingTime:  now,
	}, nil
}

// FetchOrder implements exchange.Adapter. The legacy API has no single-order
// endpoint, so this checks the open set first and falls back to the order's
// trade history: trades summing to a positive fill mean the order completed.
func (a *Adapter) FetchOrder(ctx context.Context, exchangeOrderID string, pair schema.Pair) (*schema.Order, error) {
	open, err := a.FetchOpenOrders(ctx, pair)
	if err != nil {
		return nil, err
	}
	if order, ok := open[exchangeOrderID]; ok {
		return &order, nil
	}

	params := url.Values{}
	params.Set("orderNumber", exchangeOrderID)
	var trades []struct {
		Rate   string `json:"rate"`
		Amount string `json:"amount"`
		Type   string `json:"type"`
	}
	if err := a.private(ctx, "returnOrderTrades", params, &trades); err != nil {
		if errs.OrderClosed(err) {
			return nil, errs.New(exchange.Poloniex, errs.CodeNotFound,
				errs.WithCanonical(errs.CanonicalOrderNotFound),
				errs.WithMessage("unknown order "+exchangeOrderID))
		}
		return nil, err
	}
	filled := numeric.Zero()
	price := numeric.Zero()
	side := schema.SideBuy
	for _, trade := range trades {
		amount, err := numeric.FromString(trade.Amount)
		if err != nil {
			return nil, parseErr(exchangeOrderID, err)
		}
		filled = filled.Add(amount)
		if price.Sign() == 0 {
			if price, err = numeric.FromString(trade.Rate); err != nil {
				return nil, parseErr(exchangeOrderID, err)
			}
		}
		side = schema.OrderSide(trade.Type)
	}
	order := schema.Order{
		ExchangeOrderID: exchangeOrderID,
		Exchange:        exchange.Poloniex,
		Pair:            pair,
		Side:            side,
		Type:            schema.TypeLimit,
		Amount:          filled,
		Price:           price,
		Filled:          filled,
		Remaining:       numeric.Zero(),
		Status:          schema.StatusFilled,
		ProcessingTime:  a.clock(),
	}
	return &order, nil
}

// FetchOpenOrders implements exchange.Adapter.
func (a *Adapter) FetchOpenOrders(ctx context.Context, pair schema.Pair) (map[string]schema.Order, error) {
	params := url.Values{}
	params.Set("currencyPair", currencyPair(pair))
	var entries []openOrderEntry
	if err := a.private(ctx, "returnOpenOrders", params, &entries); err != nil {
		return nil, err
	}
	now := a.clock()
	out := make(map[string]schema.Order, len(entries))
	for _, entry := range entries {
		order, err := entry.order(pair, now)
		if err != nil {
			return nil, err
		}
		out[order.ExchangeOrderID] = order
	}
	return out, nil
}

// FetchClosedOrders implements exchange.Adapter. Completed orders are
// reconstructed from trade history grouped by order number.
func (a *Adapter) FetchClosedOrders(ctx context.Context, pair schema.Pair) (map[string]schema.Order, error) {
	params := url.Values{}
	params.Set("currencyPair", currencyPair(pair))
	var trades []struct {
		OrderNumber string `json:"orderNumber"`
		Rate        string `json:"rate"`
		Amount      string `json:"amount"`
		Type        string `json:"type"`
	}
	if err := a.private(ctx, "returnTradeHistory", params, &trades); err != nil {
		return nil, err
	}
	now := a.clock()
	out := make(map[string]schema.Order, len(trades))
	for _, trade := range trades {
		amount, err := numeric.FromString(trade.Amount)
		if err != nil {
			return nil, parseErr(trade.OrderNumber, err)
		}
		price, err := numeric.FromString(trade.Rate)
		if err != nil {
			return nil, parseErr(trade.OrderNumber, err)
		}
		existing, ok := out[trade.OrderNumber]
		if !ok {
			out[trade.OrderNumber] = schema.Order{
				ExchangeOrderID: trade.OrderNumber,
				Exchange:        exchange.Poloniex,
				Pair:            pair,
				Side:            schema.OrderSide(trade.Type),
				Type:            schema.TypeLimit,
				Amount:          amount,
				Price:           price,
				Filled:          amount,
				Remaining:       numeric.Zero(),
				Status:          schema.StatusFilled,
				ProcessingTime:  now,
			}
			continue
		}
		existing.Amount = existing.Amount.Add(amount)
		existing.Filled = existing.Filled.Add(amount)
		out[trade.OrderNumber] = existing
	}
	return out, nil
}

// FetchDepositDestination implements exchange.Adapter.
func (a *Adapter) FetchDepositDestination(ctx context.Context, currency string) (exchange.DepositDestination, error) {
	normalized := strings.ToUpper(schema.AliasCurrency(currency))
	result := map[string]string{}
	if err := a.private(ctx, "returnDepositAddresses", nil, &result); err != nil {
		return exchange.DepositDestination{}, err
	}
	address, ok := result[normalized]
	if !ok {
		return exchange.DepositDestination{}, errs.New(exchange.Poloniex, errs.CodeNotFound,
			errs.WithMessage("no deposit address for "+normalized))
	}
	return exchange.DepositDestination{
		Currency: normalized,
		Address:  address,
		Status:   "ok",
	}, nil
}

// Withdraw implements exchange.Adapter.
func (a *Adapter) Withdraw(ctx context.Context, currency string, amount numeric.Amount, dest exchange.DepositDestination) (exchange.WithdrawalReceipt, error) {
	if amount.IsUnset() || amount.Sign() <= 0 {
		return exchange.WithdrawalReceipt{}, errs.New(exchange.Poloniex, errs.CodeInvalid,
			errs.WithMessage("withdrawal amount must be positive"))
	}
	params := url.Values{}
	params.Set("currency", strings.ToUpper(schema.AliasCurrency(currency)))
	params.Set("amount", amount.String())
	params.Set("address", dest.Address)

	var resp struct {
		Response string `json:"response"`
	}
	if err := a.private(ctx, "withdraw", params, &resp); err != nil {
		return exchange.WithdrawalReceipt{}, err
	}
	fee, _ := registry.DefaultWithdrawalFees().Fee(exchange.Poloniex, currency)
	return exchange.WithdrawalReceipt{
		ID:       resp.Response,
		Currency: schema.AliasCurrency(currency),
		Amount:   amount,
		Fee:      fee,
		Address:  dest.Address,
	}, nil
}

// WithdrawAll implements exchange.Adapter.
func (a *Adapter) WithdrawAll(ctx context.Context, currency string, dest exchange.DepositDestination) (exchange.WithdrawalReceipt, error) {
	balances, err := a.FetchBalances(ctx)
	if err != nil {
		return exchange.WithdrawalReceipt{}, err
	}
	balance, ok := balances[schema.AliasCurrency(currency)]
	if !ok || balance.Free.Sign() <= 0 {
		return exchange.WithdrawalReceipt{}, errs.New(exchange.Poloniex, errs.CodeExchange,
			errs.WithCanonical(errs.CanonicalInsufficientBalance),
			errs.WithMessage("no "+currency+" available to withdraw"))
	}
	return a.Withdraw(ctx, currency, balance.Free, dest)
}

func parseErr(what string, err error) error {
	return errs.New(exchange.Poloniex, errs.CodeExchange,
		errs.WithMessage("parse payload for "+what), errs.WithCause(err))
}
