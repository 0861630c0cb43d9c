// Package kucoin implements the Kucoin adapter. Signed calls carry
// KC-API-KEY, KC-API-SIGN, KC-API-TIMESTAMP and KC-API-PASSPHRASE headers;
// the signature is a base64 HMAC-SHA256 of timestamp+method+endpoint+body.
// The venue wants sizes and prices as binary floats in the JSON body, and a
// cancel must repeat the order side.
package kucoin

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tradekit/tradekit/errs"
	"github.com/tradekit/tradekit/internal/exchange"
	"github.com/tradekit/tradekit/internal/numeric"
	"github.com/tradekit/tradekit/internal/registry"
	"github.com/tradekit/tradekit/internal/schema"
)

const defaultBaseURL = "https://api.kucoin.com"

// Adapter is the live Kucoin adapter.
type Adapter struct {
	exchange.Caches

	baseURL string
	creds   exchange.Credentials
	pairs   *registry.ExchangePairs
	rest    *exchange.Transport
	clock   func() time.Time
}

// Option mutates the adapter during construction.
type Option func(*Adapter)

// WithBaseURL points the adapter at a non-production endpoint.
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(u, "/") }
}

// WithTransport replaces the HTTP transport.
func WithTransport(t *exchange.Transport) Option {
	return func(a *Adapter) { a.rest = t }
}

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(a *Adapter) { a.clock = clock }
}

// New constructs a Kucoin adapter.
func New(creds exchange.Credentials, pairs *registry.ExchangePairs, opts ...Option) *Adapter {
	a := &Adapter{
		Caches:  exchange.NewCaches(exchange.Kucoin),
		baseURL: defaultBaseURL,
		creds:   creds,
		pairs:   pairs,
		rest:    exchange.NewTransport(exchange.Kucoin, 5),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements exchange.Adapter.
func (a *Adapter) Name() string { return exchange.Kucoin }

// GetTicker implements exchange.Adapter.
func (a *Adapter) GetTicker(pairName string) (schema.Ticker, bool) { return a.Ticker(pairName) }

// GetTickers implements exchange.Adapter.
func (a *Adapter) GetTickers() map[string]schema.Ticker { return a.Tickers() }

// GetBalance implements exchange.Adapter.
func (a *Adapter) GetBalance(currency string) schema.Balance { return a.Balance(currency) }

func venueCurrency(currency string) string {
	if strings.EqualFold(currency, "NANO") {
		return "XRB"
	}
	return strings.ToUpper(currency)
}

// Symbols are QUOTE-BASE, e.g. XRB-BTC.
func symbolFor(pair schema.Pair) string {
	return venueCurrency(pair.Quote()) + "-" + venueCurrency(pair.Base())
}

func (a *Adapter) pairForSymbol(symbol string) (schema.Pair, bool) {
	parts := strings.SplitN(symbol, "-", 2)
	if len(parts) != 2 {
		return schema.Pair{}, false
	}
	pair, err := schema.NewPair(schema.AliasCurrency(parts[1]), schema.AliasCurrency(parts[0]))
	if err != nil {
		return schema.Pair{}, false
	}
	if !a.pairs.Supported(exchange.Kucoin, pair) {
		return schema.Pair{}, false
	}
	return pair, true
}

type envelope struct {
	Code    string          `json:"code"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

func (a *Adapter) call(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return errs.New(exchange.Kucoin, errs.CodeInvalid,
				errs.WithMessage("encode request"), errs.WithCause(err))
		}
	}
	var env envelope
	err := a.rest.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(method, a.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		timestamp := strconv.FormatInt(a.clock().UnixMilli(), 10)
		mac := hmac.New(sha256.New, []byte(a.creds.Secret))
		_, _ = mac.Write([]byte(timestamp + method + path))
		_, _ = mac.Write(body)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("KC-API-KEY", a.creds.Key)
		req.Header.Set("KC-API-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
		req.Header.Set("KC-API-TIMESTAMP", timestamp)
		req.Header.Set("KC-API-PASSPHRASE", a.creds.Passphrase)
		return req, nil
	}, &env)
	if err != nil {
		return err
	}
	if env.Code != "" && env.Code != "200000" {
		return venueError(env.Code, env.Msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errs.New(exchange.Kucoin, errs.CodeExchange,
			errs.WithMessage("decode result"), errs.WithCause(err))
	}
	return nil
}

func venueError(code, msg string) error {
	switch code {
	case "200004":
		return errs.New(exchange.Kucoin, errs.CodeExchange,
			errs.WithCanonical(errs.CanonicalInsufficientBalance), errs.WithRaw(code, msg))
	case "400100":
		if strings.Contains(strings.ToLower(msg), "order size") {
			return errs.New(exchange.Kucoin, errs.CodeExchange,
				errs.WithCanonical(errs.CanonicalMinimumSize), errs.WithRaw(code, msg))
		}
		return errs.New(exchange.Kucoin, errs.CodeInvalid, errs.WithRaw(code, msg))
	case "400350", "404000":
		return errs.New(exchange.Kucoin, errs.CodeNotFound,
			errs.WithCanonical(errs.CanonicalOrderClosed), errs.WithRaw(code, msg))
	case "429000":
		return errs.New(exchange.Kucoin, errs.CodeRateLimited,
			errs.WithCanonical(errs.CanonicalRateLimited), errs.WithRaw(code, msg))
	case "400003", "400004", "400005":
		return errs.New(exchange.Kucoin, errs.CodeAuth, errs.WithRaw(code, msg))
	default:
		return errs.New(exchange.Kucoin, errs.CodeExchange, errs.WithRaw(code, msg))
	}
}

// FetchLatestTickers implements exchange.Adapter.
func (a *Adapter) FetchLatestTickers(ctx context.Context) ([]schema.Ticker, error) {
	var resp struct {
		Ticker []struct {
			Symbol string `json:"symbol"`
			Buy    string `json:"buy"`
			Sell   string `json:"sell"`
			Last   string `json:"last"`
		} `json:"ticker"`
	}
	if err := a.call(ctx, http.MethodGet, "/api/v1/market/allTickers", nil, &resp); err != nil {
		return nil, err
	}
	now := a.clock()
	tickers := make([]schema.Ticker, 0, len(resp.Ticker))
	for _, raw := range resp.Ticker {
		pair, ok := a.pairForSymbol(raw.Symbol)
		if !ok {
			continue
		}
		bid, err := numeric.FromString(raw.Buy)
		if err != nil {
			return nil, parseErr(raw.Symbol, err)
		}
		ask, err := numeric.FromString(raw.Sell)
		if err != nil {
			return nil, parseErr(raw.Symbol, err)
		}
		last, err := numeric.FromString(raw.Last)
		if err != nil {
			return nil, parseErr(raw.Symbol, err)
		}
		tickers = append(tickers, schema.Ticker{
			Pair:           pair,
			Exchange:       exchange.Kucoin,
			Bid:            bid,
			Ask:            ask,
			Last:           last,
			ProcessingTime: now,
		})
	}
	a.StoreTickers(tickers)
	return tickers, nil
}

// FetchBalances implements exchange.Adapter. Only trade accounts count; main
// account funds are not tradable.
func (a *Adapter) FetchBalances(ctx context.Context) (map[string]schema.Balance, error) {
	var entries []struct {
		Currency  string `json:"currency"`
		Type      string `json:"type"`
		Available string `json:"available"`
		Holds     string `json:"holds"`
	}
	if err := a.call(ctx, http.MethodGet, "/api/v1/accounts", nil, &entries); err != nil {
		return nil, err
	}
	now := a.clock()
	balances := make(map[string]schema.Balance, len(entries))
	for _, entry := range entries {
		if entry.Type != "trade" {
			continue
		}
		free, err := numeric.FromString(entry.Available)
		if err != nil {
			return nil, parseErr(entry.Currency, err)
		}
		locked, err := numeric.FromString(entry.Holds)
		if err != nil {
			return nil, parseErr(entry.Currency, err)
		}
		balance := schema.NewBalance(exchange.Kucoin, entry.Currency, free, locked, now)
		balances[balance.Currency] = balance
	}
	a.StoreBalances(balances)
	return balances, nil
}

// createPayload carries sizes as floats, which is what the venue parses.
type createPayload struct {
	ClientOid string  `json:"clientOid"`
	Side      string  `json:"side"`
	Symbol    string  `json:"symbol"`
	Type      string  `json:"type"`
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
}

// CreateLimitBuyOrder implements exchange.Adapter.
func (a *Adapter) CreateLimitBuyOrder(ctx context.Context, order schema.Order) (schema.Order, error) {
	return a.createOrder(ctx, order, schema.SideBuy)
}

// CreateLimitSellOrder implements exchange.Adapter.
func (a *Adapter) CreateLimitSellOrder(ctx context.Context, order schema.Order) (schema.Order, error) {
	return a.createOrder(ctx, order, schema.SideSell)
}

func (a *Adapter) createOrder(ctx context.Context, order schema.Order, side schema.OrderSide) (schema.Order, error) {
	order.Exchange = exchange.Kucoin
	order.Type = schema.TypeLimit
	order.Side = side
	order = order.WithSyntheticID()
	if err := order.Validate(); err != nil {
		return schema.Order{}, err
	}
	payload := createPayload{
		ClientOid: order.OrderID,
		Side:      string(side),
		Symbol:    symbolFor(order.Pair),
		Type:      "limit",
		Price:     order.Price.Float64(),
		Size:      order.Amount.Float64(),
	}
	var resp struct {
		OrderID string `json:"orderId"`
	}
	if err := a.call(ctx, http.MethodPost, "/api/v1/orders", payload, &resp); err != nil {
		return schema.Order{}, err
	}
	order.ExchangeOrderID = resp.OrderID
	order.Status = schema.StatusOpen
	order.Filled = numeric.Zero()
	order.Remaining = order.Amount
	order.ProcessingTime = a.clock()
	return order, nil
}

// CancelOrder implements exchange.Adapter. The venue requires the order side
// on cancellation.
func (a *Adapter) CancelOrder(ctx context.Context, order schema.Order) (*schema.Order, error) {
	path := "/api/v1/orders/" + order.ExchangeOrderID + "?side=" + string(order.Side)
	if err := a.call(ctx, http.MethodDelete, path, nil, nil); err != nil {
		if errs.OrderClosed(err) {
			return nil, nil
		}
		return nil, err
	}
	return a.FetchOrder(ctx, order.ExchangeOrderID, order.Pair)
}

type orderEntry struct {
	ID          string `json:"id"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Size        string `json:"size"`
	DealSize    string `json:"dealSize"`
	IsActive    bool   `json:"isActive"`
	CancelExist bool   `json:"cancelExist"`
	ClientOid   string `json:"clientOid"`
	CreatedAt   int64  `json:"createdAt"`
}

func (e orderEntry) order(pair schema.Pair, now time.Time) (schema.Order, error) {
	amount, err := numeric.FromString(e.Size)
	if err != nil {
		return schema.Order{}, parseErr(e.Symbol, err)
	}
	price, err := numeric.FromString(e.Price)
	if err != nil {
		return schema.Order{}, parseErr(e.Symbol, err)
	}
	filled := numeric.Zero()
	if strings.TrimSpace(e.DealSize) != "" {
		if filled, err = numeric.FromString(e.DealSize); err != nil {
			return schema.Order{}, parseErr(e.Symbol, err)
		}
	}
	raw := "closed"
	switch {
	case e.CancelExist:
		raw = "canceled"
	case e.IsActive:
		raw = "open"
	}
	order := schema.Order{
		OrderID:         e.ClientOid,
		ExchangeOrderID: e.ID,
		Exchange:        exchange.Kucoin,
		Pair:            pair,
		Side:            schema.OrderSide(e.Side),
		Type:            schema.TypeLimit,
		Amount:          amount,
		Price:           price,
		Filled:          filled,
		Status:          exchange.NormalizeStatus(raw, filled),
		ProcessingTime:  now,
	}
	if e.CreatedAt > 0 {
		order.EventTime = time.UnixMilli(e.CreatedAt).UTC()
	}
	return exchange.FillOrderQuantities(order), nil
}

// FetchOrder implements exchange.Adapter.
func (a *Adapter) FetchOrder(ctx context.Context, exchangeOrderID string, pair schema.Pair) (*schema.Order, error) {
	var entry orderEntry
	if err := a.call(ctx, http.MethodGet, "/api/v1/orders/"+exchangeOrderID, nil, &entry); err != nil {
		return nil, err
	}
	order, err := entry.order(pair, a.clock())
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// FetchOpenOrders implements exchange.Adapter.
func (a *Adapter) FetchOpenOrders(ctx context.Context, pair schema.Pair) (map[string]schema.Order, error) {
	return a.fetchOrders(ctx, "/api/v1/orders?status=active&symbol="+symbolFor(pair), pair, false)
}

// FetchClosedOrders implements exchange.Adapter.
func (a *Adapter) FetchClosedOrders(ctx context.Context, pair schema.Pair) (map[string]schema.Order, error) {
	return a.fetchOrders(ctx, "/api/v1/orders?status=done&symbol="+symbolFor(pair), pair, true)
}

func (a *Adapter) fetchOrders(ctx context.Context, path string, pair schema.Pair, terminal bool) (map[string]schema.Order, error) {
	var resp struct {
		Items []orderEntry `json:"items"`
	}
	if err := a.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	now := a.clock()
	out := make(map[string]schema.Order, len(resp.Items))
	for _, entry := range resp.Items {
		order, err := entry.order(pair, now)
		if err != nil {
			return nil, err
		}
		if order.Status.Terminal() != terminal {
			continue
		}
		out[order.ExchangeOrderID] = order
	}
	return out, nil
}

// FetchDepositDestination implements exchange.Adapter.
func (a *Adapter) FetchDepositDestination(ctx context.Context, currency string) (exchange.DepositDestination, error) {
	var resp struct {
		Address string `json:"address"`
		Memo    string `json:"memo"`
	}
	path := "/api/v1/deposit-addresses?currency=" + venueCurrency(currency)
	if err := a.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return exchange.DepositDestination{}, err
	}
	return exchange.DepositDestination{
		Currency: schema.AliasCurrency(currency),
		Address:  resp.Address,
		Tag:      resp.Memo,
		Status:   "ok",
	}, nil
}

// Withdraw implements exchange.Adapter.
func (a *Adapter) Withdraw(ctx context.Context, currency string, amount numeric.Amount, dest exchange.DepositDestination) (exchange.WithdrawalReceipt, error) {
	if amount.IsUnset() || amount.Sign() <= 0 {
		return exchange.WithdrawalReceipt{}, errs.New(exchange.Kucoin, errs.CodeInvalid,
			errs.WithMessage("withdrawal amount must be positive"))
	}
	payload := map[string]any{
		"currency": venueCurrency(currency),
		"address":  dest.Address,
		"amount":   amount.Float64(),
	}
	if dest.Tag != "" {
		payload["memo"] = dest.Tag
	}
	var resp struct {
		WithdrawalID string `json:"withdrawalId"`
	}
	if err := a.call(ctx, http.MethodPost, "/api/v1/withdrawals", payload, &resp); err != nil {
		return exchange.WithdrawalReceipt{}, err
	}
	fee, _ := registry.DefaultWithdrawalFees().Fee(exchange.Kucoin, currency)
	return exchange.WithdrawalReceipt{
		ID:       resp.WithdrawalID,
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
		return exchange.WithdrawalReceipt{}, errs.New(exchange.Kucoin, errs.CodeExchange,
			errs.WithCanonical(errs.CanonicalInsufficientBalance),
			errs.WithMessage("no "+currency+" available to withdraw"))
	}
	return a.Withdraw(ctx, currency, balance.Free, dest)
}

func parseErr(what string, err error) error {
	return errs.New(exchange.Kucoin, errs.CodeExchange,
		errs.WithMessage("parse payload for "+what), errs.WithCause(err))
}
