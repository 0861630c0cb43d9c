// Package bittrex implements the Bittrex v1.1 adapter. Signed calls carry
// apikey and nonce as query parameters with an HMAC-SHA512 of the full URI in
// the apisign header. The venue wants quantities and rates as binary floats;
// conversion from fixed decimals happens at this boundary only.
package bittrex

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/http"
	"net/url"
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

const defaultBaseURL = "https://api.bittrex.com/api/v1.1"

// Adapter is the live Bittrex adapter.
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

// WithClock overrides the nonce source.
func WithClock(clock func() time.Time) Option {
	return func(a *Adapter) { a.clock = clock }
}

// New constructs a Bittrex adapter.
func New(creds exchange.Credentials, pairs *registry.ExchangePairs, opts ...Option) *Adapter {
	a := &Adapter{
		Caches:  exchange.NewCaches(exchange.Bittrex),
		baseURL: defaultBaseURL,
		creds:   creds,
		pairs:   pairs,
		rest:    exchange.NewTransport(exchange.Bittrex, 5),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements exchange.Adapter.
func (a *Adapter) Name() string { return exchange.Bittrex }

// GetTicker implements exchange.Adapter.
func (a *Adapter) GetTicker(pairName string) (schema.Ticker, bool) { return a.Ticker(pairName) }

// GetTickers implements exchange.Adapter.
func (a *Adapter) GetTickers() map[string]schema.Ticker { return a.Tickers() }

// GetBalance implements exchange.Adapter.
func (a *Adapter) GetBalance(currency string) schema.Balance { return a.Balance(currency) }

// Market names are BASE-QUOTE, e.g. ETH-ARK for ARK traded against ETH.
func marketFor(pair schema.Pair) string { return pair.Base() + "-" + pair.Quote() }

func (a *Adapter) pairForMarket(market string) (schema.Pair, bool) {
	parts := strings.SplitN(market, "-", 2)
	if len(parts) != 2 {
		return schema.Pair{}, false
	}
	pair, err := schema.NewPair(parts[0], parts[1])
	if err != nil {
		return schema.Pair{}, false
	}
	if !a.pairs.Supported(exchange.Bittrex, pair) {
		return schema.Pair{}, false
	}
	return pair, true
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// call runs one endpoint and unwraps the success envelope. Signed requests
// regenerate the nonce per retry attempt.
func (a *Adapter) call(ctx context.Context, path string, params url.Values, signed bool, out any) error {
	var env envelope
	err := a.rest.Do(ctx, func() (*http.Request, error) {
		values := url.Values{}
		for key, vs := range params {
			values[key] = vs
		}
		if signed {
			values.Set("apikey", a.creds.Key)
			values.Set("nonce", strconv.FormatInt(a.clock().UnixMilli(), 10))
		}
		full := a.baseURL + path
		if len(values) > 0 {
			full += "?" + values.Encode()
		}
		req, err := http.NewRequest(http.MethodGet, full, nil)
		if err != nil {
			return nil, err
		}
		if signed {
			mac := hmac.New(sha512.New, []byte(a.creds.Secret))
			_, _ = mac.Write([]byte(full))
			req.Header.Set("apisign", hex.EncodeToString(mac.Sum(nil)))
		}
		return req, nil
	}, &env)
	if err != nil {
		return err
	}
	if !env.Success {
		return venueError(env.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return errs.New(exchange.Bittrex, errs.CodeExchange,
			errs.WithMessage("decode result"), errs.WithCause(err))
	}
	return nil
}

func venueError(message string) error {
	switch message {
	case "INSUFFICIENT_FUNDS":
		return errs.New(exchange.Bittrex, errs.CodeExchange,
			errs.WithCanonical(errs.CanonicalInsufficientBalance), errs.WithRaw(message, message))
	case "ORDER_NOT_OPEN", "UUID_INVALID", "INVALID_ORDER":
		return errs.New(exchange.Bittrex, errs.CodeNotFound,
			errs.WithCanonical(errs.CanonicalOrderClosed), errs.WithRaw(message, message))
	case "MIN_TRADE_REQUIREMENT_NOT_MET", "DUST_TRADE_DISALLOWED_MIN_VALUE_50K_SAT":
		return errs.New(exchange.Bittrex, errs.CodeExchange,
			errs.WithCanonical(errs.CanonicalMinimumSize), errs.WithRaw(message, message))
	case "INVALID_MARKET":
		return errs.New(exchange.Bittrex, errs.CodeInvalid,
			errs.WithCanonical(errs.CanonicalInvalidPair), errs.WithRaw(message, message))
	case "APIKEY_INVALID", "INVALID_SIGNATURE":
		return errs.New(exchange.Bittrex, errs.CodeAuth, errs.WithRaw(message, message))
	default:
		return errs.New(exchange.Bittrex, errs.CodeExchange, errs.WithRaw(message, message))
	}
}

// floatParam renders a fixed decimal as the shortest float accepted by the
// venue.
func floatParam(v numeric.Amount) string {
	return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
}

type marketSummary struct {
	MarketName string  `json:"MarketName"`
	Bid        float64 `json:"Bid"`
	Ask        float64 `json:"Ask"`
	Last       float64 `json:"Last"`
}

// FetchLatestTickers implements exchange.Adapter.
func (a *Adapter) FetchLatestTickers(ctx context.Context) ([]schema.Ticker, error) {
	var summaries []marketSummary
	if err := a.call(ctx, "/public/getmarketsummaries", nil, false, &summaries); err != nil {
		return nil, err
	}
	now := a.clock()
	tickers := make([]schema.Ticker, 0, len(summaries))
	for _, summary := range summaries {
		pair, ok := a.pairForMarket(summary.MarketName)
		if !ok {
			continue
		}
		tickers = append(tickers, schema.Ticker{
			Pair:           pair,
			Exchange:       exchange.Bittrex,
			Bid:            numeric.FromFloat(summary.Bid),
			Ask:            numeric.FromFloat(summary.Ask),
			Last:           numeric.FromFloat(summary.Last),
			ProcessingTime: now,
		})
	}
	a.StoreTickers(tickers)
	return tickers, nil
}

type balanceEntry struct {
	Currency  string  `json:"Currency"`
	Balance   float64 `json:"Balance"`
	Available float64 `json:"Available"`
}

// FetchBalances implements exchange.Adapter.
func (a *Adapter) FetchBalances(ctx context.Context) (map[string]schema.Balance, error) {
	var entries []balanceEntry
	if err := a.call(ctx, "/account/getbalances", nil, true, &entries); err != nil {
		return nil, err
	}
	now := a.clock()
	balances := make(map[string]schema.Balance, len(entries))
	for _, entry := range entries {
		free := numeric.FromFloat(entry.Available)
		locked := numeric.FromFloat(entry.Balance - entry.Available)
		balance := schema.NewBalance(exchange.Bittrex, entry.Currency, free, locked, now)
		balances[balance.Currency] = balance
	}
	a.StoreBalances(balances)
	return balances, nil
}

// CreateLimitBuyOrder implements exchange.Adapter.
func (a *Adapter) CreateLimitBuyOrder(ctx context.Context, order schema.Order) (schema.Order, error) {
	return a.createOrder(ctx, order, "/market/buylimit", schema.SideBuy)
}

// CreateLimitSellOrder implements exchange.Adapter.
func (a *Adapter) CreateLimitSellOrder(ctx context.Context, order schema.Order) (schema.Order, error) {
	return a.createOrder(ctx, order, "/market/selllimit", schema.SideSell)
}

func (a *Adapter) createOrder(ctx context.Context, order schema.Order, path string, side schema.OrderSide) (schema.Order, error) {
	order.Exchange = exchange.Bittrex
	order.Type = schema.TypeLimit
	order.Side = side
	order = order.WithSyntheticID()
	if err := order.Validate(); err != nil {
		return schema.Order{}, err
	}
	params := url.Values{}
	params.Set("market", marketFor(order.Pair))
	params.Set("quantity", floatParam(order.Amount))
	params.Set("rate", floatParam(order.Price))

	var resp struct {
		UUID string `json:"uuid"`
	}
	if err := a.call(ctx, path, params, true, &resp); err != nil {
		return schema.Order{}, err
	}
	order.ExchangeOrderID = resp.UUID
	order.Status = schema.StatusOpen
	order.Filled = numeric.Zero()
	order.Remaining = order.Amount
	order.ProcessingTime = a.clock()
	return order, nil
}

// CancelOrder implements exchange.Adapter.
func (a *Adapter) CancelOrder(ctx context.Context, order schema.Order) (*schema.Order, error) {
	params := url.Values{}
	params.Set("uuid", order.ExchangeOrderID)
	if err := a.call(ctx, "/market/cancel", params, true, nil); err != nil {
		if errs.OrderClosed(err) {
			return nil, nil
		}
		return nil, err
	}
	return a.FetchOrder(ctx, order.ExchangeOrderID, order.Pair)
}

type orderEntry struct {
	OrderUUID         string  `json:"OrderUuid"`
	Exchange          string  `json:"Exchange"`
	OrderType         string  `json:"OrderType"`
	Type              string  `json:"Type"`
	Quantity          float64 `json:"Quantity"`
	QuantityRemaining float64 `json:"QuantityRemaining"`
	Limit             float64 `json:"Limit"`
	IsOpen            bool    `json:"IsOpen"`
	CancelInitiated   bool    `json:"CancelInitiated"`
}

func (e orderEntry) order(pair schema.Pair, now time.Time) schema.Order {
	amount := numeric.FromFloat(e.Quantity)
	remaining := numeric.FromFloat(e.QuantityRemaining)
	filled := amount.Sub(remaining)
	raw := "closed"
	switch {
	case e.CancelInitiated:
		raw = "canceled"
	case e.IsOpen:
		raw = "open"
	}
	side := schema.SideBuy
	kind := e.OrderType
	if kind == "" {
		kind = e.Type
	}
	if strings.Contains(strings.ToUpper(kind), "SELL") {
		side = schema.SideSell
	}
	return schema.Order{
		ExchangeOrderID: e.OrderUUID,
		Exchange:        exchange.Bittrex,
		Pair:            pair,
		Side:            side,
		Type:            schema.TypeLimit,
		Amount:          amount,
		Price:           numeric.FromFloat(e.Limit),
		Filled:          filled,
		Remaining:       remaining,
		Status:          exchange.NormalizeStatus(raw, filled),
		ProcessingTime:  now,
	}
}

// FetchOrder implements exchange.Adapter.
func (a *Adapter) FetchOrder(ctx context.Context, exchangeOrderID string, pair schema.Pair) (*schema.Order, error) {
	params := url.Values{}
	params.Set("uuid", exchangeOrderID)
	var entry orderEntry
	if err := a.call(ctx, "/account/getorder", params, true, &entry); err != nil {
		return nil, err
	}
	order := entry.order(pair, a.clock())
	return &order, nil
}

// FetchOpenOrders implements exchange.Adapter.
func (a *Adapter) FetchOpenOrders(ctx context.Context, pair schema.Pair) (map[string]schema.Order, error) {
	return a.fetchOrders(ctx, "/market/getopenorders", pair, false)
}

// FetchClosedOrders implements exchange.Adapter.
func (a *Adapter) FetchClosedOrders(ctx context.Context, pair schema.Pair) (map[string]schema.Order, error) {
	return a.fetchOrders(ctx, "/account/getorderhistory", pair, true)
}

func (a *Adapter) fetchOrders(ctx context.Context, path string, pair schema.Pair, terminal bool) (map[string]schema.Order, error) {
	params := url.Values{}
	params.Set("market", marketFor(pair))
	var entries []orderEntry
	if err := a.call(ctx, path, params, true, &entries); err != nil {
		return nil, err
	}
	now := a.clock()
	out := make(map[string]schema.Order, len(entries))
	for _, entry := range entries {
		order := entry.order(pair, now)
		if order.Status.Terminal() != terminal {
			continue
		}
		out[order.ExchangeOrderID] = order
	}
	return out, nil
}

// FetchDepositDestination implements exchange.Adapter.
func (a *Adapter) FetchDepositDestination(ctx context.Context, currency string) (exchange.DepositDestination, error) {
	params := url.Values{}
	params.Set("currency", venueCurrency(currency))
	var resp struct {
		Currency string `json:"Currency"`
		Address  string `json:"Address"`
	}
	if err := a.call(ctx, "/account/getdepositaddress", params, true, &resp); err != nil {
		return exchange.DepositDestination{}, err
	}
	return exchange.DepositDestination{
		Currency: schema.AliasCurrency(currency),
		Address:  resp.Address,
		Status:   "ok",
	}, nil
}

// Withdraw implements exchange.Adapter.
func (a *Adapter) Withdraw(ctx context.Context, currency string, amount numeric.Amount, dest exchange.DepositDestination) (exchange.WithdrawalReceipt, error) {
	if amount.IsUnset() || amount.Sign() <= 0 {
		return exchange.WithdrawalReceipt{}, errs.New(exchange.Bittrex, errs.CodeInvalid,
			errs.WithMessage("withdrawal amount must be positive"))
	}
	params := url.Values{}
	params.Set("currency", venueCurrency(currency))
	params.Set("quantity", floatParam(amount))
	params.Set("address", dest.Address)
	if dest.Tag != "" {
		params.Set("paymentid", dest.Tag)
	}
	var resp struct {
		UUID string `json:"uuid"`
	}
	if err := a.call(ctx, "/account/withdraw", params, true, &resp); err != nil {
		return exchange.WithdrawalReceipt{}, err
	}
	fee, _ := registry.DefaultWithdrawalFees().Fee(exchange.Bittrex, currency)
	return exchange.WithdrawalReceipt{
		ID:       resp.UUID,
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
		return exchange.WithdrawalReceipt{}, errs.New(exchange.Bittrex, errs.CodeExchange,
			errs.WithCanonical(errs.CanonicalInsufficientBalance),
			errs.WithMessage("no "+currency+" available to withdraw"))
	}
	return a.Withdraw(ctx, currency, balance.Free, dest)
}

// venueCurrency maps canonical codes back to Bittrex spellings, notably BCH
// which the venue lists as BCC.
func venueCurrency(currency string) string {
	switch strings.ToUpper(currency) {
	case "BCH":
		return "BCC"
	case "NANO":
		return "XRB"
	default:
		return strings.ToUpper(currency)
	}
}
