// Package binance implements the Binance spot adapter. Signed endpoints use
// HMAC-SHA256 over the encoded query with the key in the X-MBX-APIKEY header.
// Binance accepts a client-supplied order id on placement, which makes it the
// one venue that supports crash-safe order reconciliation.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
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

const defaultBaseURL = "https://api.binance.com"

// Adapter is the live Binance adapter.
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

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(a *Adapter) { a.clock = clock }
}

// WithTransport replaces the HTTP transport.
func WithTransport(t *exchange.Transport) Option {
	return func(a *Adapter) { a.rest = t }
}

// New constructs a Binance adapter restricted to the pairs the registry
// allows for the venue.
func New(creds exchange.Credentials, pairs *registry.ExchangePairs, opts ...Option) *Adapter {
	a := &Adapter{
		Caches:  exchange.NewCaches(exchange.Binance),
		baseURL: defaultBaseURL,
		creds:   creds,
		pairs:   pairs,
		rest:    exchange.NewTransport(exchange.Binance, 10),
		clock:   time.Now,
	}
	a.rest.Classify = classify
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements exchange.Adapter.
func (a *Adapter) Name() string { return exchange.Binance }

// GetTicker implements exchange.Adapter.
func (a *Adapter) GetTicker(pairName string) (schema.Ticker, bool) { return a.Ticker(pairName) }

// GetTickers implements exchange.Adapter.
func (a *Adapter) GetTickers() map[string]schema.Ticker { return a.Tickers() }

// GetBalance implements exchange.Adapter.
func (a *Adapter) GetBalance(currency string) schema.Balance { return a.Balance(currency) }

func (a *Adapter) symbolFor(pair schema.Pair) string { return pair.Concat() }

func (a *Adapter) pairForSymbol(symbol string) (schema.Pair, bool) {
	pair, err := schema.PairFromConcat(symbol)
	if err != nil {
		return schema.Pair{}, false
	}
	if !a.pairs.Supported(exchange.Binance, pair) {
		return schema.Pair{}, false
	}
	return pair, true
}

// FetchLatestTickers implements exchange.Adapter. The full 24h ticker list is
// fetched in one call and filtered to supported pairs.
func (a *Adapter) FetchLatestTickers(ctx context.Context) ([]schema.Ticker, error) {
	var raw []tickerMessage
	if err := a.public(ctx, "/api/v3/ticker/24hr", nil, &raw); err != nil {
		return nil, err
	}
	now := a.clock()
	tickers := make([]schema.Ticker, 0, len(raw))
	for _, msg := range raw {
		pair, ok := a.pairForSymbol(msg.Symbol)
		if !ok {
			continue
		}
		ticker, err := msg.ticker(pair, now)
		if err != nil {
			return nil, err
		}
		tickers = append(tickers, ticker)
	}
	a.StoreTickers(tickers)
	return tickers, nil
}

// FetchBalances implements exchange.Adapter.
func (a *Adapter) FetchBalances(ctx context.Context) (map[string]schema.Balance, error) {
	var account accountMessage
	if err := a.signed(ctx, http.MethodGet, "/api/v3/account", nil, &account); err != nil {
		return nil, err
	}
	now := a.clock()
	balances := make(map[string]schema.Balance, len(account.Balances))
	for _, entry := range account.Balances {
		free, err := numeric.FromString(entry.Free)
		if err != nil {
			return nil, errs.New(exchange.Binance, errs.CodeExchange,
				errs.WithMessage("parse balance for "+entry.Asset), errs.WithCause(err))
		}
		locked, err := numeric.FromString(entry.Locked)
		if err != nil {
			return nil, errs.New(exchange.Binance, errs.CodeExchange,
				errs.WithMessage("parse balance for "+entry.Asset), errs.WithCause(err))
		}
		balance := schema.NewBalance(exchange.Binance, entry.Asset, free, locked, now)
		balances[balance.Currency] = balance
	}
	a.StoreBalances(balances)
	return balances, nil
}

// CreateLimitBuyOrder implements exchange.Adapter.
func (a *Adapter) CreateLimitBuyOrder(ctx context.Context, order schema.Order) (schema.Order, error) {
	return a.createOrder(ctx, order, "BUY")
}

// CreateLimitSellOrder implements exchange.Adapter.
func (a *Adapter) CreateLimitSellOrder(ctx context.Context, order schema.Order) (schema.Order, error) {
	return a.createOrder(ctx, order, "SELL")
}

func (a *Adapter) createOrder(ctx context.Context, order schema.Order, side string) (schema.Order, error) {
	order.Exchange = exchange.Binance
	order.Type = schema.TypeLimit
	order = order.WithSyntheticID()
	if err := order.Validate(); err != nil {
		return schema.Order{}, err
	}
	params := url.Values{}
	params.Set("symbol", a.symbolFor(order.Pair))
	params.Set("side", side)
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", order.Amount.String())
	params.Set("price", order.Price.String())
	params.Set("newClientOrderId", order.OrderID)
	params.Set("newOrderRespType", "RESULT")

	var resp orderMessage
	if err := a.signed(ctx, http.MethodPost, "/api/v3/order", params, &resp); err != nil {
		return schema.Order{}, err
	}
	return resp.apply(order, a.clock())
}

// CancelOrder implements exchange.Adapter. A venue report that the order is
// unknown or already closed maps to a nil order with no error.
func (a *Adapter) CancelOrder(ctx context.Context, order schema.Order) (*schema.Order, error) {
	params := url.Values{}
	params.Set("symbol", a.symbolFor(order.Pair))
	params.Set("orderId", order.ExchangeOrderID)

	var resp orderMessage
	if err := a.signed(ctx, http.MethodDelete, "/api/v3/order", params, &resp); err != nil {
		if errs.OrderClosed(err) {
			return nil, nil
		}
		return nil, err
	}
	cancelled, err := resp.apply(order, a.clock())
	if err != nil {
		return nil, err
	}
	return &cancelled, nil
}

// FetchOrder implements exchange.Adapter.
func (a *Adapter) FetchOrder(ctx context.Context, exchangeOrderID string, pair schema.Pair) (*schema.Order, error) {
	params := url.Values{}
	params.Set("symbol", a.symbolFor(pair))
	params.Set("orderId", exchangeOrderID)
	return a.fetchOne(ctx, params, pair)
}

// FetchOrderByClientID implements exchange.ClientOrderIDs, resolving an order
// by the id supplied at placement.
func (a *Adapter) FetchOrderByClientID(ctx context.Context, clientOrderID string, pair schema.Pair) (*schema.Order, error) {
	params := url.Values{}
	params.Set("symbol", a.symbolFor(pair))
	params.Set("origClientOrderId", clientOrderID)
	return a.fetchOne(ctx, params, pair)
}

func (a *Adapter) fetchOne(ctx context.Context, params url.Values, pair schema.Pair) (*schema.Order, error) {
	var resp orderMessage
	if err := a.signed(ctx, http.MethodGet, "/api/v3/order", params, &resp); err != nil {
		return nil, err
	}
	order, err := resp.order(pair, a.clock())
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// FetchOpenOrders implements exchange.Adapter.
func (a *Adapter) FetchOpenOrders(ctx context.Context, pair schema.Pair) (map[string]schema.Order, error) {
	params := url.Values{}
	params.Set("symbol", a.symbolFor(pair))

	var raw []orderMessage
	if err := a.signed(ctx, http.MethodGet, "/api/v3/openOrders", params, &raw); err != nil {
		return nil, err
	}
	return a.collect(raw, pair, false)
}

// FetchClosedOrders implements exchange.Adapter.
func (a *Adapter) FetchClosedOrders(ctx context.Context, pair schema.Pair) (map[string]schema.Order, error) {
	params := url.Values{}
	params.Set("symbol", a.symbolFor(pair))

	var raw []orderMessage
	if err := a.signed(ctx, http.MethodGet, "/api/v3/allOrders", params, &raw); err != nil {
		return nil, err
	}
	return a.collect(raw, pair, true)
}

func (a *Adapter) collect(raw []orderMessage, pair schema.Pair, terminal bool) (map[string]schema.Order, error) {
	now := a.clock()
	out := make(map[string]schema.Order, len(raw))
	for _, msg := range raw {
		order, err := msg.order(pair, now)
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
	params := url.Values{}
	params.Set("coin", schema.AliasCurrency(currency))

	var resp depositAddressMessage
	if err := a.signed(ctx, http.MethodGet, "/sapi/v1/capital/deposit/address", params, &resp); err != nil {
		return exchange.DepositDestination{}, err
	}
	return exchange.DepositDestination{
		Currency: schema.AliasCurrency(currency),
		Address:  resp.Address,
		Tag:      resp.Tag,
		Status:   "ok",
	}, nil
}

// Withdraw implements exchange.Adapter.
func (a *Adapter) Withdraw(ctx context.Context, currency string, amount numeric.Amount, dest exchange.DepositDestination) (exchange.WithdrawalReceipt, error) {
	if amount.IsUnset() || amount.Sign() <= 0 {
		return exchange.WithdrawalReceipt{}, errs.New(exchange.Binance, errs.CodeInvalid,
			errs.WithMessage("withdrawal amount must be positive"))
	}
	params := url.Values{}
	params.Set("coin", schema.AliasCurrency(currency))
	params.Set("address", dest.Address)
	if dest.Tag != "" {
		params.Set("addressTag", dest.Tag)
	}
	params.Set("amount", amount.String())

	var resp withdrawMessage
	if err := a.signed(ctx, http.MethodPost, "/sapi/v1/capital/withdraw/apply", params, &resp); err != nil {
		return exchange.WithdrawalReceipt{}, err
	}
	fee, _ := registry.DefaultWithdrawalFees().Fee(exchange.Binance, currency)
	return exchange.WithdrawalReceipt{
		ID:       resp.ID,
		Currency: schema.AliasCurrency(currency),
		Amount:   amount,
		Fee:      fee,
		Address:  dest.Address,
	}, nil
}

// WithdrawAll implements exchange.Adapter. The free balance is re-fetched so
// the amount reflects the venue, not the cache.
func (a *Adapter) WithdrawAll(ctx context.Context, currency string, dest exchange.DepositDestination) (exchange.WithdrawalReceipt, error) {
	balances, err := a.FetchBalances(ctx)
	if err != nil {
		return exchange.WithdrawalReceipt{}, err
	}
	balance, ok := balances[schema.AliasCurrency(currency)]
	if !ok || balance.Free.Sign() <= 0 {
		return exchange.WithdrawalReceipt{}, errs.New(exchange.Binance, errs.CodeExchange,
			errs.WithCanonical(errs.CanonicalInsufficientBalance),
			errs.WithMessage("no "+currency+" available to withdraw"))
	}
	return a.Withdraw(ctx, currency, balance.Free, dest)
}

func (a *Adapter) public(ctx context.Context, path string, params url.Values, out any) error {
	return a.rest.Do(ctx, func() (*http.Request, error) {
		u := a.baseURL + path
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
		return http.NewRequest(http.MethodGet, u, nil)
	}, out)
}

// signed executes an authenticated request. The timestamp and signature are
// regenerated per attempt inside the build callback so retries stay within
// the venue's recvWindow.
func (a *Adapter) signed(ctx context.Context, method, path string, params url.Values, out any) error {
	return a.rest.Do(ctx, func() (*http.Request, error) {
		signedParams := url.Values{}
		for key, values := range params {
			signedParams[key] = values
		}
		signedParams.Set("timestamp", strconv.FormatInt(a.clock().UTC().UnixMilli(), 10))
		payload := signedParams.Encode()
		signedParams.Set("signature", signPayload(payload, a.creds.Secret))

		var req *http.Request
		var err error
		if method == http.MethodGet || method == http.MethodDelete {
			req, err = http.NewRequest(method, a.baseURL+path+"?"+signedParams.Encode(), nil)
		} else {
			req, err = http.NewRequest(method, a.baseURL+path, strings.NewReader(signedParams.Encode()))
			if err == nil {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}
		}
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", a.creds.Key)
		return req, nil
	}, out)
}

func signPayload(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// classify maps Binance error payloads onto canonical error codes.
func classify(status int, body []byte) error {
	var venue struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &venue); err != nil || venue.Code == 0 {
		return nil
	}
	raw := strconv.Itoa(venue.Code)
	switch venue.Code {
	case -2010:
		return errs.New(exchange.Binance, errs.CodeExchange, errs.WithHTTP(status),
			errs.WithCanonical(errs.CanonicalInsufficientBalance), errs.WithRaw(raw, venue.Msg))
	case -2011, -2013:
		return errs.New(exchange.Binance, errs.CodeNotFound, errs.WithHTTP(status),
			errs.WithCanonical(errs.CanonicalOrderClosed), errs.WithRaw(raw, venue.Msg))
	case -1013:
		return errs.New(exchange.Binance, errs.CodeExchange, errs.WithHTTP(status),
			errs.WithCanonical(errs.CanonicalMinimumSize), errs.WithRaw(raw, venue.Msg))
	case -1003:
		return errs.New(exchange.Binance, errs.CodeRateLimited, errs.WithHTTP(status),
			errs.WithCanonical(errs.CanonicalRateLimited), errs.WithRaw(raw, venue.Msg))
	case -1121:
		return errs.New(exchange.Binance, errs.CodeInvalid, errs.WithHTTP(status),
			errs.WithCanonical(errs.CanonicalInvalidPair), errs.WithRaw(raw, venue.Msg))
	default:
		return nil
	}
}
