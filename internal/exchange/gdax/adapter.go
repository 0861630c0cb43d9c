// Package gdax implements the Coinbase Pro adapter. Requests are JSON; signed
// calls carry CB-ACCESS-KEY, CB-ACCESS-SIGN, CB-ACCESS-TIMESTAMP and
// CB-ACCESS-PASSPHRASE headers, where the signature is a base64 HMAC-SHA256
// of timestamp+method+path+body keyed with the base64-decoded secret.
package gdax

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

const defaultBaseURL = "https://api.pro.coinbase.com"

// Adapter is the live Coinbase Pro adapter.
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

// New constructs a Coinbase Pro adapter.
func New(creds exchange.Credentials, pairs *registry.ExchangePairs, opts ...Option) *Adapter {
	a := &Adapter{
		Caches:  exchange.NewCaches(exchange.Gdax),
		baseURL: defaultBaseURL,
		creds:   creds,
		pairs:   pairs,
		rest:    exchange.NewTransport(exchange.Gdax, 5),
		clock:   time.Now,
	}
	a.rest.Classify = classify
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements exchange.Adapter.
func (a *Adapter) Name() string { return exchange.Gdax }

// GetTicker implements exchange.Adapter.
func (a *Adapter) GetTicker(pairName string) (schema.Ticker, bool) { return a.Ticker(pairName) }

// GetTickers implements exchange.Adapter.
func (a *Adapter) GetTickers() map[string]schema.Ticker { return a.Tickers() }

// GetBalance implements exchange.Adapter.
func (a *Adapter) GetBalance(currency string) schema.Balance { return a.Balance(currency) }

// Product ids are QUOTE-BASE, e.g. BTC-USD.
func productFor(pair schema.Pair) string { return pair.Quote() + "-" + pair.Base() }

func classify(status int, body []byte) error {
	var venue struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &venue); err != nil || venue.Message == "" {
		return nil
	}
	msg := strings.ToLower(venue.Message)
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return errs.New(exchange.Gdax, errs.CodeExchange, errs.WithHTTP(status),
			errs.WithCanonical(errs.CanonicalInsufficientBalance), errs.WithRaw("", venue.Message))
	case strings.Contains(msg, "order already done"),
		strings.Contains(msg, "order not found"),
		strings.Contains(msg, "notfound"):
		return errs.New(exchange.Gdax, errs.CodeNotFound, errs.WithHTTP(status),
			errs.WithCanonical(errs.CanonicalOrderClosed), errs.WithRaw("", venue.Message))
	case strings.Contains(msg, "order size is too small"):
		return errs.New(exchange.Gdax, errs.CodeExchange, errs.WithHTTP(status),
			errs.WithCanonical(errs.CanonicalMinimumSize), errs.WithRaw("", venue.Message))
	case strings.Contains(msg, "product not found"):
		return errs.New(exchange.Gdax, errs.CodeInvalid, errs.WithHTTP(status),
			errs.WithCanonical(errs.CanonicalInvalidPair), errs.WithRaw("", venue.Message))
	default:
		return nil
	}
}

func (a *Adapter) do(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return errs.New(exchange.Gdax, errs.CodeInvalid,
				errs.WithMessage("encode request"), errs.WithCause(err))
		}
	}
	return a.rest.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(method, a.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		timestamp := strconv.FormatInt(a.clock().Unix(), 10)
		sign, err := a.sign(timestamp, method, path, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("CB-ACCESS-KEY", a.creds.Key)
		req.Header.Set("CB-ACCESS-SIGN", sign)
		req.Header.Set("CB-ACCESS-TIMESTAMP", timestamp)
		req.Header.Set("CB-ACCESS-PASSPHRASE", a.creds.Passphrase)
		return req, nil
	}, out)
}

func (a *Adapter) sign(timestamp, method, path string, body []byte) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(a.creds.Secret)
	if err != nil {
		return "", errs.New(exchange.Gdax, errs.CodeAuth,
			errs.WithMessage("secret is not base64"), errs.WithCause(err))
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp + method + path))
	_, _ = mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

type productTicker struct {
	Price string `json:"price"`
	Bid   string `json:"bid"`
	Ask   string `json:"ask"`
	Time  string `json:"time"`
}

// FetchLatestTickers implements exchange.Adapter. The venue has no batch
// ticker endpoint, so supported products are polled one by one.
func (a *Adapter) FetchLatestTickers(ctx context.Context) ([]schema.Ticker, error) {
	now := a.clock()
	pairs := a.pairs.Pairs(exchange.Gdax)
	tickers := make([]schema.Ticker, 0, len(pairs))
	for _, pair := range pairs {
		var raw productTicker
		if err := a.do(ctx, http.MethodGet, "/products/"+productFor(pair)+"/ticker", nil, &raw); err != nil {
			return nil, err
		}
		ticker, err := raw.ticker(pair, now)
		if err != nil {
			return nil, err
		}
		tickers = append(tickers, ticker)
	}
	a.StoreTickers(tickers)
	return tickers, nil
}

func (t productTicker) ticker(pair schema.Pair, now time.Time) (schema.Ticker, error) {
	bid, err := numeric.FromString(t.Bid)
	if err != nil {
		return schema.Ticker{}, parseErr(pair.Slash(), err)
	}
	ask, err := numeric.FromString(t.Ask)
	if err != nil {
		return schema.Ticker{}, parseErr(pair.Slash(), err)
	}
	last, err := numeric.FromString(t.Price)
	if err != nil {
		return schema.Ticker{}, parseErr(pair.Slash(), err)
	}
	ticker := schema.Ticker{
		Pair:           pair,
		Exchange:       exchange.Gdax,
		Bid:            bid,
		Ask:            ask,
		Last:           last,
		ProcessingTime: now,
	}
	if eventTime, err := time.Parse(time.RFC3339, t.Time); err == nil {
		ticker.EventTime = eventTime
	}
	return ticker, nil
}

type accountEntry struct {
	Currency  string `json:"currency"`
	Balance   string `json:"balance"`
	Available string `json:"available"`
	Hold      string `json:"hold"`
}

// FetchBalances implements exchange.Adapter.
func (a *Adapter) FetchBalances(ctx context.Context) (map[string]schema.Balance, error) {
	var entries []accountEntry
	if err := a.do(ctx, http.MethodGet, "/accounts", nil, &entries); err != nil {
		return nil, err
	}
	now := a.clock()
	balances := make(map[string]schema.Balance, len(entries))
	for _, entry := range entries {
		free, err := numeric.FromString(entry.Available)
		if err != nil {
			return nil, parseErr(entry.Currency, err)
		}
		locked, err := numeric.FromString(entry.Hold)
		if err != nil {
			return nil, parseErr(entry.Currency, err)
		}
		balance := schema.NewBalance(exchange.Gdax, entry.Currency, free, locked, now)
		balances[balance.Currency] = balance
	}
	a.StoreBalances(balances)
	return balances, nil
}

type orderPayload struct {
	Size      string `json:"size"`
	Price     string `json:"price"`
	Side      string `json:"side"`
	ProductID string `json:"product_id"`
	Type      string `json:"type"`
}

type orderEntry struct {
	ID         string `json:"id"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	ProductID  string `json:"product_id"`
	Side       string `json:"side"`
	FilledSize string `json:"filled_size"`
	Status     string `json:"status"`
	DoneReason string `json:"done_reason"`
	CreatedAt  string `json:"created_at"`
}

func (e orderEntry) order(pair schema.Pair, now time.Time) (schema.Order, error) {
	amount, err := numeric.FromString(e.Size)
	if err != nil {
		return schema.Order{}, parseErr(e.ProductID, err)
	}
	price, err := numeric.FromString(e.Price)
	if err != nil {
		return schema.Order{}, parseErr(e.ProductID, err)
	}
	filled := numeric.Zero()
	if strings.TrimSpace(e.FilledSize) != "" {
		if filled, err = numeric.FromString(e.FilledSize); err != nil {
			return schema.Order{}, parseErr(e.ProductID, err)
		}
	}
	raw := e.Status
	if e.Status == "done" {
		raw = e.DoneReason // filled or canceled
	}
	order := schema.Order{
		ExchangeOrderID: e.ID,
		Exchange:        exchange.Gdax,
		Pair:            pair,
		Side:            schema.OrderSide(e.Side),
		Type:            schema.TypeLimit,
		Amount:          amount,
		Price:           price,
		Filled:          filled,
		Status:          exchange.NormalizeStatus(raw, filled),
		ProcessingTime:  now,
	}
	if createdAt, err := time.Parse(time.RFC3339, e.CreatedAt); err == nil {
		order.EventTime = createdAt
	}
	return exchange.FillOrderQuantities(order), nil
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
	order.Exchange = exchange.Gdax
	order.Type = schema.TypeLimit
	order.Side = side
	order = order.WithSyntheticID()
	if err := order.Validate(); err != nil {
		return schema.Order{}, err
	}
	payload := orderPayload{
		Size:      order.Amount.String(),
		Price:     order.Price.String(),
		Side:      string(side),
		ProductID: productFor(order.Pair),
		Type:      "limit",
	}
	var resp orderEntry
	if err := a.do(ctx, http.MethodPost, "/orders", payload, &resp); err != nil {
		return schema.Order{}, err
	}
	order.ExchangeOrderID = resp.ID
	order.Status = schema.StatusOpen
	order.Filled = numeric.Zero()
	order.Remaining = order.Amount
	order.ProcessingTime = a.clock()
	return order, nil
}

// CancelOrder implements exchange.Adapter.
func (a *Adapter) CancelOrder(ctx context.Context, order schema.Order) (*schema.Order, error) {
	if err := a.do(ctx, http.MethodDelete, "/orders/"+order.ExchangeOrderID, nil, nil); err != nil {
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

// FetchOrder implements exchange.Adapter.
func (a *Adapter) FetchOrder(ctx context.Context, exchangeOrderID string, pair schema.Pair) (*schema.Order, error) {
	var entry orderEntry
	if err := a.do(ctx, http.MethodGet, "/orders/"+exchangeOrderID, nil, &entry); err != nil {
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
	return a.fetchOrders(ctx, "/orders?status=open&product_id="+productFor(pair), pair, false)
}

// FetchClosedOrders implements exchange.Adapter.
func (a *Adapter) FetchClosedOrders(ctx context.Context, pair schema.Pair) (map[string]schema.Order, error) {
	return a.fetchOrders(ctx, "/orders?status=done&product_id="+productFor(pair), pair, true)
}

func (a *Adapter) fetchOrders(ctx context.Context, path string, pair schema.Pair, terminal bool) (map[string]schema.Order, error) {
	var entries []orderEntry
	if err := a.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	now := a.clock()
	out := make(map[string]schema.Order, len(entries))
	for _, entry := range entries {
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

// FetchDepositDestination implements exchange.Adapter. The venue exposes
// deposit addresses through linked Coinbase wallets, so this resolves the
// wallet for the currency first.
func (a *Adapter) FetchDepositDestination(ctx context.Context, currency string) (exchange.DepositDestination, error) {
	normalized := schema.AliasCurrency(currency)
	var wallets []struct {
		ID       string `json:"id"`
		Currency string `json:"currency"`
	}
	if err := a.do(ctx, http.MethodGet, "/coinbase-accounts", nil, &wallets); err != nil {
		return exchange.DepositDestination{}, err
	}
	for _, wallet := range wallets {
		if !strings.EqualFold(wallet.Currency, normalized) {
			continue
		}
		var resp struct {
			Address        string `json:"address"`
			DestinationTag string `json:"destination_tag"`
		}
		if err := a.do(ctx, http.MethodPost, "/coinbase-accounts/"+wallet.ID+"/addresses", nil, &resp); err != nil {
			return exchange.DepositDestination{}, err
		}
		return exchange.DepositDestination{
			Currency: normalized,
			Address:  resp.Address,
			Tag:      resp.DestinationTag,
			Status:   "ok",
		}, nil
	}
	return exchange.DepositDestination{}, errs.New(exchange.Gdax, errs.CodeNotFound,
		errs.WithMessage("no wallet for "+normalized))
}

// Withdraw implements exchange.Adapter.
func (a *Adapter) Withdraw(ctx context.Context, currency string, amount numeric.Amount, dest exchange.DepositDestination) (exchange.WithdrawalReceipt, error) {
	if amount.IsUnset() || amount.Sign() <= 0 {
		return exchange.WithdrawalReceipt{}, errs.New(exchange.Gdax, errs.CodeInvalid,
			errs.WithMessage("withdrawal amount must be positive"))
	}
	payload := map[string]string{
		"amount":         amount.String(),
		"currency":       schema.AliasCurrency(currency),
		"crypto_address": dest.Address,
	}
	if dest.Tag != "" {
		payload["destination_tag"] = dest.Tag
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := a.do(ctx, http.MethodPost, "/withdrawals/crypto", payload, &resp); err != nil {
		return exchange.WithdrawalReceipt{}, err
	}
	fee, _ := registry.DefaultWithdrawalFees().Fee(exchange.Gdax, currency)
	return exchange.WithdrawalReceipt{
		ID:       resp.ID,
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
		return exchange.WithdrawalReceipt{}, errs.New(exchange.Gdax, errs.CodeExchange,
			errs.WithCanonical(errs.CanonicalInsufficientBalance),
			errs.WithMessage("no "+currency+" available to withdraw"))
	}
	return a.Withdraw(ctx, currency, balance.Free, dest)
}

func parseErr(what string, err error) error {
	return errs.New(exchange.Gdax, errs.CodeExchange,
		errs.WithMessage("parse payload for "+what), errs.WithCause(err))
}
