// Package kraken implements the Kraken adapter. Private calls POST form
// bodies with a millisecond nonce; the API-Sign header is a base64
// HMAC-SHA512 over path + SHA256(nonce+postdata) keyed with the
// base64-decoded secret. Kraken spells BTC as XBT and prefixes legacy assets
// with X/Z, so asset translation happens at this boundary.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
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

const defaultBaseURL = "https://api.kraken.com"

// Adapter is the live Kraken adapter.
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

// New constructs a Kraken adapter.
func New(creds exchange.Credentials, pairs *registry.ExchangePairs, opts ...Option) *Adapter {
	a := &Adapter{
		Caches:  exchange.NewCaches(exchange.Kraken),
		baseURL: defaultBaseURL,
		creds:   creds,
		pairs:   pairs,
		rest:    exchange.NewTransport(exchange.Kraken, 1),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements exchange.Adapter.
func (a *Adapter) Name() string { return exchange.Kraken }

// GetTicker implements exchange.Adapter.
func (a *Adapter) GetTicker(pairName string) (schema.Ticker, bool) { return a.Ticker(pairName) }

// GetTickers implements exchange.Adapter.
func (a *Adapter) GetTickers() map[string]schema.Ticker { return a.Tickers() }

// GetBalance implements exchange.Adapter.
func (a *Adapter) GetBalance(currency string) schema.Balance { return a.Balance(currency) }

func assetFor(currency string) string {
	if strings.EqualFold(currency, "BTC") {
		return "XBT"
	}
	return strings.ToUpper(currency)
}

// currencyFor reverses assetFor and strips the legacy X/Z prefixes Kraken
// attaches to fiat and early assets (XXBT, ZEUR).
func currencyFor(asset string) string {
	asset = strings.ToUpper(asset)
	if len(asset) == 4 && (asset[0] == 'X' || asset[0] == 'Z') {
		asset = asset[1:]
	}
	if asset == "XBT" {
		return "BTC"
	}
	return schema.AliasCurrency(asset)
}

func krakenPair(pair schema.Pair) string {
	return assetFor(pair.Quote()) + assetFor(pair.Base())
}

type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (a *Adapter) public(ctx context.Context, method string, params url.Values, out any) error {
	var env envelope
	err := a.rest.Do(ctx, func() (*http.Request, error) {
		u := a.baseURL + "/0/public/" + method
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
		return http.NewRequest(http.MethodGet, u, nil)
	}, &env)
	if err != nil {
		return err
	}
	return env.unwrap(out)
}

func (a *Adapter) private(ctx context.Context, method string, params url.Values, out any) error {
	path := "/0/private/" + method
	var env envelope
	err := a.rest.Do(ctx, func() (*http.Request, error) {
		values := url.Values{}
		for key, vs := range params {
			values[key] = vs
		}
		nonce := strconv.FormatInt(a.clock().UnixMilli(), 10)
		values.Set("nonce", nonce)
		body := values.Encode()

		sign, err := a.sign(path, nonce, body)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequest(http.MethodPost, a.baseURL+path, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("API-Key", a.creds.Key)
		req.Header.Set("API-Sign", sign)
		return req, nil
	}, &env)
	if err != nil {
		return err
	}
	return env.unwrap(out)
}

func (a *Adapter) sign(path, nonce, body string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(a.creds.Secret)
	if err != nil {
		return "", errs.New(exchange.Kraken, errs.CodeAuth,
			errs.WithMessage("secret is not base64"), errs.WithCause(err))
	}
	digest := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, secret)
	_, _ = mac.Write([]byte(path))
	_, _ = mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (e envelope) unwrap(out any) error {
	if len(e.Error) > 0 {
		return venueError(e.Error[0])
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(e.Result, out); err != nil {
		return errs.New(exchange.Kraken, errs.CodeExchange,
			errs.WithMessage("decode result"), errs.WithCause(err))
	}
	return nil
}

func venueError(raw string) error {
	switch {
	case strings.Contains(raw, "Insufficient funds"):
		return errs.New(exchange.Kraken, errs.CodeExchange,
			errs.WithCanonical(errs.CanonicalInsufficientBalance), errs.WithRaw(raw, raw))
	case strings.Contains(raw, "Unknown order"):
		return errs.New(exchange.Kraken, errs.CodeNotFound,
			errs.WithCanonical(errs.CanonicalOrderClosed), errs.WithRaw(raw, raw))
	case strings.Contains(raw, "volume minimum not met"), strings.Contains(raw, "Order minimum not met"):
		return errs.New(exchange.Kraken, errs.CodeExchange,
			errs.WithCanonical(errs.CanonicalMinimumSize), errs.WithRaw(raw, raw))
	case strings.Contains(raw, "Unknown asset pair"):
		return errs.New(exchange.Kraken, errs.CodeInvalid,
			errs.WithCanonical(errs.CanonicalInvalidPair), errs.WithRaw(raw, raw))
	case strings.Contains(raw, "Rate limit"):
		return errs.New(exchange.Kraken, errs.CodeRateLimited,
			errs.WithCanonical(errs.CanonicalRateLimited), errs.WithRaw(raw, raw))
	case strings.HasPrefix(raw, "EService:"):
		return errs.New(exchange.Kraken, errs.CodeUnavailable, errs.WithRaw(raw, raw))
	case strings.HasPrefix(raw, "EAPI:"):
		return errs.New(exchange.Kraken, errs.CodeAuth, errs.WithRaw(raw, raw))
	default:
		return errs.New(exchange.Kraken, errs.CodeExchange, errs.WithRaw(raw, raw))
	}
}

type tickerEntry struct {
	Ask  []string `json:"a"`
	Bid  []string `json:"b"`
	Last []string `json:"c"`
}

// FetchLatestTickers implements exchange.Adapter. All supported pairs go out
// in one request; response keys are matched back to pairs tolerantly because
// Kraken echoes legacy prefixed names for some of them.
func (a *Adapter) FetchLatestTickers(ctx context.Context) ([]schema.Ticker, error) {
	pairs := a.pairs.Pairs(exchange.Kraken)
	if len(pairs) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		names = append(names, krakenPair(pair))
	}
	params := url.Values{}
	params.Set("pair", strings.Join(names, ","))

	result := map[string]tickerEntry{}
	if err := a.public(ctx, "Ticker", params, &result); err != nil {
		return nil, err
	}
	now := a.clock()
	tickers := make([]schema.Ticker, 0, len(pairs))
	for _, pair := range pairs {
		entry, ok := lookupTicker(result, pair)
		if !ok {
			continue
		}
		ticker, err := entry.ticker(pair, now)
		if err != nil {
			return nil, err
		}
		tickers = append(tickers, ticker)
	}
	a.StoreTickers(tickers)
	return tickers, nil
}

func lookupTicker(result map[string]tickerEntry, pair schema.Pair) (tickerEntry, bool) {
	quote, base := assetFor(pair.Quote()), assetFor(pair.Base())
	candidates := []string{
		quote + base,
		"X" + quote + "X" + base,
		"X" + quote + "Z" + base,
	}
	for _, name := range candidates {
		if entry, ok := result[name]; ok {
			return entry, true
		}
	}
	return tickerEntry{}, false
}

func (e tickerEntry) ticker(pair schema.Pair, now time.Time) (schema.Ticker, error) {
	if len(e.Ask) == 0 || len(e.Bid) == 0 || len(e.Last) == 0 {
		return schema.Ticker{}, errs.New(exchange.Kraken, errs.CodeExchange,
			errs.WithMessage("short ticker payload for "+pair.Slash()))
	}
	ask, err := numeric.FromString(e.Ask[0])
	if err != nil {
		return schema.Ticker{}, parseErr(pair.Slash(), err)
	}
	bid, err := numeric.FromString(e.Bid[0])
	if err != nil {
		return schema.Ticker{}, parseErr(pair.Slash(), err)
	}
	last, err := numeric.FromString(e.Last[0])
	if err != nil {
		return schema.Ticker{}, parseErr(pair.Slash(), err)
	}
	return schema.Ticker{
		Pair:           pair,
		Exchange:       exchange.Kraken,
		Ask:            ask,
		Bid:            bid,
		Last:           last,
		ProcessingTime: now,
	}, nil
}

// FetchBalances implements exchange.Adapter. Kraken reports totals only, so
// the whole amount is treated as free.
func (a *Adapter) FetchBalances(ctx context.Context) (map[string]schema.Balance, error) {
	result := map[string]string{}
	if err := a.private(ctx, "Balance", nil, &result); err != nil {
		return nil, err
	}
	now := a.clock()
	balances := make(map[string]schema.Balance, len(result))
	for asset, raw := range result {
		total, err := numeric.FromString(raw)
		if err != nil {
			return nil, parseErr(asset, err)
		}
		balance := schema.NewBalance(exchange.Kraken, currencyFor(asset), total, numeric.Zero(), now)
		balances[balance.Currency] = balance
	}
	a.StoreBalances(balances)
	return balances, nil
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
	order.Exchange = exchange.Kraken
	order.Type = schema.TypeLimit
	order.Side = side
	order = order.WithSyntheticID()
	if err := order.Validate(); err != nil {
		return schema.Order{}, err
	}
	params := url.Values{}
	params.Set("pair", krakenPair(order.Pair))
	params.Set("type", string(side))
	params.Set("ordertype", "limit")
	params.Set("price", order.Price.String())
	params.Set("volume", order.Amount.String())

	var resp struct {
		TxIDs []string `json:"txid"`
	}
	if err := a.private(ctx, "AddOrder", params, &resp); err != nil {
		return schema.Order{}, err
	}
	if len(resp.TxIDs) == 0 {
		return schema.Order{}, errs.New(exchange.Kraken, errs.CodeExchange,
			errs.WithMessage("placement returned no transaction id"))
	}
	order.ExchangeOrderID = resp.TxIDs[0]
	order.Status = schema.StatusOpen
	order.Filled = numeric.Zero()
	order.Remaining = order.Amount
	order.ProcessingTime = a.clock()
	return order, nil
}

// CancelOrder implements exchange.Adapter.
func (a *Adapter) CancelOrder(ctx context.Context, order schema.Order) (*schema.Order, error) {
	params := url.Values{}
	params.Set("txid", order.ExchangeOrderID)
	if err := a.private(ctx, "CancelOrder", params, nil); err != nil {
		if errs.OrderClosed(err) {
			return nil, nil
		}
		return nil, err
	}
	return a.FetchOrder(ctx, order.ExchangeOrderID, order.Pair)
}

type orderInfo struct {
	Status     string `json:"status"`
	Volume     string `json:"vol"`
	VolumeExec string `json:"vol_exec"`
	Descr      struct {
		Price string `json:"price"`
		Type  string `json:"type"`
	} `json:"descr"`
	OpenTime float64 `json:"opentm"`
}

func (e orderInfo) order(txid string, pair schema.Pair, now time.Time) (schema.Order, error) {
	amount, err := numeric.FromString(e.Volume)
	if err != nil {
		return schema.Order{}, parseErr(txid, err)
	}
	price, err := numeric.FromString(e.Descr.Price)
	if err != nil {
		return schema.Order{}, parseErr(txid, err)
	}
	filled := numeric.Zero()
	if strings.TrimSpace(e.VolumeExec) != "" {
		if filled, err = numeric.FromString(e.VolumeExec); err != nil {
			return schema.Order{}, parseErr(txid, err)
		}
	}
	order := schema.Order{
		ExchangeOrderID: txid,
		Exchange:        exchange.Kraken,
		Pair:            pair,
		Side:            schema.OrderSide(e.Descr.Type),
		Type:            schema.TypeLimit,
		Amount:          amount,
		Price:           price,
		Filled:          filled,
		Status:          exchange.NormalizeStatus(e.Status, filled),
		ProcessingTime:  now,
	}
	if e.OpenTime > 0 {
		order.EventTime = time.Unix(int64(e.OpenTime), 0).UTC()
	}
	return exchange.FillOrderQuantities(order), nil
}

// FetchOrder implements exchange.Adapter.
func (a *Adapter) FetchOrder(ctx context.Context, exchangeOrderID string, pair schema.Pair) (*schema.Order, error) {
	params := url.Values{}
	params.Set("txid", exchangeOrderID)
	result := map[string]orderInfo{}
	if err := a.private(ctx, "QueryOrders", params, &result); err != nil {
		return nil, err
	}
	info, ok := result[exchangeOrderID]
	if !ok {
		return nil, errs.New(exchange.Kraken, errs.CodeNotFound,
			errs.WithCanonical(errs.CanonicalOrderNotFound),
			errs.WithMessage("unknown order "+exchangeOrderID))
	}
	order, err := info.order(exchangeOrderID, pair, a.clock())
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// FetchOpenOrders implements exchange.Adapter.
func (a *Adapter) FetchOpenOrders(ctx context.Context, pair schema.Pair) (map[string]schema.Order, error) {
	var resp struct {
		Open map[string]orderInfo `json:"open"`
	}
	if err := a.private(ctx, "OpenOrders", nil, &resp); err != nil {
		return nil, err
	}
	return a.collect(resp.Open, pair, false)
}

// FetchClosedOrders implements exchange.Adapter.
func (a *Adapter) FetchClosedOrders(ctx context.Context, pair schema.Pair) (map[string]schema.Order, error) {
	var resp struct {
		Closed map[string]orderInfo `json:"closed"`
	}
	if err := a.private(ctx, "ClosedOrders", nil, &resp); err != nil {
		return nil, err
	}
	return a.collect(resp.Closed, pair, true)
}

func (a *Adapter) collect(infos map[string]orderInfo, pair schema.Pair, terminal bool) (map[string]schema.Order, error) {
	now := a.clock()
	out := make(map[string]schema.Order, len(infos))
	for txid, info := range infos {
		order, err := info.order(txid, pair, now)
		if err != nil {
			return nil, err
		}
		if order.Status.Terminal() != terminal {
			continue
		}
		out[txid] = order
	}
	return out, nil
}

// FetchDepositDestination implements exchange.Adapter.
func (a *Adapter) FetchDepositDestination(ctx context.Context, currency string) (exchange.DepositDestination, error) {
	params := url.Values{}
	params.Set("asset", assetFor(currency))
	var addresses []struct {
		Address string `json:"address"`
		Tag     string `json:"tag"`
	}
	if err := a.private(ctx, "DepositAddresses", params, &addresses); err != nil {
		return exchange.DepositDestination{}, err
	}
	if len(addresses) == 0 {
		return exchange.DepositDestination{}, errs.New(exchange.Kraken, errs.CodeNotFound,
			errs.WithMessage("no deposit address for "+currency))
	}
	return exchange.DepositDestination{
		Currency: schema.AliasCurrency(currency),
		Address:  addresses[0].Address,
		Tag:      addresses[0].Tag,
		Status:   "ok",
	}, nil
}

// Withdraw implements exchange.Adapter. Kraken withdraws to pre-registered
// keys, so the destination address must name one.
func (a *Adapter) Withdraw(ctx context.Context, currency string, amount numeric.Amount, dest exchange.DepositDestination) (exchange.WithdrawalReceipt, error) {
	if amount.IsUnset() || amount.Sign() <= 0 {
		return exchange.WithdrawalReceipt{}, errs.New(exchange.Kraken, errs.CodeInvalid,
			errs.WithMessage("withdrawal amount must be positive"))
	}
	params := url.Values{}
	params.Set("asset", assetFor(currency))
	params.Set("key", dest.Address)
	params.Set("amount", amount.String())

	var resp struct {
		RefID string `json:"refid"`
	}
	if err := a.private(ctx, "Withdraw", params, &resp); err != nil {
		return exchange.WithdrawalReceipt{}, err
	}
	fee, _ := registry.DefaultWithdrawalFees().Fee(exchange.Kraken, currency)
	return exchange.WithdrawalReceipt{
		ID:       resp.RefID,
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
		return exchange.WithdrawalReceipt{}, errs.New(exchange.Kraken, errs.CodeExchange,
			errs.WithCanonical(errs.CanonicalInsufficientBalance),
			errs.WithMessage("no "+currency+" available to withdraw"))
	}
	return a.Withdraw(ctx, currency, balance.Free, dest)
}

func parseErr(what string, err error) error {
	return errs.New(exchange.Kraken, errs.CodeExchange,
		errs.WithMessage("parse payload for "+what), errs.WithCause(err))
}
