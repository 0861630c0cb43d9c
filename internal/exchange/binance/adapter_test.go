package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/tradekit/tradekit/errs"
	"github.com/tradekit/tradekit/internal/exchange"
	"github.com/tradekit/tradekit/internal/numeric"
	"github.com/tradekit/tradekit/internal/registry"
	"github.com/tradekit/tradekit/internal/schema"
)

var testPairs = registry.NewExchangePairs(map[string][]string{
	exchange.Binance: {"ARK/ETH", "ETH/BTC"},
})

func newTestAdapter(t *testing.T, handler http.Handler) (*Adapter, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	transport := exchange.NewTransport(exchange.Binance, 1000)
	transport.Pause = time.Millisecond
	transport.Classify = classify
	a := New(exchange.Credentials{Key: "test-key", Secret: "test-secret"}, testPairs,
		WithBaseURL(server.URL),
		WithTransport(transport),
		WithClock(func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }),
	)
	return a, server
}

func TestCreateOrderSignsRequest(t *testing.T) {
	var captured url.Values
	var apiKey string
	a, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/order" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		apiKey = r.Header.Get("X-MBX-APIKEY")
		body, _ := io.ReadAll(r.Body)
		var err error
		captured, err = url.ParseQuery(string(body))
		if err != nil {
			t.Fatalf("parse body: %v", err)
		}
		_, _ = w.Write([]byte(`{"symbol":"ARKETH","orderId":42,"status":"NEW","origQty":"1","price":"0.25","executedQty":"0","transactTime":1709294400000}`))
	}))

	order := schema.Order{
		StrategyExecutionID: "exec-1",
		Pair:                schema.MustPair("ETH", "ARK"),
		Side:                schema.SideBuy,
		Amount:              numeric.MustParse("1"),
		Price:               numeric.MustParse("0.25"),
	}
	placed, err := a.CreateLimitBuyOrder(context.Background(), order)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if apiKey != "test-key" {
		t.Fatalf("X-MBX-APIKEY = %q", apiKey)
	}
	if got := captured.Get("newClientOrderId"); got != order.WithSyntheticID().OrderID {
		t.Fatalf("newClientOrderId = %q, want synthetic id", got)
	}
	if captured.Get("symbol") != "ARKETH" || captured.Get("side") != "BUY" {
		t.Fatalf("symbol/side = %q/%q", captured.Get("symbol"), captured.Get("side"))
	}

	// Recompute the signature over everything except the signature itself.
	signature := captured.Get("signature")
	captured.Del("signature")
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(captured.Encode()))
	if want := hex.EncodeToString(mac.Sum(nil)); signature != want {
		t.Fatalf("signature = %s, want %s", signature, want)
	}

	if placed.ExchangeOrderID != "42" {
		t.Fatalf("exchange order id = %q, want 42", placed.ExchangeOrderID)
	}
	if placed.Status != schema.StatusOpen {
		t.Fatalf("status = %s, want open", placed.Status)
	}
	if !placed.Remaining.Equal(numeric.FromInt(1)) {
		t.Fatalf("remaining = %s, want 1", placed.Remaining)
	}
}

func TestCancelClosedOrderReturnsNil(t *testing.T) {
	a, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
	}))

	order := schema.Order{
		Pair:            schema.MustPair("ETH", "ARK"),
		ExchangeOrderID: "42",
	}
	cancelled, err := a.CancelOrder(context.Background(), order)
	if err != nil {
		t.Fatalf("cancel of closed order must not error, got %v", err)
	}
	if cancelled != nil {
		t.Fatalf("cancelled = %+v, want nil", cancelled)
	}
}

func TestRetryBoundOnRateLimit(t *testing.T) {
	calls := 0
	a, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":-1003,"msg":"Too many requests."}`))
	}))

	_, err := a.FetchLatestTickers(context.Background())
	if err == nil {
		t.Fatal("expected rate limit error")
	}
	if errs.CodeOf(err) != errs.CodeRateLimited {
		t.Fatalf("code = %s, want rate_limited", errs.CodeOf(err))
	}
	if calls != exchange.DefaultMaxRetries+1 {
		t.Fatalf("calls = %d, want %d", calls, exchange.DefaultMaxRetries+1)
	}
}

func TestNonRetryableErrorFailsFast(t *testing.T) {
	calls := 0
	a, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance."}`))
	}))

	order := schema.Order{
		StrategyExecutionID: "exec-1",
		Pair:                schema.MustPair("ETH", "ARK"),
		Side:                schema.SideBuy,
		Amount:              numeric.MustParse("1"),
		Price:               numeric.MustParse("0.25"),
	}
	_, err := a.CreateLimitBuyOrder(context.Background(), order)
	if err == nil {
		t.Fatal("expected insufficient balance error")
	}
	if !errs.InsufficientBalance(err) {
		t.Fatalf("error not canonical insufficient_balance: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, non-retryable errors must not replay", calls)
	}
}

func TestFetchLatestTickersFiltersUnsupportedPairs(t *testing.T) {
	a, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"symbol":"ARKETH","bidPrice":"0.249","askPrice":"0.251","lastPrice":"0.25","closeTime":1709294400000},
			{"symbol":"DOGEBTC","bidPrice":"0.1","askPrice":"0.2","lastPrice":"0.15","closeTime":1709294400000}
		]`))
	}))

	tickers, err := a.FetchLatestTickers(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(tickers) != 1 {
		t.Fatalf("tickers = %d, want 1 (unsupported pairs dropped)", len(tickers))
	}
	if got := tickers[0].Pair.Slash(); got != "ARK/ETH" {
		t.Fatalf("pair = %s, want ARK/ETH", got)
	}

	cached, ok := a.GetTicker("ARK_ETH")
	if !ok {
		t.Fatal("ticker missing from cache")
	}
	if got := cached.Bid.String(); got != "0.249" {
		t.Fatalf("cached bid = %s, want 0.249", got)
	}
}

func TestFetchOrderByClientID(t *testing.T) {
	a, _ := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("origClientOrderId"); got != "exec-1_binance_ARK_ETH_buy_0.25_1" {
			t.Fatalf("origClientOrderId = %q", got)
		}
		_, _ = w.Write([]byte(`{"symbol":"ARKETH","orderId":42,"clientOrderId":"exec-1_binance_ARK_ETH_buy_0.25_1","status":"FILLED","origQty":"1","price":"0.25","executedQty":"1","time":1709294400000}`))
	}))

	found, err := a.FetchOrderByClientID(context.Background(),
		"exec-1_binance_ARK_ETH_buy_0.25_1", schema.MustPair("ETH", "ARK"))
	if err != nil {
		t.Fatalf("fetch by client id: %v", err)
	}
	if found.Status != schema.StatusFilled {
		t.Fatalf("status = %s, want filled", found.Status)
	}
	if found.Remaining.Sign() != 0 {
		t.Fatalf("remaining = %s, want 0", found.Remaining)
	}
	if !strings.HasPrefix(found.OrderID, "exec-1_") {
		t.Fatalf("client order id not round-tripped: %q", found.OrderID)
	}
}
