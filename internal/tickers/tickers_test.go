package tickers

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/tradekit/tradekit/internal/numeric"
	"github.com/tradekit/tradekit/internal/schema"
)

type fakeSource struct {
	name    string
	tickers []schema.Ticker
	err     error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchLatestTickers(context.Context) ([]schema.Ticker, error) {
	return f.tickers, f.err
}

func tick(exchange, base, quote, bid, ask string) schema.Ticker {
	return schema.Ticker{
		Pair:           schema.MustPair(base, quote),
		Exchange:       exchange,
		Bid:            numeric.MustParse(bid),
		Ask:            numeric.MustParse(ask),
		Last:           numeric.MustParse(bid),
		ProcessingTime: time.Now(),
	}
}

func TestFetchLatestTickersConcatenates(t *testing.T) {
	svc := NewService(4)
	got := svc.FetchLatestTickers(context.Background(),
		&fakeSource{name: "binance", tickers: []schema.Ticker{
			tick("binance", "ETH", "ARK", "0.25", "0.26"),
			tick("binance", "BTC", "ETH", "0.05", "0.051"),
		}},
		&fakeSource{name: "kraken", tickers: []schema.Ticker{
			tick("kraken", "BTC", "ETH", "0.049", "0.05"),
		}},
	)
	if len(got) != 3 {
		t.Fatalf("got %d tickers, want 3", len(got))
	}
	exchanges := make([]string, 0, len(got))
	for _, ticker := range got {
		exchanges = append(exchanges, ticker.Exchange)
	}
	sort.Strings(exchanges)
	want := []string{"binance", "binance", "kraken"}
	for i := range want {
		if exchanges[i] != want[i] {
			t.Fatalf("exchanges = %v, want %v", exchanges, want)
		}
	}
}

func TestFetchLatestTickersSkipsFailedSource(t *testing.T) {
	svc := NewService(2)
	got := svc.FetchLatestTickers(context.Background(),
		&fakeSource{name: "binance", err: errors.New("down")},
		&fakeSource{name: "kraken", tickers: []schema.Ticker{
			tick("kraken", "BTC", "ETH", "0.049", "0.05"),
		}},
	)
	if len(got) != 1 {
		t.Fatalf("got %d tickers, want 1", len(got))
	}
	if got[0].Exchange != "kraken" {
		t.Fatalf("exchange = %s, want kraken", got[0].Exchange)
	}
}

type memoryStore struct {
	keys   []string
	bodies map[string][]byte
	err    error
}

func (m *memoryStore) Put(_ context.Context, key string, body []byte) error {
	if m.err != nil {
		return m.err
	}
	if m.bodies == nil {
		m.bodies = make(map[string][]byte)
	}
	m.keys = append(m.keys, key)
	m.bodies[key] = body
	return nil
}

func TestCSVArchiveKeyAndBody(t *testing.T) {
	store := &memoryStore{}
	frozen := time.Date(2021, 4, 7, 12, 30, 5, 0, time.UTC)
	archive := NewCSVArchive(store, 1).WithArchiveClock(func() time.Time { return frozen })

	batch := []schema.Ticker{tick("binance", "ETH", "ARK", "0.25", "0.26")}
	if err := archive.WriteTickers(context.Background(), batch); err != nil {
		t.Fatalf("WriteTickers: %v", err)
	}
	if len(store.keys) != 1 {
		t.Fatalf("wrote %d objects, want 1", len(store.keys))
	}
	if got, want := store.keys[0], "tickers/tickers_v1_20210407T123005Z.csv"; got != want {
		t.Fatalf("key = %s, want %s", got, want)
	}
	body := string(store.bodies[store.keys[0]])
	lines := strings.Split(strings.TrimSpace(body), "\n")
	if len(lines) != 2 {
		t.Fatalf("csv has %d lines, want 2", len(lines))
	}
	if !strings.HasPrefix(lines[0], "exchange_id,pair,") {
		t.Fatalf("header = %s", lines[0])
	}
	if !strings.HasPrefix(lines[1], "binance,ARK_ETH,0.26,0.25,") {
		t.Fatalf("row = %s", lines[1])
	}
}

func TestRecorderLogsSinkFailure(t *testing.T) {
	store := &memoryStore{err: errors.New("store down")}
	recorder := NewRecorder(NewService(1), NewCSVArchive(store, 1))

	got := recorder.FetchLatestTickers(context.Background(),
		&fakeSource{name: "binance", tickers: []schema.Ticker{
			tick("binance", "ETH", "ARK", "0.25", "0.26"),
		}},
	)
	if len(got) != 1 {
		t.Fatalf("got %d tickers, want 1", len(got))
	}
}
