package binance

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/tradekit/tradekit/internal/observability"
	"github.com/tradekit/tradekit/internal/schema"
)

const (
	defaultStreamURL     = "wss://stream.binance.com:9443/stream"
	maxReconnectInterval = 30 * time.Second
	streamReadLimit      = 1 << 20
)

// TickerStream maintains a combined bookTicker subscription and feeds the
// adapter cache between REST polls. Each received ticker is also handed to
// the optional callback.
type TickerStream struct {
	adapter *Adapter
	url     string
	pairs   []schema.Pair
	onTick  func(schema.Ticker)
}

// NewTickerStream builds a stream for the given pairs.
func NewTickerStream(adapter *Adapter, pairs []schema.Pair, onTick func(schema.Ticker)) *TickerStream {
	return &TickerStream{
		adapter: adapter,
		url:     defaultStreamURL,
		pairs:   pairs,
		onTick:  onTick,
	}
}

// SetURL points the stream at a non-production endpoint.
func (s *TickerStream) SetURL(u string) { s.url = u }

func (s *TickerStream) streamURL() string {
	streams := make([]string, 0, len(s.pairs))
	for _, pair := range s.pairs {
		streams = append(streams, strings.ToLower(pair.Concat())+"@bookTicker")
	}
	return s.url + "?streams=" + strings.Join(streams, "/")
}

// Run dials and consumes the stream until the context is cancelled,
// reconnecting with exponential backoff on read or dial failure.
func (s *TickerStream) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := s.consume(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if err != nil {
			observability.Log().Warn("ticker stream disconnected",
				observability.F("exchange", s.adapter.Name()),
				observability.F("error", err.Error()))
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxReconnectInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (s *TickerStream) consume(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.streamURL(), nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()
	conn.SetReadLimit(streamReadLimit)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		s.handle(data)
	}
}

func (s *TickerStream) handle(data []byte) {
	var envelope struct {
		Data struct {
			Symbol   string `json:"s"`
			BidPrice string `json:"b"`
			AskPrice string `json:"a"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Data.Symbol == "" {
		return
	}
	pair, ok := s.adapter.pairForSymbol(envelope.Data.Symbol)
	if !ok {
		return
	}
	msg := tickerMessage{
		Symbol:    envelope.Data.Symbol,
		BidPrice:  envelope.Data.BidPrice,
		AskPrice:  envelope.Data.AskPrice,
		LastPrice: envelope.Data.BidPrice,
	}
	ticker, err := msg.ticker(pair, s.adapter.clock())
	if err != nil {
		return
	}
	s.adapter.StoreTickers([]schema.Ticker{ticker})
	if s.onTick != nil {
		s.onTick(ticker)
	}
}
