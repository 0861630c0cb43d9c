package binance

import (
	"strconv"
	"strings"
	"time"

	"github.com/tradekit/tradekit/errs"
	"github.com/tradekit/tradekit/internal/exchange"
	"github.com/tradekit/tradekit/internal/numeric"
	"github.com/tradekit/tradekit/internal/schema"
)

type tickerMessage struct {
	Symbol    string `json:"symbol"`
	BidPrice  string `json:"bidPrice"`
	AskPrice  string `json:"askPrice"`
	LastPrice string `json:"lastPrice"`
	CloseTime int64  `json:"closeTime"`
}

func (m tickerMessage) ticker(pair schema.Pair, now time.Time) (schema.Ticker, error) {
	bid, err := numeric.FromString(m.BidPrice)
	if err != nil {
		return schema.Ticker{}, parseErr(m.Symbol, err)
	}
	ask, err := numeric.FromString(m.AskPrice)
	if err != nil {
		return schema.Ticker{}, parseErr(m.Symbol, err)
	}
	last, err := numeric.FromString(m.LastPrice)
	if err != nil {
		return schema.Ticker{}, parseErr(m.Symbol, err)
	}
	ticker := schema.Ticker{
		Pair:           pair,
		Exchange:       exchange.Binance,
		Bid:            bid,
		Ask:            ask,
		Last:           last,
		ProcessingTime: now,
	}
	if m.CloseTime > 0 {
		ticker.EventTime = time.UnixMilli(m.CloseTime).UTC()
	}
	return ticker, nil
}

type accountMessage struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

type orderMessage struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Time          int64  `json:"time"`
	TransactTime  int64  `json:"transactTime"`
}

// order converts the venue payload into a normalized snapshot.
func (m orderMessage) order(pair schema.Pair, now time.Time) (schema.Order, error) {
	amount, err := numeric.FromString(m.OrigQty)
	if err != nil {
		return schema.Order{}, parseErr(m.Symbol, err)
	}
	price, err := numeric.FromString(m.Price)
	if err != nil {
		return schema.Order{}, parseErr(m.Symbol, err)
	}
	filled := numeric.Zero()
	if strings.TrimSpace(m.ExecutedQty) != "" {
		if filled, err = numeric.FromString(m.ExecutedQty); err != nil {
			return schema.Order{}, parseErr(m.Symbol, err)
		}
	}
	order := schema.Order{
		OrderID:         m.ClientOrderID,
		ExchangeOrderID: orderIDString(m.OrderID),
		Exchange:        exchange.Binance,
		Pair:            pair,
		Side:            schema.OrderSide(strings.ToLower(m.Side)),
		Type:            schema.TypeLimit,
		Amount:          amount,
		Price:           price,
		Filled:          filled,
		Status:          exchange.NormalizeStatus(m.Status, filled),
		ProcessingTime:  now,
	}
	if ts := m.eventMillis(); ts > 0 {
		order.EventTime = time.UnixMilli(ts).UTC()
	}
	return exchange.FillOrderQuantities(order), nil
}

// apply overlays the venue acknowledgement onto the submitted order,
// preserving the synthetic id and strategy linkage.
func (m orderMessage) apply(order schema.Order, now time.Time) (schema.Order, error) {
	order.ExchangeOrderID = orderIDString(m.OrderID)
	filled := numeric.Zero()
	if strings.TrimSpace(m.ExecutedQty) != "" {
		var err error
		if filled, err = numeric.FromString(m.ExecutedQty); err != nil {
			return schema.Order{}, parseErr(m.Symbol, err)
		}
	}
	order.Filled = filled
	order.Status = exchange.NormalizeStatus(m.Status, filled)
	order.ProcessingTime = now
	if ts := m.eventMillis(); ts > 0 {
		order.EventTime = time.UnixMilli(ts).UTC()
	}
	return exchange.FillOrderQuantities(order), nil
}

func (m orderMessage) eventMillis() int64 {
	if m.TransactTime > 0 {
		return m.TransactTime
	}
	return m.Time
}

type depositAddressMessage struct {
	Address string `json:"address"`
	Coin    string `json:"coin"`
	Tag     string `json:"tag"`
}

type withdrawMessage struct {
	ID string `json:"id"`
}

func parseErr(symbol string, err error) error {
	return errs.New(exchange.Binance, errs.CodeExchange,
		errs.WithMessage("parse payload for "+symbol), errs.WithCause(err))
}

func orderIDString(v int64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}
