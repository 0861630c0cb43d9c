// Package exchange defines the uniform capability surface that every venue
// adapter, live or simulated, exposes to the rest of the system.
package exchange

import (
	"context"

	"github.com/tradekit/tradekit/internal/numeric"
	"github.com/tradekit/tradekit/internal/schema"
)

// Known exchange identifiers.
const (
	Binance  = "binance"
	Bittrex  = "bittrex"
	Gdax     = "gdax"
	Kraken   = "kraken"
	Kucoin   = "kucoin"
	Poloniex = "poloniex"
	Sim      = "sim"
)

// DepositDestination is an on-chain deposit address for one currency.
type DepositDestination struct {
	Currency string `json:"currency"`
	Address  string `json:"address"`
	Tag      string `json:"tag,omitempty"`
	Status   string `json:"status"`
}

// WithdrawalReceipt acknowledges an on-chain withdrawal.
type WithdrawalReceipt struct {
	ID       string         `json:"id"`
	Currency string         `json:"currency"`
	Amount   numeric.Amount `json:"amount"`
	Fee      numeric.Amount `json:"fee"`
	Address  string         `json:"address"`
}

// Adapter is the polymorphic contract every venue implements. Fetch methods
// hit the venue and refresh the adapter cache; Get methods are pure cache
// reads. CancelOrder returns nil when the order is already closed.
type Adapter interface {
	Name() string

	FetchLatestTickers(ctx context.Context) ([]schema.Ticker, error)
	GetTicker(pairName string) (schema.Ticker, bool)
	GetTickers() map[string]schema.Ticker

	FetchBalances(ctx context.Context) (map[string]schema.Balance, error)
	GetBalance(currency string) schema.Balance

	CreateLimitBuyOrder(ctx context.Context, order schema.Order) (schema.Order, error)
	CreateLimitSellOrder(ctx context.Context, order schema.Order) (schema.Order, error)
	CancelOrder(ctx context.Context, order schema.Order) (*schema.Order, error)
	FetchOrder(ctx context.Context, exchangeOrderID string, pair schema.Pair) (*schema.Order, error)
	FetchOpenOrders(ctx context.Context, pair schema.Pair) (map[string]schema.Order, error)
	FetchClosedOrders(ctx context.Context, pair schema.Pair) (map[string]schema.Order, error)

	FetchDepositDestination(ctx context.Context, currency string) (DepositDestination, error)
	Withdraw(ctx context.Context, currency string, amount numeric.Amount, dest DepositDestination) (WithdrawalReceipt, error)
	WithdrawAll(ctx context.Context, currency string, dest DepositDestination) (WithdrawalReceipt, error)
}

// ClientOrderIDs is implemented by adapters whose venue accepts a
// client-supplied order id on placement, enabling crash-safe reconciliation
// by synthetic order id.
type ClientOrderIDs interface {
	FetchOrderByClientID(ctx context.Context, clientOrderID string, pair schema.Pair) (*schema.Order, error)
}

// Credentials carry the API key material for one venue.
type Credentials struct {
	Key        string `yaml:"key"`
	Secret     string `yaml:"secret"`
	Passphrase string `yaml:"passphrase,omitempty"`
}
