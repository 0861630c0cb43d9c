// Package registry holds the static exchange-scoped tables consulted by
// adapters: per-currency withdrawal fees and per-venue pair allow-lists.
// Both are explicit configuration structs passed into constructors.
package registry

import (
	"github.com/tradekit/tradekit/internal/numeric"
	"github.com/tradekit/tradekit/internal/schema"
)

// WithdrawalFees maps exchange id -> currency -> flat on-chain transfer fee.
type WithdrawalFees struct {
	fees map[string]map[string]numeric.Amount
}

// NewWithdrawalFees builds a fee table from raw decimal strings.
func NewWithdrawalFees(table map[string]map[string]string) *WithdrawalFees {
	fees := make(map[string]map[string]numeric.Amount, len(table))
	for exchange, currencies := range table {
		inner := make(map[string]numeric.Amount, len(currencies))
		for currency, fee := range currencies {
			inner[schema.AliasCurrency(currency)] = numeric.MustParse(fee)
		}
		fees[exchange] = inner
	}
	return &WithdrawalFees{fees: fees}
}

// Fee returns the withdrawal fee for (exchange, currency).
func (w *WithdrawalFees) Fee(exchange, currency string) (numeric.Amount, bool) {
	if w == nil {
		return numeric.Zero(), false
	}
	currencies, ok := w.fees[exchange]
	if !ok {
		return numeric.Zero(), false
	}
	fee, ok := currencies[schema.AliasCurrency(currency)]
	if !ok {
		return numeric.Zero(), false
	}
	return fee, true
}

// DefaultWithdrawalFees ships the known venue fee schedule. Values are the
// flat per-currency fees published by each venue at discovery time.
func DefaultWithdrawalFees() *WithdrawalFees {
	return NewWithdrawalFees(map[string]map[string]string{
		"binance": {
			"BTC": "0.0005", "ETH": "0.01", "BCH": "0.001", "LTC": "0.01",
			"XRP": "0.25", "NANO": "0.01", "ARK": "0.1", "USDT": "10",
		},
		"bittrex": {
			"BTC": "0.0005", "ETH": "0.006", "BCH": "0.001", "LTC": "0.01",
			"XRP": "1", "ARK": "0.2",
		},
		"gdax": {
			"BTC": "0", "ETH": "0", "LTC": "0", "BCH": "0",
		},
		"kraken": {
			"BTC": "0.0005", "ETH": "0.005", "BCH": "0.0001", "LTC": "0.001",
			"XRP": "0.02", "NANO": "0.05",
		},
		"kucoin": {
			"BTC": "0.0005", "ETH": "0.01", "BCH": "0.0005", "LTC": "0.001",
			"NANO": "0.05", "KCS": "2",
		},
		"poloniex": {
			"BTC": "0.0005", "ETH": "0.01", "BCH": "0.0001", "LTC": "0.001",
			"XRP": "0.15",
		},
	})
}
