// Package schema defines the canonical trading entities shared by adapters,
// the execution engine, and persistence.
package schema

import (
	"strings"

	"github.com/tradekit/tradekit/errs"
)

// currencyAliases maps legacy venue spellings onto the canonical currency code.
var currencyAliases = map[string]string{
	"BCC": "BCH",
	"XRB": "NANO",
}

// concatBases are the settlement currencies recognised when splitting the
// ambiguous concatenated pair form. Longest suffix wins.
var concatBases = []string{
	"USDT", "USDC", "TUSD", "XBT", "BTC", "ETH", "BNB", "EUR", "USD", "GBP", "KCS",
}

// AliasCurrency normalizes a currency code, applying the legacy aliases.
func AliasCurrency(code string) string {
	upper := strings.ToUpper(strings.TrimSpace(code))
	if canonical, ok := currencyAliases[upper]; ok {
		return canonical
	}
	return upper
}

// Pair is an immutable (base, quote) currency pair. Base is the settlement
// currency; quote is the traded asset.
type Pair struct {
	base  string
	quote string
}

// NewPair validates and constructs a pair, applying currency aliases.
func NewPair(base, quote string) (Pair, error) {
	b := AliasCurrency(base)
	q := AliasCurrency(quote)
	if !validCurrency(b) || !validCurrency(q) {
		return Pair{}, errs.New("", errs.CodeInvalid,
			errs.WithCanonical(errs.CanonicalInvalidPair),
			errs.WithMessage("currency codes must be uppercase ASCII alphanumeric"))
	}
	if b == q {
		return Pair{}, errs.New("", errs.CodeInvalid,
			errs.WithCanonical(errs.CanonicalInvalidPair),
			errs.WithMessage("base and quote must differ"))
	}
	return Pair{base: b, quote: q}, nil
}

// MustPair constructs a pair and panics on failure. For static tables and tests.
func MustPair(base, quote string) Pair {
	p, err := NewPair(base, quote)
	if err != nil {
		panic(err)
	}
	return p
}

func validCurrency(code string) bool {
	if code == "" {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// Base returns the settlement currency.
func (p Pair) Base() string { return p.base }

// Quote returns the traded asset.
func (p Pair) Quote() string { return p.quote }

// IsZero reports whether the pair is uninitialised.
func (p Pair) IsZero() bool { return p.base == "" && p.quote == "" }

// Slash renders the adapter-facing form, e.g. "ARK/ETH".
func (p Pair) Slash() string { return p.quote + "/" + p.base }

// Underscore renders the internal key form, e.g. "ARK_ETH".
func (p Pair) Underscore() string { return p.quote + "_" + p.base }

// Concat renders the historical filename form, e.g. "ARKETH".
func (p Pair) Concat() string { return p.quote + p.base }

// String is the slash form.
func (p Pair) String() string { return p.Slash() }

// PairFromSlash parses "QUOTE/BASE".
func PairFromSlash(s string) (Pair, error) {
	return splitPair(s, "/")
}

// PairFromUnderscore parses "QUOTE_BASE".
func PairFromUnderscore(s string) (Pair, error) {
	return splitPair(s, "_")
}

// PairFromConcat parses the concatenated "QUOTEBASE" form by matching the
// longest known settlement-currency suffix.
func PairFromConcat(s string) (Pair, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for _, base := range concatBases {
		if len(upper) > len(base) && strings.HasSuffix(upper, base) {
			return NewPair(base, upper[:len(upper)-len(base)])
		}
	}
	return Pair{}, errs.New("", errs.CodeInvalid,
		errs.WithCanonical(errs.CanonicalInvalidPair),
		errs.WithMessage("unrecognised concatenated pair "+s))
}

// ParsePair accepts any of the three canonical spellings.
func ParsePair(s string) (Pair, error) {
	trimmed := strings.TrimSpace(s)
	switch {
	case strings.Contains(trimmed, "/"):
		return PairFromSlash(trimmed)
	case strings.Contains(trimmed, "_"):
		return PairFromUnderscore(trimmed)
	default:
		return PairFromConcat(trimmed)
	}
}

func splitPair(s, sep string) (Pair, error) {
	parts := strings.Split(strings.TrimSpace(s), sep)
	if len(parts) != 2 {
		return Pair{}, errs.New("", errs.CodeInvalid,
			errs.WithCanonical(errs.CanonicalInvalidPair),
			errs.WithMessage("malformed pair "+s))
	}
	return NewPair(parts[1], parts[0])
}

// MarshalJSON encodes the pair in slash form.
func (p Pair) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.Slash() + `"`), nil
}

// UnmarshalJSON accepts any canonical spelling.
func (p *Pair) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParsePair(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
