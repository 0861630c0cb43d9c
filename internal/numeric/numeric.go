// Package numeric provides the fixed-scale decimal scalar used for every
// price, amount, and fee in the system.
package numeric

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the fixed number of fractional digits carried by every Amount.
// Arithmetic results are rounded half-even back to this scale.
const Scale = 15

// Amount is a fixed-scale decimal. The zero value is the "unset" sentinel,
// distinct from a zero amount; arithmetic involving an unset operand yields
// unset.
type Amount struct {
	dec decimal.Decimal
	set bool
}

// Zero returns an Amount representing 0.
func Zero() Amount {
	return Amount{dec: decimal.Zero, set: true}
}

// Unset returns the unset sentinel.
func Unset() Amount {
	return Amount{}
}

// FromString parses a decimal string into an Amount.
func FromString(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("numeric: parse %q: %w", s, err)
	}
	return Amount{dec: rescale(d), set: true}, nil
}

// MustParse parses s and panics on failure. Intended for static tables and tests.
func MustParse(s string) Amount {
	a, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromInt converts an integer to an Amount.
func FromInt(v int64) Amount {
	return Amount{dec: decimal.NewFromInt(v), set: true}
}

// FromFloat converts a binary float to an Amount. Only for venue boundaries
// that speak float; the conversion is rounded to Scale.
func FromFloat(v float64) Amount {
	return Amount{dec: rescale(decimal.NewFromFloat(v)), set: true}
}

// FromDecimal wraps an existing decimal value.
func FromDecimal(d decimal.Decimal) Amount {
	return Amount{dec: rescale(d), set: true}
}

func rescale(d decimal.Decimal) decimal.Decimal {
	if d.Exponent() < -Scale {
		return d.RoundBank(Scale)
	}
	return d
}

// IsUnset reports whether a carries the unset sentinel.
func (a Amount) IsUnset() bool { return !a.set }

// IsZero reports whether a is set and equal to zero.
func (a Amount) IsZero() bool { return a.set && a.dec.IsZero() }

// Decimal exposes the underlying decimal value.
func (a Amount) Decimal() decimal.Decimal { return a.dec }

// Add returns a+b, or unset if either operand is unset.
func (a Amount) Add(b Amount) Amount {
	if !a.set || !b.set {
		return Unset()
	}
	return Amount{dec: rescale(a.dec.Add(b.dec)), set: true}
}

// Sub returns a-b, or unset if either operand is unset.
func (a Amount) Sub(b Amount) Amount {
	if !a.set || !b.set {
		return Unset()
	}
	return Amount{dec: rescale(a.dec.Sub(b.dec)), set: true}
}

// Mul returns a*b, or unset if either operand is unset.
func (a Amount) Mul(b Amount) Amount {
	if !a.set || !b.set {
		return Unset()
	}
	return Amount{dec: rescale(a.dec.Mul(b.dec)), set: true}
}

// Div returns a/b rounded half-even to Scale, or unset if either operand is unset.
func (a Amount) Div(b Amount) Amount {
	if !a.set || !b.set {
		return Unset()
	}
	return Amount{dec: a.dec.DivRound(b.dec, Scale+1).RoundBank(Scale), set: true}
}

// Neg returns -a.
func (a Amount) Neg() Amount {
	if !a.set {
		return Unset()
	}
	return Amount{dec: a.dec.Neg(), set: true}
}

// Abs returns |a|.
func (a Amount) Abs() Amount {
	if !a.set {
		return Unset()
	}
	return Amount{dec: a.dec.Abs(), set: true}
}

// Cmp compares a and b: -1 if a<b, 0 if equal, 1 if a>b. Unset compares below any set value.
func (a Amount) Cmp(b Amount) int {
	switch {
	case !a.set && !b.set:
		return 0
	case !a.set:
		return -1
	case !b.set:
		return 1
	}
	return a.dec.Cmp(b.dec)
}

// Equal reports value equality; two unset amounts are equal.
func (a Amount) Equal(b Amount) bool { return a.Cmp(b) == 0 }

// LessThan reports a < b.
func (a Amount) LessThan(b Amount) bool { return a.Cmp(b) < 0 }

// GreaterThan reports a > b.
func (a Amount) GreaterThan(b Amount) bool { return a.Cmp(b) > 0 }

// Sign returns -1, 0, or 1 for negative, zero, and positive amounts. Unset returns 0.
func (a Amount) Sign() int {
	if !a.set {
		return 0
	}
	return a.dec.Sign()
}

// Float64 converts to a binary float. Only for venue boundaries that require it.
func (a Amount) Float64() float64 {
	if !a.set {
		return 0
	}
	f, _ := a.dec.Float64()
	return f
}

// String renders the canonical decimal form. Unset renders as the empty string.
func (a Amount) String() string {
	if !a.set {
		return ""
	}
	return a.dec.String()
}

// MarshalJSON encodes the amount as a JSON string, or null when unset.
func (a Amount) MarshalJSON() ([]byte, error) {
	if !a.set {
		return []byte("null"), nil
	}
	return []byte(`"` + a.dec.String() + `"`), nil
}

// UnmarshalJSON decodes a JSON string or number; null yields the unset sentinel.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		*a = Unset()
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" {
		*a = Unset()
		return nil
	}
	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
