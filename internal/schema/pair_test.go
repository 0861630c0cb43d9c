package schema

import (
	"testing"

	"github.com/tradekit/tradekit/errs"
)

func TestPairSpellings(t *testing.T) {
	p := MustPair("ETH", "ARK")
	if got := p.Slash(); got != "ARK/ETH" {
		t.Fatalf("Slash = %s", got)
	}
	if got := p.Underscore(); got != "ARK_ETH" {
		t.Fatalf("Underscore = %s", got)
	}
	if got := p.Concat(); got != "ARKETH" {
		t.Fatalf("Concat = %s", got)
	}
}

func TestParsePairAcceptsAllSpellings(t *testing.T) {
	want := MustPair("ETH", "ARK")
	for _, in := range []string{"ARK/ETH", "ARK_ETH", "ARKETH", " ark/eth "} {
		got, err := ParsePair(in)
		if err != nil {
			t.Fatalf("ParsePair(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParsePair(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestConcatPrefersLongestBase(t *testing.T) {
	// BTCUSDT must split as BTC quoted in USDT, not BTCUSD quoted in T.
	p, err := PairFromConcat("BTCUSDT")
	if err != nil {
		t.Fatalf("PairFromConcat: %v", err)
	}
	if p.Base() != "USDT" || p.Quote() != "BTC" {
		t.Fatalf("BTCUSDT = %s/%s", p.Quote(), p.Base())
	}
}

func TestCurrencyAliases(t *testing.T) {
	p, err := NewPair("BTC", "BCC")
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	if p.Quote() != "BCH" {
		t.Fatalf("BCC should alias to BCH, got %s", p.Quote())
	}
	if AliasCurrency("xrb") != "NANO" {
		t.Fatalf("XRB should alias to NANO")
	}
}

func TestInvalidPairsRejected(t *testing.T) {
	cases := []struct{ base, quote string }{
		{"", "ARK"},
		{"ETH", ""},
		{"ETH", "ETH"},
		{"ET-H", "ARK"},
	}
	for _, c := range cases {
		if _, err := NewPair(c.base, c.quote); err == nil {
			t.Fatalf("NewPair(%q, %q) should fail", c.base, c.quote)
		} else if errs.CodeOf(err) != errs.CodeInvalid {
			t.Fatalf("NewPair(%q, %q) code = %v", c.base, c.quote, errs.CodeOf(err))
		}
	}
	if _, err := ParsePair("ZZTOP"); err == nil {
		t.Fatalf("unknown concatenated pair should fail")
	}
	if _, err := ParsePair("A/B/C"); err == nil {
		t.Fatalf("malformed slash pair should fail")
	}
}

func TestPairJSONRoundTrip(t *testing.T) {
	in := MustPair("ETH", "ARK")
	data, err := in.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"ARK/ETH"` {
		t.Fatalf("marshal = %s", data)
	}
	var out Pair
	if err := out.UnmarshalJSON([]byte(`"ARK_ETH"`)); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("round trip = %s, want %s", out, in)
	}
}
