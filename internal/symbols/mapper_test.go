package symbols

import "testing"

func TestToCanonical(t *testing.T) {
	cases := []struct {
		exchange string
		in       string
		want     string
	}{
		{"binance", "BTCUSDT", "BTC/USDT"},
		{"binance", "ethusdt", "ETH/USDT"},
		{"bybit", "SOLUSDC", "SOL/USDC"},
		{"okx", "BTC-USDT", "BTC/USDT"},
		{"okx", "BTC-USDT-SWAP", "BTC/USDT"},
		{"kucoin", "BTC-USDT", "BTC/USDT"},
		{"kucoin", "XBTUSDTM", "BTC/USDT"},
		{"kraken", "XBT/USD", "BTC/USD"},
		{"kraken", "XDG/EUR", "DOGE/EUR"},
		{"bitfinex", "tBTCUSD", "BTC/USD"},
		{"bitfinex", "tETHUSDT", "ETH/USDT"},
		{"coinbase", "BTC-USD", "BTC/USD"},
		{"gateio", "BTC_USDT", "BTC/USDT"},
		{"bitget", "BTCUSDT", "BTC/USDT"},
	}
	for _, c := range cases {
		if got := ToCanonical(c.exchange, c.in); got != c.want {
			t.Errorf("ToCanonical(%s, %s) = %s, want %s", c.exchange, c.in, got, c.want)
		}
	}
}

func TestToVenue(t *testing.T) {
	cases := []struct {
		exchange string
		in       string
		want     string
	}{
		{"binance", "BTC/USDT", "BTCUSDT"},
		{"okx", "BTC/USDT", "BTC-USDT"},
		{"kraken", "BTC/USD", "XBT/USD"},
		{"kraken", "DOGE/EUR", "XDG/EUR"},
		{"bitfinex", "BTC/USD", "tBTCUSD"},
		{"coinbase", "BTC/USD", "BTC-USD"},
		{"gateio", "BTC/USDT", "BTC_USDT"},
		{"bitget", "BTC/USDT", "BTCUSDT"},
	}
	for _, c := range cases {
		if got := ToVenue(c.exchange, c.in); got != c.want {
			t.Errorf("ToVenue(%s, %s) = %s, want %s", c.exchange, c.in, got, c.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	venues := []string{"binance", "bybit", "okx", "kucoin", "kraken", "bitfinex", "coinbase", "gateio", "bitget"}
	for _, v := range venues {
		for _, sym := range []string{"BTC/USDT", "ETH/USD"} {
			if got := ToCanonical(v, ToVenue(v, sym)); got != sym {
				t.Errorf("%s: round trip of %s gave %s", v, sym, got)
			}
		}
	}
}

func TestBaseQuote(t *testing.T) {
	if Base("BTC/USDT") != "BTC" || Quote("BTC/USDT") != "USDT" {
		t.Fatalf("unexpected base/quote split")
	}
	if Base("BTCUSDT") != "BTCUSDT" || Quote("BTCUSDT") != "" {
		t.Fatalf("non-canonical symbol should not split")
	}
}
