package symbols

import "strings"

// Canonical symbols use the BASE/QUOTE spelling, e.g. "BTC/USDT". Every
// connector translates venue notation to canonical on the way in and back to
// venue notation when building subscriptions, so the rest of the system never
// sees exchange specific spellings.

// quoteAssets lists known quote currencies, longest first, used to split
// venue symbols that carry no separator (BTCUSDT, tBTCUSD).
var quoteAssets = []string{
	"USDT", "USDC", "BUSD", "TUSD", "USDD", "DAI", "USD", "EUR", "GBP", "BTC", "ETH",
}

// assetAliases maps venue specific asset codes to canonical ones.
var assetAliases = map[string]string{
	"XBT": "BTC",
	"XDG": "DOGE",
}

func canonicalAsset(asset string) string {
	asset = strings.ToUpper(asset)
	if alias, ok := assetAliases[asset]; ok {
		return alias
	}
	return asset
}

// splitCompact cuts a separator-free pair like BTCUSDT into base and quote
// using the known quote asset list.
func splitCompact(sym string) (string, string, bool) {
	for _, q := range quoteAssets {
		if len(sym) > len(q) && strings.HasSuffix(sym, q) {
			return sym[:len(sym)-len(q)], q, true
		}
	}
	return "", "", false
}

// Canonical builds a BASE/QUOTE symbol from the given assets, applying alias
// normalization on both sides.
func Canonical(base, quote string) string {
	return canonicalAsset(base) + "/" + canonicalAsset(quote)
}

// ToCanonical converts a venue specific pair spelling into canonical
// BASE/QUOTE form. Unknown spellings are returned uppercased and unchanged so
// callers can log them rather than drop data silently.
func ToCanonical(exchange, sym string) string {
	sym = strings.TrimSpace(sym)
	switch strings.ToLower(exchange) {
	case "binance", "bybit", "bitget":
		if base, quote, ok := splitCompact(strings.ToUpper(sym)); ok {
			return Canonical(base, quote)
		}
	case "okx":
		sym = strings.TrimSuffix(strings.ToUpper(sym), "-SWAP")
		if parts := strings.Split(sym, "-"); len(parts) == 2 {
			return Canonical(parts[0], parts[1])
		}
	case "kucoin":
		s := strings.TrimSuffix(strings.ToUpper(sym), "M")
		if parts := strings.Split(s, "-"); len(parts) == 2 {
			return Canonical(parts[0], parts[1])
		}
		if base, quote, ok := splitCompact(s); ok {
			return Canonical(base, quote)
		}
	case "kraken":
		if parts := strings.Split(strings.ToUpper(sym), "/"); len(parts) == 2 {
			return Canonical(parts[0], parts[1])
		}
	case "bitfinex":
		s := strings.ToUpper(strings.TrimPrefix(sym, "t"))
		if parts := strings.Split(s, ":"); len(parts) == 2 {
			return Canonical(parts[0], parts[1])
		}
		if base, quote, ok := splitCompact(s); ok {
			return Canonical(base, quote)
		}
	case "coinbase":
		if parts := strings.Split(strings.ToUpper(sym), "-"); len(parts) == 2 {
			return Canonical(parts[0], parts[1])
		}
	case "gateio":
		if parts := strings.Split(strings.ToUpper(sym), "_"); len(parts) == 2 {
			return Canonical(parts[0], parts[1])
		}
	}
	return strings.ToUpper(sym)
}

// ToVenue converts a canonical BASE/QUOTE symbol into the spelling the venue
// expects in subscription requests.
func ToVenue(exchange, canonical string) string {
	parts := strings.Split(strings.ToUpper(canonical), "/")
	if len(parts) != 2 {
		return canonical
	}
	base, quote := parts[0], parts[1]
	switch strings.ToLower(exchange) {
	case "binance", "bybit", "bitget":
		return base + quote
	case "okx", "kucoin", "coinbase":
		return base + "-" + quote
	case "kraken":
		return venueAsset("kraken", base) + "/" + venueAsset("kraken", quote)
	case "bitfinex":
		return "t" + base + quote
	case "gateio":
		return base + "_" + quote
	}
	return base + quote
}

// venueAsset reverses asset aliasing for venues that rename assets in their
// own notation.
func venueAsset(exchange, asset string) string {
	if strings.ToLower(exchange) == "kraken" {
		switch asset {
		case "BTC":
			return "XBT"
		case "DOGE":
			return "XDG"
		}
	}
	return asset
}

// Base returns the base asset of a canonical symbol, or the symbol itself
// when it is not in BASE/QUOTE form.
func Base(canonical string) string {
	if i := strings.IndexByte(canonical, '/'); i > 0 {
		return canonical[:i]
	}
	return canonical
}

// Quote returns the quote asset of a canonical symbol.
func Quote(canonical string) string {
	if i := strings.IndexByte(canonical, '/'); i >= 0 && i+1 < len(canonical) {
		return canonical[i+1:]
	}
	return ""
}
