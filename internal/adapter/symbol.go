package adapter

import "strings"

// quoteCurrencies are tried in order when splitting a canonical symbol.
var quoteCurrencies = []string{"USDT", "USDC", "BUSD", "DAI", "TUSD"}

// SplitSymbol splits BTCUSDT into BTC and USDT. Symbols without a known quote
// are treated as USDT-quoted.
func SplitSymbol(symbol string) (base, quote string) {
	symbol = strings.ToUpper(symbol)
	for _, q := range quoteCurrencies {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q
		}
	}
	return strings.ReplaceAll(symbol, "USDT", ""), "USDT"
}

// ToobitSymbol returns BTC-SWAP-USDT for futures and BTCUSDT for spot.
func ToobitSymbol(symbol string, m Market) string {
	if m != Futures {
		return strings.ToUpper(symbol)
	}
	base, quote := SplitSymbol(symbol)
	return base + "-SWAP-" + quote
}

// BinanceSymbol returns the lowercase stream spelling, e.g. btcusdt.
func BinanceSymbol(symbol string) string {
	base, quote := SplitSymbol(symbol)
	return strings.ToLower(base + quote)
}

// OKXSymbol returns BTC-USDT-SWAP for futures and BTC-USDT for spot.
func OKXSymbol(symbol string, m Market) string {
	base, quote := SplitSymbol(symbol)
	if m == Futures {
		return base + "-" + quote + "-SWAP"
	}
	return base + "-" + quote
}

// KuCoinSymbol returns BTC-USDT.
func KuCoinSymbol(symbol string) string {
	base, quote := SplitSymbol(symbol)
	return base + "-" + quote
}

// CanonicalSymbol reverses any of the native spellings above.
func CanonicalSymbol(native string) string {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(native)), "-")
	var b strings.Builder
	for _, p := range parts {
		if p == "SWAP" {
			continue
		}
		b.WriteString(p)
	}
	return b.String()
}
