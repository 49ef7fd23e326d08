package symbols

import "strings"

// Normalize converts exchange-specific symbol spellings to the form the
// reference data is keyed by: upper case, no separators for crypto venues,
// no series suffix for Indian cash segments.
func Normalize(exchange, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToUpper(strings.TrimSpace(exchange)) {
	case "NSE", "BSE":
		for _, series := range []string{"-EQ", "-BE", "-BZ"} {
			sym = strings.TrimSuffix(sym, series)
		}
	case "COINBASE":
		sym = strings.ReplaceAll(sym, "-", "")
	case "KRAKEN":
		sym = strings.ReplaceAll(sym, "/", "")
		sym = strings.ReplaceAll(sym, "-", "")
	case "KUCOIN":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	case "OKX":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	default:
		// others already use the desired format
	}
	return sym
}
