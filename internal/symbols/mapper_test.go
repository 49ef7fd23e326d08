package symbols

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		exchange string
		in       string
		want     string
	}{
		{"NSE", "reliance-eq", "RELIANCE"},
		{"bse", "TCS-BE", "TCS"},
		{"NSE", "M&M", "M&M"},
		{"kucoin", "XBT-USDTM", "BTCUSDT"},
		{"coinbase", "BTC-USD", "BTCUSD"},
		{"kraken", "BTC/USD", "BTCUSD"},
		{"okx", "BTC-USDT-SWAP", "BTCUSDT"},
		{"binance", "ethusdt", "ETHUSDT"},
		{"NFO", "NIFTY24JUNFUT", "NIFTY24JUNFUT"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.exchange, tt.in); got != tt.want {
			t.Errorf("Normalize(%s,%s)=%s want %s", tt.exchange, tt.in, got, tt.want)
		}
	}
}
