// Package bybit streams public Bybit v5 market data. LTP maps to
// publicTrade, QUOTE to tickers and DEPTH to a locally maintained
// orderbook.50 book trimmed to five levels.
package bybit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	bybitapi "github.com/bybit-exchange/bybit.go.api"

	"tickproxy/config"
	"tickproxy/internal/adapter"
	"tickproxy/internal/adapter/wsfeed"
	"tickproxy/logger"
)

const (
	defaultCategory = "linear"
	defaultRESTURL  = "https://api.bybit.com"
	restTimeout     = 10 * time.Second
)

// Feed implements adapter.Feed for Bybit public streams. One feed serves a
// single category; the topic's exchange is informational.
type Feed struct {
	category     string
	url          string
	restURL      string
	checkSymbol  string
	pingInterval time.Duration
	log          *logger.Log
}

// New reads the category (linear, inverse, spot, option), an optional
// url and the REST check options from the broker entry. rest_url moves the
// REST check, check_symbol picks the book it reads and skip_check turns it
// off.
func New(cfg config.BrokerConfig, log *logger.Log) (*Feed, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	category := strings.ToLower(strings.TrimSpace(cfg.Options["category"]))
	if category == "" {
		category = defaultCategory
	}
	switch category {
	case "linear", "inverse", "spot", "option":
	default:
		return nil, fmt.Errorf("broker %s: unknown bybit category %q", cfg.Name, category)
	}

	wsURL := strings.TrimSpace(cfg.URL)
	if wsURL == "" {
		wsURL = "wss://stream.bybit.com/v5/public/" + category
	}
	if _, err := url.Parse(wsURL); err != nil {
		return nil, fmt.Errorf("broker %s: invalid url: %w", cfg.Name, err)
	}

	restURL := strings.TrimRight(strings.TrimSpace(cfg.Options["rest_url"]), "/")
	if restURL == "" {
		restURL = defaultRESTURL
	}
	checkSymbol := strings.ToUpper(strings.TrimSpace(cfg.Options["check_symbol"]))
	if checkSymbol == "" && category != "option" {
		checkSymbol = "BTCUSDT"
	}
	if strings.EqualFold(cfg.Options["skip_check"], "true") {
		checkSymbol = ""
	}

	f := &Feed{
		category:    category,
		url:         wsURL,
		restURL:     restURL,
		checkSymbol: checkSymbol,
		log:         log,
	}
	if v := cfg.Options["ping_interval"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("broker %s: invalid ping_interval: %w", cfg.Name, err)
		}
		f.pingInterval = d
	}

	log.WithComponent("bybit_feed").WithFields(logger.Fields{
		"broker":   cfg.Name,
		"category": category,
		"url":      wsURL,
	}).Info("bybit feed configured")
	return f, nil
}

func (f *Feed) Name() string { return "bybit" }

// Connect reads one level of the check symbol's book over REST before any
// stream is dialed. Public streams need no login.
func (f *Feed) Connect(ctx context.Context, creds adapter.Credentials) (adapter.Session, error) {
	target := f.url
	if creds.URL != "" {
		target = creds.URL
	}
	session := adapter.Session{Values: map[string]string{"url": target, "category": f.category}}
	if f.checkSymbol == "" {
		return session, nil
	}

	client := bybitapi.NewBybitHttpClient(creds.APIKey, creds.APISecret, bybitapi.WithBaseURL(f.restURL))
	client.HTTPClient = &http.Client{Timeout: restTimeout}
	params := map[string]interface{}{
		"category": f.category,
		"symbol":   f.checkSymbol,
		"limit":    1,
	}
	start := time.Now()
	resp, err := client.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	if err != nil {
		return adapter.Session{}, fmt.Errorf("bybit orderbook check: %w", err)
	}
	if resp.RetCode != 0 {
		return adapter.Session{}, fmt.Errorf("bybit orderbook check: %d %s", resp.RetCode, resp.RetMsg)
	}
	logger.LogPerformanceEntry(f.log.WithComponent("bybit_feed"), "bybit_feed", "orderbook_check", time.Since(start), logger.Fields{
		"symbol": f.checkSymbol,
	})
	return session, nil
}

func (f *Feed) Dial(ctx context.Context, session adapter.Session, onTick adapter.TickFunc) (adapter.Stream, error) {
	target := session.Values["url"]
	if target == "" {
		target = f.url
	}
	return wsfeed.Dial(ctx, wsfeed.Options{
		URL:          target,
		PingInterval: f.pingInterval,
		Logger:       f.log,
	}, newCodec(), onTick)
}
