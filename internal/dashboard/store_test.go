package dashboard

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"tickproxy/internal/metrics"
)

func dropMetric(broker, stage string, value int64) metrics.Metric {
	return metrics.Metric{
		Timestamp: time.Now(),
		Component: "drops",
		Name:      "frames_dropped",
		Type:      "counter",
		Value:     value,
		Broker:    broker,
		Topic:     broker + "_NSE_INFY_LTP",
		Stage:     stage,
	}
}

func TestMetricStoreKeepsLatest(t *testing.T) {
	store := newMetricStore(2)
	for i := 0; i < 5; i++ {
		store.handle(metrics.Metric{Name: "sessions", Type: "gauge", Value: i})
	}

	got := store.query(metrics.Filter{})
	if len(got) != 2 || got[0].Value != 3 || got[1].Value != 4 {
		t.Fatalf("unexpected metrics retained: %#v", got)
	}
	if sums := store.sums(metrics.Filter{}); len(sums) != 0 {
		t.Fatalf("gauges must not be summed, got %+v", sums)
	}
}

func TestMetricStoreFiltersByBrokerTopicStage(t *testing.T) {
	store := newMetricStore(10)
	store.handle(dropMetric("ZERODHA", metrics.StageSession, 3))
	store.handle(dropMetric("ZERODHA", metrics.StageAdapter, 1))
	store.handle(dropMetric("BINANCE", metrics.StageSession, 7))

	if got := store.query(metrics.Filter{Broker: "zerodha"}); len(got) != 2 {
		t.Fatalf("expected 2 zerodha metrics, got %d", len(got))
	}
	if got := store.query(metrics.Filter{Broker: "ZERODHA", Stage: metrics.StageAdapter}); len(got) != 1 || got[0].Value != int64(1) {
		t.Fatalf("unexpected adapter metrics %+v", got)
	}
	if got := store.query(metrics.Filter{Topic: "BINANCE_NSE_INFY_LTP"}); len(got) != 1 || got[0].Broker != "BINANCE" {
		t.Fatalf("unexpected topic match %+v", got)
	}
}

func TestMetricStoreTotalsOutliveHistory(t *testing.T) {
	store := newMetricStore(1)
	for i := 0; i < 4; i++ {
		store.handle(dropMetric("ZERODHA", metrics.StageSession, 2))
	}
	store.handle(dropMetric("BINANCE", metrics.StageSession, 5))

	sums := store.sums(metrics.Filter{})
	if len(sums) != 2 {
		t.Fatalf("expected totals for two brokers, got %+v", sums)
	}
	if sums[0].Broker != "BINANCE" || sums[0].Value != 5 || sums[1].Broker != "ZERODHA" || sums[1].Value != 8 {
		t.Fatalf("unexpected totals %+v", sums)
	}
	if only := store.sums(metrics.Filter{Broker: "zerodha", Topic: "ignored"}); len(only) != 1 || only[0].Value != 8 {
		t.Fatalf("broker filter on totals failed: %+v", only)
	}
}

func TestLogStoreLiftsProxyFields(t *testing.T) {
	store := newLogStore(3)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "session queue full"
	entry.Data = logrus.Fields{
		"component": "proxy_session",
		"broker":    "ZERODHA",
		"session":   "s-1",
		"error":     errors.New("slow client"),
	}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("store.Fire returned error: %v", err)
	}

	got := store.query(logFilter{Level: logrus.TraceLevel})
	if len(got) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(got))
	}
	r := got[0]
	if r.Component != "proxy_session" || r.Broker != "ZERODHA" || r.Session != "s-1" {
		t.Fatalf("proxy fields not lifted: %#v", r)
	}
	if r.Fields["error"] != "slow client" || len(r.Fields) != 1 {
		t.Fatalf("unexpected remaining fields: %#v", r.Fields)
	}
}

func TestLogStoreQueryFilters(t *testing.T) {
	store := newLogStore(10)
	fire := func(level logrus.Level, component, broker string) {
		entry := logrus.NewEntry(logrus.New())
		entry.Level = level
		entry.Message = "msg"
		entry.Data = logrus.Fields{"component": component, "broker": broker}
		store.Fire(entry)
	}
	fire(logrus.DebugLevel, "adapter", "BYBIT")
	fire(logrus.WarnLevel, "adapter", "BYBIT")
	fire(logrus.ErrorLevel, "adapter", "KUCOIN")
	fire(logrus.InfoLevel, "proxy_core", "")

	if got := store.query(logFilter{Level: logrus.WarnLevel}); len(got) != 2 {
		t.Fatalf("expected warn and error records, got %d", len(got))
	}
	if got := store.query(logFilter{Level: logrus.TraceLevel, Broker: "bybit"}); len(got) != 2 {
		t.Fatalf("expected 2 bybit records, got %d", len(got))
	}
	if got := store.query(logFilter{Level: logrus.TraceLevel, Component: "proxy_core"}); len(got) != 1 {
		t.Fatalf("expected 1 core record, got %d", len(got))
	}
}

func TestLogStoreRespectsLimitAndClose(t *testing.T) {
	store := newLogStore(2)
	for i := 0; i < 4; i++ {
		entry := logrus.NewEntry(logrus.New())
		entry.Message = "msg"
		entry.Level = logrus.InfoLevel
		entry.Data = logrus.Fields{"index": i}
		if err := store.Fire(entry); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	all := logFilter{Level: logrus.TraceLevel}
	got := store.query(all)
	if len(got) != 2 || got[1].Fields["index"] != 3 {
		t.Fatalf("expected the 2 newest entries, got %#v", got)
	}

	store.close()
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "ignored"
	if err := store.Fire(entry); err != nil {
		t.Fatalf("unexpected error after close: %v", err)
	}
	if len(store.query(all)) != 2 {
		t.Fatalf("store accepted entries after close")
	}
}
