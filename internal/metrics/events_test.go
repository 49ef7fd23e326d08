package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tickproxy/config"
	"tickproxy/logger"
)

func resetMetricHandlers() {
	handlersMu.Lock()
	handlers.Store(nil)
	handlersMu.Unlock()
}

func TestRegisterMetricHandlerReturnsUniqueIDs(t *testing.T) {
	resetMetricHandlers()

	id := RegisterMetricHandler(func(Metric) {})
	if id == 0 {
		t.Fatalf("expected non-zero handler id")
	}

	second := RegisterMetricHandler(func(Metric) {})
	if second == 0 || second == id {
		t.Fatalf("expected unique handler id")
	}
}

func TestUnregisterStopsDispatch(t *testing.T) {
	resetMetricHandlers()

	var first, second int
	id := RegisterMetricHandler(func(Metric) { first++ })
	RegisterMetricHandler(func(Metric) { second++ })

	EmitMetric(nil, "proxy_core", "sessions", 1, "gauge", nil)
	UnregisterMetricHandler(id)
	EmitMetric(nil, "proxy_core", "sessions", 2, "gauge", nil)

	if first != 1 || second != 2 {
		t.Fatalf("expected 1 and 2 deliveries, got %d and %d", first, second)
	}
}

func TestRegisterMetricHandlerNil(t *testing.T) {
	resetMetricHandlers()

	if id := RegisterMetricHandler(nil); id != 0 {
		t.Fatalf("expected zero id for nil handler, got %d", id)
	}
}

func TestEmitMetricDispatchesToHandlers(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	fields := logger.Fields{"exchange": "binance", "unit": "count"}
	log := logger.Logger()

	EmitMetric(log, "proxy_core", "fanout_frames", 3, "gauge", fields)

	select {
	case event := <-events:
		if event.Component != "proxy_core" {
			t.Fatalf("unexpected component: %s", event.Component)
		}
		if event.Name != "fanout_frames" {
			t.Fatalf("unexpected metric name: %s", event.Name)
		}
		if event.Type != "gauge" {
			t.Fatalf("unexpected metric type: %s", event.Type)
		}
		if _, ok := fields["metric"]; ok {
			t.Fatalf("original fields mutated: %v", fields)
		}
		if _, ok := event.Fields["metric"]; ok {
			t.Fatalf("event fields should not contain metric key: %v", event.Fields)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked")
	}
}

func TestEmitMetricDefaultType(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	EmitMetric(nil, "adapter", "updates", 7, "", logger.Fields{"unit": "count"})

	select {
	case event := <-events:
		if event.Type != "counter" {
			t.Fatalf("expected default metric type to be counter, got %s", event.Type)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked for default type")
	}
}

func TestEmitMetricWithoutName(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	EmitMetric(nil, "component", "", 1, "counter", nil)

	select {
	case <-events:
		t.Fatal("handler should not receive metrics without a name")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitMetricDisabledReport(t *testing.T) {
	resetMetricHandlers()

	Configure(config.MetricsConfig{Report: false})
	t.Cleanup(func() { Configure(config.MetricsConfig{Report: true}) })

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	EmitMetric(nil, "proxy_core", "sessions", 1, "gauge", nil)

	select {
	case <-events:
		t.Fatal("expected no metrics to be emitted when reporting is disabled")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitDropMetricSkipsZero(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 2)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	EmitDropMetric(nil, DropMetricSessionFrames, 0, "binance", "", "")
	EmitDropMetric(nil, DropMetricSessionFrames, 4, "binance", "BINANCE_FUTURES_BTCUSDT_LTP", "")

	select {
	case event := <-events:
		if event.Value != int64(4) || event.Broker != "BINANCE" || event.Stage != StageSession {
			t.Fatalf("unexpected drop metric: %+v", event)
		}
		if event.Topic != "BINANCE_FUTURES_BTCUSDT_LTP" {
			t.Fatalf("topic not lifted: %+v", event)
		}
		if _, ok := event.Fields["broker"]; ok {
			t.Fatalf("broker must not stay in fields: %v", event.Fields)
		}
		if _, ok := event.Fields["session"]; ok {
			t.Fatalf("empty session must not become a field: %v", event.Fields)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("drop metric not emitted")
	}
	select {
	case event := <-events:
		t.Fatalf("zero drop count must not emit, got %+v", event)
	default:
	}
}

func TestFilterMatch(t *testing.T) {
	m := Metric{Name: "adapter_commands_dropped", Broker: "BYBIT", Topic: "BYBIT_LINEAR_BTCUSDT_LTP", Stage: StageAdapter}
	cases := []struct {
		filter Filter
		want   bool
	}{
		{Filter{}, true},
		{Filter{Broker: "bybit"}, true},
		{Filter{Broker: "BINANCE"}, false},
		{Filter{Stage: "ADAPTER", Topic: "BYBIT_LINEAR_BTCUSDT_LTP"}, true},
		{Filter{Topic: "bybit_linear_btcusdt_ltp"}, false},
		{Filter{Broker: "BYBIT", Stage: StageSession}, false},
	}
	for _, tc := range cases {
		if got := tc.filter.Match(m); got != tc.want {
			t.Errorf("%+v.Match = %v, want %v", tc.filter, got, tc.want)
		}
	}
}

func TestPrometheusHandler(t *testing.T) {
	ObserveTickPublished("binance")
	ObserveDrop(DropStageBus)
	SetSessions(3)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"tickproxy_ticks_published_total", "tickproxy_sessions 3"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
