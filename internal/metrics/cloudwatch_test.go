package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"tickproxy/logger"
)

func captureCloudWatch(t *testing.T, base time.Time) *[][]cwtypes.MetricDatum {
	t.Helper()

	prevState := cwState.Load()
	cwState.Store(&cloudWatchState{client: &cloudwatch.Client{}, namespace: "Test"})
	t.Cleanup(func() { cwState.Store(prevState) })

	resetMetricPublishTimes()
	t.Cleanup(resetMetricPublishTimes)

	originalInterval := cloudWatchPublishInterval
	cloudWatchPublishInterval = 50 * time.Millisecond
	t.Cleanup(func() { cloudWatchPublishInterval = originalInterval })

	timeNow = func() time.Time { return base }
	t.Cleanup(func() { timeNow = time.Now })

	batches := make([][]cwtypes.MetricDatum, 0)
	publishMetricsFunc = func(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
		copyData := make([]cwtypes.MetricDatum, len(data))
		copy(copyData, data)
		batches = append(batches, copyData)
	}
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })
	return &batches
}

func TestPublishMetricDatumThrottlesToInterval(t *testing.T) {
	baseTime := time.Now()
	batches := captureCloudWatch(t, baseTime)

	metric := Metric{Component: "proxy_core", Name: "sessions", Timestamp: baseTime, Fields: logger.Fields{"unit": "count"}}
	publishMetricDatum(metric, 1)

	timeNow = func() time.Time { return baseTime.Add(25 * time.Millisecond) }
	publishMetricDatum(metric, 2)

	if len(*batches) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(*batches))
	}
	datum := (*batches)[0][0]
	if datum.MetricName == nil || *datum.MetricName != "sessions" {
		t.Fatalf("unexpected metric name: %v", datum.MetricName)
	}
	if datum.Value == nil || *datum.Value != 1 {
		t.Fatalf("unexpected metric value: %v", datum.Value)
	}
}

func TestPublishMetricDatumAllowsAfterInterval(t *testing.T) {
	baseTime := time.Now()
	batches := captureCloudWatch(t, baseTime)

	metric := Metric{Component: "proxy_core", Name: "sessions", Timestamp: baseTime}
	publishMetricDatum(metric, 1)

	timeNow = func() time.Time { return baseTime.Add(60 * time.Millisecond) }
	publishMetricDatum(metric, 2)

	if len(*batches) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(*batches))
	}
}

func TestPublishMetricDatumSeparatesDimensions(t *testing.T) {
	baseTime := time.Now()
	batches := captureCloudWatch(t, baseTime)

	publishMetricDatum(Metric{Component: "drops", Name: "session_frames_dropped", Broker: "BINANCE"}, 1)
	publishMetricDatum(Metric{Component: "drops", Name: "session_frames_dropped", Broker: "BYBIT"}, 1)

	if len(*batches) != 2 {
		t.Fatalf("expected one publish per dimension set, got %d", len(*batches))
	}
	dims := (*batches)[0][0].Dimensions
	if len(dims) != 2 {
		t.Fatalf("expected component and broker dimensions, got %d", len(dims))
	}
}

func TestPublishMetricDatumWithoutClient(t *testing.T) {
	prevState := cwState.Load()
	cwState.Store(&cloudWatchState{})
	t.Cleanup(func() { cwState.Store(prevState) })

	called := false
	publishMetricsFunc = func(context.Context, *cloudWatchState, []cwtypes.MetricDatum) { called = true }
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	publishMetricDatum(Metric{Component: "x", Name: "y"}, 1)
	if called {
		t.Fatalf("publish should be skipped without a client")
	}
}

func TestToFloat64(t *testing.T) {
	if v, ok := toFloat64(int64(3)); !ok || v != 3 {
		t.Fatalf("toFloat64(int64) = %v, %v", v, ok)
	}
	if _, ok := toFloat64("3"); ok {
		t.Fatalf("strings must not convert")
	}
}
