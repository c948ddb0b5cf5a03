package metrics

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"l3flow/logger"
)

// captureCloudWatch installs a fake client and publisher and returns the
// recorded batches.
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

	metric := Metric{Component: "test", Name: "requests", Timestamp: baseTime, Fields: logger.Fields{"unit": "count"}}
	publishMetricDatum(metric, 1)

	timeNow = func() time.Time { return baseTime.Add(25 * time.Millisecond) }
	publishMetricDatum(metric, 2)

	if len(*batches) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(*batches))
	}
	datum := (*batches)[0][0]
	if datum.MetricName == nil || *datum.MetricName != "requests" {
		t.Fatalf("unexpected metric name: %v", datum.MetricName)
	}
	if datum.Value == nil || *datum.Value != 1 {
		t.Fatalf("unexpected metric value: %v", datum.Value)
	}
}

func TestPublishMetricDatumAllowsAfterInterval(t *testing.T) {
	baseTime := time.Now()
	batches := captureCloudWatch(t, baseTime)

	metric := Metric{Component: "test", Name: "requests", Timestamp: baseTime, Fields: logger.Fields{"unit": "count"}}
	publishMetricDatum(metric, 1)

	timeNow = func() time.Time { return baseTime.Add(75 * time.Millisecond) }
	publishMetricDatum(metric, 2)

	if len(*batches) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(*batches))
	}
	if v := (*batches)[1][0].Value; v == nil || *v != 2 {
		t.Fatalf("unexpected metric value: %v", v)
	}
}

func TestPublishMetricDatumSeparatesSeries(t *testing.T) {
	baseTime := time.Now()
	batches := captureCloudWatch(t, baseTime)

	publishMetricDatum(Metric{Component: "drops", Name: "x", Fields: logger.Fields{"venue": "coinbase"}}, 1)
	publishMetricDatum(Metric{Component: "drops", Name: "x", Fields: logger.Fields{"venue": "bitfinex"}}, 1)

	if len(*batches) != 2 {
		t.Fatalf("different dimensions should not throttle each other, got %d publishes", len(*batches))
	}
	dims := (*batches)[0][0].Dimensions
	if len(dims) != 2 {
		t.Fatalf("expected component and venue dimensions, got %d", len(dims))
	}
}

func TestPublishReport(t *testing.T) {
	batches := captureCloudWatch(t, time.Now())

	PublishReport(context.Background(), logger.Report{
		CPUPercent: 12.5,
		Counters:   map[string]int64{logger.CounterEventsRead: 10},
	})
	if len(*batches) != 1 {
		t.Fatalf("expected one publish, got %d", len(*batches))
	}
	if n := len((*batches)[0]); n != 5 {
		t.Fatalf("expected 4 system datums plus 1 counter, got %d", n)
	}
}

func TestDashboardBodyIsValidJSON(t *testing.T) {
	body, err := dashboardBody("L3Flow", "eu-west-1")
	if err != nil {
		t.Fatalf("dashboardBody: %v", err)
	}
	var parsed struct {
		Widgets []map[string]interface{} `json:"widgets"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(parsed.Widgets) == 0 {
		t.Fatalf("dashboard has no widgets")
	}
}
