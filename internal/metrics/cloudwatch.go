package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"l3flow/logger"
)

type cloudWatchState struct {
	client        *cloudwatch.Client
	namespace     string
	dashboardName string
	region        string
}

var (
	cwState atomic.Pointer[cloudWatchState]

	// Each metric series is published at most once per interval.
	cloudWatchPublishInterval = time.Minute
	timeNow                   = time.Now
	publishMetricsFunc        = publishMetrics

	lastPublishMu sync.Mutex
	lastPublish   = map[string]time.Time{}
)

func init() {
	cwState.Store(&cloudWatchState{
		namespace:     "L3Flow",
		dashboardName: "L3Flow",
	})
}

func resetMetricPublishTimes() {
	lastPublishMu.Lock()
	lastPublish = map[string]time.Time{}
	lastPublishMu.Unlock()
}

// InitCloudWatch creates the CloudWatch client. When AWS configuration
// cannot be loaded publishing stays disabled and a warning is logged.
func InitCloudWatch(region, namespace, dashboard string, interval time.Duration) {
	log := logger.GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	ctx := context.Background()
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	state := *cwState.Load()
	state.client = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		state.namespace = namespace
	}
	if dashboard != "" {
		state.dashboardName = dashboard
	}
	state.region = cfg.Region
	if state.region == "" {
		state.region = region
	}
	if interval > 0 {
		cloudWatchPublishInterval = interval
	}
	cwState.Store(&state)

	log.WithFields(logger.Fields{
		"region":    state.region,
		"namespace": state.namespace,
	}).Info("initialized CloudWatch client")

	if err := CreateDashboard(ctx); err != nil {
		log.WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}

// EmitMetric logs the metric, hands it to registered handlers and publishes
// numeric values to CloudWatch when configured.
func EmitMetric(log *logger.Log, component string, metric string, value interface{}, metricType string, fields logger.Fields) {
	event, ok := recordMetric(log, component, metric, value, metricType, fields)
	if !ok {
		return
	}

	numeric, ok := toFloat64(event.Value)
	if !ok {
		logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{"metric": event.Name}).Debug("non-numeric metric value; skipping publish")
		return
	}
	publishMetricDatum(event, numeric)
}

// PublishReport forwards a runtime report to CloudWatch. It is meant to be
// passed to logger.StartReport.
func PublishReport(ctx context.Context, r logger.Report) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}
	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(r.CPUPercent)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(r.MemoryMB)},
		{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(r.DiskMB)},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(r.Goroutines))},
	}
	names := make([]string, 0, len(r.Counters))
	for name := range r.Counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(r.Counters[name])),
		})
	}
	// PutMetricData accepts at most 1000 datums; the report is far below.
	publishMetricsFunc(ctx, state, data)
}

func dashboardBody(namespace, region string) (string, error) {
	metric := func(name string) []string { return []string{namespace, name} }
	widget := func(title string, names ...string) map[string]interface{} {
		series := make([][]string, 0, len(names))
		for _, n := range names {
			series = append(series, metric(n))
		}
		return map[string]interface{}{
			"type":   "metric",
			"width":  12,
			"height": 6,
			"properties": map[string]interface{}{
				"metrics": series,
				"period":  60,
				"stat":    "Average",
				"region":  region,
				"title":   title,
			},
		}
	}
	body := map[string]interface{}{
		"widgets": []interface{}{
			widget("System", "CPUPercent", "MemoryMB", "DiskMB"),
			widget("Events", logger.CounterEventsRead, logger.CounterEventsPersisted, logger.CounterDropped),
			widget("Book health", logger.CounterGaps, logger.CounterReconnects, logger.CounterSnapshotsTaken),
			widget("Spool", logger.CounterSpooled),
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CreateDashboard creates or replaces the configured CloudWatch dashboard.
func CreateDashboard(ctx context.Context) error {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return nil
	}
	body, err := dashboardBody(state.namespace, state.region)
	if err != nil {
		return fmt.Errorf("build dashboard: %w", err)
	}
	_, err = state.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(state.dashboardName),
		DashboardBody: aws.String(body),
	})
	return err
}

func seriesKey(metric Metric) string {
	keys := make([]string, 0, len(metric.Fields))
	for k, v := range metric.Fields {
		if s, ok := v.(string); ok && k != "unit" {
			keys = append(keys, k+"="+s)
		}
	}
	sort.Strings(keys)
	return metric.Component + "|" + metric.Name + "|" + strings.Join(keys, ",")
}

func allowPublish(key string, now time.Time) bool {
	lastPublishMu.Lock()
	defer lastPublishMu.Unlock()
	if last, ok := lastPublish[key]; ok && now.Sub(last) < cloudWatchPublishInterval {
		return false
	}
	lastPublish[key] = now
	return true
}

func publishMetricDatum(metric Metric, value float64) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}
	if !allowPublish(seriesKey(metric), timeNow()) {
		return
	}

	unit := cwtypes.StandardUnitCount
	if raw, ok := metric.Fields["unit"].(string); ok {
		if parsed, found := metricUnitFromString(raw); found {
			unit = parsed
		}
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(metric.Component)}}
	for k, v := range metric.Fields {
		if k == "unit" {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}

	data := []cwtypes.MetricDatum{{
		MetricName: aws.String(metric.Name),
		Dimensions: dims,
		Unit:       unit,
		Value:      aws.Float64(value),
		Timestamp:  aws.Time(metric.Timestamp),
	}}
	publishMetricsFunc(context.Background(), state, data)
}

func publishMetrics(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
	if state == nil || state.client == nil || len(data) == 0 {
		return
	}
	log := logger.GetLogger().WithComponent("cloudwatch")

	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}
	log.WithField("count", len(data)).Debug("published metrics to CloudWatch")
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func metricUnitFromString(unit string) (cwtypes.StandardUnit, bool) {
	switch strings.ToLower(unit) {
	case "count":
		return cwtypes.StandardUnitCount, true
	case "percent":
		return cwtypes.StandardUnitPercent, true
	case "seconds":
		return cwtypes.StandardUnitSeconds, true
	case "milliseconds":
		return cwtypes.StandardUnitMilliseconds, true
	case "bytes":
		return cwtypes.StandardUnitBytes, true
	default:
		return cwtypes.StandardUnitCount, false
	}
}
