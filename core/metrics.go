package core

import (
	"context"
	"maps"
)

const (
	MetricAttemptActivated  = "payments.attempt.activated.total"
	MetricWebhookApply      = "payments.webhook.apply.total"
	MetricWebhookIngest     = "payments.webhook.ingest.total"
	MetricWebhookIngestTime = "payments.webhook.ingest.duration_ms"
)

// OperationMetricNames returns the counter and duration histogram names of a
// service operation.
func OperationMetricNames(operation string) (total string, duration string) {
	return "payments." + operation + ".total", "payments." + operation + ".duration_ms"
}

// NopMetricsRecorder drops every measurement.
type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func cloneTags(tags map[string]string) map[string]string {
	copied := make(map[string]string, len(tags))
	maps.Copy(copied, tags)
	return copied
}
