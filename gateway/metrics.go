package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the gateway's OTel instruments. The global meter provider is
// a noop unless the process installs one.
type metrics struct {
	requests metric.Int64Counter
	retries  metric.Int64Counter
	rateWait metric.Float64Histogram
	duration metric.Float64Histogram
}

func newMetrics() *metrics {
	meter := otel.Meter("scholium/gateway")
	requests, _ := meter.Int64Counter("scholium.gateway.requests")
	retries, _ := meter.Int64Counter("scholium.gateway.retries")
	rateWait, _ := meter.Float64Histogram("scholium.gateway.rate_wait_seconds")
	duration, _ := meter.Float64Histogram("scholium.gateway.request_duration_seconds")
	return &metrics{requests: requests, retries: retries, rateWait: rateWait, duration: duration}
}

func (m *metrics) request(ctx context.Context, host, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("host", host), attribute.String("outcome", outcome))
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *metrics) retry(ctx context.Context, host string) {
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("host", host)))
}

func (m *metrics) rateWaited(ctx context.Context, host string, waited time.Duration) {
	m.rateWait.Record(ctx, waited.Seconds(), metric.WithAttributes(attribute.String("host", host)))
}
