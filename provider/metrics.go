package provider

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics are otel counters. Without a configured meter provider the
// global one is a no-op, so this costs nothing in the default setup.
type metrics struct {
	parRequests     metric.Int64Counter
	tokensIssued    metric.Int64Counter
	tokensRefreshed metric.Int64Counter
	codeReuse       metric.Int64Counter
	replaysBlocked  metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("github.com/polaris-id/polaris/provider")
	m := &metrics{}
	m.parRequests, _ = meter.Int64Counter("oauth.par.requests")
	m.tokensIssued, _ = meter.Int64Counter("oauth.token.issued")
	m.tokensRefreshed, _ = meter.Int64Counter("oauth.token.refreshed")
	m.codeReuse, _ = meter.Int64Counter("oauth.code.reuse_detected")
	m.replaysBlocked, _ = meter.Int64Counter("oauth.replay.blocked")
	return m
}

func (m *metrics) count(ctx context.Context, counter metric.Int64Counter, clientID string) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}
