// Package metrics records notification-service metrics through OpenTelemetry.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/usernotify/libs/breaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/md-rashed-zaman/usernotify/notification-service"

// Recorder records notification outcomes.
// Use New for OTel metrics or Noop{} when disabled.
type Recorder interface {
	// NotificationSent counts a message the transport accepted.
	NotificationSent(ctx context.Context, kind string, latency time.Duration)
	// NotificationDropped counts a message that was given up on.
	NotificationDropped(ctx context.Context, kind, reason string)
	// EventIgnored counts a consumed event with no handler.
	EventIgnored(ctx context.Context, eventType string)
	// BreakerTransition counts a circuit breaker state change.
	BreakerTransition(ctx context.Context, name string, from, to breaker.State)
}

type otelRecorder struct {
	sent        metric.Int64Counter
	sendLatency metric.Float64Histogram
	dropped     metric.Int64Counter
	ignored     metric.Int64Counter
	transitions metric.Int64Counter
	meter       metric.Meter
}

func newOtelRecorder(mp metric.MeterProvider) (*otelRecorder, error) {
	meter := mp.Meter(meterName)

	sent, err := meter.Int64Counter("usernotify.notifications.sent",
		metric.WithDescription("Notifications accepted by the email transport"),
	)
	if err != nil {
		return nil, err
	}

	sendLatency, err := meter.Float64Histogram("usernotify.notifications.send_latency_ms",
		metric.WithDescription("Time spent in the email transport for accepted notifications"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter("usernotify.notifications.dropped",
		metric.WithDescription("Notifications dropped by the fallback path"),
	)
	if err != nil {
		return nil, err
	}

	ignored, err := meter.Int64Counter("usernotify.events.ignored",
		metric.WithDescription("Consumed user events with an unknown type"),
	)
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter("usernotify.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
	)
	if err != nil {
		return nil, err
	}

	return &otelRecorder{
		sent:        sent,
		sendLatency: sendLatency,
		dropped:     dropped,
		ignored:     ignored,
		transitions: transitions,
		meter:       meter,
	}, nil
}

// New returns a Recorder backed by mp. If instrument creation fails it logs
// to logger and returns Noop{}.
func New(mp metric.MeterProvider, logger *slog.Logger) Recorder {
	r, err := newOtelRecorder(mp)
	if err != nil {
		logger.Warn("metrics initialization failed, using no-op recorder", "err", err)
		return Noop{}
	}
	return r
}

func (r *otelRecorder) NotificationSent(ctx context.Context, kind string, latency time.Duration) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	r.sent.Add(ctx, 1, attrs)
	r.sendLatency.Record(ctx, float64(latency.Milliseconds()), attrs)
}

func (r *otelRecorder) NotificationDropped(ctx context.Context, kind, reason string) {
	r.dropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("reason", reason),
	))
}

func (r *otelRecorder) EventIgnored(ctx context.Context, eventType string) {
	r.ignored.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (r *otelRecorder) BreakerTransition(ctx context.Context, name string, from, to breaker.State) {
	r.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

// ObserveBreaker exports b's current state as a gauge: 0 closed, 1 open,
// 2 half-open. It is a no-op for recorders not backed by OTel.
func ObserveBreaker(r Recorder, b *breaker.Breaker) error {
	or, ok := r.(*otelRecorder)
	if !ok {
		return nil
	}
	_, err := or.meter.Int64ObservableGauge("usernotify.breaker.state",
		metric.WithDescription("Circuit breaker state (0 closed, 1 open, 2 half-open)"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.State()), metric.WithAttributes(attribute.String("breaker", b.Name())))
			return nil
		}),
	)
	return err
}

// Noop discards everything.
type Noop struct{}

func (Noop) NotificationSent(context.Context, string, time.Duration) {}
func (Noop) NotificationDropped(context.Context, string, string) {}
func (Noop) EventIgnored(context.Context, string) {}
func (Noop) BreakerTransition(context.Context, string, breaker.State, breaker.State) {}
