// Package metrics wires the process-wide OpenTelemetry meter provider
// (Prometheus-scraped) and the handful of counters this core reports:
// dispatcher back-pressure drops and usage/abuse events. It is a process
// bootstrap concern, not something any pipeline component depends on
// directly — components are handed a plain Go func hook instead of an
// OTel import, avoiding hidden global mutation from deep in the call stack.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/voxrelay/orchestrator/pkg/dispatcher"
)

// Registry bundles the instruments this repo's components report
// through. Construct once per process via New, pass DropHook to the
// dispatcher, and call SessionStarted/SessionEnded around each session.
type Registry struct {
	meter metric.Meter

	droppedEvents     metric.Int64Counter
	usageWarnings     metric.Int64Counter
	usageLimitReached metric.Int64Counter
	voiceDisabled     metric.Int64Counter
	abuseEvents       metric.Int64Counter
	activeSessions    metric.Int64UpDownCounter
}

// New builds the MeterProvider (Prometheus-backed) and the instrument
// set, and registers the provider globally. shutdown should be deferred
// from main.
func New(ctx context.Context, serviceName string) (reg *Registry, handler http.Handler, shutdown func(context.Context) error, err error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, nil, nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, nil, nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	meter := mp.Meter("voxrelay/orchestrator")
	reg = &Registry{meter: meter}

	reg.droppedEvents, err = meter.Int64Counter("dispatcher_dropped_events_total",
		metric.WithDescription("events dropped from a full subscriber queue (drop-oldest back-pressure)"))
	if err != nil {
		return nil, nil, nil, err
	}
	reg.usageWarnings, err = meter.Int64Counter("voice_usage_warnings_total",
		metric.WithDescription("USAGE_WARNING events emitted by the usage tracker"))
	if err != nil {
		return nil, nil, nil, err
	}
	reg.usageLimitReached, err = meter.Int64Counter("voice_usage_limit_reached_total",
		metric.WithDescription("USAGE_LIMIT_REACHED events emitted by the usage tracker"))
	if err != nil {
		return nil, nil, nil, err
	}
	reg.voiceDisabled, err = meter.Int64Counter("voice_disabled_total",
		metric.WithDescription("VOICE_DISABLED events emitted by the usage tracker"))
	if err != nil {
		return nil, nil, nil, err
	}
	reg.abuseEvents, err = meter.Int64Counter("voice_abuse_events_total",
		metric.WithDescription("ABUSE_DETECTED events emitted by the usage tracker's heuristics"))
	if err != nil {
		return nil, nil, nil, err
	}
	reg.activeSessions, err = meter.Int64UpDownCounter("voice_sessions_active",
		metric.WithDescription("sessions currently running under the supervisor"))
	if err != nil {
		return nil, nil, nil, err
	}

	return reg, promhttp.Handler(), mp.Shutdown, nil
}

// DropHook returns the closure to pass to dispatcher.WithDropHook. Only
// process bootstrap wires dispatcher to metrics — the dispatcher package
// itself stays telemetry-agnostic.
func (r *Registry) DropHook() func(topic dispatcher.Topic) {
	return func(dispatcher.Topic) {
		r.droppedEvents.Add(context.Background(), 1)
	}
}

func (r *Registry) SessionStarted() { r.activeSessions.Add(context.Background(), 1) }
func (r *Registry) SessionEnded()   { r.activeSessions.Add(context.Background(), -1) }
func (r *Registry) UsageWarning()   { r.usageWarnings.Add(context.Background(), 1) }
func (r *Registry) UsageLimit()     { r.usageLimitReached.Add(context.Background(), 1) }
func (r *Registry) VoiceDisabled()  { r.voiceDisabled.Add(context.Background(), 1) }
func (r *Registry) AbuseDetected()  { r.abuseEvents.Add(context.Background(), 1) }
