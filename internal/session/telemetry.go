// ABOUTME: OpenTelemetry instruments for session turns and permission requests
// ABOUTME: Uses the global providers; they are no-ops unless the binary installs SDKs

package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/2389/command-center/internal/session"

type telemetry struct {
	tracer      trace.Tracer
	started     metric.Int64Counter
	turns       metric.Int64Counter
	permissions metric.Int64Counter
}

func newTelemetry() *telemetry {
	meter := otel.Meter(instrumentationName)
	t := &telemetry{tracer: otel.Tracer(instrumentationName)}

	// Instrument creation only fails on invalid names; a nil counter is skipped.
	t.started, _ = meter.Int64Counter("command_center.sessions.started",
		metric.WithDescription("Sessions started"))
	t.turns, _ = meter.Int64Counter("command_center.turns.finished",
		metric.WithDescription("Turns finished, by outcome"))
	t.permissions, _ = meter.Int64Counter("command_center.permissions.requested",
		metric.WithDescription("Actions suspended for a human decision"))
	return t
}

func (t *telemetry) sessionStarted(agent string) {
	if t.started != nil {
		t.started.Add(context.Background(), 1, metric.WithAttributes(attribute.String("agent", agent)))
	}
}

func (t *telemetry) turnFinished(agent, outcome string) {
	if t.turns != nil {
		t.turns.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("agent", agent),
			attribute.String("outcome", outcome),
		))
	}
}

func (t *telemetry) permissionRequested(tool string) {
	if t.permissions != nil {
		t.permissions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tool", tool)))
	}
}
