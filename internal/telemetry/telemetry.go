// Package telemetry wires up OpenTelemetry tracing for the NAS core's two
// dispatch boundaries (ESM-SAP and EMMCN-SAP), per SPEC_FULL's ambient
// stack.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Provider wraps a TracerProvider. Its only constructor, NewNoop, uses the
// global provider (a no-op unless one has been registered), so every caller
// can unconditionally start spans without a nil check.
type Provider struct {
	tp trace.TracerProvider
}

// NewNoop returns a Provider backed by the global TracerProvider. The OTEL
// endpoint setting in internal/config is not read here or by cmd/mme.
func NewNoop() *Provider {
	return &Provider{tp: otel.GetTracerProvider()}
}

// Tracer returns a named tracer drawn from the configured provider.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Shutdown is a no-op placeholder for providers that do not own an
// exporter; it exists so callers can treat every Provider uniformly during
// graceful shutdown.
func (p *Provider) Shutdown(ctx context.Context) error {
	return nil
}
