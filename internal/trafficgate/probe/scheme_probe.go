package probe

import (
	"context"

	"trafficgate/internal/trafficgate/core"
)

// SchemeProber dispatches to a protocol-specific prober based on the
// instance's scheme: grpc instances get the gRPC health check, everything
// else the HTTP one.
type SchemeProber struct {
	httpProber core.Prober
	grpcProber core.Prober
}

// NewSchemeProber builds the dispatching prober.
func NewSchemeProber(httpProber, grpcProber core.Prober) *SchemeProber {
	return &SchemeProber{httpProber: httpProber, grpcProber: grpcProber}
}

// Probe forwards to the prober matching the instance's scheme.
func (p *SchemeProber) Probe(ctx context.Context, instance *core.ServiceInstance) error {
	if p == nil || instance == nil {
		return core.ErrInvalidInput
	}
	if instance.Scheme == "grpc" && p.grpcProber != nil {
		return p.grpcProber.Probe(ctx, instance)
	}
	if p.httpProber == nil {
		return core.ErrInvalidInput
	}
	return p.httpProber.Probe(ctx, instance)
}
