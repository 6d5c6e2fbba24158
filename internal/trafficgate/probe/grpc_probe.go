package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpchealth "google.golang.org/grpc/health/grpc_health_v1"

	"trafficgate/internal/trafficgate/core"
)

// GRPCProber checks an instance through the standard gRPC health service.
// Client connections are cached per target and reused across sweeps.
type GRPCProber struct {
	mu       sync.Mutex
	conns    map[string]*grpc.ClientConn
	timeout  time.Duration
	service  string
	dialOpts []grpc.DialOption
}

// NewGRPCProber builds a gRPC health prober. service names the health
// service to query; empty checks overall server health. Extra dial options
// are appended after the default plaintext credentials.
func NewGRPCProber(timeout time.Duration, service string, dialOpts ...grpc.DialOption) *GRPCProber {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &GRPCProber{
		conns:    make(map[string]*grpc.ClientConn),
		timeout:  timeout,
		service:  service,
		dialOpts: dialOpts,
	}
}

// Probe returns nil when the instance reports SERVING.
func (p *GRPCProber) Probe(ctx context.Context, instance *core.ServiceInstance) error {
	if instance == nil {
		return core.ErrInvalidInput
	}
	target := fmt.Sprintf("%s:%d", instance.Host, instance.Port)
	conn, err := p.conn(target)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := grpchealth.NewHealthClient(conn).Check(ctx, &grpchealth.HealthCheckRequest{
		Service: p.service,
	})
	if err != nil {
		return err
	}
	if resp.GetStatus() != grpchealth.HealthCheckResponse_SERVING {
		return fmt.Errorf("probe: %s reported %s", instance.ID, resp.GetStatus())
	}
	return nil
}

// Close tears down all cached connections.
func (p *GRPCProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for target, conn := range p.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.conns, target)
	}
	return firstErr
}

func (p *GRPCProber) conn(target string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[target]; ok {
		return conn, nil
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, p.dialOpts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	p.conns[target] = conn
	return conn, nil
}
