// Package probe provides health probers for registered instances.
package probe

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"trafficgate/internal/trafficgate/core"
)

// HTTPProber checks an instance by issuing a GET against its health path.
type HTTPProber struct {
	client *http.Client
	path   string
}

// NewHTTPProber builds an HTTP prober. An empty path defaults to /healthz.
func NewHTTPProber(timeout time.Duration, path string) *HTTPProber {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if path == "" {
		path = "/healthz"
	}
	return &HTTPProber{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		path: path,
	}
}

// Probe returns nil when the instance answers with a 2xx status.
func (p *HTTPProber) Probe(ctx context.Context, instance *core.ServiceInstance) error {
	if instance == nil {
		return core.ErrInvalidInput
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, instance.Address()+p.path, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe: %s returned %d", instance.ID, resp.StatusCode)
	}
	return nil
}
