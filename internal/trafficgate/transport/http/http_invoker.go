package httptransport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"trafficgate/internal/trafficgate/core"
)

const defaultMaxResponseBytes = 4 << 20

// HTTPInvoker proxies admitted requests to the selected instance over HTTP.
type HTTPInvoker struct {
	client           *http.Client
	maxResponseBytes int64
}

// NewHTTPInvoker builds an invoker. The per-call deadline comes from the
// pipeline context, so the client itself carries no timeout.
func NewHTTPInvoker(transport http.RoundTripper) *HTTPInvoker {
	client := &http.Client{}
	if transport != nil {
		client.Transport = transport
	}
	return &HTTPInvoker{client: client, maxResponseBytes: defaultMaxResponseBytes}
}

// Invoke forwards the request and captures the downstream response.
func (inv *HTTPInvoker) Invoke(ctx context.Context, instance *core.ServiceInstance, req *core.AdmitRequest) (*core.AdmitResponse, error) {
	if instance == nil || req == nil {
		return nil, core.ErrInvalidInput
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, instance.Address()+req.Endpoint, body)
	if err != nil {
		return nil, err
	}
	for key, value := range req.Header {
		httpReq.Header.Set(key, value)
	}
	if req.ClientIP != "" {
		httpReq.Header.Set("X-Forwarded-For", req.ClientIP)
	}

	start := time.Now()
	httpResp, err := inv.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, inv.maxResponseBytes))
	if err != nil {
		return nil, err
	}

	header := make(map[string]string, len(httpResp.Header))
	for key := range httpResp.Header {
		header[key] = httpResp.Header.Get(key)
	}
	header["X-Upstream-Latency"] = time.Since(start).String()

	return &core.AdmitResponse{
		StatusCode: httpResp.StatusCode,
		Header:     header,
		Body:       respBody,
		Instance:   instance.ID,
	}, nil
}
