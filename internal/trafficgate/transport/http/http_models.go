// Package httptransport provides HTTP transport models.
package httptransport

import (
	"time"

	"trafficgate/internal/trafficgate/core"
)

// HTTPAdmitRequest is the wire form of an admission request.
type HTTPAdmitRequest struct {
	UserID   string            `json:"userId"`
	Cluster  string            `json:"cluster"`
	Endpoint string            `json:"endpoint"`
	Method   string            `json:"method"`
	Header   map[string]string `json:"header,omitempty"`
	Body     []byte            `json:"body,omitempty"`
}

// HTTPRegisterInstanceRequest registers an instance into a cluster.
type HTTPRegisterInstanceRequest struct {
	Cluster  string            `json:"cluster"`
	ID       string            `json:"id,omitempty"`
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	Scheme   string            `json:"scheme,omitempty"`
	Weight   int               `json:"weight,omitempty"`
	Priority int               `json:"priority,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// HTTPInstanceResponse describes one registered instance.
type HTTPInstanceResponse struct {
	ID                string            `json:"id"`
	Cluster           string            `json:"cluster"`
	Address           string            `json:"address"`
	Weight            int               `json:"weight"`
	Priority          int               `json:"priority"`
	Healthy           bool              `json:"healthy"`
	ActiveConnections int64             `json:"activeConnections"`
	TotalRequests     int64             `json:"totalRequests"`
	FailureCount      int64             `json:"failureCount"`
	AvgResponseTimeMS float64           `json:"avgResponseTimeMs"`
	LastHealthCheck   time.Time         `json:"lastHealthCheck"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// HTTPSetTierRequest assigns a tier to a user.
type HTTPSetTierRequest struct {
	UserID string `json:"userId"`
	Tier   string `json:"tier"`
}

// HTTPEndpointLimitRequest sets a per-endpoint rate override.
type HTTPEndpointLimitRequest struct {
	Endpoint          string `json:"endpoint"`
	RequestsPerMinute int64  `json:"requestsPerMinute"`
	BurstCapacity     int64  `json:"burstCapacity"`
}

// HTTPGraceRequest activates a grace period for a user.
type HTTPGraceRequest struct {
	UserID          string `json:"userId"`
	DurationSeconds int64  `json:"durationSeconds"`
}

// HTTPBreakerStatusResponse is the wire form of a breaker status.
type HTTPBreakerStatusResponse struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	FailureRate         float64   `json:"failureRate"`
	TotalCalls          int       `json:"totalCalls"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	OpenedAt            time.Time `json:"openedAt,omitempty"`
}

// HTTPBreakerActionRequest forces or resets a named breaker.
type HTTPBreakerActionRequest struct {
	Name  string `json:"name"`
	State string `json:"state,omitempty"`
}

// HTTPStrategyRequest sets the balancing strategy for a cluster.
type HTTPStrategyRequest struct {
	Cluster  string `json:"cluster"`
	Strategy string `json:"strategy"`
}

// HTTPHealthSnapshotResponse is the wire form of an instance health snapshot.
type HTTPHealthSnapshotResponse struct {
	InstanceID        string    `json:"instanceId"`
	AvgResponseTimeMS float64   `json:"avgResponseTimeMs"`
	ActiveConnections int64     `json:"activeConnections"`
	TotalRequests     int64     `json:"totalRequests"`
	FailureCount      int64     `json:"failureCount"`
	Healthy           bool      `json:"healthy"`
	LastHealthCheck   time.Time `json:"lastHealthCheck"`
}

// HTTPClusterConfigRequest updates breaker thresholds and health checking
// for one cluster at runtime. A zero failureThreshold disables the
// consecutive-failure trip; a zero healthCheckIntervalSeconds leaves the
// probe interval unchanged.
type HTTPClusterConfigRequest struct {
	Cluster                    string  `json:"cluster"`
	FailureThreshold           int     `json:"failureThreshold"`
	SlidingWindowSize          int     `json:"slidingWindowSize"`
	MinimumNumberOfCalls       int     `json:"minimumNumberOfCalls"`
	FailureRateThreshold       float64 `json:"failureRateThreshold"`
	TimeoutSeconds             int     `json:"timeoutSeconds"`
	HalfOpenMaxCalls           int     `json:"halfOpenMaxCalls"`
	HealthCheckIntervalSeconds int     `json:"healthCheckIntervalSeconds,omitempty"`
}

// HTTPClusterConfigResponse reports the effective thresholds for a cluster.
type HTTPClusterConfigResponse struct {
	Cluster              string  `json:"cluster"`
	FailureThreshold     int     `json:"failureThreshold"`
	SlidingWindowSize    int     `json:"slidingWindowSize"`
	MinimumNumberOfCalls int     `json:"minimumNumberOfCalls"`
	FailureRateThreshold float64 `json:"failureRateThreshold"`
	TimeoutSeconds       int     `json:"timeoutSeconds"`
	HalfOpenMaxCalls     int     `json:"halfOpenMaxCalls"`
}

// HTTPUsageResponse reports consumed quota for a user and endpoint.
type HTTPUsageResponse struct {
	UserID         string    `json:"userId"`
	Endpoint       string    `json:"endpoint"`
	Tier           string    `json:"tier"`
	DailyUsed      int64     `json:"dailyUsed"`
	MonthlyUsed    int64     `json:"monthlyUsed"`
	BucketTokens   float64   `json:"bucketTokens"`
	DailyResetAt   time.Time `json:"dailyResetAt"`
	MonthlyResetAt time.Time `json:"monthlyResetAt"`
}

func toAdmitRequest(req HTTPAdmitRequest, clientIP string) *core.AdmitRequest {
	return &core.AdmitRequest{
		UserID:   req.UserID,
		ClientIP: clientIP,
		Cluster:  req.Cluster,
		Endpoint: req.Endpoint,
		Method:   req.Method,
		Header:   req.Header,
		Body:     req.Body,
	}
}

func fromInstance(cluster string, si *core.ServiceInstance) HTTPInstanceResponse {
	return HTTPInstanceResponse{
		ID:                si.ID,
		Cluster:           cluster,
		Address:           si.Address(),
		Weight:            si.Weight,
		Priority:          si.Priority,
		Healthy:           si.Healthy(),
		ActiveConnections: si.ActiveConnections(),
		TotalRequests:     si.TotalRequests(),
		FailureCount:      si.FailureCount(),
		AvgResponseTimeMS: float64(si.AvgResponseTime()) / float64(time.Millisecond),
		LastHealthCheck:   si.LastHealthCheck(),
		Metadata:          si.Metadata,
	}
}

func fromBreakerStatus(status core.BreakerStatus) HTTPBreakerStatusResponse {
	return HTTPBreakerStatusResponse{
		Name:                status.Name,
		State:               status.State.String(),
		FailureRate:         status.FailureRate,
		TotalCalls:          status.TotalCalls,
		ConsecutiveFailures: status.ConsecutiveFailures,
		OpenedAt:            status.OpenedAt,
	}
}

func toBreakerOptions(req HTTPClusterConfigRequest) core.BreakerOptions {
	return core.BreakerOptions{
		SlidingWindowSize:    req.SlidingWindowSize,
		MinimumCalls:         req.MinimumNumberOfCalls,
		FailureRateThreshold: req.FailureRateThreshold,
		ConsecutiveFailures:  req.FailureThreshold,
		OpenTimeout:          time.Duration(req.TimeoutSeconds) * time.Second,
		HalfOpenMaxCalls:     req.HalfOpenMaxCalls,
	}
}

func fromBreakerOptions(cluster string, opts core.BreakerOptions) HTTPClusterConfigResponse {
	return HTTPClusterConfigResponse{
		Cluster:              cluster,
		FailureThreshold:     opts.ConsecutiveFailures,
		SlidingWindowSize:    opts.SlidingWindowSize,
		MinimumNumberOfCalls: opts.MinimumCalls,
		FailureRateThreshold: opts.FailureRateThreshold,
		TimeoutSeconds:       int(opts.OpenTimeout / time.Second),
		HalfOpenMaxCalls:     opts.HalfOpenMaxCalls,
	}
}

func fromHealthSnapshot(snap core.HealthSnapshot) HTTPHealthSnapshotResponse {
	return HTTPHealthSnapshotResponse{
		InstanceID:        snap.InstanceID,
		AvgResponseTimeMS: float64(snap.AvgResponseTime) / float64(time.Millisecond),
		ActiveConnections: snap.ActiveConnections,
		TotalRequests:     snap.TotalRequests,
		FailureCount:      snap.FailureCount,
		Healthy:           snap.Healthy,
		LastHealthCheck:   snap.LastHealthCheck,
	}
}
