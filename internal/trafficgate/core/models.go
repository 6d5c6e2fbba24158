// Package core defines request and decision models.
package core

import "time"

// QuotaDecision labels the outcome of a quota check.
type QuotaDecision string

const (
	DecisionAllowed QuotaDecision = "ALLOWED"
	DecisionDenied  QuotaDecision = "DENIED"
)

// RateLimitResult reports the outcome of a quota check.
type RateLimitResult struct {
	Decision     QuotaDecision
	Tier         Tier
	CurrentUsage int64
	Limit        int64
	Remaining    int64
	RetryAfter   time.Duration
	Metadata     map[string]string
}

// Allowed reports whether the request may proceed.
func (r *RateLimitResult) Allowed() bool {
	return r != nil && r.Decision == DecisionAllowed
}

// AdmitRequest captures a single admission request.
type AdmitRequest struct {
	UserID   string
	ClientIP string
	Cluster  string
	Endpoint string
	Method   string
	Header   map[string]string
	Body     []byte
}

// Identity returns the rate limit identity for the request.
func (r *AdmitRequest) Identity() string {
	if r == nil {
		return ""
	}
	if r.UserID != "" {
		return r.UserID
	}
	return r.ClientIP
}

// AdmitResponse reports the outcome of an admitted request.
type AdmitResponse struct {
	StatusCode int
	Header     map[string]string
	Body       []byte
	Instance   string
	Fallback   bool
	RateLimit  *RateLimitResult
	ErrorCode  ErrorCode
}

// RoutingDecision captures the result of instance selection.
type RoutingDecision struct {
	Instance   *ServiceInstance
	Cluster    string
	Algorithm  Strategy
	IsFallback bool
}

// GracePeriod suspends quota enforcement for a user until it expires.
type GracePeriod struct {
	UserID    string
	ExpiresAt time.Time
}

// Active reports whether the grace period covers the given instant.
func (g GracePeriod) Active(now time.Time) bool {
	return now.Before(g.ExpiresAt)
}

// EndpointLimit overrides the tier per-minute rate for one endpoint.
type EndpointLimit struct {
	Endpoint          string
	RequestsPerMinute int64
	BurstCapacity     int64
}
