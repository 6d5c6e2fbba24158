// Package httptransport provides HTTP handlers.
package httptransport

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"trafficgate/internal/trafficgate/core"
)

const defaultMaxBodyBytes = 1 << 20

type httpErrorResponse struct {
	Error string `json:"error"`
}

func (t *HTTPTransport) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/admit", t.handleAdmit)
	mux.HandleFunc("/v1/admin/instances", t.handleInstances)
	mux.HandleFunc("/v1/admin/tiers", t.handleTiers)
	mux.HandleFunc("/v1/admin/endpoints", t.handleEndpointLimits)
	mux.HandleFunc("/v1/admin/grace", t.handleGrace)
	mux.HandleFunc("/v1/admin/breakers", t.handleBreakers)
	mux.HandleFunc("/v1/admin/breakers/force", t.handleBreakerForce)
	mux.HandleFunc("/v1/admin/breakers/reset", t.handleBreakerReset)
	mux.HandleFunc("/v1/admin/strategy", t.handleStrategy)
	mux.HandleFunc("/v1/admin/config", t.handleClusterConfig)
	mux.HandleFunc("/v1/admin/health", t.handleHealthSnapshots)
	mux.HandleFunc("/v1/admin/usage", t.handleUsage)
	mux.HandleFunc("/healthz", t.handleHealth)
	mux.HandleFunc("/readyz", t.handleReady)
	mux.HandleFunc("/metrics", t.handleMetrics)
}

func (t *HTTPTransport) handleAdmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var httpReq HTTPAdmitRequest
	if err := t.decodeJSON(w, r, &httpReq); err != nil {
		t.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if httpReq.Cluster == "" || httpReq.Endpoint == "" {
		t.writeError(w, r, http.StatusBadRequest, core.ErrInvalidInput)
		return
	}
	if httpReq.Method == "" {
		httpReq.Method = http.MethodGet
	}
	resp := t.pipeline.Handle(r.Context(), toAdmitRequest(httpReq, clientIP(r)))
	for key, value := range resp.Header {
		w.Header().Set(key, value)
	}
	if resp.RateLimit != nil && resp.RateLimit.Allowed() {
		w.Header().Set("X-RateLimit-Limit", formatInt64(resp.RateLimit.Limit))
		w.Header().Set("X-RateLimit-Remaining", formatInt64(resp.RateLimit.Remaining))
	}
	if resp.Instance != "" {
		w.Header().Set("X-Upstream-Instance", resp.Instance)
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

func (t *HTTPTransport) handleInstances(w http.ResponseWriter, r *http.Request) {
	if !t.authorizeAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodPost:
		t.handleRegisterInstance(w, r)
	case http.MethodDelete:
		t.handleDeregisterInstance(w, r)
	case http.MethodGet:
		t.handleListInstances(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (t *HTTPTransport) handleRegisterInstance(w http.ResponseWriter, r *http.Request) {
	var httpReq HTTPRegisterInstanceRequest
	if err := t.decodeJSON(w, r, &httpReq); err != nil {
		t.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if httpReq.Cluster == "" || httpReq.Host == "" || httpReq.Port <= 0 {
		t.writeError(w, r, http.StatusBadRequest, core.ErrInvalidInput)
		return
	}
	instance := core.NewServiceInstance(httpReq.ID, httpReq.Host, httpReq.Port, httpReq.Scheme, httpReq.Weight, httpReq.Priority, httpReq.Metadata)
	if err := t.registry.Register(httpReq.Cluster, instance); err != nil {
		t.writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, fromInstance(httpReq.Cluster, instance))
}

func (t *HTTPTransport) handleDeregisterInstance(w http.ResponseWriter, r *http.Request) {
	cluster := r.URL.Query().Get("cluster")
	id := r.URL.Query().Get("id")
	if cluster == "" || id == "" {
		t.writeError(w, r, http.StatusBadRequest, core.ErrInvalidInput)
		return
	}
	if err := t.registry.Deregister(cluster, id); err != nil {
		t.writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

func (t *HTTPTransport) handleListInstances(w http.ResponseWriter, r *http.Request) {
	cluster := r.URL.Query().Get("cluster")
	result := make([]HTTPInstanceResponse, 0)
	if cluster != "" {
		for _, si := range t.registry.Instances(cluster) {
			result = append(result, fromInstance(cluster, si))
		}
		writeJSON(w, http.StatusOK, result)
		return
	}
	for _, name := range t.registry.Clusters() {
		for _, si := range t.registry.Instances(name) {
			result = append(result, fromInstance(name, si))
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (t *HTTPTransport) handleTiers(w http.ResponseWriter, r *http.Request) {
	if !t.authorizeAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodPut, http.MethodPost:
		var httpReq HTTPSetTierRequest
		if err := t.decodeJSON(w, r, &httpReq); err != nil {
			t.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		tier, err := core.ParseTier(httpReq.Tier)
		if err != nil {
			t.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		if err := t.quota.SetTier(httpReq.UserID, tier); err != nil {
			t.writeAdminError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"userId": httpReq.UserID, "tier": string(tier)})
	case http.MethodGet:
		userID := r.URL.Query().Get("user")
		if userID == "" {
			t.writeError(w, r, http.StatusBadRequest, core.ErrInvalidInput)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"userId": userID, "tier": string(t.quota.TierOf(userID))})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (t *HTTPTransport) handleEndpointLimits(w http.ResponseWriter, r *http.Request) {
	if !t.authorizeAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodPut, http.MethodPost:
		var httpReq HTTPEndpointLimitRequest
		if err := t.decodeJSON(w, r, &httpReq); err != nil {
			t.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		limit := core.EndpointLimit{
			Endpoint:          httpReq.Endpoint,
			RequestsPerMinute: httpReq.RequestsPerMinute,
			BurstCapacity:     httpReq.BurstCapacity,
		}
		if err := t.quota.SetEndpointLimit(limit); err != nil {
			t.writeAdminError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, httpReq)
	case http.MethodDelete:
		endpoint := r.URL.Query().Get("endpoint")
		if endpoint == "" {
			t.writeError(w, r, http.StatusBadRequest, core.ErrInvalidInput)
			return
		}
		t.quota.ClearEndpointLimit(endpoint)
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (t *HTTPTransport) handleGrace(w http.ResponseWriter, r *http.Request) {
	if !t.authorizeAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var httpReq HTTPGraceRequest
		if err := t.decodeJSON(w, r, &httpReq); err != nil {
			t.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		duration := time.Duration(httpReq.DurationSeconds) * time.Second
		if err := t.quota.ActivateGrace(httpReq.UserID, duration); err != nil {
			t.writeAdminError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
	case http.MethodDelete:
		userID := r.URL.Query().Get("user")
		if userID == "" {
			t.writeError(w, r, http.StatusBadRequest, core.ErrInvalidInput)
			return
		}
		t.quota.DeactivateGrace(userID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "inactive"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (t *HTTPTransport) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if !t.authorizeAdmin(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if name := r.URL.Query().Get("name"); name != "" {
		status, err := t.breakers.Status(name)
		if err != nil {
			t.writeAdminError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, fromBreakerStatus(status))
		return
	}
	statuses := t.breakers.Statuses()
	result := make([]HTTPBreakerStatusResponse, len(statuses))
	for i, status := range statuses {
		result[i] = fromBreakerStatus(status)
	}
	writeJSON(w, http.StatusOK, result)
}

func (t *HTTPTransport) handleBreakerForce(w http.ResponseWriter, r *http.Request) {
	if !t.authorizeAdmin(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var httpReq HTTPBreakerActionRequest
	if err := t.decodeJSON(w, r, &httpReq); err != nil {
		t.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	state, err := core.ParseBreakerState(httpReq.State)
	if err != nil {
		t.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := t.breakers.Force(httpReq.Name, state); err != nil {
		t.writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": httpReq.Name, "state": state.String()})
}

func (t *HTTPTransport) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	if !t.authorizeAdmin(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var httpReq HTTPBreakerActionRequest
	if err := t.decodeJSON(w, r, &httpReq); err != nil {
		t.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := t.breakers.Reset(httpReq.Name); err != nil {
		t.writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": httpReq.Name, "state": core.StateClosed.String()})
}

func (t *HTTPTransport) handleStrategy(w http.ResponseWriter, r *http.Request) {
	if !t.authorizeAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodPut, http.MethodPost:
		var httpReq HTTPStrategyRequest
		if err := t.decodeJSON(w, r, &httpReq); err != nil {
			t.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		strategy, err := core.ParseStrategy(httpReq.Strategy)
		if err != nil {
			t.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		if err := t.router.SetClusterStrategy(httpReq.Cluster, strategy); err != nil {
			t.writeAdminError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"cluster": httpReq.Cluster, "strategy": string(strategy)})
	case http.MethodGet:
		cluster := r.URL.Query().Get("cluster")
		if cluster == "" {
			t.writeError(w, r, http.StatusBadRequest, core.ErrInvalidInput)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"cluster": cluster, "strategy": string(t.router.StrategyFor(cluster))})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (t *HTTPTransport) handleClusterConfig(w http.ResponseWriter, r *http.Request) {
	if !t.authorizeAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodPut, http.MethodPost:
		var httpReq HTTPClusterConfigRequest
		if err := t.decodeJSON(w, r, &httpReq); err != nil {
			t.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		if httpReq.Cluster == "" {
			t.writeError(w, r, http.StatusBadRequest, core.ErrInvalidInput)
			return
		}
		if httpReq.FailureRateThreshold < 0 || httpReq.FailureRateThreshold > 1 {
			t.writeError(w, r, http.StatusBadRequest, core.ErrInvalidInput)
			return
		}
		if err := t.breakers.SetClusterOptions(httpReq.Cluster, toBreakerOptions(httpReq)); err != nil {
			t.writeAdminError(w, r, err)
			return
		}
		if httpReq.HealthCheckIntervalSeconds > 0 {
			t.healthLoop.SetClusterInterval(httpReq.Cluster, time.Duration(httpReq.HealthCheckIntervalSeconds)*time.Second)
		}
		writeJSON(w, http.StatusOK, fromBreakerOptions(httpReq.Cluster, t.breakers.OptionsFor(httpReq.Cluster)))
	case http.MethodGet:
		cluster := r.URL.Query().Get("cluster")
		if cluster == "" {
			t.writeError(w, r, http.StatusBadRequest, core.ErrInvalidInput)
			return
		}
		writeJSON(w, http.StatusOK, fromBreakerOptions(cluster, t.breakers.OptionsFor(cluster)))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (t *HTTPTransport) handleHealthSnapshots(w http.ResponseWriter, r *http.Request) {
	if !t.authorizeAdmin(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cluster := r.URL.Query().Get("cluster")
	if cluster == "" {
		t.writeError(w, r, http.StatusBadRequest, core.ErrInvalidInput)
		return
	}
	if id := r.URL.Query().Get("id"); id != "" {
		snap, err := t.tracker.SnapshotByID(cluster, id)
		if err != nil {
			t.writeAdminError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, fromHealthSnapshot(snap))
		return
	}
	snaps := t.tracker.ClusterSnapshots(cluster)
	result := make([]HTTPHealthSnapshotResponse, len(snaps))
	for i, snap := range snaps {
		result[i] = fromHealthSnapshot(snap)
	}
	writeJSON(w, http.StatusOK, result)
}

func (t *HTTPTransport) handleUsage(w http.ResponseWriter, r *http.Request) {
	if !t.authorizeAdmin(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user")
	endpoint := r.URL.Query().Get("endpoint")
	if userID == "" || endpoint == "" {
		t.writeError(w, r, http.StatusBadRequest, core.ErrInvalidInput)
		return
	}
	usage, err := t.quota.Usage(r.Context(), userID, endpoint)
	if err != nil {
		t.writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HTTPUsageResponse{
		UserID:         userID,
		Endpoint:       endpoint,
		Tier:           string(t.quota.TierOf(userID)),
		DailyUsed:      usage.DailyUsed,
		MonthlyUsed:    usage.MonthlyUsed,
		BucketTokens:   usage.BucketTokens,
		DailyResetAt:   usage.DailyResetAt,
		MonthlyResetAt: usage.MonthlyResetAt,
	})
}

func (t *HTTPTransport) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (t *HTTPTransport) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	inFlight := t.pipeline.InFlight().Active()
	if t.appReady != nil && t.appReady() {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "inFlight": inFlight})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "inFlight": inFlight})
}

func (t *HTTPTransport) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	t.mu.Lock()
	handler := t.metricsHandler
	t.mu.Unlock()
	if handler == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	handler.ServeHTTP(w, r)
}

func (t *HTTPTransport) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return core.ErrInvalidInput
	}
	maxBytes := t.maxBodyBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return core.ErrInvalidInput
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return core.ErrInvalidInput
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (t *HTTPTransport) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if t != nil {
		t.logRequestError(r, status, err)
	}
	writeJSON(w, status, httpErrorResponse{Error: err.Error()})
}

func (t *HTTPTransport) writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForCode(core.CodeOf(err))
	t.writeError(w, r, status, err)
}

func statusForCode(code core.ErrorCode) int {
	switch code {
	case core.CodeInvalidInput:
		return http.StatusBadRequest
	case core.CodeConflict:
		return http.StatusConflict
	case core.CodeNotFound:
		return http.StatusNotFound
	case core.CodeUnauthorized:
		return http.StatusUnauthorized
	case core.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case core.CodeCircuitOpen, core.CodeNoInstanceAvailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (t *HTTPTransport) authorizeAdmin(w http.ResponseWriter, r *http.Request) bool {
	if t == nil || !t.enableAuth {
		return true
	}
	expected := "Bearer " + t.adminToken
	if r.Header.Get("Authorization") != expected {
		t.writeError(w, r, http.StatusUnauthorized, core.Wrap(core.CodeUnauthorized, "unauthorized", nil))
		return false
	}
	return true
}

func (t *HTTPTransport) logRequestError(r *http.Request, status int, err error) {
	if t == nil || t.logger == nil || r == nil || err == nil {
		return
	}
	fields := map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
		"error":  err.Error(),
	}
	if status >= http.StatusInternalServerError {
		t.logger.Error("http request error", fields)
		return
	}
	t.logger.Info("http request error", fields)
}

func formatInt64(v int64) string {
	return strconv.FormatInt(v, 10)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
