package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/core"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/failover"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/intent"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/metrics"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/storage"
)

const (
	b1 = "http://checkout-b1:4001"
	b2 = "http://checkout-b2:4001"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeHealth struct {
	lastRange model.TimeRange
	err       error
}

func (f *fakeHealth) Assess(_ context.Context, service string, r model.TimeRange) (*model.HealthSnapshot, error) {
	f.lastRange = r
	if f.err != nil {
		return nil, f.err
	}
	return &model.HealthSnapshot{
		Service: service,
		Range:   r,
		KPI:     model.KPIReport{Status: model.FieldOK, Overall: model.KPIDegraded},
		Latency: model.LatencyReport{Status: model.FieldUnavailable},
		Errors:  model.ErrorReport{Status: model.FieldOK, Rate: 0.1, Sampled: 10, Failed: 1},
		Partial: true,
		Failures: []model.SourceFailure{{Source: "latency", Reason: "query timed out after 5s"}},
	}, nil
}

func (f *fakeHealth) Deployments(_ context.Context, service string, r model.TimeRange) ([]model.DeploymentEvent, error) {
	f.lastRange = r
	return []model.DeploymentEvent{{ID: "d1", Service: service, Version: "v2", Status: "success", StartedAt: r.End.Add(-time.Minute), Source: "github"}}, nil
}

func (f *fakeHealth) Correlate(ctx context.Context, service string, r model.TimeRange) (*model.IncidentReport, error) {
	snap, err := f.Assess(ctx, service, r)
	if err != nil {
		return nil, err
	}
	deps, _ := f.Deployments(ctx, service, r)
	return &model.IncidentReport{Snapshot: snap, Deployments: deps, SuspectDeployment: &deps[0]}, nil
}

func (f *fakeHealth) MaxRange() time.Duration { return 7 * 24 * time.Hour }

type fakeRouter struct {
	unhealthy map[string]bool
	sets      []string
}

func (f *fakeRouter) Backends(context.Context, string) ([]model.BackendStatus, error) {
	return []model.BackendStatus{{URL: b1, Weight: 100, Active: true}, {URL: b2}}, nil
}

func (f *fakeRouter) BackendHealthy(_ context.Context, backend string) (bool, error) {
	return !f.unhealthy[backend], nil
}

func (f *fakeRouter) SetActiveBackend(_ context.Context, _, target string, _ []string) error {
	f.sets = append(f.sets, target)
	return nil
}

type fakeClassifier struct {
	req intent.Request
	err error
}

func (f fakeClassifier) Classify(context.Context, string) (intent.Request, error) {
	return f.req, f.err
}

type testServer struct {
	server *Server
	router *gin.Engine
	health *fakeHealth
	route  *fakeRouter
}

func newTestServer(t *testing.T, classifier intent.Classifier, ready map[string]HealthChecker) *testServer {
	t.Helper()
	cfg := &core.Config{}
	cfg.Services = []core.ServiceConfig{
		{Name: "checkout-api", Backends: []string{b1, b2}},
		{Name: "payments", Backends: []string{"http://p1:4002", "http://p2:4002"}},
	}
	cfg.Failover.ApprovalRequired = []string{"payments"}
	cfg.Failover.Approvers = []string{"alice"}
	catalog, err := core.NewCatalogHolder(cfg)
	require.NoError(t, err)

	route := &fakeRouter{unhealthy: map[string]bool{}}
	reg := prometheus.NewRegistry()
	orch := failover.NewOrchestrator(catalog, storage.NewMemoryStore(), route, nil, failover.Options{
		Retry: failover.RetryPolicy{MaxRetries: 1, BaseBackoff: time.Millisecond},
	}, metrics.New(reg), nil)

	health := &fakeHealth{}
	srv := NewServer(catalog, health, orch, classifier, Options{
		Version:  "test",
		Gatherer: reg,
		Ready:    ready,
	}, nil)
	srv.now = func() time.Time { return fixedNow }
	return &testServer{server: srv, router: srv.Router(), health: health, route: route}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, nil, map[string]HealthChecker{
		"store": func(context.Context) error { return nil },
	})
	w, body := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])

	w, _ = ts.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	down := newTestServer(t, nil, map[string]HealthChecker{
		"store":  func(context.Context) error { return nil },
		"router": func(context.Context) error { return errors.New("connection refused") },
	})
	w, body = down.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "connection refused", checks["router"])
	assert.Equal(t, "ok", checks["store"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.do(t, http.MethodPost, "/api/v1/failovers", map[string]string{"service": "checkout-api", "source": b1, "target": b2, "requested_by": "oncall"})

	w, _ := ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `aegis_failover_transitions_total{reason="",to="applied"} 1`)
}

func TestListServices(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	w, body := ts.do(t, http.MethodGet, "/api/v1/services", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["count"])
}

func TestAssessWindows(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	w, body := ts.do(t, http.MethodGet, "/api/v1/services/checkout-api/health?window=30m", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["partial"])
	assert.Equal(t, fixedNow.Add(-30*time.Minute), ts.health.lastRange.Start)

	w, _ = ts.do(t, http.MethodGet, "/api/v1/services/checkout-api/health?start=2026-03-01T10:00:00Z&end=2026-03-01T11:00:00Z", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, time.Hour, ts.health.lastRange.Duration())

	w, body = ts.do(t, http.MethodGet, "/api/v1/services/checkout-api/health?start=2026-03-01T11:00:00Z&end=2026-03-01T10:00:00Z", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, string(model.ReasonInvalidTimeRange), body["reason"])

	w, _ = ts.do(t, http.MethodGet, "/api/v1/services/checkout-api/health?start=2026-03-01T11:00:00Z", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w, _ = ts.do(t, http.MethodGet, "/api/v1/services/checkout-api/health?window=90d", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestAssessErrorMapping(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	ts.health.err = model.Configuration(model.ReasonUnknownService, "service %q is not in the catalog", "nope")
	w, body := ts.do(t, http.MethodGet, "/api/v1/services/nope/health", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(model.KindConfiguration), body["kind"])

	ts.health.err = model.ProviderUnavailable("prometheus", errors.New("dial tcp"))
	w, _ = ts.do(t, http.MethodGet, "/api/v1/services/checkout-api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ts.health.err = errors.New("boom")
	w, body = ts.do(t, http.MethodGet, "/api/v1/services/checkout-api/health", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal error", body["error"])
}

func TestIncidentAndDeployments(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	w, body := ts.do(t, http.MethodGet, "/api/v1/services/checkout-api/deployments?window=1h", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])

	w, body = ts.do(t, http.MethodGet, "/api/v1/services/checkout-api/incident", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	suspect := body["suspect_deployment"].(map[string]any)
	assert.Equal(t, "d1", suspect["id"])
}

func TestFailoverLifecycle(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	w, body := ts.do(t, http.MethodPost, "/api/v1/failovers", map[string]string{
		"service": "checkout-api", "target": b2, "requested_by": "oncall",
	})
	require.Equal(t, http.StatusOK, w.Code)
	action := body["action"].(map[string]any)
	assert.Equal(t, "applied", action["state"])
	assert.Equal(t, b1, action["source"])
	id := action["id"].(string)

	w, body = ts.do(t, http.MethodPost, "/api/v1/failovers", map[string]string{
		"service": "checkout-api", "source": b2, "target": b1, "requested_by": "oncall",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, string(model.ReasonCooldownActive), body["action"].(map[string]any)["reason"])

	w, body = ts.do(t, http.MethodGet, "/api/v1/failovers/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["trail"], 4)

	w, body = ts.do(t, http.MethodPost, "/api/v1/failovers/"+id+"/cancel", map[string]string{"requested_by": "oncall"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, string(model.ReasonNotCancellable), body["reason"])

	w, body = ts.do(t, http.MethodGet, "/api/v1/services/checkout-api/history?limit=50", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 7, body["count"])

	w, _ = ts.do(t, http.MethodGet, "/api/v1/services/checkout-api/history?limit=zero", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w, _ = ts.do(t, http.MethodGet, "/api/v1/failovers/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFailoverRejectionStatus(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.route.unhealthy[b2] = true

	w, body := ts.do(t, http.MethodPost, "/api/v1/failovers", map[string]string{
		"service": "checkout-api", "source": b1, "target": b2, "requested_by": "oncall",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, string(model.ReasonBackendUnhealthy), body["action"].(map[string]any)["reason"])
	assert.Empty(t, ts.route.sets)

	w, _ = ts.do(t, http.MethodPost, "/api/v1/failovers", map[string]string{"service": "nope", "target": b2, "requested_by": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = ts.do(t, http.MethodPost, "/api/v1/failovers", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestApprovalFlow(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	w, body := ts.do(t, http.MethodPost, "/api/v1/failovers", map[string]string{
		"service": "payments", "source": "http://p1:4002", "target": "http://p2:4002", "requested_by": "bob",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	id := body["action"].(map[string]any)["id"].(string)

	w, body = ts.do(t, http.MethodPost, "/api/v1/failovers/"+id+"/resolve", map[string]string{"decision": "approve", "approver": "bob"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, string(model.ReasonApproverNotAuthorized), body["reason"])

	w, body = ts.do(t, http.MethodPost, "/api/v1/failovers/"+id+"/resolve", map[string]string{"decision": "reject", "approver": "alice"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, string(model.ReasonApprovalRejected), body["action"].(map[string]any)["reason"])
	assert.Empty(t, ts.route.sets)
}

func TestRollbackEndpoint(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	_, body := ts.do(t, http.MethodPost, "/api/v1/failovers", map[string]string{
		"service": "checkout-api", "source": b1, "target": b2, "requested_by": "oncall",
	})
	id := body["action"].(map[string]any)["id"].(string)

	w, body := ts.do(t, http.MethodPost, "/api/v1/failovers/"+id+"/rollback", map[string]string{"requested_by": "oncall"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	action := body["action"].(map[string]any)
	assert.Equal(t, "rollback", action["kind"])
	assert.Equal(t, string(model.ReasonCooldownActive), action["reason"])
}

func TestAsk(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		ts := newTestServer(t, nil, nil)
		w, body := ts.do(t, http.MethodPost, "/api/v1/ask", map[string]string{"question": "is checkout ok?"})
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, string(model.ReasonProviderNotConfigured), body["reason"])
	})

	t.Run("assess", func(t *testing.T) {
		ts := newTestServer(t, fakeClassifier{req: intent.Request{Kind: intent.KindAssessHealth, Service: "checkout-api", Window: "15m"}}, nil)
		w, body := ts.do(t, http.MethodPost, "/api/v1/ask", map[string]string{"question": "is checkout ok?"})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotNil(t, body["result"])
		assert.Equal(t, 15*time.Minute, ts.health.lastRange.Duration())
	})

	t.Run("hallucinated backend", func(t *testing.T) {
		ts := newTestServer(t, fakeClassifier{req: intent.Request{Kind: intent.KindProposeFailover, Service: "checkout-api", Target: "http://b9:4001"}}, nil)
		w, body := ts.do(t, http.MethodPost, "/api/v1/ask", map[string]string{"question": "fail over checkout", "requested_by": "oncall"})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, string(model.ReasonBackendUnknown), body["reason"])
		assert.Empty(t, ts.route.sets)
	})

	t.Run("identity comes from the caller", func(t *testing.T) {
		ts := newTestServer(t, fakeClassifier{req: intent.Request{Kind: intent.KindProposeFailover, Service: "checkout-api", Target: b2, RequestedBy: "alice"}}, nil)
		w, body := ts.do(t, http.MethodPost, "/api/v1/ask", map[string]string{"question": "fail over checkout", "requested_by": "oncall"})
		assert.Equal(t, http.StatusOK, w.Code)
		result := body["result"].(map[string]any)
		assert.Equal(t, "oncall", result["requested_by"])
		assert.Equal(t, []string{b2}, ts.route.sets)
	})

	t.Run("classifier down", func(t *testing.T) {
		ts := newTestServer(t, fakeClassifier{err: model.ProviderUnavailable("intent", errors.New("503"))}, nil)
		w, _ := ts.do(t, http.MethodPost, "/api/v1/ask", map[string]string{"question": "status?"})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}
