package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
)

var window = model.TimeRange{
	Start: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	End:   time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC),
}

type recordedCall struct{ provider, operation, outcome string }

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (f *fakeRecorder) ObserveProviderCall(provider, operation, outcome string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{provider, operation, outcome})
}

func promServer(t *testing.T, queries *[]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		*queries = append(*queries, r.Form.Get("query"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/query_range":
			fmt.Fprint(w, `{"status":"success","data":{"resultType":"matrix","result":[
				{"metric":{"service":"checkout"},"values":[[1772370030,"140"],[1772370000,"120"],[1772370015,"NaN"]]}]}}`)
		case "/api/v1/query":
			if strings.Contains(r.Form.Get("query"), `"ghost"`) {
				fmt.Fprint(w, `{"status":"success","data":{"resultType":"vector","result":[]}}`)
				return
			}
			fmt.Fprint(w, `{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1772370000,"99.5"]}]}}`)
		default:
			http.NotFound(w, r)
		}
	}))
}

func newProm(t *testing.T, url string, rec CallRecorder) *PrometheusClient {
	p, err := NewPrometheusClient(PrometheusConfig{
		URL:          url,
		LatencyQuery: `histogram_quantile(0.95, sum(rate(request_duration_milliseconds_bucket{service="$service"}[1m])) by (le))`,
		KPIQuery:     `sum(increase(requests_total{service="$service",status="success"}[$range])) / sum(increase(requests_total{service="$service"}[$range])) * 100`,
	}, rec, nil)
	require.NoError(t, err)
	return p
}

func TestPrometheusLatencySamples(t *testing.T) {
	var queries []string
	srv := promServer(t, &queries)
	defer srv.Close()
	rec := &fakeRecorder{}

	samples, err := newProm(t, srv.URL, rec).LatencySamples(context.Background(), "checkout", window)
	require.NoError(t, err)
	require.Len(t, samples, 2, "NaN is dropped")
	assert.Equal(t, 120.0, samples[0].Value)
	assert.Equal(t, 140.0, samples[1].Value)
	assert.True(t, samples[0].Timestamp.Before(samples[1].Timestamp))
	assert.Contains(t, queries[0], `service="checkout"`)

	require.NotEmpty(t, rec.calls)
	assert.Equal(t, recordedCall{"prometheus", "query_range", "ok"}, rec.calls[0])
}

func TestPrometheusKPIAvailability(t *testing.T) {
	var queries []string
	srv := promServer(t, &queries)
	defer srv.Close()
	p := newProm(t, srv.URL, nil)

	v, err := p.KPIAvailability(context.Background(), "orders", window)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 99.5, *v)
	assert.Contains(t, queries[0], `requests_total{service="orders",status="success"}[3600s]`)

	none, err := p.KPIAvailability(context.Background(), "ghost", window)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestPrometheusUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newProm(t, srv.URL, nil).LatencySamples(context.Background(), "checkout", window)
	assert.Equal(t, model.KindProviderUnavailable, model.KindOf(err))
}

func TestRangeStep(t *testing.T) {
	assert.Equal(t, 30*time.Second, rangeStep(window, 0))
	short := model.TimeRange{Start: window.Start, End: window.Start.Add(5 * time.Minute)}
	assert.Equal(t, minRangeStep, rangeStep(short, 0))
	assert.Equal(t, time.Minute, rangeStep(window, time.Minute))
}

func TestTempoTracesMergesErrorSearch(t *testing.T) {
	var orgIDs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/search", r.URL.Path)
		orgIDs = append(orgIDs, r.Header.Get("X-Scope-OrgID"))
		q := r.URL.Query().Get("q")
		assert.Contains(t, q, `resource.service.name = "checkout"`)
		if strings.Contains(q, "status = error") {
			fmt.Fprint(w, `{"traces":[{"traceID":"t2","durationMs":900},{"traceID":"t9","durationMs":15}]}`)
			return
		}
		fmt.Fprint(w, `{"traces":[{"traceID":"t1","durationMs":20,"startTimeUnixNano":"1772370000000000000"},{"traceID":"t2","durationMs":900},{"traceID":""}]}`)
	}))
	defer srv.Close()

	tc := NewTempoClient(TempoConfig{URL: srv.URL, OrgID: "1"}, nil, nil)
	traces, err := tc.Traces(context.Background(), "checkout", window)
	require.NoError(t, err)
	require.Len(t, traces, 3)

	byID := map[string]model.TraceSample{}
	for _, tr := range traces {
		byID[tr.TraceID] = tr
	}
	assert.False(t, byID["t1"].Error)
	assert.True(t, byID["t2"].Error)
	assert.True(t, byID["t9"].Error)
	assert.False(t, byID["t2"].OutsideSample)
	assert.True(t, byID["t9"].OutsideSample)
	assert.Equal(t, 900*time.Millisecond, byID["t2"].Duration)
	assert.Equal(t, int64(1772370000), byID["t1"].StartedAt.Unix())
	assert.Equal(t, []string{"1", "1"}, orgIDs)
}

func TestTempoTracesDisjointSearches(t *testing.T) {
	traceList := func(prefix string, n int) string {
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf(`{"traceID":"%s-%d","durationMs":10}`, prefix, i)
		}
		return `{"traces":[` + strings.Join(ids, ",") + `]}`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Query().Get("q"), "status = error") {
			fmt.Fprint(w, traceList("err", 20))
			return
		}
		fmt.Fprint(w, traceList("ok", 20))
	}))
	defer srv.Close()

	traces, err := NewTempoClient(TempoConfig{URL: srv.URL}, nil, nil).Traces(context.Background(), "checkout", window)
	require.NoError(t, err)
	require.Len(t, traces, 40)

	inSample, inSampleErrors := 0, 0
	for _, tr := range traces {
		if tr.OutsideSample {
			assert.True(t, tr.Error)
			continue
		}
		inSample++
		if tr.Error {
			inSampleErrors++
		}
	}
	assert.Equal(t, 20, inSample)
	assert.Zero(t, inSampleErrors)
}

func TestTempoError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewTempoClient(TempoConfig{URL: srv.URL}, nil, nil).Traces(context.Background(), "checkout", window)
	assert.Equal(t, model.KindProviderUnavailable, model.KindOf(err))
}

// fakeRouter is an in-memory admin API. When sticky is set, PUTs are
// acknowledged but ignored, so read-back verification fails. failReadBack
// makes the first GET after each PUT answer 502.
type fakeRouter struct {
	mu           sync.Mutex
	weights      map[string][]routingBackend
	puts         int
	sticky       bool
	failReadBack bool
	afterPut     bool
	auth         string
}

func (f *fakeRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = r.Header.Get("Authorization")

	path := strings.TrimPrefix(r.URL.Path, "/admin/configuration/")
	service := strings.TrimSuffix(path, "/routing")
	switch {
	case r.Method == http.MethodGet:
		if f.failReadBack && f.afterPut {
			f.afterPut = false
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		var cfg routingConfig
		cfg.Subgraph = service
		cfg.Routing.Backends = f.weights[service]
		json.NewEncoder(w).Encode(cfg)
	case r.Method == http.MethodPut && strings.HasSuffix(path, "/routing"):
		var cfg routingConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.puts++
		f.afterPut = true
		if !f.sticky {
			f.weights[service] = cfg.Routing.Backends
		}
	default:
		http.NotFound(w, r)
	}
}

func TestRouterSetActiveBackend(t *testing.T) {
	fr := &fakeRouter{weights: map[string][]routingBackend{
		"checkout": {{URL: "http://b1", Weight: 100}, {URL: "http://b2", Weight: 0}},
	}}
	srv := httptest.NewServer(fr)
	defer srv.Close()

	rc := NewRouterClient(RouterConfig{URL: srv.URL, APIKey: "k"}, nil, nil)
	require.NoError(t, rc.SetActiveBackend(context.Background(), "checkout", "http://b2", []string{"http://b1", "http://b2"}))

	backends, err := rc.Backends(context.Background(), "checkout")
	require.NoError(t, err)
	assert.Equal(t, []model.BackendStatus{
		{URL: "http://b1", Weight: 0, Active: false},
		{URL: "http://b2", Weight: 100, Active: true},
	}, backends)
	assert.Equal(t, "Bearer k", fr.auth)
}

func TestRouterVerificationFailureRestores(t *testing.T) {
	fr := &fakeRouter{sticky: true, weights: map[string][]routingBackend{
		"checkout": {{URL: "http://b1", Weight: 100}, {URL: "http://b2", Weight: 0}},
	}}
	srv := httptest.NewServer(fr)
	defer srv.Close()

	rc := NewRouterClient(RouterConfig{URL: srv.URL}, nil, nil)
	err := rc.SetActiveBackend(context.Background(), "checkout", "http://b2", []string{"http://b1", "http://b2"})
	require.Error(t, err)
	assert.Equal(t, model.KindProviderUnavailable, model.KindOf(err))
	assert.Equal(t, 2, fr.puts, "update then restore")
}

func TestRouterFailedReadBackRestores(t *testing.T) {
	fr := &fakeRouter{failReadBack: true, weights: map[string][]routingBackend{
		"checkout": {{URL: "http://b1", Weight: 100}, {URL: "http://b2", Weight: 0}},
	}}
	srv := httptest.NewServer(fr)
	defer srv.Close()

	rc := NewRouterClient(RouterConfig{URL: srv.URL}, nil, nil)
	err := rc.SetActiveBackend(context.Background(), "checkout", "http://b2", []string{"http://b1", "http://b2"})
	require.Error(t, err)
	assert.Equal(t, 2, fr.puts, "update then restore")

	fr.mu.Lock()
	defer fr.mu.Unlock()
	assert.Equal(t, []routingBackend{{URL: "http://b1", Weight: 100}, {URL: "http://b2", Weight: 0}}, fr.weights["checkout"])
}

func TestRouterBackendHealthy(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/.well-known/apollo/server-health", r.URL.Path)
		fmt.Fprint(w, `{"status":"pass"}`)
	}))
	defer healthy.Close()
	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer sick.Close()

	rc := NewRouterClient(RouterConfig{URL: "http://router.invalid"}, nil, nil)
	ok, err := rc.BackendHealthy(context.Background(), healthy.URL)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rc.BackendHealthy(context.Background(), sick.URL)
	require.NoError(t, err)
	assert.False(t, ok)

	sick.Close()
	_, err = rc.BackendHealthy(context.Background(), sick.URL)
	assert.Error(t, err)
}

func replicaSet(name, app string, created time.Time, replicas, ready int32, image string) *appsv1.ReplicaSet {
	return &appsv1.ReplicaSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:              name,
			Namespace:         "prod",
			Labels:            map[string]string{"app": app},
			CreationTimestamp: metav1.NewTime(created),
			Annotations: map[string]string{
				revisionAnnotation:    "7",
				changeCauseAnnotation: "kubectl set image deploy/checkout app=" + image,
			},
		},
		Spec: appsv1.ReplicaSetSpec{
			Replicas: &replicas,
			Template: corev1.PodTemplateSpec{Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: "app", Image: image}}}},
		},
		Status: appsv1.ReplicaSetStatus{ReadyReplicas: ready},
	}
}

func TestKubernetesDeployments(t *testing.T) {
	client := fake.NewSimpleClientset(
		replicaSet("checkout-old", "checkout", window.Start.Add(-time.Hour), 0, 0, "checkout:1"),
		replicaSet("checkout-a", "checkout", window.Start.Add(10*time.Minute), 3, 3, "checkout:2"),
		replicaSet("checkout-b", "checkout", window.Start.Add(40*time.Minute), 3, 1, "checkout:3"),
		replicaSet("payments-a", "payments", window.Start.Add(20*time.Minute), 2, 2, "payments:9"),
	)
	k := NewKubernetesDeploymentsForClient(client, "prod", nil)

	events, err := k.Deployments(context.Background(), "checkout", window)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "checkout-b", events[0].ID)
	assert.Equal(t, "progressing", events[0].Status)
	assert.Equal(t, "rev 7 (checkout:3)", events[0].Version)
	assert.Equal(t, "succeeded", events[1].Status)
	assert.Equal(t, "kubernetes", events[1].Source)
	assert.Contains(t, events[1].TriggeredBy, "checkout:2")

	assert.NoError(t, k.Health(context.Background()))
}

func TestGitHubDeployments(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/checkout/deployments", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		fmt.Fprintf(w, `[
			{"id": 2, "sha": "abcdef1234", "ref": "v1.4.0", "environment": "prod", "creator": {"login": "deployer"}, "created_at": %q},
			{"id": 1, "sha": "0123456789", "ref": "0123456789", "environment": "prod", "created_at": %q}
		]`, window.Start.Add(45*time.Minute).Format(time.RFC3339), window.Start.Add(-2*time.Hour).Format(time.RFC3339))
	})
	mux.HandleFunc("/repos/acme/checkout/deployments/2/statuses", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[{"id": 20, "state": "failure", "created_at": %q}]`, window.Start.Add(50*time.Minute).Format(time.RFC3339))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g, err := NewGitHubDeployments(GitHubConfig{
		Token:   "tok",
		BaseURL: srv.URL,
		Repos:   map[string]string{"checkout": "acme/checkout"},
	}, nil, nil)
	require.NoError(t, err)

	events, err := g.Deployments(context.Background(), "checkout", window)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "2", events[0].ID)
	assert.Equal(t, "v1.4.0@abcdef1", events[0].Version)
	assert.Equal(t, "failure", events[0].Status)
	assert.Equal(t, "deployer", events[0].TriggeredBy)
	assert.False(t, events[0].FinishedAt.IsZero())

	_, err = g.Deployments(context.Background(), "payments", window)
	assert.Equal(t, model.ReasonProviderNotConfigured, model.ReasonOf(err))
}

type stubDeployments struct {
	events []model.DeploymentEvent
	err    error
}

func (s stubDeployments) Deployments(context.Context, string, model.TimeRange) ([]model.DeploymentEvent, error) {
	return s.events, s.err
}

func (s stubDeployments) Health(context.Context) error { return s.err }

func TestObserverDeploymentsMerge(t *testing.T) {
	o := NewObserver(nil, nil, nil, nil)
	_, err := o.Deployments(context.Background(), "checkout", window)
	assert.Equal(t, model.KindConfiguration, model.KindOf(err))

	o.AddDeploymentProvider("kubernetes", stubDeployments{events: []model.DeploymentEvent{{ID: "rs-1", StartedAt: window.Start.Add(time.Minute)}}})
	o.AddDeploymentProvider("github", stubDeployments{events: []model.DeploymentEvent{{ID: "gh-1", StartedAt: window.Start.Add(2 * time.Minute)}}})
	o.AddDeploymentProvider("unmapped", stubDeployments{err: model.Configuration(model.ReasonProviderNotConfigured, "none")})

	events, err := o.Deployments(context.Background(), "checkout", window)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "gh-1", events[0].ID)

	o.AddDeploymentProvider("broken", stubDeployments{err: model.ProviderUnavailable("x", fmt.Errorf("down"))})
	events, err = o.Deployments(context.Background(), "checkout", window)
	require.NoError(t, err, "one failing provider does not fail the merge")
	assert.Len(t, events, 2)

	status, err := o.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", status["kubernetes"])
	assert.NotEqual(t, "ok", status["broken"])
}

func TestTransportThrottlesAndRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	rec := &fakeRecorder{}
	client := NewHTTPClient("demo", 1, rec)

	req, _ := http.NewRequestWithContext(WithOperation(context.Background(), "ping"), http.MethodGet, srv.URL+"/fail", nil)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, _ = http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	_, err = client.Do(req)
	assert.Error(t, err, "bucket of one is empty")

	require.Len(t, rec.calls, 2)
	assert.Equal(t, recordedCall{"demo", "ping", "server_error"}, rec.calls[0])
	assert.Equal(t, recordedCall{"demo", "request", "throttled"}, rec.calls[1])
}
