package observer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
)

type RouterConfig struct {
	URL          string
	APIKey       string
	HealthPath   string
	RequestsPerS int
}

// RouterClient drives an Apollo-router style admin API: it reads and writes
// per-service backend weights and probes backend health endpoints.
type RouterClient struct {
	cfg    RouterConfig
	admin  *http.Client
	probe  *http.Client
	logger *zap.Logger
}

type routingBackend struct {
	URL    string `json:"url"`
	Weight int    `json:"weight"`
}

type routingConfig struct {
	Subgraph string `json:"subgraph"`
	Routing  struct {
		Backends []routingBackend `json:"backends"`
	} `json:"routing"`
}

func NewRouterClient(cfg RouterConfig, recorder CallRecorder, logger *zap.Logger) *RouterClient {
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/.well-known/apollo/server-health"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RouterClient{
		cfg:    cfg,
		admin:  NewHTTPClient("router", cfg.RequestsPerS, recorder),
		probe:  NewHTTPClient("backend", 0, recorder),
		logger: logger,
	}
}

func (r *RouterClient) configURL(service string) string {
	return fmt.Sprintf("%s/admin/configuration/%s", strings.TrimRight(r.cfg.URL, "/"), url.PathEscape(service))
}

func (r *RouterClient) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode router request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build router request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.admin.Do(req)
	if err != nil {
		return model.ProviderUnavailable("router", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.ProviderUnavailable("router", fmt.Errorf("%s %s returned %d: %s", method, endpoint, resp.StatusCode, msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return model.ProviderUnavailable("router", fmt.Errorf("failed to decode router response: %w", err))
	}
	return nil
}

// Backends returns the current weights for service.
func (r *RouterClient) Backends(ctx context.Context, service string) ([]model.BackendStatus, error) {
	var cfg routingConfig
	if err := r.do(WithOperation(ctx, "get_configuration"), http.MethodGet, r.configURL(service), nil, &cfg); err != nil {
		return nil, err
	}

	out := make([]model.BackendStatus, 0, len(cfg.Routing.Backends))
	for _, b := range cfg.Routing.Backends {
		out = append(out, model.BackendStatus{URL: b.URL, Weight: b.Weight, Active: b.Weight > 0})
	}
	return out, nil
}

// SetActiveBackend routes all traffic of service to target. Every backend in
// candidates and every backend the router already knows is written, target at
// 100 and the rest at 0. The change is read back; when the read fails or does
// not match, the previous weights are restored and an error is returned.
func (r *RouterClient) SetActiveBackend(ctx context.Context, service, target string, candidates []string) error {
	previous, err := r.Backends(ctx, service)
	if err != nil {
		return fmt.Errorf("failed to read current routing: %w", err)
	}

	weights := make(map[string]int)
	var order []string
	add := func(u string) {
		if _, ok := weights[u]; !ok {
			order = append(order, u)
			weights[u] = 0
		}
	}
	for _, b := range previous {
		add(b.URL)
	}
	for _, c := range candidates {
		add(c)
	}
	add(target)
	weights[target] = 100

	if err := r.putWeights(ctx, service, order, weights); err != nil {
		return err
	}

	current, err := r.Backends(ctx, service)
	if err != nil {
		r.logger.Error("Routing verification read failed, restoring previous weights",
			zap.String("service", service),
			zap.String("target", target),
			zap.Error(err))
		r.restore(ctx, service, previous)
		return fmt.Errorf("failed to verify routing: %w", err)
	}
	if mismatch := diffWeights(weights, current); mismatch != "" {
		r.logger.Error("Routing verification failed, restoring previous weights",
			zap.String("service", service),
			zap.String("target", target),
			zap.String("mismatch", mismatch))
		r.restore(ctx, service, previous)
		return model.ProviderUnavailable("router", fmt.Errorf("routing verification failed: %s", mismatch))
	}

	r.logger.Info("Routing updated",
		zap.String("service", service),
		zap.String("target", target),
		zap.String("distribution", formatWeights(order, weights)))
	return nil
}

// restore writes back the weights read before a change. Failures are only
// logged; the caller reports the original error.
func (r *RouterClient) restore(ctx context.Context, service string, previous []model.BackendStatus) {
	weights := make(map[string]int, len(previous))
	order := make([]string, 0, len(previous))
	for _, b := range previous {
		weights[b.URL] = b.Weight
		order = append(order, b.URL)
	}
	if err := r.putWeights(ctx, service, order, weights); err != nil {
		r.logger.Error("Failed to restore previous routing", zap.String("service", service), zap.Error(err))
	}
}

func (r *RouterClient) putWeights(ctx context.Context, service string, order []string, weights map[string]int) error {
	body := routingConfig{Subgraph: service}
	for _, u := range order {
		body.Routing.Backends = append(body.Routing.Backends, routingBackend{URL: u, Weight: weights[u]})
	}
	return r.do(WithOperation(ctx, "update_routing"), http.MethodPut, r.configURL(service)+"/routing", body, nil)
}

func diffWeights(want map[string]int, got []model.BackendStatus) string {
	seen := make(map[string]int, len(got))
	for _, b := range got {
		seen[b.URL] = b.Weight
	}
	for u, w := range want {
		if seen[u] != w {
			return fmt.Sprintf("%s expected %d got %d", u, w, seen[u])
		}
	}
	return ""
}

func formatWeights(order []string, weights map[string]int) string {
	parts := make([]string, 0, len(order))
	for _, u := range order {
		parts = append(parts, fmt.Sprintf("%s: %d%%", u, weights[u]))
	}
	return strings.Join(parts, ", ")
}

// BackendHealthy probes the backend's health endpoint. Only 200 is healthy.
func (r *RouterClient) BackendHealthy(ctx context.Context, backend string) (bool, error) {
	endpoint := strings.TrimRight(backend, "/") + r.cfg.HealthPath
	req, err := http.NewRequestWithContext(WithOperation(ctx, "health_probe"), http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build probe request: %w", err)
	}

	start := time.Now()
	resp, err := r.probe.Do(req)
	if err != nil {
		return false, model.ProviderUnavailable("backend", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	r.logger.Debug("Backend probed",
		zap.String("backend", backend),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)))
	return resp.StatusCode == http.StatusOK, nil
}

// Health checks that the admin API answers.
func (r *RouterClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(WithOperation(ctx, "health"), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(r.cfg.URL, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := r.admin.Do(req)
	if err != nil {
		return fmt.Errorf("router health check failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("router health check returned %d", resp.StatusCode)
	}
	return nil
}
