package core

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
)

const minimalYAML = `
prometheus:
  url: http://prometheus:9090
router:
  url: http://router:8088
failover:
  approval_required: [payments]
  approvers: [oncall-lead]
services:
  - name: checkout
    backends: [http://b1:4000, http://b2:4000]
    kpis: [orders]
  - name: payments
    application: billing
    backends: [http://p1:4000, http://p2:4000]
    block_when_healthy: true
`

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "5m", cfg.Failover.Cooldown)
	assert.Equal(t, 3, cfg.Failover.MaxRetries)
	assert.Equal(t, "8s", cfg.Telemetry.QueryTimeout)
	assert.Equal(t, "/.well-known/apollo/server-health", cfg.Router.HealthPath)
	assert.Equal(t, 99.0, cfg.Telemetry.HealthyThreshold)
	assert.Equal(t, 10, cfg.Telemetry.FailingTraceLimit)
	assert.Equal(t, "15s", cfg.Telemetry.CacheTTL)
}

func TestParseConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad log level", "app: {log_level: loud}\n" + minimalYAML, "app.log_level"},
		{"bad store", "store: {driver: mongo}\n" + minimalYAML, "store.driver"},
		{"bad duration", "telemetry: {query_timeout: soon}\n" + minimalYAML, "telemetry.query_timeout"},
		{"redis without addr", "cache: {backend: redis}\n" + minimalYAML, "cache.redis_addr"},
		{"no services", "prometheus: {url: http://p}\nrouter: {url: http://r}\n", "services"},
		{"bad prometheus url", "prometheus: {url: prometheus:9090}\nrouter: {url: http://r}\nservices: [{name: a}]\n", "prometheus.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("AEGIS_PROMETHEUS_URL", "http://override:9090")
	t.Setenv("AEGIS_ROUTER_API_KEY", "secret")
	t.Setenv("AEGIS_DB_PORT", "6543")
	t.Setenv("AEGIS_LOG_LEVEL", "debug")

	cfg, err := ParseConfig([]byte(minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, "http://override:9090", cfg.Prometheus.URL)
	assert.Equal(t, "secret", cfg.Router.APIKey)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "debug", cfg.App.LogLevel)
}

func TestLoadConfig(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "does not exist")

	path := filepath.Join(t.TempDir(), "aegis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o600))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Services, 2)
}

func TestCatalog(t *testing.T) {
	cfg, err := ParseConfig([]byte(minimalYAML))
	require.NoError(t, err)

	h, err := NewCatalogHolder(cfg)
	require.NoError(t, err)
	cat := h.Current()
	assert.Equal(t, int64(1), cat.Version)

	pay, err := cat.Service("payments")
	require.NoError(t, err)
	assert.True(t, pay.RequiresApproval)
	assert.True(t, pay.BlockWhenHealthy)
	assert.Equal(t, "billing", pay.Application)

	co, err := cat.Service("checkout")
	require.NoError(t, err)
	assert.False(t, co.RequiresApproval)
	assert.Equal(t, "checkout", co.Application)
	assert.True(t, co.HasBackend("http://b2:4000"))
	assert.False(t, co.HasBackend("HTTP://B2:4000"))

	co.Backends[0] = "mutated"
	again, _ := cat.Service("checkout")
	assert.Equal(t, "http://b1:4000", again.Backends[0])

	_, err = cat.Service("ghost")
	assert.Equal(t, model.KindConfiguration, model.KindOf(err))
	assert.Equal(t, model.ReasonUnknownService, model.ReasonOf(err))

	assert.True(t, cat.IsApprover("oncall-lead"))
	assert.False(t, cat.IsApprover("intern"))

	names := []string{}
	for _, s := range cat.Services() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"checkout", "payments"}, names)
}

func TestCatalogRejectsBadServices(t *testing.T) {
	cfg, err := ParseConfig([]byte(minimalYAML))
	require.NoError(t, err)

	cfg.Failover.ApprovalRequired = []string{"ghost"}
	_, err = NewCatalog(cfg, 1, time.Now())
	assert.ErrorContains(t, err, "unknown service")

	cfg.Failover.ApprovalRequired = nil
	cfg.Services[0].Backends = []string{"http://b1", "http://b1"}
	_, err = NewCatalog(cfg, 1, time.Now())
	assert.ErrorContains(t, err, "twice")

	cfg.Services[0].Backends = []string{"http://b1"}
	_, err = NewCatalog(cfg, 1, time.Now())
	assert.ErrorContains(t, err, "at least two")
}

func TestCatalogReloadKeepsPreviousOnError(t *testing.T) {
	cfg, err := ParseConfig([]byte(minimalYAML))
	require.NoError(t, err)
	h, err := NewCatalogHolder(cfg)
	require.NoError(t, err)

	bad := *cfg
	bad.Services = []ServiceConfig{{Name: "x", Backends: []string{"ftp://a", "http://b"}}}
	require.Error(t, h.Reload(&bad))
	assert.Equal(t, int64(1), h.Current().Version)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Current().Service("checkout")
			assert.NoError(t, err)
		}()
	}
	require.NoError(t, h.Reload(cfg))
	wg.Wait()
	assert.Equal(t, int64(2), h.Current().Version)
}
