// Package core provides configuration management for AEGIS
package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all AEGIS configuration with validation
type Config struct {
	App struct {
		Name     string `yaml:"name"`
		Version  string `yaml:"version"`
		LogLevel string `yaml:"log_level"`
		Listen   string `yaml:"listen"`
	} `yaml:"app"`

	Store struct {
		// Driver is one of postgres, sqlite, memory.
		Driver     string `yaml:"driver"`
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"store"`

	Database struct {
		Host           string `yaml:"host"`
		Port           int    `yaml:"port"`
		User           string `yaml:"user"`
		Password       string `yaml:"password"`
		DBName         string `yaml:"dbname"`
		MaxConnections int    `yaml:"max_connections"`
	} `yaml:"database"`

	Prometheus struct {
		URL            string `yaml:"url"`
		LatencyQuery   string `yaml:"latency_query"`
		KPIQuery       string `yaml:"kpi_query"`
		RequestsPerS   int    `yaml:"requests_per_second"`
		LatencyStep    string `yaml:"latency_step"`
		RequestTimeout string `yaml:"request_timeout"`
	} `yaml:"prometheus"`

	Tempo struct {
		URL          string `yaml:"url"`
		OrgID        string `yaml:"org_id"`
		Limit        int    `yaml:"limit"`
		MinDuration  string `yaml:"min_duration"`
		RequestsPerS int    `yaml:"requests_per_second"`
	} `yaml:"tempo"`

	Router struct {
		URL          string `yaml:"url"`
		APIKey       string `yaml:"api_key"`
		HealthPath   string `yaml:"health_path"`
		RequestsPerS int    `yaml:"requests_per_second"`
	} `yaml:"router"`

	Kubernetes struct {
		Enabled    bool   `yaml:"enabled"`
		Namespace  string `yaml:"namespace"`
		Kubeconfig string `yaml:"kubeconfig"`
	} `yaml:"kubernetes"`

	GitHub struct {
		Enabled bool   `yaml:"enabled"`
		Token   string `yaml:"token"`
		BaseURL string `yaml:"base_url"`
		// Repos maps service name to owner/repo.
		Repos map[string]string `yaml:"repos"`
	} `yaml:"github"`

	Cache struct {
		// Backend is memory or redis.
		Backend   string `yaml:"backend"`
		RedisAddr string `yaml:"redis_addr"`
		RedisDB   int    `yaml:"redis_db"`
	} `yaml:"cache"`

	Telemetry struct {
		QueryTimeout      string  `yaml:"query_timeout"`
		CacheTTL          string  `yaml:"cache_ttl"`
		CacheBucket       string  `yaml:"cache_bucket"`
		MaxRange          string  `yaml:"max_range"`
		DefaultWindow     string  `yaml:"default_window"`
		FailingTraceLimit int     `yaml:"failing_trace_limit"`
		HealthyThreshold  float64 `yaml:"healthy_threshold"`
		DegradedThreshold float64 `yaml:"degraded_threshold"`
	} `yaml:"telemetry"`

	Failover struct {
		Cooldown         string   `yaml:"cooldown"`
		ProbeTimeout     string   `yaml:"probe_timeout"`
		MaxRetries       int      `yaml:"max_retries"`
		BaseBackoff      string   `yaml:"base_backoff"`
		MaxBackoff       string   `yaml:"max_backoff"`
		RoutingTimeout   string   `yaml:"routing_timeout"`
		ApprovalTimeout  string   `yaml:"approval_timeout"`
		HealthWindow     string   `yaml:"health_window"`
		ApprovalRequired []string `yaml:"approval_required"`
		Approvers        []string `yaml:"approvers"`
	} `yaml:"failover"`

	Intent struct {
		Enabled bool   `yaml:"enabled"`
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
		Model   string `yaml:"model"`
	} `yaml:"intent"`

	Services []ServiceConfig `yaml:"services"`
}

// ServiceConfig is one catalog entry as written in YAML.
type ServiceConfig struct {
	Name             string   `yaml:"name"`
	Application      string   `yaml:"application"`
	Backends         []string `yaml:"backends"`
	KPIs             []string `yaml:"kpis"`
	BlockWhenHealthy bool     `yaml:"block_when_healthy"`
}

// LoadConfig reads and validates configuration from YAML file
func LoadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig decodes YAML, applies defaults and environment overrides, and validates.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.ApplyDefaults()
	config.ApplyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	setString := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	setInt := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}

	setString(&c.App.Name, "aegis")
	setString(&c.App.Version, "dev")
	setString(&c.App.LogLevel, "info")
	setString(&c.App.Listen, ":8080")
	setString(&c.Store.Driver, "memory")
	setString(&c.Store.SQLitePath, "aegis.db")
	setInt(&c.Database.Port, 5432)
	setInt(&c.Database.MaxConnections, 10)

	setString(&c.Prometheus.LatencyQuery, `histogram_quantile(0.95, sum(rate(request_duration_milliseconds_bucket{service="$service"}[1m])) by (le))`)
	setString(&c.Prometheus.KPIQuery, `sum(increase(requests_total{service="$service",status="success"}[$range])) / sum(increase(requests_total{service="$service"}[$range])) * 100`)
	setString(&c.Prometheus.RequestTimeout, "10s")
	setInt(&c.Prometheus.RequestsPerS, 20)

	setInt(&c.Tempo.Limit, 20)
	setInt(&c.Tempo.RequestsPerS, 10)
	setString(&c.Router.HealthPath, "/.well-known/apollo/server-health")
	setInt(&c.Router.RequestsPerS, 10)
	setString(&c.Kubernetes.Namespace, "default")
	setString(&c.Cache.Backend, "memory")

	setString(&c.Telemetry.QueryTimeout, "8s")
	setString(&c.Telemetry.CacheTTL, "15s")
	setString(&c.Telemetry.CacheBucket, "30s")
	setString(&c.Telemetry.MaxRange, "24h")
	setString(&c.Telemetry.DefaultWindow, "15m")
	setInt(&c.Telemetry.FailingTraceLimit, 10)
	if c.Telemetry.HealthyThreshold == 0 {
		c.Telemetry.HealthyThreshold = 99
	}
	if c.Telemetry.DegradedThreshold == 0 {
		c.Telemetry.DegradedThreshold = 95
	}

	setString(&c.Failover.Cooldown, "5m")
	setString(&c.Failover.ProbeTimeout, "5s")
	setInt(&c.Failover.MaxRetries, 3)
	setString(&c.Failover.BaseBackoff, "200ms")
	setString(&c.Failover.MaxBackoff, "2s")
	setString(&c.Failover.RoutingTimeout, "10s")
	setString(&c.Failover.ApprovalTimeout, "30m")
	setString(&c.Failover.HealthWindow, "15m")

	setString(&c.Intent.Model, "gpt-4o-mini")
}

// Validate checks if configuration values are valid
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app.name cannot be empty")
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.App.LogLevel] {
		return fmt.Errorf("app.log_level must be one of: debug, info, warn, error")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path cannot be empty")
		}
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database.host cannot be empty")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			return fmt.Errorf("database.port must be between 1 and 65535")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user cannot be empty")
		}
		if c.Database.DBName == "" {
			return fmt.Errorf("database.dbname cannot be empty")
		}
		if c.Database.MaxConnections <= 0 {
			return fmt.Errorf("database.max_connections must be positive")
		}
	default:
		return fmt.Errorf("store.driver must be one of: postgres, sqlite, memory")
	}

	if err := validateURL("prometheus.url", c.Prometheus.URL, true); err != nil {
		return err
	}
	if err := validateURL("tempo.url", c.Tempo.URL, false); err != nil {
		return err
	}
	if err := validateURL("router.url", c.Router.URL, true); err != nil {
		return err
	}
	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		return fmt.Errorf("cache.backend must be one of: memory, redis")
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr cannot be empty when cache.backend is redis")
	}

	durations := map[string]string{
		"telemetry.query_timeout":    c.Telemetry.QueryTimeout,
		"telemetry.cache_ttl":        c.Telemetry.CacheTTL,
		"telemetry.cache_bucket":     c.Telemetry.CacheBucket,
		"telemetry.max_range":        c.Telemetry.MaxRange,
		"telemetry.default_window":   c.Telemetry.DefaultWindow,
		"prometheus.request_timeout": c.Prometheus.RequestTimeout,
		"failover.cooldown":          c.Failover.Cooldown,
		"failover.probe_timeout":     c.Failover.ProbeTimeout,
		"failover.base_backoff":      c.Failover.BaseBackoff,
		"failover.max_backoff":       c.Failover.MaxBackoff,
		"failover.routing_timeout":   c.Failover.RoutingTimeout,
		"failover.approval_timeout":  c.Failover.ApprovalTimeout,
		"failover.health_window":     c.Failover.HealthWindow,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s is not a valid duration: %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.Prometheus.LatencyStep != "" {
		if _, err := time.ParseDuration(c.Prometheus.LatencyStep); err != nil {
			return fmt.Errorf("prometheus.latency_step is not a valid duration: %w", err)
		}
	}
	if c.Tempo.MinDuration != "" {
		if _, err := time.ParseDuration(c.Tempo.MinDuration); err != nil {
			return fmt.Errorf("tempo.min_duration is not a valid duration: %w", err)
		}
	}

	if c.Failover.MaxRetries < 1 {
		return fmt.Errorf("failover.max_retries must be at least 1")
	}
	if c.Telemetry.FailingTraceLimit < 0 {
		return fmt.Errorf("telemetry.failing_trace_limit must be non-negative")
	}
	if c.Telemetry.HealthyThreshold <= 0 || c.Telemetry.HealthyThreshold > 100 {
		return fmt.Errorf("telemetry.healthy_threshold must be between 0 and 100")
	}
	if c.Telemetry.DegradedThreshold <= 0 || c.Telemetry.DegradedThreshold > c.Telemetry.HealthyThreshold {
		return fmt.Errorf("telemetry.degraded_threshold must be between 0 and telemetry.healthy_threshold")
	}

	if c.GitHub.Enabled && len(c.GitHub.Repos) == 0 {
		return fmt.Errorf("github.repos cannot be empty when github is enabled")
	}
	for service, repo := range c.GitHub.Repos {
		if parts := strings.Split(repo, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("github.repos[%s] must be owner/repo", service)
		}
	}
	if c.Intent.Enabled && c.Intent.APIKey == "" {
		return fmt.Errorf("intent.api_key cannot be empty when intent is enabled")
	}

	if len(c.Services) == 0 {
		return fmt.Errorf("services cannot be empty")
	}
	return nil
}

func validateURL(key, value string, required bool) error {
	if value == "" {
		if required {
			return fmt.Errorf("%s cannot be empty", key)
		}
		return nil
	}
	if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
		return fmt.Errorf("%s must start with http:// or https://", key)
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	if host := os.Getenv("AEGIS_DB_HOST"); host != "" {
		c.Database.Host = host
	}
	if port := os.Getenv("AEGIS_DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Database.Port = p
		}
	}
	if user := os.Getenv("AEGIS_DB_USER"); user != "" {
		c.Database.User = user
	}
	if password := os.Getenv("AEGIS_DB_PASSWORD"); password != "" {
		c.Database.Password = password
	}
	if dbname := os.Getenv("AEGIS_DB_NAME"); dbname != "" {
		c.Database.DBName = dbname
	}
	if url := os.Getenv("AEGIS_PROMETHEUS_URL"); url != "" {
		c.Prometheus.URL = url
	}
	if key := os.Getenv("AEGIS_ROUTER_API_KEY"); key != "" {
		c.Router.APIKey = key
	}
	if token := os.Getenv("AEGIS_GITHUB_TOKEN"); token != "" {
		c.GitHub.Token = token
	}
	if key := os.Getenv("AEGIS_OPENAI_API_KEY"); key != "" {
		c.Intent.APIKey = key
	}
	if addr := os.Getenv("AEGIS_REDIS_ADDR"); addr != "" {
		c.Cache.RedisAddr = addr
	}
	if logLevel := os.Getenv("AEGIS_LOG_LEVEL"); logLevel != "" {
		c.App.LogLevel = logLevel
	}
}

// GetDatabaseURL returns PostgreSQL connection string
func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable&pool_max_conns=%d",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.DBName,
		c.Database.MaxConnections,
	)
}

// Duration parses a duration that Validate has already checked.
func Duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}
