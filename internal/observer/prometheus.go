package observer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	prommodel "github.com/prometheus/common/model"
	"go.uber.org/zap"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
)

const (
	// Placeholders substituted into the configured PromQL templates.
	placeholderService = "$service"
	placeholderRange   = "$range"

	maxRangePoints = 120
	minRangeStep   = 15 * time.Second
)

type PrometheusConfig struct {
	URL          string
	LatencyQuery string
	KPIQuery     string
	// Step is the query_range resolution; zero derives it from the window.
	Step           time.Duration
	RequestTimeout time.Duration
	RequestsPerS   int
}

// PrometheusClient reads latency series and KPI availability for services.
type PrometheusClient struct {
	api    promv1.API
	cfg    PrometheusConfig
	logger *zap.Logger
}

func NewPrometheusClient(cfg PrometheusConfig, recorder CallRecorder, logger *zap.Logger) (*PrometheusClient, error) {
	client, err := promapi.NewClient(promapi.Config{
		Address:      cfg.URL,
		RoundTripper: NewTransport("prometheus", cfg.RequestsPerS, recorder, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PrometheusClient{
		api:    promv1.NewAPI(client),
		cfg:    cfg,
		logger: logger,
	}, nil
}

func renderQuery(template, service string, r model.TimeRange) string {
	return strings.NewReplacer(
		placeholderService, service,
		placeholderRange, r.PromDuration(),
	).Replace(template)
}

// rangeStep keeps a query_range under maxRangePoints points.
func rangeStep(r model.TimeRange, configured time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	step := r.Duration() / maxRangePoints
	if step < minRangeStep {
		step = minRangeStep
	}
	return step.Truncate(time.Second)
}

// LatencySamples runs the latency template over the window and returns the
// samples ordered by timestamp. Non-finite values are dropped.
func (p *PrometheusClient) LatencySamples(ctx context.Context, service string, r model.TimeRange) ([]model.MetricSample, error) {
	ctx, cancel := context.WithTimeout(WithOperation(ctx, "query_range"), p.cfg.RequestTimeout)
	defer cancel()

	query := renderQuery(p.cfg.LatencyQuery, service, r)
	result, warnings, err := p.api.QueryRange(ctx, query, promv1.Range{
		Start: r.Start,
		End:   r.End,
		Step:  rangeStep(r, p.cfg.Step),
	})
	if err != nil {
		return nil, model.ProviderUnavailable("prometheus", fmt.Errorf("query_range failed: %w", err))
	}
	p.logWarnings(service, warnings)

	matrix, ok := result.(prommodel.Matrix)
	if !ok {
		return nil, model.ProviderUnavailable("prometheus", fmt.Errorf("unexpected result type: %T", result))
	}

	var samples []model.MetricSample
	for _, stream := range matrix {
		label := stream.Metric.String()
		for _, pair := range stream.Values {
			v := float64(pair.Value)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			samples = append(samples, model.MetricSample{
				Timestamp: pair.Timestamp.Time().UTC(),
				Value:     v,
				Label:     label,
			})
		}
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Timestamp.Before(samples[j].Timestamp) })
	return samples, nil
}

// KPIAvailability returns the success percentage of one KPI over the window,
// or nil when Prometheus has no data for it.
func (p *PrometheusClient) KPIAvailability(ctx context.Context, kpi string, r model.TimeRange) (*float64, error) {
	ctx, cancel := context.WithTimeout(WithOperation(ctx, "query"), p.cfg.RequestTimeout)
	defer cancel()

	vector, err := p.queryMetric(ctx, renderQuery(p.cfg.KPIQuery, kpi, r), r.End, kpi)
	if err != nil {
		return nil, err
	}
	for _, sample := range vector {
		v := float64(sample.Value)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		return &v, nil
	}
	return nil, nil
}

func (p *PrometheusClient) queryMetric(ctx context.Context, query string, at time.Time, subject string) (prommodel.Vector, error) {
	result, warnings, err := p.api.Query(ctx, query, at)
	if err != nil {
		return nil, model.ProviderUnavailable("prometheus", fmt.Errorf("prometheus query failed: %w", err))
	}
	p.logWarnings(subject, warnings)

	vector, ok := result.(prommodel.Vector)
	if !ok {
		return nil, model.ProviderUnavailable("prometheus", fmt.Errorf("unexpected result type: %T", result))
	}
	return vector, nil
}

func (p *PrometheusClient) logWarnings(subject string, warnings promv1.Warnings) {
	if len(warnings) > 0 {
		p.logger.Warn("Prometheus query warnings",
			zap.String("subject", subject),
			zap.Strings("warnings", warnings),
		)
	}
}

func (p *PrometheusClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(WithOperation(ctx, "health"), 5*time.Second)
	defer cancel()

	if _, _, err := p.api.Query(ctx, "up", time.Now()); err != nil {
		return fmt.Errorf("prometheus health check failed: %w", err)
	}
	return nil
}
