// Package telemetry turns metrics, traces and KPIs into health snapshots.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/core"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
)

const (
	sourceKPI     = "kpi"
	sourceLatency = "latency"
	sourceTraces  = "traces"
)

type KPISource interface {
	KPIAvailability(ctx context.Context, kpi string, r model.TimeRange) (*float64, error)
}

type LatencySource interface {
	LatencySamples(ctx context.Context, service string, r model.TimeRange) ([]model.MetricSample, error)
}

type TraceSource interface {
	Traces(ctx context.Context, service string, r model.TimeRange) ([]model.TraceSample, error)
}

type DeploymentSource interface {
	Deployments(ctx context.Context, service string, r model.TimeRange) ([]model.DeploymentEvent, error)
}

// CatalogProvider hands out the catalog snapshot currently in effect.
type CatalogProvider interface {
	Current() *core.Catalog
}

type AssessmentRecorder interface {
	ObserveAssessment(partial bool)
}

// Sources groups the adapters an engine reads from. Any of them may be nil,
// in which case its field is reported unavailable.
type Sources struct {
	KPIs        KPISource
	Latency     LatencySource
	Traces      TraceSource
	Deployments DeploymentSource
}

type Options struct {
	QueryTimeout      time.Duration
	MaxRange          time.Duration
	CacheBucket       time.Duration
	FailingTraceLimit int
	HealthyThreshold  float64
	DegradedThreshold float64
}

// OptionsFromConfig reads engine options from a validated config.
func OptionsFromConfig(cfg *core.Config) Options {
	return Options{
		QueryTimeout:      core.Duration(cfg.Telemetry.QueryTimeout),
		MaxRange:          core.Duration(cfg.Telemetry.MaxRange),
		CacheBucket:       core.Duration(cfg.Telemetry.CacheBucket),
		FailingTraceLimit: cfg.Telemetry.FailingTraceLimit,
		HealthyThreshold:  cfg.Telemetry.HealthyThreshold,
		DegradedThreshold: cfg.Telemetry.DegradedThreshold,
	}
}

// Engine assesses service health from independent sources. A failing source
// degrades the snapshot, it never fails the assessment.
type Engine struct {
	catalog  CatalogProvider
	sources  Sources
	cache    Cache
	opts     Options
	recorder AssessmentRecorder
	logger   *zap.Logger
	now      func() time.Time
}

func NewEngine(catalog CatalogProvider, sources Sources, cache Cache, opts Options, recorder AssessmentRecorder, logger *zap.Logger) *Engine {
	if cache == nil {
		cache = noCache{}
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 8 * time.Second
	}
	if opts.HealthyThreshold == 0 {
		opts.HealthyThreshold = 99
	}
	if opts.DegradedThreshold == 0 {
		opts.DegradedThreshold = 95
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		catalog:  catalog,
		sources:  sources,
		cache:    cache,
		opts:     opts,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// MaxRange is the longest window Assess accepts.
func (e *Engine) MaxRange() time.Duration { return e.opts.MaxRange }

func (e *Engine) validate(service string, r model.TimeRange) (model.Service, error) {
	svc, err := e.catalog.Current().Service(service)
	if err != nil {
		return model.Service{}, err
	}
	if _, err := model.NewTimeRange(r.Start, r.End, e.opts.MaxRange); err != nil {
		return model.Service{}, err
	}
	return svc, nil
}

// Assess builds a health snapshot for service over r. The KPI, latency and
// trace queries run concurrently, each under the configured query timeout.
// A cached snapshot is returned as built, so its Range may be an earlier
// window from the same bucket.
func (e *Engine) Assess(ctx context.Context, service string, r model.TimeRange) (*model.HealthSnapshot, error) {
	svc, err := e.validate(service, r)
	if err != nil {
		return nil, err
	}

	key := CacheKey(svc.Name, r, e.opts.CacheBucket)
	if cached, ok := e.cache.Get(ctx, key); ok {
		e.logger.Debug("Snapshot served from cache", zap.String("service", svc.Name), zap.String("key", key))
		return cached, nil
	}

	snap := &model.HealthSnapshot{
		Service: svc.Name,
		Range:   r,
		TakenAt: e.now().UTC(),
	}

	var (
		wg         sync.WaitGroup
		kpiErr     error
		latencyErr error
		tracesErr  error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		snap.KPI, kpiErr = e.assessKPIs(ctx, svc, r)
	}()
	go func() {
		defer wg.Done()
		snap.Latency, latencyErr = e.assessLatency(ctx, svc, r)
	}()
	go func() {
		defer wg.Done()
		snap.Errors, tracesErr = e.assessErrors(ctx, svc, r)
	}()
	wg.Wait()

	for _, f := range []struct {
		source string
		err    error
	}{
		{sourceKPI, kpiErr},
		{sourceLatency, latencyErr},
		{sourceTraces, tracesErr},
	} {
		if f.err == nil {
			continue
		}
		snap.Partial = true
		snap.Failures = append(snap.Failures, model.SourceFailure{Source: f.source, Reason: f.err.Error()})
		e.logger.Warn("Telemetry source unavailable",
			zap.String("service", svc.Name),
			zap.String("source", f.source),
			zap.Error(f.err))
	}

	if e.recorder != nil {
		e.recorder.ObserveAssessment(snap.Partial)
	}
	e.logger.Info("Health assessed",
		zap.String("service", svc.Name),
		zap.String("range", r.String()),
		zap.String("summary", snap.Summary()))

	// Partial snapshots are not cached so a recovered source is seen at once.
	if !snap.Partial {
		e.cache.Set(ctx, key, snap)
	}
	return snap, nil
}

// runQuery bounds fn by the query timeout. A query that outlives its
// deadline is abandoned and reported as timed out.
func runQuery[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("query timed out after %s: %w", timeout, ctx.Err())
	}
}

func (e *Engine) assessKPIs(ctx context.Context, svc model.Service, r model.TimeRange) (model.KPIReport, error) {
	if e.sources.KPIs == nil {
		return model.KPIReport{Status: model.FieldUnavailable, Overall: model.KPIUnknown}, errors.New("kpi source not configured")
	}

	kpis := svc.KPIs
	if len(kpis) == 0 {
		kpis = []string{svc.Name}
	}

	readings, err := runQuery(ctx, e.opts.QueryTimeout, func(ctx context.Context) ([]model.KPIReading, error) {
		out := make([]model.KPIReading, 0, len(kpis))
		for _, kpi := range kpis {
			v, err := e.sources.KPIs.KPIAvailability(ctx, kpi, r)
			if err != nil {
				return nil, fmt.Errorf("kpi %s: %w", kpi, err)
			}
			reading := model.KPIReading{KPI: kpi, Availability: v, Status: model.KPIUnknown}
			if v != nil {
				reading.Status = ClassifyKPI(*v, e.opts.HealthyThreshold, e.opts.DegradedThreshold)
			}
			out = append(out, reading)
		}
		return out, nil
	})
	if err != nil {
		return model.KPIReport{Status: model.FieldUnavailable, Overall: model.KPIUnknown}, err
	}

	report := model.KPIReport{Status: model.FieldNoData, Overall: model.KPIUnknown, Readings: readings}
	overall := model.KPIHealthy
	for _, reading := range readings {
		if reading.Availability == nil {
			continue
		}
		report.Status = model.FieldOK
		overall = model.WorseKPIStatus(overall, reading.Status)
	}
	if report.Status == model.FieldOK {
		report.Overall = overall
	}
	return report, nil
}

func (e *Engine) assessLatency(ctx context.Context, svc model.Service, r model.TimeRange) (model.LatencyReport, error) {
	if e.sources.Latency == nil {
		return model.LatencyReport{Status: model.FieldUnavailable}, errors.New("latency source not configured")
	}
	samples, err := runQuery(ctx, e.opts.QueryTimeout, func(ctx context.Context) ([]model.MetricSample, error) {
		return e.sources.Latency.LatencySamples(ctx, svc.Name, r)
	})
	if err != nil {
		return model.LatencyReport{Status: model.FieldUnavailable}, err
	}
	return LatencyFromSamples(samples), nil
}

func (e *Engine) assessErrors(ctx context.Context, svc model.Service, r model.TimeRange) (model.ErrorReport, error) {
	if e.sources.Traces == nil {
		return model.ErrorReport{Status: model.FieldUnavailable}, errors.New("trace source not configured")
	}
	traces, err := runQuery(ctx, e.opts.QueryTimeout, func(ctx context.Context) ([]model.TraceSample, error) {
		return e.sources.Traces.Traces(ctx, svc.Name, r)
	})
	if err != nil {
		return model.ErrorReport{Status: model.FieldUnavailable}, err
	}
	return ErrorsFromTraces(traces, e.opts.FailingTraceLimit), nil
}

// Deployments lists deployment events for a catalogued service.
func (e *Engine) Deployments(ctx context.Context, service string, r model.TimeRange) ([]model.DeploymentEvent, error) {
	svc, err := e.validate(service, r)
	if err != nil {
		return nil, err
	}
	if e.sources.Deployments == nil {
		return nil, model.Configuration(model.ReasonProviderNotConfigured, "no deployment provider configured")
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.QueryTimeout)
	defer cancel()

	events, err := e.sources.Deployments.Deployments(ctx, svc.Name, r)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments for %s: %w", svc.Name, err)
	}
	return events, nil
}

// Correlate assesses service and lines the result up against deployments in
// the same window. When the service is not healthy, the most recent
// deployment that started inside the window is named as the suspect. A
// deployment lookup failure is reported on the report, not as an error.
func (e *Engine) Correlate(ctx context.Context, service string, r model.TimeRange) (*model.IncidentReport, error) {
	snap, err := e.Assess(ctx, service, r)
	if err != nil {
		return nil, err
	}

	report := &model.IncidentReport{Snapshot: snap, Deployments: []model.DeploymentEvent{}}
	events, err := e.Deployments(ctx, service, r)
	if err != nil {
		report.DeploymentsError = err.Error()
		e.logger.Warn("Deployments unavailable for correlation",
			zap.String("service", service),
			zap.Error(err))
		return report, nil
	}
	report.Deployments = events

	if snap.Healthy() {
		return report, nil
	}
	for i := range events {
		if !r.Contains(events[i].StartedAt) {
			continue
		}
		if report.SuspectDeployment == nil || events[i].StartedAt.After(report.SuspectDeployment.StartedAt) {
			ev := events[i]
			report.SuspectDeployment = &ev
		}
	}
	if report.SuspectDeployment != nil {
		e.logger.Info("Suspect deployment identified",
			zap.String("service", service),
			zap.String("deployment", report.SuspectDeployment.ID),
			zap.String("version", report.SuspectDeployment.Version))
	}
	return report, nil
}
