package model

import (
	"fmt"
	"strings"
	"time"
)

// Service is one routable service from the static catalog.
type Service struct {
	Name             string   `json:"name"`
	Application      string   `json:"application"`
	Backends         []string `json:"backends"`
	KPIs             []string `json:"kpis,omitempty"`
	RequiresApproval bool     `json:"requires_approval"`
	BlockWhenHealthy bool     `json:"block_when_healthy"`
}

// HasBackend reports exact, case-sensitive membership.
func (s *Service) HasBackend(backend string) bool {
	for _, b := range s.Backends {
		if b == backend {
			return true
		}
	}
	return false
}

// BackendStatus is one backend as reported by the routing provider.
type BackendStatus struct {
	URL    string `json:"url"`
	Weight int    `json:"weight"`
	Active bool   `json:"active"`
}

type MetricSample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Label     string    `json:"label,omitempty"`
}

type TraceSample struct {
	TraceID   string        `json:"trace_id"`
	Duration  time.Duration `json:"duration"`
	Error     bool          `json:"error"`
	StartedAt time.Time     `json:"started_at,omitempty"`

	// OutsideSample marks a trace found only by an error-only search. It is
	// evidence, but it does not count toward the error rate.
	OutsideSample bool `json:"outside_sample,omitempty"`
}

type KPIStatus string

const (
	KPIHealthy  KPIStatus = "healthy"
	KPIDegraded KPIStatus = "degraded"
	KPICritical KPIStatus = "critical"
	KPIUnknown  KPIStatus = "unknown"
)

func (s KPIStatus) severity() int {
	switch s {
	case KPIHealthy:
		return 0
	case KPIDegraded:
		return 2
	case KPICritical:
		return 3
	default:
		return 1
	}
}

// WorseKPIStatus returns whichever status is more severe.
func WorseKPIStatus(a, b KPIStatus) KPIStatus {
	if b.severity() > a.severity() {
		return b
	}
	return a
}

// FieldStatus says whether a snapshot field carries a value.
type FieldStatus string

const (
	FieldOK           FieldStatus = "ok"
	FieldNoData       FieldStatus = "no_data"
	FieldUndetermined FieldStatus = "undetermined"
	FieldUnavailable  FieldStatus = "unavailable"
)

type KPIReading struct {
	KPI          string    `json:"kpi"`
	Availability *float64  `json:"availability_percent,omitempty"`
	Status       KPIStatus `json:"status"`
}

type KPIReport struct {
	Status   FieldStatus  `json:"status"`
	Overall  KPIStatus    `json:"overall"`
	Readings []KPIReading `json:"readings,omitempty"`
}

// LatencyReport holds percentiles; they are only meaningful when Status is ok.
type LatencyReport struct {
	Status  FieldStatus `json:"status"`
	P50     float64     `json:"p50_ms"`
	P95     float64     `json:"p95_ms"`
	P99     float64     `json:"p99_ms"`
	Samples int         `json:"samples"`
}

// ErrorReport holds the trace error rate; Rate is only meaningful when Status is ok.
// Sampled and Failed count the unbiased sample only.
type ErrorReport struct {
	Status        FieldStatus   `json:"status"`
	Rate          float64       `json:"rate"`
	Sampled       int           `json:"sampled"`
	Failed        int           `json:"failed"`
	FailingTraces []TraceSample `json:"failing_traces,omitempty"`
}

type SourceFailure struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// HealthSnapshot is the aggregate assessment of one service over one window.
// A snapshot is never mutated once built; callers that need to change one
// must Clone it.
type HealthSnapshot struct {
	Service  string          `json:"service"`
	// Range is the window the data was gathered for. A snapshot served
	// from cache keeps the window of the request that built it, which lies
	// in the same cache bucket as the caller's.
	Range    TimeRange       `json:"range"`
	TakenAt  time.Time       `json:"taken_at"`
	KPI      KPIReport       `json:"kpi"`
	Latency  LatencyReport   `json:"latency"`
	Errors   ErrorReport     `json:"errors"`
	Partial  bool            `json:"partial"`
	Failures []SourceFailure `json:"failures,omitempty"`
}

// Clone returns a deep copy.
func (s *HealthSnapshot) Clone() *HealthSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	if s.KPI.Readings != nil {
		c.KPI.Readings = make([]KPIReading, len(s.KPI.Readings))
		for i, r := range s.KPI.Readings {
			c.KPI.Readings[i] = r
			if r.Availability != nil {
				v := *r.Availability
				c.KPI.Readings[i].Availability = &v
			}
		}
	}
	if s.Errors.FailingTraces != nil {
		c.Errors.FailingTraces = append([]TraceSample(nil), s.Errors.FailingTraces...)
	}
	if s.Failures != nil {
		c.Failures = append([]SourceFailure(nil), s.Failures...)
	}
	return &c
}

// Healthy is true only for a complete snapshot whose business KPIs are healthy.
func (s *HealthSnapshot) Healthy() bool {
	return !s.Partial && s.KPI.Status == FieldOK && s.KPI.Overall == KPIHealthy
}

// Summary renders a one-line description used as validation evidence.
func (s *HealthSnapshot) Summary() string {
	parts := []string{fmt.Sprintf("kpi=%s", s.KPI.Overall)}
	if s.Latency.Status == FieldOK {
		parts = append(parts, fmt.Sprintf("p95=%.1fms", s.Latency.P95))
	} else {
		parts = append(parts, "latency="+string(s.Latency.Status))
	}
	if s.Errors.Status == FieldOK {
		parts = append(parts, fmt.Sprintf("error_rate=%.2f%%", s.Errors.Rate*100))
	} else {
		parts = append(parts, "errors="+string(s.Errors.Status))
	}
	if s.Partial {
		parts = append(parts, "partial")
	}
	return strings.Join(parts, " ")
}

type DeploymentEvent struct {
	ID          string    `json:"id"`
	Service     string    `json:"service"`
	Version     string    `json:"version"`
	Status      string    `json:"status"`
	Environment string    `json:"environment,omitempty"`
	TriggeredBy string    `json:"triggered_by,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	Source      string    `json:"source"`
}

// IncidentReport joins a health snapshot with deployments in the same window.
type IncidentReport struct {
	Snapshot          *HealthSnapshot   `json:"snapshot"`
	Deployments       []DeploymentEvent `json:"deployments"`
	SuspectDeployment *DeploymentEvent  `json:"suspect_deployment,omitempty"`
	DeploymentsError  string            `json:"deployments_error,omitempty"`
}
