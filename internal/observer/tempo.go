package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
)

type TempoConfig struct {
	URL          string
	OrgID        string
	Limit        int
	MinDuration  time.Duration
	RequestsPerS int
}

// TempoClient samples traces through the Tempo search API.
type TempoClient struct {
	cfg    TempoConfig
	http   *http.Client
	logger *zap.Logger
}

type tempoSearchResponse struct {
	Traces []struct {
		TraceID           string `json:"traceID"`
		RootServiceName   string `json:"rootServiceName"`
		StartTimeUnixNano string `json:"startTimeUnixNano"`
		DurationMs        int64  `json:"durationMs"`
	} `json:"traces"`
}

func NewTempoClient(cfg TempoConfig, recorder CallRecorder, logger *zap.Logger) *TempoClient {
	if cfg.Limit <= 0 {
		cfg.Limit = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TempoClient{
		cfg:    cfg,
		http:   NewHTTPClient("tempo", cfg.RequestsPerS, recorder),
		logger: logger,
	}
}

// Traces runs two searches over the window, every trace and error traces
// only, and merges them by trace ID. A trace is flagged as an error when the
// error search returned it. Error traces missing from the first search are
// kept as evidence but marked OutsideSample, since adding them to the sample
// would inflate the error rate.
func (t *TempoClient) Traces(ctx context.Context, service string, r model.TimeRange) ([]model.TraceSample, error) {
	all, err := t.search(ctx, fmt.Sprintf(`{ resource.service.name = %q }`, service), r)
	if err != nil {
		return nil, err
	}
	failed, err := t.search(ctx, fmt.Sprintf(`{ resource.service.name = %q && status = error }`, service), r)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]int, len(all)+len(failed))
	var out []model.TraceSample
	for _, s := range all {
		if _, dup := byID[s.TraceID]; dup {
			continue
		}
		byID[s.TraceID] = len(out)
		out = append(out, s)
	}
	for _, s := range failed {
		s.Error = true
		if i, ok := byID[s.TraceID]; ok {
			out[i].Error = true
			continue
		}
		s.OutsideSample = true
		byID[s.TraceID] = len(out)
		out = append(out, s)
	}

	t.logger.Debug("Sampled traces",
		zap.String("service", service),
		zap.Int("sampled", len(out)),
		zap.Int("failed", len(failed)))
	return out, nil
}

func (t *TempoClient) search(ctx context.Context, traceQL string, r model.TimeRange) ([]model.TraceSample, error) {
	params := url.Values{}
	params.Set("q", traceQL)
	params.Set("start", strconv.FormatInt(r.Start.Unix(), 10))
	params.Set("end", strconv.FormatInt(r.End.Unix(), 10))
	params.Set("limit", strconv.Itoa(t.cfg.Limit))
	if t.cfg.MinDuration > 0 {
		params.Set("minDuration", t.cfg.MinDuration.String())
	}

	req, err := http.NewRequestWithContext(WithOperation(ctx, "search"), http.MethodGet, t.cfg.URL+"/api/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build tempo request: %w", err)
	}
	if t.cfg.OrgID != "" {
		req.Header.Set("X-Scope-OrgID", t.cfg.OrgID)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, model.ProviderUnavailable("tempo", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, model.ProviderUnavailable("tempo", fmt.Errorf("search returned %d: %s", resp.StatusCode, body))
	}

	var decoded tempoSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, model.ProviderUnavailable("tempo", fmt.Errorf("failed to decode search response: %w", err))
	}

	samples := make([]model.TraceSample, 0, len(decoded.Traces))
	for _, tr := range decoded.Traces {
		if tr.TraceID == "" {
			continue
		}
		s := model.TraceSample{
			TraceID:  tr.TraceID,
			Duration: time.Duration(tr.DurationMs) * time.Millisecond,
		}
		if ns, err := strconv.ParseInt(tr.StartTimeUnixNano, 10, 64); err == nil && ns > 0 {
			s.StartedAt = time.Unix(0, ns).UTC()
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// Health calls Tempo's readiness endpoint.
func (t *TempoClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(WithOperation(ctx, "health"), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.URL+"/ready", nil)
	if err != nil {
		return err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("tempo health check failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tempo health check returned %d", resp.StatusCode)
	}
	return nil
}
