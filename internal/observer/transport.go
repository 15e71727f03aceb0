package observer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// CallRecorder receives one observation per outbound provider call.
type CallRecorder interface {
	ObserveProviderCall(provider, operation, outcome string, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveProviderCall(string, string, string, time.Duration) {}

type operationKey struct{}

// WithOperation labels outbound calls made with ctx for the provider metrics.
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, operationKey{}, operation)
}

func operationFrom(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey{}).(string); ok {
		return op
	}
	return "request"
}

// limitedTransport throttles outbound requests to one provider and records
// their latency and outcome.
type limitedTransport struct {
	provider string
	base     http.RoundTripper
	limiter  *rate.Limiter
	recorder CallRecorder
}

// NewTransport wraps base with a token bucket of rps requests per second.
// rps <= 0 disables throttling.
func NewTransport(provider string, rps int, recorder CallRecorder, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = rps
	}
	return &limitedTransport{
		provider: provider,
		base:     base,
		limiter:  rate.NewLimiter(limit, burst),
		recorder: recorder,
	}
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	op := operationFrom(ctx)

	if err := t.limiter.Wait(ctx); err != nil {
		t.recorder.ObserveProviderCall(t.provider, op, "throttled", 0)
		return nil, fmt.Errorf("%s rate limit wait: %w", t.provider, err)
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		t.recorder.ObserveProviderCall(t.provider, op, "error", elapsed)
	case resp.StatusCode >= 500:
		t.recorder.ObserveProviderCall(t.provider, op, "server_error", elapsed)
	case resp.StatusCode >= 400:
		t.recorder.ObserveProviderCall(t.provider, op, "client_error", elapsed)
	default:
		t.recorder.ObserveProviderCall(t.provider, op, "ok", elapsed)
	}
	return resp, err
}

// NewHTTPClient returns a client whose transport is throttled and observed.
// Per-call deadlines come from the request context, not the client.
func NewHTTPClient(provider string, rps int, recorder CallRecorder) *http.Client {
	return &http.Client{Transport: NewTransport(provider, rps, recorder, nil)}
}
