package observer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
)

// DeploymentProvider is one source of deployment events.
type DeploymentProvider interface {
	Deployments(ctx context.Context, service string, r model.TimeRange) ([]model.DeploymentEvent, error)
	Health(ctx context.Context) error
}

// Observer bundles the provider adapters a running instance talks to.
type Observer struct {
	Prometheus  *PrometheusClient
	Tempo       *TempoClient
	Router      *RouterClient
	deployments map[string]DeploymentProvider
	logger      *zap.Logger
}

func NewObserver(prom *PrometheusClient, tempo *TempoClient, router *RouterClient, logger *zap.Logger) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{
		Prometheus:  prom,
		Tempo:       tempo,
		Router:      router,
		deployments: make(map[string]DeploymentProvider),
		logger:      logger,
	}
}

// AddDeploymentProvider registers a named deployment source.
func (o *Observer) AddDeploymentProvider(name string, p DeploymentProvider) {
	o.deployments[name] = p
}

func (o *Observer) HasDeploymentProviders() bool {
	return len(o.deployments) > 0
}

// Deployments queries every registered provider concurrently and merges
// their events, newest first. A provider with no mapping for the service is
// skipped. The call fails only when every provider that was asked failed.
func (o *Observer) Deployments(ctx context.Context, service string, r model.TimeRange) ([]model.DeploymentEvent, error) {
	if len(o.deployments) == 0 {
		return nil, model.Configuration(model.ReasonProviderNotConfigured, "no deployment provider configured")
	}

	type result struct {
		name   string
		events []model.DeploymentEvent
		err    error
	}
	results := make(chan result, len(o.deployments))

	var wg sync.WaitGroup
	for name, p := range o.deployments {
		wg.Add(1)
		go func(name string, p DeploymentProvider) {
			defer wg.Done()
			events, err := p.Deployments(ctx, service, r)
			results <- result{name: name, events: events, err: err}
		}(name, p)
	}
	wg.Wait()
	close(results)

	var (
		merged   []model.DeploymentEvent
		errs     []error
		answered int
	)
	for res := range results {
		if model.ReasonOf(res.err) == model.ReasonProviderNotConfigured {
			continue
		}
		answered++
		if res.err != nil {
			o.logger.Warn("Deployment provider failed",
				zap.String("provider", res.name),
				zap.String("service", service),
				zap.Error(res.err))
			errs = append(errs, fmt.Errorf("%s: %w", res.name, res.err))
			continue
		}
		merged = append(merged, res.events...)
	}

	if answered == 0 {
		return nil, model.Configuration(model.ReasonProviderNotConfigured, "no deployment provider covers service %q", service)
	}
	if len(errs) == answered {
		return nil, errors.Join(errs...)
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].StartedAt.After(merged[j].StartedAt) })
	return merged, nil
}

// Health reports per-provider reachability. Prometheus and the router are
// required; the rest only degrade features.
func (o *Observer) Health(ctx context.Context) (map[string]string, error) {
	status := make(map[string]string)
	var required error

	check := func(name string, fn func(context.Context) error, mandatory bool) {
		if err := fn(ctx); err != nil {
			status[name] = err.Error()
			if mandatory && required == nil {
				required = fmt.Errorf("%s health check failed: %w", name, err)
			}
			if !mandatory {
				o.logger.Warn("Provider health check failed", zap.String("provider", name), zap.Error(err))
			}
			return
		}
		status[name] = "ok"
	}

	if o.Prometheus != nil {
		check("prometheus", o.Prometheus.Health, true)
	}
	if o.Router != nil {
		check("router", o.Router.Health, true)
	}
	if o.Tempo != nil {
		check("tempo", o.Tempo.Health, false)
	}
	for name, p := range o.deployments {
		check(name, p.Health, false)
	}
	return status, required
}
