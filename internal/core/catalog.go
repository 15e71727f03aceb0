package core

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
)

// Catalog is an immutable snapshot of the service catalog and the failover
// policy that applies to it. A reload builds a new Catalog and swaps it in
// whole; readers never observe a half-applied change.
type Catalog struct {
	Version  int64
	LoadedAt time.Time

	services  map[string]model.Service
	approvers map[string]bool
}

// NewCatalog builds a catalog from configuration.
func NewCatalog(cfg *Config, version int64, now time.Time) (*Catalog, error) {
	c := &Catalog{
		Version:   version,
		LoadedAt:  now,
		services:  make(map[string]model.Service, len(cfg.Services)),
		approvers: make(map[string]bool, len(cfg.Failover.Approvers)),
	}

	for i, sc := range cfg.Services {
		if sc.Name == "" {
			return nil, fmt.Errorf("services[%d].name cannot be empty", i)
		}
		if _, dup := c.services[sc.Name]; dup {
			return nil, fmt.Errorf("service %q is defined more than once", sc.Name)
		}
		if len(sc.Backends) < 2 {
			return nil, fmt.Errorf("service %q needs at least two backends", sc.Name)
		}
		seen := make(map[string]bool, len(sc.Backends))
		for _, b := range sc.Backends {
			if !strings.HasPrefix(b, "http://") && !strings.HasPrefix(b, "https://") {
				return nil, fmt.Errorf("service %q backend %q must start with http:// or https://", sc.Name, b)
			}
			if seen[b] {
				return nil, fmt.Errorf("service %q lists backend %q twice", sc.Name, b)
			}
			seen[b] = true
		}

		app := sc.Application
		if app == "" {
			app = sc.Name
		}
		c.services[sc.Name] = model.Service{
			Name:             sc.Name,
			Application:      app,
			Backends:         append([]string(nil), sc.Backends...),
			KPIs:             append([]string(nil), sc.KPIs...),
			BlockWhenHealthy: sc.BlockWhenHealthy,
		}
	}

	for _, name := range cfg.Failover.ApprovalRequired {
		svc, ok := c.services[name]
		if !ok {
			return nil, fmt.Errorf("failover.approval_required names unknown service %q", name)
		}
		svc.RequiresApproval = true
		c.services[name] = svc
	}
	for _, a := range cfg.Failover.Approvers {
		c.approvers[a] = true
	}

	return c, nil
}

// Service returns a copy of the named service.
func (c *Catalog) Service(name string) (model.Service, error) {
	svc, ok := c.services[name]
	if !ok {
		return model.Service{}, model.Configuration(model.ReasonUnknownService, "service %q is not in the catalog", name)
	}
	svc.Backends = append([]string(nil), svc.Backends...)
	svc.KPIs = append([]string(nil), svc.KPIs...)
	return svc, nil
}

// Services lists every service sorted by name.
func (c *Catalog) Services() []model.Service {
	out := make([]model.Service, 0, len(c.services))
	for name := range c.services {
		svc, _ := c.Service(name)
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsApprover reports whether identity may resolve pending actions.
func (c *Catalog) IsApprover(identity string) bool {
	return c.approvers[identity]
}

// CatalogHolder publishes the current catalog to concurrent readers.
type CatalogHolder struct {
	current atomic.Pointer[Catalog]
	version atomic.Int64
}

func NewCatalogHolder(cfg *Config) (*CatalogHolder, error) {
	h := &CatalogHolder{}
	if err := h.Reload(cfg); err != nil {
		return nil, err
	}
	return h, nil
}

// Current returns the catalog in effect. The result must not be modified.
func (h *CatalogHolder) Current() *Catalog {
	return h.current.Load()
}

// Reload builds a catalog from cfg and swaps it in. On error the previous
// catalog stays in effect.
func (h *CatalogHolder) Reload(cfg *Config) error {
	next, err := NewCatalog(cfg, h.version.Load()+1, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to build catalog: %w", err)
	}
	h.version.Store(next.Version)
	h.current.Store(next)
	return nil
}
