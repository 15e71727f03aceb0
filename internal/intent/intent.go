// Package intent turns a structured request, usually produced by a language
// model, into a validated operation against the catalog.
package intent

import (
	"strings"
	"time"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/core"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
)

type Kind string

const (
	KindAssessHealth     Kind = "AssessHealth"
	KindProposeFailover  Kind = "ProposeFailover"
	KindResolve          Kind = "Resolve"
	KindQueryDeployments Kind = "QueryDeployments"
)

// DefaultWindow is used when a request names no window.
const DefaultWindow = time.Hour

// Request is the structured form of an operator question. Every field is
// untrusted until Validate accepts it.
type Request struct {
	Kind        Kind   `json:"kind"`
	Service     string `json:"service,omitempty"`
	Source      string `json:"source,omitempty"`
	Target      string `json:"target,omitempty"`
	Window      string `json:"window,omitempty"`
	ActionID    string `json:"action_id,omitempty"`
	Decision    string `json:"decision,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// Validated is a request whose parameters were checked against the catalog.
type Validated struct {
	Kind        Kind
	Service     model.Service
	Source      string
	Target      string
	Range       model.TimeRange
	ActionID    string
	Decision    model.Decision
	RequestedBy string
}

// Validate re-checks every parameter of req: the service must exist, named
// backends must belong to it and the window must parse and stay within
// maxRange.
func Validate(catalog *core.Catalog, req Request, now time.Time, maxRange time.Duration) (*Validated, error) {
	v := &Validated{
		Kind:        req.Kind,
		RequestedBy: strings.TrimSpace(req.RequestedBy),
	}

	switch req.Kind {
	case KindAssessHealth, KindQueryDeployments:
		svc, err := catalog.Service(strings.TrimSpace(req.Service))
		if err != nil {
			return nil, err
		}
		v.Service = svc
		if v.Range, err = window(req.Window, now, maxRange); err != nil {
			return nil, err
		}

	case KindProposeFailover:
		svc, err := catalog.Service(strings.TrimSpace(req.Service))
		if err != nil {
			return nil, err
		}
		v.Service = svc
		v.Target = strings.TrimSpace(req.Target)
		v.Source = strings.TrimSpace(req.Source)
		if v.Target == "" {
			return nil, model.Validation(model.ReasonInvalidRequest, "a target backend is required")
		}
		if !svc.HasBackend(v.Target) {
			return nil, model.Validation(model.ReasonBackendUnknown, "target %q is not a backend of %s", v.Target, svc.Name)
		}
		if v.Source != "" && !svc.HasBackend(v.Source) {
			return nil, model.Validation(model.ReasonBackendUnknown, "source %q is not a backend of %s", v.Source, svc.Name)
		}
		if v.RequestedBy == "" {
			return nil, model.Validation(model.ReasonInvalidRequest, "requested_by is required")
		}

	case KindResolve:
		v.ActionID = strings.TrimSpace(req.ActionID)
		v.Decision = model.Decision(strings.ToLower(strings.TrimSpace(req.Decision)))
		if v.ActionID == "" {
			return nil, model.Validation(model.ReasonInvalidRequest, "action_id is required")
		}
		if !v.Decision.Valid() {
			return nil, model.Validation(model.ReasonInvalidRequest, "decision must be approve or reject, got %q", req.Decision)
		}
		if v.RequestedBy == "" {
			return nil, model.Validation(model.ReasonInvalidRequest, "requested_by is required")
		}

	default:
		return nil, model.Validation(model.ReasonInvalidRequest, "unsupported request kind %q", req.Kind)
	}
	return v, nil
}

func window(s string, now time.Time, maxRange time.Duration) (model.TimeRange, error) {
	d := DefaultWindow
	if strings.TrimSpace(s) != "" {
		var err error
		if d, err = model.ParseWindow(s); err != nil {
			return model.TimeRange{}, err
		}
	}
	return model.LastWindow(now, d, maxRange)
}
