// Package failover validates and applies routing changes one service at a
// time, recording every transition in the audit store.
package failover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/core"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/storage"
)

const systemActor = "aegis"

// Router is the traffic-routing provider.
type Router interface {
	Backends(ctx context.Context, service string) ([]model.BackendStatus, error)
	BackendHealthy(ctx context.Context, backend string) (bool, error)
	SetActiveBackend(ctx context.Context, service, target string, candidates []string) error
}

// HealthAssessor produces the snapshot used by the health gate.
type HealthAssessor interface {
	Assess(ctx context.Context, service string, r model.TimeRange) (*model.HealthSnapshot, error)
}

type CatalogProvider interface {
	Current() *core.Catalog
}

type TransitionRecorder interface {
	ObserveTransition(to, reason string)
}

type Options struct {
	Cooldown        time.Duration
	ProbeTimeout    time.Duration
	RoutingTimeout  time.Duration
	ApprovalTimeout time.Duration
	HealthWindow    time.Duration
	Retry           RetryPolicy
}

// OptionsFromConfig reads orchestrator options from a validated config.
func OptionsFromConfig(cfg *core.Config) Options {
	retry := DefaultRetryPolicy()
	retry.MaxRetries = cfg.Failover.MaxRetries
	retry.BaseBackoff = core.Duration(cfg.Failover.BaseBackoff)
	retry.MaxBackoff = core.Duration(cfg.Failover.MaxBackoff)

	return Options{
		Cooldown:        core.Duration(cfg.Failover.Cooldown),
		ProbeTimeout:    core.Duration(cfg.Failover.ProbeTimeout),
		RoutingTimeout:  core.Duration(cfg.Failover.RoutingTimeout),
		ApprovalTimeout: core.Duration(cfg.Failover.ApprovalTimeout),
		HealthWindow:    core.Duration(cfg.Failover.HealthWindow),
		Retry:           retry,
	}
}

// Request asks for all traffic of Service to move to Target. An empty Source
// is resolved to the backend the router currently sends traffic to.
type Request struct {
	Service     string `json:"service"`
	Source      string `json:"source"`
	Target      string `json:"target"`
	RequestedBy string `json:"requested_by"`
}

// Orchestrator runs failover actions through validation, approval and
// commit. Rejections are outcomes, not errors: Propose and Resolve return a
// rejected action with its reason and a nil error. Errors are reserved for
// requests that could not be recorded at all.
type Orchestrator struct {
	catalog  CatalogProvider
	store    storage.AuditStore
	router   Router
	health   HealthAssessor
	opts     Options
	claims   *claims
	recorder TransitionRecorder
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

func NewOrchestrator(catalog CatalogProvider, store storage.AuditStore, router Router, health HealthAssessor, opts Options, recorder TransitionRecorder, logger *zap.Logger) *Orchestrator {
	if opts.Cooldown <= 0 {
		opts.Cooldown = 5 * time.Minute
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.RoutingTimeout <= 0 {
		opts.RoutingTimeout = 10 * time.Second
	}
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = 30 * time.Minute
	}
	if opts.HealthWindow <= 0 {
		opts.HealthWindow = 15 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		catalog:  catalog,
		store:    store,
		router:   router,
		health:   health,
		opts:     opts,
		claims:   newClaims(),
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// clock returns the current time at the precision every store keeps.
func (o *Orchestrator) clock() time.Time {
	return o.now().UTC().Truncate(time.Microsecond)
}

// Propose creates a failover action and drives it as far as it can go
// synchronously: applied, rejected, or pending approval.
func (o *Orchestrator) Propose(ctx context.Context, req Request) (*model.FailoverAction, error) {
	svc, err := o.catalog.Current().Service(req.Service)
	if err != nil {
		return nil, err
	}
	if req.Target == "" {
		return nil, model.Validation(model.ReasonInvalidRequest, "target backend is required")
	}
	if req.RequestedBy == "" {
		return nil, model.Validation(model.ReasonInvalidRequest, "requested_by is required")
	}

	source := req.Source
	if source == "" {
		if source, err = o.activeBackend(ctx, svc.Name); err != nil {
			return nil, err
		}
	}

	a := model.NewAction(o.newID(), model.KindFailover, svc.Name, source, req.Target, req.RequestedBy, o.clock())
	return o.run(ctx, a, svc)
}

func (o *Orchestrator) activeBackend(ctx context.Context, service string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.ProbeTimeout)
	defer cancel()

	backends, err := o.router.Backends(ctx, service)
	if err != nil {
		return "", fmt.Errorf("failed to resolve active backend of %s: %w", service, err)
	}
	best, weight := "", 0
	for _, b := range backends {
		if b.Weight > weight {
			best, weight = b.URL, b.Weight
		}
	}
	if best == "" {
		return "", model.Validation(model.ReasonInvalidRequest, "router reports no active backend for %s; name the source explicitly", service)
	}
	return best, nil
}

// Rollback reverses an applied action with a new action of kind rollback
// that goes through the same pipeline, cooldown included. On success the
// original action is marked rolled back.
func (o *Orchestrator) Rollback(ctx context.Context, actionID, by string) (*model.FailoverAction, error) {
	if by == "" {
		return nil, model.Validation(model.ReasonInvalidRequest, "requested_by is required")
	}
	orig, err := o.load(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if orig.State != model.StateApplied {
		return nil, model.Validation(model.ReasonNotApplied, "action %s is %s; only applied actions can be rolled back", orig.ID, orig.State)
	}
	svc, err := o.catalog.Current().Service(orig.Service)
	if err != nil {
		return nil, err
	}

	a := model.NewAction(o.newID(), model.KindRollback, orig.Service, orig.Target, orig.Source, by, o.clock())
	a.RollbackOf = orig.ID
	return o.run(ctx, a, svc)
}

// run records the proposal, claims the service and validates. The claim is
// released on every exit except a pending approval, which keeps it until
// the action is resolved.
func (o *Orchestrator) run(ctx context.Context, a *model.FailoverAction, svc model.Service) (*model.FailoverAction, error) {
	if err := o.record(ctx, a, model.StateProposed, "", a.RequestedBy, false, nil); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	holder, ok := o.claims.acquire(a.Service, a.ID, cancel)
	if !ok && o.expireStale(ctx, holder) {
		holder, ok = o.claims.acquire(a.Service, a.ID, cancel)
	}
	if !ok {
		return o.finish(ctx, a, model.StateRejected, model.ReasonConflictingAction, a.RequestedBy, []model.CheckResult{{
			Name:   "claim",
			Detail: fmt.Sprintf("action %s is in progress for %s", holder, a.Service),
		}})
	}
	pending := false
	defer func() {
		if !pending {
			o.claims.release(a.Service, a.ID)
		}
	}()

	unlock, err := o.store.LockService(runCtx, a.Service)
	if err != nil {
		if runCtx.Err() != nil {
			return o.finish(ctx, a, model.StateRejected, model.ReasonCancelled, cancelActor(runCtx, a.RequestedBy), nil)
		}
		if _, ferr := o.finish(ctx, a, model.StateRejected, model.ReasonProviderFailure, a.RequestedBy, []model.CheckResult{{Name: "lock", Detail: err.Error()}}); ferr != nil {
			o.logger.Error("Failed to record rejection", zap.String("action_id", a.ID), zap.Error(ferr))
		}
		return nil, fmt.Errorf("failed to lock service %s: %w", a.Service, err)
	}
	defer unlock()

	if err := o.record(ctx, a, model.StateValidating, "", a.RequestedBy, false, nil); err != nil {
		return nil, err
	}

	checks, reason := o.validate(runCtx, a, svc, true)
	if reason != "" {
		actor := a.RequestedBy
		if reason == model.ReasonCancelled {
			actor = cancelActor(runCtx, actor)
		}
		return o.finish(ctx, a, model.StateRejected, reason, actor, checks)
	}

	if svc.RequiresApproval {
		checks = append(checks, model.CheckResult{Name: "approval", Detail: "waiting for an authorized approver"})
		o.claims.detach(a.Service, a.ID)
		if err := o.record(ctx, a, model.StateValidating, model.ReasonApprovalRequired, a.RequestedBy, true, checks); err != nil {
			return nil, err
		}
		pending = true
		return a.Clone(), nil
	}

	checks = append(checks, model.CheckResult{Name: "approval", Passed: true, Detail: "not required"})
	return o.commit(ctx, a, svc, checks, a.RequestedBy)
}

// Resolve answers a pending approval. Approval re-runs the identity,
// liveness and cooldown checks before committing.
func (o *Orchestrator) Resolve(ctx context.Context, actionID string, decision model.Decision, approver string) (*model.FailoverAction, error) {
	if !decision.Valid() {
		return nil, model.Validation(model.ReasonInvalidRequest, "decision must be approve or reject, got %q", decision)
	}
	a, err := o.load(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if !o.catalog.Current().IsApprover(approver) {
		return nil, model.Validation(model.ReasonApproverNotAuthorized, "%q may not resolve action %s", approver, a.ID)
	}

	unlock, err := o.store.LockService(ctx, a.Service)
	if err != nil {
		return nil, fmt.Errorf("failed to lock service %s: %w", a.Service, err)
	}
	defer unlock()

	if a, err = o.load(ctx, actionID); err != nil {
		return nil, err
	}
	if a.State != model.StateValidating || !a.PendingApproval {
		return nil, model.Validation(model.ReasonNotPending, "action %s is %s, not pending approval", a.ID, a.State)
	}
	if holder, ok := o.claims.acquire(a.Service, a.ID, nil); !ok {
		return nil, model.Conflict("action %s is in progress for %s", holder, a.Service)
	}
	defer o.claims.release(a.Service, a.ID)

	if o.expired(a) {
		return o.finish(ctx, a, model.StateRejected, model.ReasonApprovalExpired, approver, nil)
	}

	prior := withoutCheck(a.Checks, "approval")
	if decision == model.DecisionReject {
		checks := append(prior, model.CheckResult{Name: "approval", Detail: "rejected by " + approver})
		return o.finish(ctx, a, model.StateRejected, model.ReasonApprovalRejected, approver, checks)
	}

	svc, err := o.catalog.Current().Service(a.Service)
	if err != nil {
		return o.finish(ctx, a, model.StateRejected, model.ReasonOf(err), approver, append(prior, model.CheckResult{Name: "identity", Detail: err.Error()}))
	}
	checks, reason := o.validate(ctx, a, svc, false)
	if reason != "" {
		return o.finish(ctx, a, model.StateRejected, reason, approver, checks)
	}
	checks = append(checks, model.CheckResult{Name: "approval", Passed: true, Detail: "approved by " + approver})
	return o.commit(ctx, a, svc, checks, approver)
}

// Cancel rejects an action that has not been approved yet. An action still
// validating is interrupted; applied actions need a rollback instead.
func (o *Orchestrator) Cancel(ctx context.Context, actionID, by string) (*model.FailoverAction, error) {
	if by == "" {
		return nil, model.Validation(model.ReasonInvalidRequest, "requested_by is required")
	}
	a, err := o.load(ctx, actionID)
	if err != nil {
		return nil, err
	}
	o.claims.interrupt(a.ID, cancelCause{by: by})

	unlock, err := o.store.LockService(ctx, a.Service)
	if err != nil {
		return nil, fmt.Errorf("failed to lock service %s: %w", a.Service, err)
	}
	defer unlock()

	if a, err = o.load(ctx, actionID); err != nil {
		return nil, err
	}
	switch a.State {
	case model.StateProposed, model.StateValidating:
		defer o.claims.release(a.Service, a.ID)
		return o.finish(ctx, a, model.StateRejected, model.ReasonCancelled, by, nil)
	case model.StateRejected:
		if a.Reason == model.ReasonCancelled {
			return a, nil
		}
		return nil, model.Validation(model.ReasonNotCancellable, "action %s was already rejected (%s)", a.ID, a.Reason)
	default:
		return nil, model.Validation(model.ReasonNotCancellable, "action %s is %s; issue a rollback instead", a.ID, a.State)
	}
}

// Get rebuilds an action from its trail. A pending action past the approval
// timeout is expired first.
func (o *Orchestrator) Get(ctx context.Context, actionID string) (*model.FailoverAction, error) {
	a, err := o.load(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if a.PendingApproval && a.State == model.StateValidating && o.expired(a) {
		if o.expireStale(ctx, a.ID) {
			return o.load(ctx, actionID)
		}
	}
	return a, nil
}

// Trail returns every recorded transition of one action, oldest first.
func (o *Orchestrator) Trail(ctx context.Context, actionID string) ([]model.AuditRecord, error) {
	trail, err := o.store.Trail(ctx, actionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load trail of %s: %w", actionID, err)
	}
	if len(trail) == 0 {
		return nil, model.NotFound(model.ReasonActionNotFound, "action %s not found", actionID)
	}
	return trail, nil
}

// History returns audit records for service, newest first.
func (o *Orchestrator) History(ctx context.Context, service string, limit int) ([]model.AuditRecord, error) {
	records, err := o.store.History(ctx, service, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return records, nil
}

func (o *Orchestrator) load(ctx context.Context, actionID string) (*model.FailoverAction, error) {
	trail, err := o.Trail(ctx, actionID)
	if err != nil {
		return nil, err
	}
	a, err := model.Replay(trail)
	if err != nil {
		return nil, fmt.Errorf("corrupt trail for %s: %w", actionID, err)
	}
	return a, nil
}

func (o *Orchestrator) expired(a *model.FailoverAction) bool {
	return o.clock().Sub(a.UpdatedAt) > o.opts.ApprovalTimeout
}

// expireStale rejects actionID with approval-expired if it is still pending
// past the approval timeout. It reports whether the action was expired.
func (o *Orchestrator) expireStale(ctx context.Context, actionID string) bool {
	a, err := o.load(ctx, actionID)
	if err != nil || !a.PendingApproval || a.State != model.StateValidating || !o.expired(a) {
		return false
	}

	unlock, err := o.store.LockService(ctx, a.Service)
	if err != nil {
		return false
	}
	defer unlock()

	if a, err = o.load(ctx, actionID); err != nil || !a.PendingApproval || a.State != model.StateValidating {
		return false
	}
	if _, err := o.finish(ctx, a, model.StateRejected, model.ReasonApprovalExpired, systemActor, nil); err != nil {
		o.logger.Error("Failed to expire pending action", zap.String("action_id", a.ID), zap.Error(err))
		return false
	}
	o.claims.release(a.Service, a.ID)
	return true
}

// validate runs the gates in order and stops at the first failure. The
// health gate only runs on the initial pass, not when an approval re-checks.
func (o *Orchestrator) validate(ctx context.Context, a *model.FailoverAction, svc model.Service, initial bool) ([]model.CheckResult, model.Reason) {
	var checks []model.CheckResult
	pass := func(name, detail string) {
		checks = append(checks, model.CheckResult{Name: name, Passed: true, Detail: detail})
	}
	fail := func(name string, reason model.Reason, detail string) ([]model.CheckResult, model.Reason) {
		checks = append(checks, model.CheckResult{Name: name, Detail: detail})
		if ctx.Err() != nil {
			return checks, model.ReasonCancelled
		}
		return checks, reason
	}

	if a.Kind == model.KindRollback {
		latest, err := o.store.LatestApplied(ctx, a.Service)
		if err != nil {
			return fail("latest-applied", model.ReasonProviderFailure, err.Error())
		}
		if latest == nil || latest.ActionID != a.RollbackOf {
			detail := "no applied action"
			if latest != nil {
				detail = fmt.Sprintf("action %s was applied after %s", latest.ActionID, a.RollbackOf)
			}
			return fail("latest-applied", model.ReasonRollbackSuperseded, detail)
		}
		pass("latest-applied", a.RollbackOf+" is the latest applied change")
	}

	switch {
	case a.Source == a.Target:
		return fail("identity", model.ReasonInvalidRequest, "source and target are the same backend")
	case !svc.HasBackend(a.Target):
		return fail("identity", model.ReasonBackendUnknown, fmt.Sprintf("target %q is not a backend of %s", a.Target, svc.Name))
	case !svc.HasBackend(a.Source):
		return fail("identity", model.ReasonBackendUnknown, fmt.Sprintf("source %q is not a backend of %s", a.Source, svc.Name))
	}
	pass("identity", "source and target are configured backends")

	if ctx.Err() != nil {
		return checks, model.ReasonCancelled
	}

	probeCtx, cancel := context.WithTimeout(ctx, o.opts.ProbeTimeout)
	healthy, err := o.router.BackendHealthy(probeCtx, a.Target)
	cancel()
	switch {
	case err != nil:
		return fail("liveness", model.ReasonBackendUnhealthy, fmt.Sprintf("probe of %s failed: %v", a.Target, err))
	case !healthy:
		return fail("liveness", model.ReasonBackendUnhealthy, fmt.Sprintf("%s reported unhealthy", a.Target))
	}
	pass("liveness", a.Target+" is healthy")

	now := o.clock()
	last, err := o.store.LastAppliedWithin(ctx, a.Service, o.opts.Cooldown, now)
	if err != nil {
		return fail("cooldown", model.ReasonProviderFailure, fmt.Sprintf("cooldown lookup failed: %v", err))
	}
	if last != nil {
		return fail("cooldown", model.ReasonCooldownActive, fmt.Sprintf("action %s was applied at %s; next change allowed after %s",
			last.ID, last.UpdatedAt.Format(time.RFC3339), last.UpdatedAt.Add(o.opts.Cooldown).Format(time.RFC3339)))
	}
	pass("cooldown", fmt.Sprintf("no change applied in the last %s", o.opts.Cooldown))

	if initial && svc.BlockWhenHealthy {
		ok, detail := o.healthGate(ctx, svc, now)
		if !ok {
			return fail("health", model.ReasonServiceHealthy, detail)
		}
		pass("health", detail)
	}

	if ctx.Err() != nil {
		return checks, model.ReasonCancelled
	}
	return checks, ""
}

// healthGate refuses to move traffic away from a service that is fully
// healthy. An assessment that cannot be made does not block. The detail is
// kept as evidence either way.
func (o *Orchestrator) healthGate(ctx context.Context, svc model.Service, now time.Time) (bool, string) {
	if o.health == nil {
		return true, "no assessor configured"
	}
	r, err := model.LastWindow(now, o.opts.HealthWindow, 0)
	if err != nil {
		return true, err.Error()
	}
	snap, err := o.health.Assess(ctx, svc.Name, r)
	if err != nil {
		return true, "assessment failed: " + err.Error()
	}
	if snap.Healthy() {
		return false, "service is healthy: " + snap.Summary()
	}
	return true, snap.Summary()
}

// commit applies an approved action. From here on the caller's cancellation
// is ignored: the action always ends applied or rejected.
func (o *Orchestrator) commit(ctx context.Context, a *model.FailoverAction, svc model.Service, checks []model.CheckResult, actor string) (*model.FailoverAction, error) {
	ctx = context.WithoutCancel(ctx)
	if err := o.record(ctx, a, model.StateApproved, "", actor, false, checks); err != nil {
		return nil, err
	}

	attempts := 0
	err := Retry(ctx, o.opts.Retry, func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, o.opts.RoutingTimeout)
		defer cancel()
		return o.router.SetActiveBackend(attemptCtx, a.Service, a.Target, svc.Backends)
	})
	if err != nil {
		o.logger.Error("Routing change failed",
			zap.String("action_id", a.ID),
			zap.String("service", a.Service),
			zap.Int("attempts", attempts),
			zap.Error(err))
		checks = append(checks, model.CheckResult{Name: "routing", Detail: fmt.Sprintf("gave up after %d attempts: %v", attempts, err)})
		return o.settleFailedChange(ctx, a, svc, checks, actor)
	}
	checks = append(checks, model.CheckResult{Name: "routing", Passed: true, Detail: fmt.Sprintf("%s receives all traffic after %d attempt(s)", a.Target, attempts)})
	return o.apply(ctx, a, svc, checks, actor)
}

// settleFailedChange decides what a routing change that reported failure
// actually did. A change that took effect anyway is reverted; if the revert
// also fails and traffic is still on the target, the action is recorded as
// applied so the cooldown covers the change that is really in place.
func (o *Orchestrator) settleFailedChange(ctx context.Context, a *model.FailoverAction, svc model.Service, checks []model.CheckResult, actor string) (*model.FailoverAction, error) {
	active, known := o.targetActive(ctx, a)
	if known && !active {
		return o.finish(ctx, a, model.StateRejected, model.ReasonProviderFailure, actor, checks)
	}

	cerr := o.compensate(ctx, a, svc)
	if cerr == nil {
		checks = append(checks, model.CheckResult{Name: "compensation", Passed: true, Detail: "traffic returned to " + a.Source})
		return o.finish(ctx, a, model.StateRejected, model.ReasonProviderFailure, actor, checks)
	}
	checks = append(checks, model.CheckResult{Name: "compensation", Detail: cerr.Error()})

	if active, known = o.targetActive(ctx, a); known && active {
		o.logger.Warn("Routing change in effect despite provider errors, recording it as applied",
			zap.String("action_id", a.ID),
			zap.String("service", a.Service),
			zap.String("backend", a.Target))
		checks = append(checks, model.CheckResult{Name: "routing", Passed: true, Detail: a.Target + " receives traffic after failed revert"})
		return o.apply(ctx, a, svc, checks, actor)
	}
	return o.finish(ctx, a, model.StateRejected, model.ReasonProviderFailure, actor, checks)
}

// targetActive reads the router state back. known is false when the router
// could not be read.
func (o *Orchestrator) targetActive(ctx context.Context, a *model.FailoverAction) (active, known bool) {
	var backends []model.BackendStatus
	err := Retry(ctx, o.opts.Retry, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, o.opts.RoutingTimeout)
		defer cancel()
		var err error
		backends, err = o.router.Backends(attemptCtx, a.Service)
		return err
	})
	if err != nil {
		o.logger.Error("Failed to read routing state after failed change",
			zap.String("action_id", a.ID),
			zap.String("service", a.Service),
			zap.Error(err))
		return false, false
	}
	for _, b := range backends {
		if b.URL == a.Target {
			return b.Active, true
		}
	}
	return false, true
}

// apply appends the applied transition, reverting the routing change when
// the append loses.
func (o *Orchestrator) apply(ctx context.Context, a *model.FailoverAction, svc model.Service, checks []model.CheckResult, actor string) (*model.FailoverAction, error) {
	applied := a.Clone()
	rec, err := applied.Transition(model.StateApplied, "", actor, false, checks, o.clock())
	if err != nil {
		return nil, err
	}
	if err := o.store.AppendApplied(ctx, &rec, o.opts.Cooldown); err != nil {
		cerr := o.compensate(ctx, a, svc)
		if errors.Is(err, storage.ErrCooldownActive) {
			detail := "another change was applied concurrently; traffic returned to " + a.Source
			if cerr != nil {
				detail = "another change was applied concurrently; revert to " + a.Source + " failed: " + cerr.Error()
			}
			checks = append(checks, model.CheckResult{Name: "cooldown", Detail: detail})
			return o.finish(ctx, a, model.StateRejected, model.ReasonCooldownActive, actor, checks)
		}
		checks = append(checks, model.CheckResult{Name: "audit", Detail: err.Error()})
		if _, ferr := o.finish(ctx, a, model.StateRejected, model.ReasonProviderFailure, actor, checks); ferr != nil {
			o.logger.Error("Failed to record rejection", zap.String("action_id", a.ID), zap.Error(ferr))
		}
		return nil, fmt.Errorf("failed to record applied transition for %s: %w", a.ID, err)
	}
	*a = *applied
	o.observe(rec)

	if a.Kind == model.KindRollback {
		if err := o.markRolledBack(ctx, a.RollbackOf, actor); err != nil {
			return a.Clone(), err
		}
	}
	return a.Clone(), nil
}

// compensate sends traffic back to the source after a change that could not
// be recorded or that reported failure.
func (o *Orchestrator) compensate(ctx context.Context, a *model.FailoverAction, svc model.Service) error {
	err := Retry(ctx, o.opts.Retry, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, o.opts.RoutingTimeout)
		defer cancel()
		return o.router.SetActiveBackend(attemptCtx, a.Service, a.Source, svc.Backends)
	})
	if err != nil {
		o.logger.Error("Compensating routing change failed; manual intervention required",
			zap.String("action_id", a.ID),
			zap.String("service", a.Service),
			zap.String("expected_backend", a.Source),
			zap.Error(err))
		return err
	}
	o.logger.Warn("Routing change reverted",
		zap.String("action_id", a.ID),
		zap.String("service", a.Service),
		zap.String("backend", a.Source))
	return nil
}

func (o *Orchestrator) markRolledBack(ctx context.Context, originalID, actor string) error {
	orig, err := o.load(ctx, originalID)
	if err != nil {
		return fmt.Errorf("failed to load rolled back action: %w", err)
	}
	if orig.State != model.StateApplied {
		return nil
	}
	return o.record(ctx, orig, model.StateRolledBack, "", actor, false, nil)
}

// finish records a terminal transition and returns the resulting action.
func (o *Orchestrator) finish(ctx context.Context, a *model.FailoverAction, to model.ActionState, reason model.Reason, actor string, checks []model.CheckResult) (*model.FailoverAction, error) {
	if err := o.record(ctx, a, to, reason, actor, false, checks); err != nil {
		return nil, err
	}
	return a.Clone(), nil
}

// record moves a to the next state and appends the transition. The write is
// not abandoned when the caller goes away.
func (o *Orchestrator) record(ctx context.Context, a *model.FailoverAction, to model.ActionState, reason model.Reason, actor string, pending bool, checks []model.CheckResult) error {
	rec, err := a.Transition(to, reason, actor, pending, checks, o.clock())
	if err != nil {
		return err
	}
	if err := o.store.Append(context.WithoutCancel(ctx), &rec); err != nil {
		return fmt.Errorf("failed to record %s -> %s for action %s: %w", rec.From, rec.To, a.ID, err)
	}
	o.observe(rec)
	return nil
}

func (o *Orchestrator) observe(rec model.AuditRecord) {
	if o.recorder != nil {
		o.recorder.ObserveTransition(string(rec.To), string(rec.Reason))
	}
	fields := []zap.Field{
		zap.String("action_id", rec.ActionID),
		zap.String("kind", string(rec.Kind)),
		zap.String("service", rec.Service),
		zap.String("from", string(rec.From)),
		zap.String("to", string(rec.To)),
		zap.String("actor", rec.Actor),
	}
	if rec.Reason != "" {
		fields = append(fields, zap.String("reason", string(rec.Reason)))
	}
	switch rec.To {
	case model.StateApplied, model.StateRolledBack, model.StateRejected:
		o.logger.Info("Failover action finished", fields...)
	default:
		o.logger.Debug("Failover action transitioned", fields...)
	}
}

func cancelActor(ctx context.Context, fallback string) string {
	var c cancelCause
	if errors.As(context.Cause(ctx), &c) {
		return c.by
	}
	return fallback
}

func withoutCheck(checks []model.CheckResult, name string) []model.CheckResult {
	out := make([]model.CheckResult, 0, len(checks))
	for _, c := range checks {
		if c.Name != name {
			out = append(out, c)
		}
	}
	return out
}
