package model

import (
	"fmt"
	"time"
)

var transitions = map[ActionState][]ActionState{
	"":              {StateProposed},
	StateProposed:   {StateValidating, StateRejected},
	StateValidating: {StateValidating, StateApproved, StateRejected},
	StateApproved:   {StateApplied, StateRejected},
	StateApplied:    {StateRolledBack},
}

// CanTransition reports whether from -> to is a legal edge. validating ->
// validating is only used to record that an action is waiting for approval.
func CanTransition(from, to ActionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NewAction builds an action in its zero state; Transition to StateProposed
// records its creation.
func NewAction(id string, kind ActionKind, service, source, target, requestedBy string, now time.Time) *FailoverAction {
	return &FailoverAction{
		ID:          id,
		Kind:        kind,
		Service:     service,
		Source:      source,
		Target:      target,
		RequestedBy: requestedBy,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
}

// Transition moves the action to a new state and returns the record that
// must be appended to make the move durable. checks replaces the action's
// accumulated evidence when non-nil.
func (a *FailoverAction) Transition(to ActionState, reason Reason, actor string, pending bool, checks []CheckResult, at time.Time) (AuditRecord, error) {
	if !CanTransition(a.State, to) {
		return AuditRecord{}, fmt.Errorf("illegal transition %q -> %q for action %s", a.State, to, a.ID)
	}
	if to == StateValidating && a.State == StateValidating && !pending {
		return AuditRecord{}, fmt.Errorf("validating -> validating requires pending approval for action %s", a.ID)
	}

	rec := AuditRecord{
		ActionID:        a.ID,
		Kind:            a.Kind,
		RollbackOf:      a.RollbackOf,
		Service:         a.Service,
		Source:          a.Source,
		Target:          a.Target,
		RequestedBy:     a.RequestedBy,
		Actor:           actor,
		From:            a.State,
		To:              to,
		Reason:          reason,
		PendingApproval: pending,
		At:              at.UTC(),
	}
	if checks != nil {
		rec.Checks = append([]CheckResult(nil), checks...)
	}

	a.apply(rec)
	return rec, nil
}

func (a *FailoverAction) apply(rec AuditRecord) {
	a.State = rec.To
	a.Reason = rec.Reason
	a.PendingApproval = rec.PendingApproval
	a.UpdatedAt = rec.At
	if rec.Checks != nil {
		a.Checks = append([]CheckResult(nil), rec.Checks...)
	}
}

// Replay reconstructs an action from its trail, oldest record first. Every
// record must belong to the same action and follow a legal edge.
func Replay(records []AuditRecord) (*FailoverAction, error) {
	if len(records) == 0 {
		return nil, NotFound(ReasonActionNotFound, "empty trail")
	}

	first := records[0]
	if first.From != "" || first.To != StateProposed {
		return nil, fmt.Errorf("trail for %s does not start with creation: %q -> %q", first.ActionID, first.From, first.To)
	}

	a := NewAction(first.ActionID, first.Kind, first.Service, first.Source, first.Target, first.RequestedBy, first.At)
	a.RollbackOf = first.RollbackOf

	for i, rec := range records {
		if rec.ActionID != a.ID {
			return nil, fmt.Errorf("record %d belongs to action %s, not %s", i, rec.ActionID, a.ID)
		}
		if rec.From != a.State {
			return nil, fmt.Errorf("record %d of %s starts at %q but action is %q", i, a.ID, rec.From, a.State)
		}
		if !CanTransition(rec.From, rec.To) {
			return nil, fmt.Errorf("record %d of %s has illegal transition %q -> %q", i, a.ID, rec.From, rec.To)
		}
		a.apply(rec)
	}
	return a, nil
}
