package model

import (
	"time"
)

type ActionState string

const (
	StateProposed   ActionState = "proposed"
	StateValidating ActionState = "validating"
	StateApproved   ActionState = "approved"
	StateRejected   ActionState = "rejected"
	StateApplied    ActionState = "applied"
	StateRolledBack ActionState = "rolled_back"
)

type ActionKind string

const (
	KindFailover ActionKind = "failover"
	KindRollback ActionKind = "rollback"
)

// Decision is an approver's answer to a pending action.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// CheckResult is the outcome of one validation step, kept as evidence.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// FailoverAction is the in-memory view of one proposed routing change.
// Its durable form is the trail of AuditRecords it produced.
type FailoverAction struct {
	ID              string        `json:"id"`
	Kind            ActionKind    `json:"kind"`
	RollbackOf      string        `json:"rollback_of,omitempty"`
	Service         string        `json:"service"`
	Source          string        `json:"source"`
	Target          string        `json:"target"`
	RequestedBy     string        `json:"requested_by"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	State           ActionState   `json:"state"`
	Reason          Reason        `json:"reason,omitempty"`
	PendingApproval bool          `json:"pending_approval"`
	Checks          []CheckResult `json:"checks,omitempty"`
}

// Terminal reports whether no further forward transition is expected.
// An applied action is terminal until a rollback reverses it.
func (a *FailoverAction) Terminal() bool {
	switch a.State {
	case StateRejected, StateApplied, StateRolledBack:
		return true
	}
	return false
}

// Clone returns a deep copy.
func (a *FailoverAction) Clone() *FailoverAction {
	if a == nil {
		return nil
	}
	c := *a
	if a.Checks != nil {
		c.Checks = append([]CheckResult(nil), a.Checks...)
	}
	return &c
}

// AuditRecord is one append-only state transition of one action.
type AuditRecord struct {
	Seq             int64         `json:"seq"`
	ActionID        string        `json:"action_id"`
	Kind            ActionKind    `json:"kind"`
	RollbackOf      string        `json:"rollback_of,omitempty"`
	Service         string        `json:"service"`
	Source          string        `json:"source"`
	Target          string        `json:"target"`
	RequestedBy     string        `json:"requested_by"`
	Actor           string        `json:"actor"`
	From            ActionState   `json:"from"`
	To              ActionState   `json:"to"`
	Reason          Reason        `json:"reason,omitempty"`
	PendingApproval bool          `json:"pending_approval"`
	Checks          []CheckResult `json:"checks,omitempty"`
	At              time.Time     `json:"at"`
}
