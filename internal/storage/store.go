// Package storage holds the append-only audit trail of failover actions and
// answers the rate-limit questions asked during validation.
package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
)

// ErrCooldownActive is returned by AppendApplied when another action was
// applied to the same service inside the cooldown window.
var ErrCooldownActive = errors.New("another action was applied within the cooldown window")

// AuditStore is the contract every backend implements. Records are never
// updated or deleted once appended.
type AuditStore interface {
	// Append stores rec and sets rec.Seq.
	Append(ctx context.Context, rec *model.AuditRecord) error

	// AppendApplied stores an applied record only if no other action's
	// applied record for the same service lies closer than window to rec.At,
	// in either direction. The check and the insert are atomic.
	AppendApplied(ctx context.Context, rec *model.AuditRecord, window time.Duration) error

	// LastAppliedWithin returns the most recent action applied to service in
	// (now-window, now], or nil.
	LastAppliedWithin(ctx context.Context, service string, window time.Duration, now time.Time) (*model.FailoverAction, error)

	// LatestApplied returns the newest applied record for service, or nil.
	LatestApplied(ctx context.Context, service string) (*model.AuditRecord, error)

	// History returns up to limit records for service, newest first. An
	// empty service returns records across all services.
	History(ctx context.Context, service string, limit int) ([]model.AuditRecord, error)

	// Trail returns every record of one action, oldest first.
	Trail(ctx context.Context, actionID string) ([]model.AuditRecord, error)

	// LockService serializes validation and commit for one service. The
	// returned func releases the lock and is safe to call more than once.
	LockService(ctx context.Context, service string) (func(), error)

	Health(ctx context.Context) error
	Close() error
}

const defaultHistoryLimit = 100

func historyLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultHistoryLimit
	}
	return limit
}

// appliedAction builds the action view of an applied record.
func appliedAction(rec *model.AuditRecord) *model.FailoverAction {
	return &model.FailoverAction{
		ID:          rec.ActionID,
		Kind:        rec.Kind,
		RollbackOf:  rec.RollbackOf,
		Service:     rec.Service,
		Source:      rec.Source,
		Target:      rec.Target,
		RequestedBy: rec.RequestedBy,
		State:       model.StateApplied,
		UpdatedAt:   rec.At,
		Checks:      rec.Checks,
	}
}

// keyedLock is a per-key mutex whose acquisition honours context cancellation.
type keyedLock struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newKeyedLock() *keyedLock {
	return &keyedLock{locks: make(map[string]chan struct{})}
}

func (k *keyedLock) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	ch, ok := k.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.locks[key] = ch
	}
	k.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return sync.OnceFunc(func() { <-ch }), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
