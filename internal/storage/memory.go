package storage

import (
	"context"
	"sync"
	"time"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
)

// MemoryStore keeps the audit trail in process. It is used by tests and by
// dry runs where nothing needs to survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records []model.AuditRecord
	seq     int64
	locks   *keyedLock
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: newKeyedLock()}
}

func (s *MemoryStore) Append(ctx context.Context, rec *model.AuditRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(rec)
	return nil
}

func (s *MemoryStore) appendLocked(rec *model.AuditRecord) {
	s.seq++
	rec.Seq = s.seq
	stored := *rec
	stored.Checks = append([]model.CheckResult(nil), rec.Checks...)
	s.records = append(s.records, stored)
}

func (s *MemoryStore) AppendApplied(ctx context.Context, rec *model.AuditRecord, window time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	from, to := rec.At.Add(-window), rec.At.Add(window)
	for i := range s.records {
		r := &s.records[i]
		if r.Service == rec.Service && r.To == model.StateApplied && r.ActionID != rec.ActionID &&
			r.At.After(from) && r.At.Before(to) {
			return ErrCooldownActive
		}
	}
	s.appendLocked(rec)
	return nil
}

func (s *MemoryStore) LastAppliedWithin(ctx context.Context, service string, window time.Duration, now time.Time) (*model.FailoverAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	from := now.Add(-window)
	for i := len(s.records) - 1; i >= 0; i-- {
		r := &s.records[i]
		if r.Service == service && r.To == model.StateApplied && r.At.After(from) && !r.At.After(now) {
			return appliedAction(r), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) LatestApplied(ctx context.Context, service string) (*model.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Service == service && s.records[i].To == model.StateApplied {
			rec := s.records[i]
			return &rec, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) History(ctx context.Context, service string, limit int) ([]model.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = historyLimit(limit)
	out := make([]model.AuditRecord, 0)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if service == "" || s.records[i].Service == service {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) Trail(ctx context.Context, actionID string) ([]model.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.AuditRecord
	for _, r := range s.records {
		if r.ActionID == actionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) LockService(ctx context.Context, service string) (func(), error) {
	return s.locks.lock(ctx, service)
}

func (s *MemoryStore) Health(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Close() error { return nil }
