package failover

import (
	"context"
	"sync"
)

// cancelCause is the cause attached to an in-flight validation context when
// an operator cancels the action.
type cancelCause struct{ by string }

func (c cancelCause) Error() string { return "cancelled by " + c.by }

type claim struct {
	actionID string
	// cancel interrupts synchronous validation; nil while the action waits
	// for approval.
	cancel context.CancelCauseFunc
}

// claims records which action, if any, is in flight for each service.
type claims struct {
	mu        sync.Mutex
	byService map[string]*claim
}

func newClaims() *claims {
	return &claims{byService: make(map[string]*claim)}
}

// acquire claims service for actionID. It succeeds when the service is free
// or already claimed by the same action; otherwise it returns the holder.
func (c *claims) acquire(service, actionID string, cancel context.CancelCauseFunc) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.byService[service]; ok {
		if cur.actionID != actionID {
			return cur.actionID, false
		}
		cur.cancel = cancel
		return actionID, true
	}
	c.byService[service] = &claim{actionID: actionID, cancel: cancel}
	return actionID, true
}

// detach drops the cancel func once validation has returned control.
func (c *claims) detach(service, actionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.byService[service]; ok && cur.actionID == actionID {
		cur.cancel = nil
	}
}

// release frees service if actionID holds it.
func (c *claims) release(service, actionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.byService[service]; ok && cur.actionID == actionID {
		delete(c.byService, service)
	}
}

// interrupt cancels the in-flight validation of actionID, if any.
func (c *claims) interrupt(actionID string, cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cur := range c.byService {
		if cur.actionID == actionID && cur.cancel != nil {
			cur.cancel(cause)
			return true
		}
	}
	return false
}

func (c *claims) holder(service string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.byService[service]; ok {
		return cur.actionID, true
	}
	return "", false
}
