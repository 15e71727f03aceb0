package failover

import (
	"context"
	"math/rand"
	"time"

	"github.com/namansh70747/AEGIS-Assisted-Evidence-Gated-Incident-Switchover/internal/model"
)

// RetryPolicy bounds how a routing change is retried.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// JitterFn returns extra delay added to each backoff. Nil means none.
	JitterFn func(backoff time.Duration) time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		BaseBackoff: 200 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
		JitterFn:    HalfJitter,
	}
}

// HalfJitter adds up to half of the backoff.
func HalfJitter(backoff time.Duration) time.Duration {
	if backoff <= 1 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(backoff / 2)))
}

// retryable reports whether err may go away on its own. Configuration and
// validation errors never do.
func retryable(err error) bool {
	switch model.KindOf(err) {
	case model.KindConfiguration, model.KindValidation, model.KindNotFound:
		return false
	}
	return true
}

// Retry runs fn until it succeeds, returns a non-retryable error, the retry
// budget is spent or ctx is done. The last error from fn is returned.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	attempt := 0
	backoff := policy.BaseBackoff

	for {
		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}

		attempt++
		if attempt > policy.MaxRetries {
			return err
		}

		delay := backoff
		if policy.JitterFn != nil {
			delay += policy.JitterFn(backoff)
		}
		if policy.MaxBackoff > 0 && delay > policy.MaxBackoff {
			delay = policy.MaxBackoff
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			backoff *= 2
		case <-ctx.Done():
			timer.Stop()
			return err
		}
	}
}
