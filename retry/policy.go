package retry

import (
	"fmt"
	"time"
)

// A Policy is a bounded retry loop: calls with a sleep between them, bounded
// either by MaxAttempts or by a Timeout deadline. The same policy value is
// shared by every retry site (session connect, quiesce, image pull), so the
// sites can't drift apart.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration

	// Timeout, when set, bounds attempts by elapsed time instead of count:
	// the attempt running at the deadline is the last one.
	Timeout time.Duration

	// Backoff, when set, overrides Interval with a per-attempt delay.
	// attempt is zero-based.
	Backoff func(attempt int) time.Duration

	// sleep and now are swapped out in tests.
	sleep func(time.Duration)
	now   func() time.Time
}

func NewPolicy(maxAttempts int, interval time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, Interval: interval, sleep: time.Sleep, now: time.Now}
}

// NewDeadlinePolicy retries every interval until timeout elapses.
func NewDeadlinePolicy(timeout, interval time.Duration) Policy {
	return Policy{Timeout: timeout, Interval: interval, sleep: time.Sleep, now: time.Now}
}

// WithSleep returns a copy of the policy using the given sleep function.
func (p Policy) WithSleep(sleep func(time.Duration)) Policy {
	p.sleep = sleep
	return p
}

// WithNow returns a copy of the policy using the given clock.
func (p Policy) WithNow(now func() time.Time) Policy {
	p.now = now
	return p
}

func (p Policy) delay(attempt int) time.Duration {
	if p.Backoff != nil {
		return p.Backoff(attempt)
	}
	return p.Interval
}

// Do runs f until it returns nil or the budget (MaxAttempts or Timeout) is
// exhausted, sleeping between attempts (but not after the last one). The last
// error is returned.
func (p Policy) Do(f func(attempt int) error) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	if p.Timeout > 0 {
		now := p.now
		if now == nil {
			now = time.Now
		}
		deadline := now().Add(p.Timeout)
		for attempt := 0; ; attempt++ {
			err := f(attempt)
			if err == nil {
				return nil
			}
			if !now().Before(deadline) {
				return fmt.Errorf("giving up after %s: %w", p.Timeout, err)
			}
			sleep(p.delay(attempt))
		}
	}

	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err = f(attempt)
		if err == nil {
			return nil
		}
		if attempt < p.MaxAttempts-1 {
			sleep(p.delay(attempt))
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", p.MaxAttempts, err)
}
