package retry

import (
	"context"
	"time"

	"github.com/example/meshgate/internal/config"
)

// Schedule computes the delay before each retry attempt under a rule's
// retry policy.
type Schedule struct {
	Policy     string
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// NewSchedule creates a schedule; zero Backoff defaults to 100ms and
// zero MaxBackoff to 10s.
func NewSchedule(policy string, backoff time.Duration) Schedule {
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	return Schedule{
		Policy:     policy,
		Backoff:    backoff,
		MaxBackoff: 10 * time.Second,
	}
}

// Delay returns the pause before retry attempt n (1-based). Fixed
// policy returns the base backoff; exponential doubles per attempt,
// capped at MaxBackoff.
func (s Schedule) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.Backoff
	if s.Policy == config.RetryExponential {
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= s.MaxBackoff {
				return s.MaxBackoff
			}
		}
	}
	if s.MaxBackoff > 0 && d > s.MaxBackoff {
		d = s.MaxBackoff
	}
	return d
}

// Wait sleeps the delay for the given attempt, honoring cancellation.
func (s Schedule) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(s.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
