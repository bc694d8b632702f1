// Package retry provides bounded exponential-backoff retry for provider calls.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Policy defines retry behavior for failed operations. MaxRetries is the
// total number of attempts, so MaxRetries=1 means no retry at all.
type Policy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
}

// Do invokes op until it succeeds or MaxRetries attempts are exhausted,
// sleeping the current delay between attempts and multiplying it by
// BackoffFactor each time. The last error is always propagated to the
// caller; a canceled context aborts the wait and returns immediately.
func (p Policy) Do(ctx context.Context, name string, op func() error) error {
	attempts := p.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	delay := p.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		logrus.WithFields(logrus.Fields{
			"operation": name,
			"attempt":   attempt,
			"max":       attempts,
		}).Warnf("retrying after error: %v", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s aborted: %w (last error: %v)", name, ctx.Err(), lastErr)
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * p.BackoffFactor)
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, attempts, lastErr)
}
