// Package retry provides the uniform retry-with-backoff combinator used by
// every background service in the bridge, built on backoff/v4 so no service
// carries its own hand-rolled delay table.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures a bounded or unbounded exponential backoff with jitter.
type Policy struct {
	Min        time.Duration
	Max        time.Duration
	MaxRetries uint64 // 0 means unbounded
}

// DeviceRegistrationPolicy is min 1s, max 20min, unbounded attempts.
var DeviceRegistrationPolicy = Policy{Min: time.Second, Max: 20 * time.Minute}

// BackupPolicy is the backup service's retry: min 1s, max 20min, unbounded
// attempts. Like every Policy it backs off exponentially; there is no
// fibonacci schedule.
var BackupPolicy = Policy{Min: time.Second, Max: 20 * time.Minute}

func (p Policy) build() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Min
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = 500 * time.Millisecond
	}
	eb.MaxInterval = p.Max
	eb.MaxElapsedTime = 0 // caller decides bound via context or MaxRetries
	var b backoff.BackOff = eb
	if p.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, p.MaxRetries)
	}
	return b
}

// Do runs fn under the given policy until it returns nil, ctx is canceled, or
// (for bounded policies) retries are exhausted. name is used only for
// logging. Transient vs. structural failures are the caller's concern: fn
// should return a non-retryable error wrapped so the caller can detect it
// and break out by returning nil after logging, since Do itself always
// retries on a non-nil error.
func Do(ctx context.Context, name string, policy Policy, logger *slog.Logger, fn func(context.Context) error) error {
	b := backoff.WithContext(policy.build(), ctx)
	attempt := 0
	op := func() error {
		attempt++
		err := fn(ctx)
		if err != nil && logger != nil {
			logger.Warn("retrying operation",
				slog.String("operation", name),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
		return err
	}
	return backoff.Retry(op, b)
}

// Sleep blocks for d or until ctx is canceled, returning ctx.Err() in the
// latter case. Every service loop uses this instead of a bare time.Sleep so
// a sleeping service still observes cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
