package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"reminderd/internal/reminder"
	logx "reminderd/pkg/logx"
)

// Multi delivers to every sink and fails if any of them fails.
type Multi []reminder.Notifier

func (m Multi) Notify(ctx context.Context, d reminder.Delivery) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Limited gates deliveries through a token bucket.
type Limited struct {
	next reminder.Notifier
	lim  *rate.Limiter
}

// NewLimited allows perSec deliveries per second with an equal burst.
// perSec <= 0 means unlimited.
func NewLimited(next reminder.Notifier, perSec int) *Limited {
	l := &Limited{next: next, lim: rate.NewLimiter(rate.Inf, 1)}
	l.SetRate(perSec)
	return l
}

func (l *Limited) SetRate(perSec int) {
	if perSec <= 0 {
		l.lim.SetLimit(rate.Inf)
		return
	}
	l.lim.SetLimit(rate.Limit(perSec))
	l.lim.SetBurst(perSec)
}

func (l *Limited) Notify(ctx context.Context, d reminder.Delivery) error {
	if err := l.lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return l.next.Notify(ctx, d)
}

// Retrying re-attempts a failed delivery with jittered exponential backoff.
type Retrying struct {
	next     reminder.Notifier
	retryMax int
	base     time.Duration
	maxDelay time.Duration
	log      logx.Logger
}

func NewRetrying(next reminder.Notifier, retryMax int, base, maxDelay time.Duration, log logx.Logger) *Retrying {
	if retryMax < 0 {
		retryMax = 0
	}
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Retrying{next: next, retryMax: retryMax, base: base, maxDelay: maxDelay, log: log}
}

func (r *Retrying) Notify(ctx context.Context, d reminder.Delivery) error {
	maxAttempts := 1 + r.retryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = r.next.Notify(ctx, d)
		if lastErr == nil {
			return nil
		}
		if attempt >= maxAttempts {
			break
		}
		delay := backoff(r.base, r.maxDelay, attempt)
		r.log.Debug("delivery attempt failed",
			logx.String("task_id", d.TaskID),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Duration("delay", delay),
			logx.Err(lastErr),
		)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return errors.Join(lastErr, ctx.Err())
		}
	}
	return lastErr
}

// backoff returns the delay before the attempt after attempt (1-based):
// base * 2^(attempt-1) with 0.7..1.3 jitter, capped at maxD.
func backoff(base, maxD time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > maxD {
		d = maxD
	}
	if d < 0 {
		return 0
	}
	return d
}
