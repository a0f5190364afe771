// Package ratelimit provides the admission control shared by all outbound
// control traffic of one venue connection.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limiter admits at most Operations calls per Window. Grants are spaced
// evenly (Window/Operations apart) so no window of that length ever holds
// more than Operations admissions. Callers are served in the order their
// Acquire reached the limiter.
type Limiter struct {
	limiter    *rate.Limiter
	operations int
	window     time.Duration
}

// New creates a limiter; non-positive arguments fall back to 1 per second.
func New(operations int, window time.Duration) *Limiter {
	if operations <= 0 {
		operations = 1
	}
	if window <= 0 {
		window = time.Second
	}
	interval := window / time.Duration(operations)
	return &Limiter{
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
		operations: operations,
		window:     window,
	}
}

// Acquire blocks until the caller is admitted. The only error is the
// context's, in which case the reserved slot is handed back.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := l.limiter.Reserve()
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

func (l *Limiter) Operations() int       { return l.operations }
func (l *Limiter) Window() time.Duration { return l.window }

func (l *Limiter) String() string {
	return fmt.Sprintf("%d/%s", l.operations, l.window)
}
