// Package backoff retries outbound calls with exponential delays.
package backoff

import (
	"context"
	"time"
)

const DefaultBase = 400 * time.Millisecond

type Policy struct {
	MaxRetries int
	Base       time.Duration
}

func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	return p
}

// Do runs call until it succeeds, reports a permanent failure, or the retry
// budget is spent. The delay before attempt n+1 is Base * 2^n.
func Do[T any](ctx context.Context, p Policy, call func(ctx context.Context) (T, bool, error)) (T, error) {
	p = p.normalized()

	var zero T
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		out, retry, err := call(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !retry || attempt == p.MaxRetries || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(p.Base * (1 << attempt)):
		}
	}
	return zero, lastErr
}
