package storage

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy wraps a Driver with exponential, jittered backoff and a
// hard per-call deadline, per spec.md §4.2. Every other component talks
// to storage.Driver through a RetryPolicy; backends never retry
// themselves.
type RetryPolicy struct {
	inner   Driver
	log     *zap.Logger
	attempts int
	timeout  time.Duration

	// overridable for tests
	sleep func(context.Context, time.Duration)
}

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 8 * time.Second
	jitterFrac  = 0.2
)

// NewRetryPolicy wraps inner with retry/backoff. attempts must be in
// [1,10] and timeout in [5s,300s] per the configuration schema; callers
// are expected to have already validated those bounds.
func NewRetryPolicy(inner Driver, log *zap.Logger, attempts int, timeout time.Duration) *RetryPolicy {
	return &RetryPolicy{
		inner:    inner,
		log:      log,
		attempts: attempts,
		timeout:  timeout,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func backoffDelay(attempt int) time.Duration {
	d := backoffBase << uint(attempt)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := time.Duration(float64(d) * jitterFrac * (2*rand.Float64() - 1))
	d += jitter
	if d < 0 {
		d = 0
	}
	return d
}

func (p *RetryPolicy) do(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retriable(err) {
			return err
		}
		if attempt == p.attempts-1 {
			break
		}
		p.log.Warn("storage call retrying",
			zap.String("op", op), zap.String("key", key),
			zap.Int("attempt", attempt+1), zap.Error(err))
		p.sleep(ctx, backoffDelay(attempt))
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}

func (p *RetryPolicy) Put(ctx context.Context, key string, data []byte, overwrite bool) error {
	return p.do(ctx, "put", key, func(c context.Context) error {
		return p.inner.Put(c, key, data, overwrite)
	})
}

func (p *RetryPolicy) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := p.do(ctx, "get", key, func(c context.Context) error {
		var innerErr error
		out, innerErr = p.inner.Get(c, key)
		return innerErr
	})
	return out, err
}

func (p *RetryPolicy) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := p.do(ctx, "list", prefix, func(c context.Context) error {
		var innerErr error
		out, innerErr = p.inner.List(c, prefix)
		return innerErr
	})
	return out, err
}

func (p *RetryPolicy) Delete(ctx context.Context, key string) error {
	return p.do(ctx, "delete", key, func(c context.Context) error {
		return p.inner.Delete(c, key)
	})
}

var _ Driver = (*RetryPolicy)(nil)
