package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/streamrelay/internal/reliability"
)

type retryClient struct {
	next     Client
	attempts int
	base     time.Duration
	cap      time.Duration
}

// WithRetry reopens a stream after retryable start failures (rate limits,
// upstream 5xx, transport errors) with capped exponential backoff. Failures
// after the stream started are never retried.
func WithRetry(next Client, retries int, base, cap time.Duration) Client {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if cap <= 0 {
		cap = 4 * time.Second
	}
	return &retryClient{next: next, attempts: retries + 1, base: base, cap: cap}
}

func (c *retryClient) Open(ctx context.Context, req Request) (Stream, error) {
	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, c.base, c.cap)
			log.Warn().Err(lastErr).Int("attempt", attempt).Dur("backoff", wait).Msg("retrying upstream start")
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, &StartError{Err: ctx.Err()}
			case <-t.C:
			}
		}

		stream, err := c.next.Open(ctx, req)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func retryable(err error) bool {
	var se *StartError
	if !errors.As(err, &se) {
		return false
	}
	if errors.Is(se.Err, context.Canceled) || errors.Is(se.Err, context.DeadlineExceeded) {
		return false
	}
	if se.StatusCode == 0 {
		return reliability.IsRetryableTransportError(se.Err)
	}
	return reliability.IsRetryableHTTPStatus(se.StatusCode)
}
