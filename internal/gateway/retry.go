package gateway

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds in-call retries of retryable gateway failures.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// Retry runs op until it succeeds, fails with a non-retryable error, or the
// policy is exhausted. The last error is returned unchanged.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	tries := policy.MaxRetries + 1
	if tries < 1 {
		tries = 1
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(policy.backOff()), backoff.WithMaxTries(uint(tries)))
}

type retryingClient struct {
	Client
	policy RetryPolicy
}

// WithRetry wraps a client so every call retries retryable failures.
// Creates are safe to retry because they carry an idempotency key.
func WithRetry(c Client, policy RetryPolicy) Client {
	if policy.MaxRetries <= 0 {
		return c
	}
	return &retryingClient{Client: c, policy: policy}
}

func (c *retryingClient) CreatePaymentSession(ctx context.Context, req PaymentSessionRequest, key string) (*Session, error) {
	return Retry(ctx, c.policy, func(ctx context.Context) (*Session, error) {
		return c.Client.CreatePaymentSession(ctx, req, key)
	})
}

func (c *retryingClient) GetPaymentSession(ctx context.Context, id string) (*Session, error) {
	return Retry(ctx, c.policy, func(ctx context.Context) (*Session, error) {
		return c.Client.GetPaymentSession(ctx, id)
	})
}

func (c *retryingClient) CreatePayoutSession(ctx context.Context, req PayoutSessionRequest, key string) (*Session, error) {
	return Retry(ctx, c.policy, func(ctx context.Context) (*Session, error) {
		return c.Client.CreatePayoutSession(ctx, req, key)
	})
}

func (c *retryingClient) GetPayoutSession(ctx context.Context, id string) (*Session, error) {
	return Retry(ctx, c.policy, func(ctx context.Context) (*Session, error) {
		return c.Client.GetPayoutSession(ctx, id)
	})
}
