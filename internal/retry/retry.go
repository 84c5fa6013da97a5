package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"autobackup/internal/apperr"
)

const (
	DEFAULT_ATTEMPTS = 3
	DEFAULT_DELAY    = 5 * time.Second
)

// Policy 指数退避重试策略：第一次失败后等待 Delay，之后每次翻倍，不加抖动
type Policy struct {
	Attempts  int
	Delay     time.Duration
	Retryable func(error) bool
	OnRetry   func(err error, wait time.Duration)
}

func DefaultPolicy() Policy {
	return Policy{Attempts: DEFAULT_ATTEMPTS, Delay: DEFAULT_DELAY, Retryable: apperr.IsRetryable}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Delay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 24 * time.Hour
	b.MaxElapsedTime = 0
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do 执行 op，可重试的错误按策略重试，其它错误立即返回
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = apperr.IsRetryable
	}
	wrapped := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	var notify backoff.Notify
	if p.OnRetry != nil {
		notify = p.OnRetry
	}
	return backoff.RetryNotify(wrapped, p.backOff(ctx), notify)
}

// DoValue 与 Do 相同，但返回 op 的结果
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
