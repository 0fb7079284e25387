package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Policy 描述指数退避重试策略，MaxAttempts 为总尝试次数（含首次）。
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Factor         float64
}

// DefaultPolicy 返回 3 次尝试、1s 起步、倍数 2 的策略。
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Factor:         2,
	}
}

// Delay 返回第 attempt 次失败后的等待时长（attempt 从 1 开始）：initial * factor^(attempt-1)。
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	delay := float64(p.InitialBackoff) * math.Pow(factor, float64(attempt-1))
	if p.MaxBackoff > 0 && delay > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(delay)
}

// Classifier 判断错误是否值得重试。
type Classifier func(error) bool

// Sleeper 等待指定时长，ctx 取消时提前返回错误。
type Sleeper func(ctx context.Context, d time.Duration) error

// Retrier 封装策略、分类器与等待函数，便于在测试中替换等待实现。
type Retrier struct {
	policy    Policy
	retryable Classifier
	sleep     Sleeper
	onRetry   func(attempt int, delay time.Duration, err error)
}

// Option 调整 Retrier 行为。
type Option func(*Retrier)

// WithSleeper 替换等待实现。
func WithSleeper(s Sleeper) Option {
	return func(r *Retrier) {
		if s != nil {
			r.sleep = s
		}
	}
}

// WithOnRetry 注册每次重试前的回调，通常用于记录日志。
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(r *Retrier) {
		r.onRetry = fn
	}
}

// New 创建 Retrier。
func New(policy Policy, retryable Classifier, opts ...Option) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	r := &Retrier{
		policy:    policy,
		retryable: retryable,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do 执行 fn，直到成功、遇到不可重试错误或尝试次数耗尽。
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if r.retryable == nil || !r.retryable(err) {
			return err
		}
		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.policy.Delay(attempt)
		if r.onRetry != nil {
			r.onRetry(attempt, delay, err)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}
	}
	return &ExhaustedError{Attempts: r.policy.MaxAttempts, Err: lastErr}
}

// ExhaustedError 表示重试次数耗尽。
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("max attempts exceeded (%d): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
