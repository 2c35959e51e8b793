// Package retry 带退避的重试，用于外部依赖（消息队列、数据库）的连接建立。
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Strategy 退避策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"       // 固定间隔
	StrategyLinear      Strategy = "linear"      // initial * attempt
	StrategyExponential Strategy = "exponential" // initial * 2^(attempt-1)
)

// Policy 重试参数
type Policy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	Strategy Strategy
}

// DefaultPolicy 5 次，1s 起指数退避，最长 30s
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 5,
		Initial:  time.Second,
		Max:      30 * time.Second,
		Strategy: StrategyExponential,
	}
}

// Delay 第 attempt 次失败后的等待时间（attempt 从 1 开始）
func (p Policy) Delay(attempt int) time.Duration {
	var d time.Duration
	switch p.Strategy {
	case StrategyLinear:
		d = p.Initial * time.Duration(attempt)
	case StrategyExponential:
		d = p.Initial
		for i := 1; i < attempt && (p.Max <= 0 || d < p.Max); i++ {
			d *= 2
		}
	default:
		d = p.Initial
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记不应重试的错误
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 错误是否被标记为不可重试，或来自上下文取消
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Do 执行 fn 直到成功、遇到不可重试错误、次数用尽或 ctx 结束
func Do(ctx context.Context, p Policy, logger *logrus.Logger, op string, fn func(ctx context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", op, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				logger.WithFields(logrus.Fields{
					"op":      op,
					"attempt": attempt,
				}).Info("Operation succeeded after retry")
			}
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if attempt == p.Attempts {
			break
		}

		wait := p.Delay(attempt)
		logger.WithError(lastErr).WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"max":     p.Attempts,
			"wait":    wait.String(),
		}).Warn("Operation failed, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during wait: %w", op, ctx.Err())
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("%s: max attempts (%d) reached: %w", op, p.Attempts, lastErr)
}
