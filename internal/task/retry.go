package task

import (
	"fmt"
	"math"
	"strings"
	"time"

	xerrors "SynthralOS/internal/errors"
)

// Strategy 决定两次尝试之间的退避公式。
type Strategy string

const (
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
	StrategyFixed       Strategy = "fixed"
)

// ParseStrategy 解析配置中的策略名，空字符串视为 exponential。
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyExponential:
		return StrategyExponential, nil
	case StrategyLinear:
		return StrategyLinear, nil
	case StrategyFixed:
		return StrategyFixed, nil
	}
	return "", xerrors.New(xerrors.CodeValidation, fmt.Sprintf("unknown retry strategy %q", s))
}

// RetryConfig 描述作业的重试与协议降级策略。
type RetryConfig struct {
	Strategy          Strategy
	MaxAttempts       int
	BaseDelay         time.Duration
	FallbackProtocols []string
}

// DefaultRetryConfig 返回默认策略：指数退避，最多 3 次，基础延迟 1 秒。
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Strategy:    StrategyExponential,
		MaxAttempts: 3,
		BaseDelay:   time.Second,
	}
}

// Validate 检查配置是否合法。
func (c RetryConfig) Validate() error {
	switch c.Strategy {
	case StrategyLinear, StrategyExponential, StrategyFixed:
	default:
		return xerrors.New(xerrors.CodeValidation, fmt.Sprintf("unknown retry strategy %q", c.Strategy))
	}
	if c.MaxAttempts < 1 {
		return xerrors.New(xerrors.CodeValidation, "max attempts must be at least 1")
	}
	if c.BaseDelay < 0 {
		return xerrors.New(xerrors.CodeValidation, "base delay must not be negative")
	}
	for _, p := range c.FallbackProtocols {
		if strings.TrimSpace(p) == "" {
			return xerrors.New(xerrors.CodeValidation, "fallback protocol name must not be empty")
		}
	}
	return nil
}

// Delay 返回第 attempts 次失败后的等待时长。
func (c RetryConfig) Delay(attempts int) time.Duration {
	if attempts < 1 || c.BaseDelay <= 0 {
		return 0
	}
	switch c.Strategy {
	case StrategyLinear:
		if int64(attempts) > math.MaxInt64/int64(c.BaseDelay) {
			return time.Duration(math.MaxInt64)
		}
		return c.BaseDelay * time.Duration(attempts)
	case StrategyFixed:
		return c.BaseDelay
	default:
		shift := attempts - 1
		if shift >= 62 || c.BaseDelay > time.Duration(math.MaxInt64>>uint(shift)) {
			return time.Duration(math.MaxInt64)
		}
		return c.BaseDelay << uint(shift)
	}
}

// protocols 组装协议链：主协议在前，随后是降级协议。
func (c RetryConfig) protocols(primary string) []string {
	out := make([]string, 0, 1+len(c.FallbackProtocols))
	out = append(out, primary)
	return append(out, c.FallbackProtocols...)
}

// step 描述一次失败之后的调度决定。
type step struct {
	terminal      bool
	protocolIndex int
	delay         time.Duration
}

// nextStep 在一次失败尝试后决定下一步。尝试次数用尽时进入终态；
// 否则协议链还有后继时前移一位，没有则沿用当前协议。索引只前移不回绕。
func (c RetryConfig) nextStep(job *Job) step {
	if job.Attempts >= job.MaxAttempts {
		return step{terminal: true, protocolIndex: job.CurrentProtocolIndex}
	}
	idx := job.CurrentProtocolIndex
	if idx+1 < len(job.Protocols) {
		idx++
	}
	return step{protocolIndex: idx, delay: c.Delay(job.Attempts)}
}
