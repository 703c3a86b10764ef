package task

import (
	"log/slog"

	"SynthralOS/internal/clock"
	"SynthralOS/internal/observability/alerting"
)

const (
	defaultWorkers     = 4
	defaultArchiveSize = 1024
)

// Option 自定义 LocalQueue 与 DurableQueue。
type Option func(*options)

type options struct {
	retry       RetryConfig
	clock       clock.Clock
	workers     int
	archiveSize int
	alerter     alerting.Dispatcher
	logger      *slog.Logger
}

// WithRetryConfig 指定重试策略。
func WithRetryConfig(cfg RetryConfig) Option {
	return func(o *options) {
		o.retry = cfg
	}
}

// WithClock 替换调度使用的时钟，测试中配合 clock.Fake 推进时间。
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithWorkerCount 设置并发处理作业的协程数量。
func WithWorkerCount(workers int) Option {
	return func(o *options) {
		if workers > 0 {
			o.workers = workers
		}
	}
}

// WithArchiveSize 设置 LocalQueue 保留的终态作业数量上限。
func WithArchiveSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.archiveSize = size
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(o *options) {
		o.alerter = dispatcher
	}
}

// WithLogger 指定日志输出。
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		retry:       DefaultRetryConfig(),
		clock:       clock.Real{},
		workers:     defaultWorkers,
		archiveSize: defaultArchiveSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
