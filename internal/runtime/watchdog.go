package runtime

import (
	"context"
	"fmt"
	"time"
)

// watchdog 为不自行执行超时的适配器提供宿主侧超时。
// 超时后立即返回失败结果并取消传给内部适配器的 context；内部调用在后台结束。
type watchdog struct {
	inner Adapter
	now   func() time.Time
}

func withWatchdog(inner Adapter) Adapter {
	return &watchdog{inner: inner, now: time.Now}
}

func (w *watchdog) Capabilities() Capabilities { return w.inner.Capabilities() }

func (w *watchdog) Cleanup(ctx context.Context) error { return w.inner.Cleanup(ctx) }

func (w *watchdog) Execute(ctx context.Context, code string, cfg ExecutionConfig) ExecutionResult {
	if cfg.Timeout <= 0 {
		return w.inner.Execute(ctx, code, cfg)
	}
	start := w.now()
	runCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	done := make(chan ExecutionResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Failed(fmt.Sprintf("runtime panic: %v", r), 0)
			}
		}()
		done <- w.inner.Execute(runCtx, code, cfg)
	}()

	select {
	case res := <-done:
		return res
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return Failed("execution cancelled", w.now().Sub(start))
		}
		return Failed(fmt.Sprintf("execution timed out after %s", cfg.Timeout), w.now().Sub(start))
	}
}
