// Package stub 模拟远端托管沙箱。它不感知 context 超时，
// 由注册表的看门狗负责限制执行时长。
package stub

import (
	"context"
	"fmt"
	"time"

	"SynthralOS/internal/runtime"
)

// FailOption 为 true 时模拟一次执行失败。
const FailOption = "simulateFailure"

// Adapter 回显代码摘要，用于联调与演示环境。
type Adapter struct {
	name    string
	caps    runtime.Capabilities
	latency time.Duration
	sleep   func(time.Duration)
}

// New 构建模拟运行时。
func New(def runtime.Definition) (runtime.Adapter, error) {
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	languages := def.Languages
	if len(languages) == 0 {
		languages = []string{"python", "javascript"}
	}
	maxConcurrent := 10
	if def.Concurrency > 0 {
		maxConcurrent = def.Concurrency
	}
	return &Adapter{
		name: def.Name,
		caps: runtime.Capabilities{
			SupportedLanguages:       languages,
			Persistence:              true,
			Sandboxed:                true,
			MaxExecutionTime:         timeout.Milliseconds(),
			MaxMemory:                def.MaxMemoryMB,
			SupportsPackages:         true,
			SupportedPackageManagers: []string{"pip", "npm"},
			SupportsStreaming:        true,
			SupportsFileIO:           true,
			SupportsNetworkAccess:    def.Network,
			SupportsConcurrency:      true,
			MaxConcurrentExecutions:  &maxConcurrent,
		},
		latency: def.Latency,
		sleep:   time.Sleep,
	}, nil
}

func (a *Adapter) Capabilities() runtime.Capabilities { return a.caps.Clone() }

func (a *Adapter) Execute(_ context.Context, code string, cfg runtime.ExecutionConfig) runtime.ExecutionResult {
	start := time.Now()
	if a.latency > 0 {
		a.sleep(a.latency)
	}
	if fail, _ := cfg.Options[FailOption].(bool); fail {
		return runtime.Failed("simulated sandbox failure", time.Since(start))
	}
	language := cfg.Language
	if language == "" {
		language = a.caps.SupportedLanguages[0]
	}
	out := fmt.Sprintf("[%s] executed %d bytes of %s\n", a.name, len(code), language)
	return runtime.Succeeded(out, time.Since(start))
}

func (a *Adapter) Cleanup(context.Context) error { return nil }
