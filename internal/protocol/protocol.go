package protocol

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"SynthralOS/internal/runtime"
	"SynthralOS/internal/task"
)

// 识别的作业选项键。
const (
	OptionLanguage  = "language"
	OptionTimeoutMS = "timeout_ms"
	OptionStdin     = "stdin"
	OptionEnv       = "env"
	OptionPackages  = "packages"
)

// RuntimePrefix 是运行时协议名的前缀，例如 runtime:sandbox。
const RuntimePrefix = "runtime:"

// Executor 是 runtime.Registry 中协议处理器所需的部分。
type Executor interface {
	ExecuteCode(ctx context.Context, name, code string, cfg runtime.ExecutionConfig) (runtime.ExecutionResult, error)
}

// RuntimeName 返回指定运行时对应的协议名。
func RuntimeName(runtimeName string) string {
	return RuntimePrefix + runtimeName
}

// Runtime 返回把作业内容当作代码在指定运行时中执行的处理器。
// 执行结果的 Success 决定本次尝试是否成功；运行时不存在时返回 error。
func Runtime(exec Executor, runtimeName string) task.ProtocolHandler {
	return task.HandlerFunc(func(ctx context.Context, payload task.Payload) (task.HandlerResult, error) {
		cfg, err := executionConfig(payload.Options)
		if err != nil {
			return task.HandlerResult{}, err
		}
		res, err := exec.ExecuteCode(ctx, runtimeName, payload.Task, cfg)
		if err != nil {
			return task.HandlerResult{}, err
		}
		if !res.Success {
			return task.HandlerResult{Success: false, Data: res, Error: res.Error}, nil
		}
		return task.HandlerResult{Success: true, Data: res}, nil
	})
}

// Echo 原样返回作业内容，用于联调与冒烟测试。
func Echo() task.ProtocolHandler {
	return task.HandlerFunc(func(_ context.Context, payload task.Payload) (task.HandlerResult, error) {
		return task.HandlerResult{
			Success: true,
			Data: map[string]any{
				"output":  payload.Task,
				"attempt": payload.Attempt,
			},
		}, nil
	})
}

// RegisterRuntimes 为注册表中的每个运行时注册 runtime:<name> 协议，并注册 echo。
func RegisterRuntimes(handlers *task.Handlers, registry *runtime.Registry) []string {
	names := make([]string, 0)
	for _, info := range registry.ListRuntimes() {
		name := RuntimeName(info.Name)
		handlers.Register(name, Runtime(registry, info.Name))
		names = append(names, name)
	}
	handlers.Register("echo", Echo())
	return append(names, "echo")
}

func executionConfig(options map[string]any) (runtime.ExecutionConfig, error) {
	var cfg runtime.ExecutionConfig
	if len(options) == 0 {
		return cfg, nil
	}
	if v, ok := options[OptionLanguage]; ok {
		s, ok := v.(string)
		if !ok {
			return cfg, fmt.Errorf("option %s must be a string", OptionLanguage)
		}
		cfg.Language = strings.TrimSpace(s)
	}
	if v, ok := options[OptionTimeoutMS]; ok {
		ms, err := toInt64(v)
		if err != nil || ms < 0 {
			return cfg, fmt.Errorf("option %s must be a non-negative integer", OptionTimeoutMS)
		}
		cfg.Timeout = time.Duration(ms) * time.Millisecond
	}
	if v, ok := options[OptionStdin].(string); ok {
		cfg.Stdin = v
	}
	if raw, ok := options[OptionEnv].(map[string]any); ok {
		cfg.Env = make(map[string]string, len(raw))
		for k, v := range raw {
			cfg.Env[k] = fmt.Sprint(v)
		}
	}
	if raw, ok := options[OptionPackages].([]any); ok {
		for _, p := range raw {
			if s, ok := p.(string); ok && s != "" {
				cfg.Packages = append(cfg.Packages, s)
			}
		}
	}
	cfg.Options = options
	return cfg, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int64(n), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
