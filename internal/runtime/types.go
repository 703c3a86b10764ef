// Package runtime 定义执行后端的能力模型、适配器契约以及负责分发的注册表。
package runtime

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Kind 标识适配器的实现类别，用于按类别构建适配器。
type Kind string

const (
	KindShell     Kind = "shell"
	KindProcess   Kind = "process"
	KindContainer Kind = "container"
	KindStub      Kind = "stub"
)

// ParseKind 解析配置中的适配器类别。
func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindShell, KindProcess, KindContainer, KindStub:
		return k, nil
	default:
		return "", fmt.Errorf("unknown runtime kind %q", raw)
	}
}

// Capabilities 描述一个运行时声明的能力与资源上限，构造后不可变。
type Capabilities struct {
	SupportedLanguages       []string `json:"supportedLanguages"`
	Persistence              bool     `json:"persistence"`
	Sandboxed                bool     `json:"sandboxed"`
	MaxExecutionTime         int64    `json:"maxExecutionTime"`
	MaxMemory                int64    `json:"maxMemory"`
	SupportsPackages         bool     `json:"supportsPackages"`
	SupportedPackageManagers []string `json:"supportedPackageManagers"`
	SupportsStreaming        bool     `json:"supportsStreaming"`
	SupportsFileIO           bool     `json:"supportsFileIO"`
	SupportsNetworkAccess    bool     `json:"supportsNetworkAccess"`
	SupportsConcurrency      bool     `json:"supportsConcurrency"`
	MaxConcurrentExecutions  *int     `json:"maxConcurrentExecutions,omitempty"`
	// SelfEnforcesTimeout 为 false 时注册表会为适配器套上宿主侧看门狗。
	SelfEnforcesTimeout bool `json:"selfEnforcesTimeout"`
}

// Clone 返回深拷贝，调用方对返回值的修改不会影响适配器声明。
func (c Capabilities) Clone() Capabilities {
	out := c
	out.SupportedLanguages = slices.Clone(c.SupportedLanguages)
	out.SupportedPackageManagers = slices.Clone(c.SupportedPackageManagers)
	if c.MaxConcurrentExecutions != nil {
		n := *c.MaxConcurrentExecutions
		out.MaxConcurrentExecutions = &n
	}
	return out
}

// SupportsLanguage 判断语言是否被支持，比较时忽略大小写。
func (c Capabilities) SupportsLanguage(language string) bool {
	for _, l := range c.SupportedLanguages {
		if strings.EqualFold(l, language) {
			return true
		}
	}
	return false
}

// Timeout 返回声明的最大执行时长。
func (c Capabilities) Timeout() time.Duration {
	return time.Duration(c.MaxExecutionTime) * time.Millisecond
}

// ExecutionResult 是一次执行的归一化结果。
// Success 为 false 时 Output 为空且 Error 非空；Success 为 true 时 Error 为空。
type ExecutionResult struct {
	Success       bool   `json:"success"`
	Output        string `json:"output"`
	Error         string `json:"error,omitempty"`
	ExecutionTime int64  `json:"executionTime"`
	MemoryUsage   *int64 `json:"memoryUsage,omitempty"`
}

// Succeeded 构造成功结果。
func Succeeded(output string, elapsed time.Duration) ExecutionResult {
	return ExecutionResult{Success: true, Output: output, ExecutionTime: elapsed.Milliseconds()}
}

// Failed 构造失败结果，空消息会被替换为通用描述以维持结果不变式。
func Failed(message string, elapsed time.Duration) ExecutionResult {
	message = strings.TrimSpace(message)
	if message == "" {
		message = "execution failed"
	}
	return ExecutionResult{Success: false, Error: message, ExecutionTime: elapsed.Milliseconds()}
}

// normalize 修正违反不变式的适配器结果。
func (r ExecutionResult) normalize() ExecutionResult {
	if r.Success {
		r.Error = ""
		return r
	}
	if strings.TrimSpace(r.Error) == "" {
		r.Error = "execution failed"
	}
	r.Output = ""
	return r
}

// ExecutionConfig 是单次执行的参数。
type ExecutionConfig struct {
	Language string            `json:"language,omitempty"`
	Timeout  time.Duration     `json:"-"`
	Env      map[string]string `json:"env,omitempty"`
	Stdin    string            `json:"stdin,omitempty"`
	Packages []string          `json:"packages,omitempty"`
	Options  map[string]any    `json:"options,omitempty"`
}

// Adapter 是所有执行后端必须满足的契约。
//
// Execute 不允许返回 error：执行失败、超时与代码内部异常都以
// Success=false 的 ExecutionResult 返回。Cleanup 必须幂等。
type Adapter interface {
	Capabilities() Capabilities
	Execute(ctx context.Context, code string, cfg ExecutionConfig) ExecutionResult
	Cleanup(ctx context.Context) error
}

// Definition 描述注册表初始化时要构建的一个运行时。
type Definition struct {
	Name            string
	Kind            Kind
	Languages       []string
	Timeout         time.Duration
	MaxMemoryMB     int64
	Concurrency     int
	Image           string
	Binary          string
	Interpreters    map[string][]string
	Network         bool
	Env             map[string]string
	AllowedCommands []string
	Latency         time.Duration
}

// Builder 根据定义构建适配器。
type Builder func(Definition) (Adapter, error)

// Info 是 ListRuntimes 的条目。
type Info struct {
	Name         string       `json:"name"`
	Kind         Kind         `json:"kind,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}
