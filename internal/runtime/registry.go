package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	xerrors "SynthralOS/internal/errors"
	"SynthralOS/internal/observability/metrics"
	"SynthralOS/internal/observability/tracing"
	"SynthralOS/pkg/logger"
)

// ErrRuntimeNotFound 表示请求的运行时未注册。
var ErrRuntimeNotFound = xerrors.New(xerrors.CodeNotFound, "runtime not found")

type entry struct {
	adapter Adapter
	kind    Kind
	caps    Capabilities
	slots   chan struct{}
}

// Registry 持有命名适配器并负责路由执行请求。
// 适配器表在初始化后以读为主，读写均由 RWMutex 保护。
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]*entry

	definitions []Definition
	builders    map[Kind]Builder

	initOnce sync.Once
	initErr  error
	ready    atomic.Bool

	log *slog.Logger
}

// Option 自定义注册表。
type Option func(*Registry)

// WithDefinitions 指定 Initialize 时构建的运行时。
func WithDefinitions(defs ...Definition) Option {
	return func(r *Registry) {
		r.definitions = append(r.definitions, defs...)
	}
}

// WithBuilder 为某个适配器类别注册构建函数。
func WithBuilder(kind Kind, b Builder) Option {
	return func(r *Registry) {
		if b != nil {
			r.builders[kind] = b
		}
	}
}

// WithLogger 替换默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRegistry 构造一个空注册表，调用 Initialize 之前不会构建任何适配器。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		runtimes: make(map[string]*entry),
		builders: make(map[Kind]Builder),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.log == nil {
		r.log = logger.Named("runtime")
	}
	return r
}

// Initialize 构建全部已定义的运行时，仅执行一次；后续调用返回首次的结果。
func (r *Registry) Initialize(ctx context.Context) error {
	r.initOnce.Do(func() {
		r.initErr = r.initialize(ctx)
		if r.initErr == nil {
			r.ready.Store(true)
		}
	})
	return r.initErr
}

func (r *Registry) initialize(ctx context.Context) error {
	var built []string
	for _, def := range r.definitions {
		if def.Name == "" {
			return r.abortInit(ctx, built, xerrors.New(xerrors.CodeInitializationFailure, "runtime definition without name"))
		}
		builder, ok := r.builders[def.Kind]
		if !ok {
			return r.abortInit(ctx, built, xerrors.New(xerrors.CodeInitializationFailure,
				fmt.Sprintf("no builder for runtime kind %q", def.Kind)))
		}
		adapter, err := builder(def)
		if err != nil {
			return r.abortInit(ctx, built, xerrors.Wrap(xerrors.CodeInitializationFailure, err,
				fmt.Sprintf("build runtime %s", def.Name)))
		}
		if r.register(def.Name, def.Kind, adapter) {
			built = append(built, def.Name)
		}
	}
	r.log.Info("runtime registry initialised", "runtimes", len(r.ListRuntimes()))
	return nil
}

// abortInit 清理已构建的适配器并返回 cause。
func (r *Registry) abortInit(ctx context.Context, built []string, cause error) error {
	r.mu.Lock()
	victims := make([]*entry, 0, len(built))
	for _, name := range built {
		if e, ok := r.runtimes[name]; ok {
			victims = append(victims, e)
			delete(r.runtimes, name)
		}
	}
	r.mu.Unlock()
	for _, e := range victims {
		_ = e.adapter.Cleanup(ctx)
	}
	r.log.Error("runtime registry initialisation failed", "error", cause)
	return cause
}

// Ready 报告 Initialize 是否已成功完成。
func (r *Registry) Ready() bool {
	return r.ready.Load()
}

// RegisterRuntime 注册适配器。名称已存在时不做任何修改并返回 false。
func (r *Registry) RegisterRuntime(name string, adapter Adapter) bool {
	return r.register(name, "", adapter)
}

func (r *Registry) register(name string, kind Kind, adapter Adapter) bool {
	if name == "" || adapter == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runtimes[name]; exists {
		r.log.Debug("runtime already registered", "runtime", name)
		return false
	}
	caps := adapter.Capabilities().Clone()
	e := &entry{adapter: adapter, kind: kind, caps: caps}
	if !caps.SelfEnforcesTimeout {
		e.adapter = withWatchdog(adapter)
	}
	if n := caps.MaxConcurrentExecutions; n != nil && *n > 0 {
		e.slots = make(chan struct{}, *n)
	}
	r.runtimes[name] = e
	return true
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.runtimes[name]
	return e, ok
}

// Get 返回指定运行时的能力声明。
func (r *Registry) Get(name string) (Info, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return Info{}, false
	}
	return Info{Name: name, Kind: e.kind, Capabilities: e.caps.Clone()}, true
}

// ListRuntimes 按名称排序返回全部运行时。
func (r *Registry) ListRuntimes() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.runtimes))
	for name, e := range r.runtimes {
		out = append(out, Info{Name: name, Kind: e.kind, Capabilities: e.caps.Clone()})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ExecuteCode 在指定运行时中执行代码。
// 只有运行时不存在时返回 error，其余失败都以 ExecutionResult 返回。
func (r *Registry) ExecuteCode(ctx context.Context, name, code string, cfg ExecutionConfig) (ExecutionResult, error) {
	e, ok := r.lookup(name)
	if !ok {
		return ExecutionResult{}, xerrors.Wrap(xerrors.CodeNotFound, ErrRuntimeNotFound,
			fmt.Sprintf("runtime %q not found", name), xerrors.WithMetadata("runtime", name))
	}

	ctx, span := tracing.Start(ctx, "runtime.execute",
		attribute.String("runtime.name", name),
		attribute.String("runtime.language", cfg.Language))
	defer span.End()

	start := time.Now()
	res, outcome := r.dispatch(ctx, e, code, r.resolveConfig(e.caps, cfg))
	metrics.ObserveExecution(name, outcome, time.Since(start))
	if !res.Success {
		tracing.Fail(span, res.Error)
		r.log.Debug("execution failed", "runtime", name, "outcome", outcome, "error", res.Error)
	}
	return res, nil
}

// resolveConfig 补全超时：未设置时取能力上限，超过上限时截断。
func (r *Registry) resolveConfig(caps Capabilities, cfg ExecutionConfig) ExecutionConfig {
	limit := caps.Timeout()
	if cfg.Timeout <= 0 || (limit > 0 && cfg.Timeout > limit) {
		cfg.Timeout = limit
	}
	return cfg
}

func (r *Registry) dispatch(ctx context.Context, e *entry, code string, cfg ExecutionConfig) (res ExecutionResult, outcome string) {
	if cfg.Language != "" && len(e.caps.SupportedLanguages) > 0 && !e.caps.SupportsLanguage(cfg.Language) {
		return Failed(fmt.Sprintf("language %q is not supported by this runtime", cfg.Language), 0), "failure"
	}
	if e.slots != nil {
		select {
		case e.slots <- struct{}{}:
			defer func() { <-e.slots }()
		case <-ctx.Done():
			return Failed("execution cancelled while waiting for a free slot", 0), "failure"
		}
	}

	defer func() {
		if p := recover(); p != nil {
			res, outcome = Failed(fmt.Sprintf("runtime panic: %v", p), 0), "panic"
		}
	}()
	res = e.adapter.Execute(ctx, code, cfg).normalize()
	switch {
	case res.Success:
		outcome = "success"
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeoutMessage(res.Error):
		outcome = "timeout"
	default:
		outcome = "failure"
	}
	return res, outcome
}

// Cleanup 并发清理全部适配器，单个失败不会阻塞其他适配器。
func (r *Registry) Cleanup(ctx context.Context) error {
	r.mu.RLock()
	names := make([]string, 0, len(r.runtimes))
	adapters := make([]Adapter, 0, len(r.runtimes))
	for name, e := range r.runtimes {
		names = append(names, name)
		adapters = append(adapters, e.adapter)
	}
	r.mu.RUnlock()

	errs := make([]error, len(adapters))
	var wg sync.WaitGroup
	for i, a := range adapters {
		wg.Add(1)
		go func(i int, a Adapter) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					errs[i] = fmt.Errorf("cleanup %s: panic: %v", names[i], p)
				}
			}()
			if err := a.Cleanup(ctx); err != nil {
				errs[i] = fmt.Errorf("cleanup %s: %w", names[i], err)
			}
		}(i, a)
	}
	wg.Wait()

	err := errors.Join(errs...)
	if err != nil {
		r.log.Warn("runtime cleanup finished with errors", "error", err)
	}
	return err
}

func isTimeoutMessage(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "timed out")
}
