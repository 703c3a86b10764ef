// Package shell 提供基于 mvdan.cc/sh 的进程内 POSIX shell 运行时。
// 外部命令默认被拒绝，只有白名单中的命令会交给宿主执行。
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"SynthralOS/internal/runtime"
)

const (
	defaultTimeout = 30 * time.Second
	exitNotAllowed = 126
)

// Adapter 在进程内解释执行 shell 脚本。
type Adapter struct {
	caps    runtime.Capabilities
	env     map[string]string
	allowed map[string]struct{}
	dir     string
}

// New 根据定义构建 shell 运行时。
func New(def runtime.Definition) (runtime.Adapter, error) {
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	languages := def.Languages
	if len(languages) == 0 {
		languages = []string{"sh", "bash", "shell"}
	}
	allowed := make(map[string]struct{}, len(def.AllowedCommands))
	for _, cmd := range def.AllowedCommands {
		allowed[cmd] = struct{}{}
	}
	caps := runtime.Capabilities{
		SupportedLanguages:       languages,
		Sandboxed:                len(allowed) == 0,
		MaxExecutionTime:         timeout.Milliseconds(),
		MaxMemory:                def.MaxMemoryMB,
		SupportedPackageManagers: []string{},
		SupportsConcurrency:      true,
		SelfEnforcesTimeout:      true,
	}
	if def.Concurrency > 0 {
		n := def.Concurrency
		caps.MaxConcurrentExecutions = &n
	}
	return &Adapter{caps: caps, env: def.Env, allowed: allowed, dir: os.TempDir()}, nil
}

func (a *Adapter) Capabilities() runtime.Capabilities { return a.caps.Clone() }

func (a *Adapter) Cleanup(context.Context) error { return nil }

func (a *Adapter) Execute(ctx context.Context, code string, cfg runtime.ExecutionConfig) runtime.ExecutionResult {
	start := time.Now()
	prog, err := syntax.NewParser().Parse(strings.NewReader(code), "script")
	if err != nil {
		return runtime.Failed(fmt.Sprintf("parse script: %v", err), time.Since(start))
	}

	stdout := runtime.NewOutputBuffer(0)
	stderr := runtime.NewOutputBuffer(64 << 10)
	var stdin io.Reader
	if cfg.Stdin != "" {
		stdin = strings.NewReader(cfg.Stdin)
	}
	runner, err := interp.New(
		interp.Dir(a.dir),
		interp.Env(expand.ListEnviron(a.environ(cfg.Env)...)),
		interp.StdIO(stdin, stdout, stderr),
		interp.ExecHandlers(a.execHandler),
		interp.OpenHandler(a.openHandler),
	)
	if err != nil {
		return runtime.Failed(fmt.Sprintf("create interpreter: %v", err), time.Since(start))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = a.caps.Timeout()
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = runner.Run(runCtx, prog)
	elapsed := time.Since(start)
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return runtime.Failed(fmt.Sprintf("execution timed out after %s", timeout), elapsed)
	case ctx.Err() != nil:
		return runtime.Failed("execution cancelled", elapsed)
	case err == nil:
		return runtime.Succeeded(stdout.String(), elapsed)
	}

	var status interp.ExitStatus
	if errors.As(err, &status) {
		if status == 0 {
			return runtime.Succeeded(stdout.String(), elapsed)
		}
		return runtime.Failed(runtime.ExitMessage(int(status), stderr.String(), stdout.String()), elapsed)
	}
	return runtime.Failed(err.Error(), elapsed)
}

// environ 合并运行时环境与单次执行的环境，后者优先；不继承宿主环境。
func (a *Adapter) environ(extra map[string]string) []string {
	merged := map[string]string{"HOME": a.dir, "PATH": "/usr/bin:/bin"}
	for k, v := range a.env {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (a *Adapter) execHandler(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		if len(args) == 0 {
			return next(ctx, args)
		}
		if _, ok := a.allowed[args[0]]; ok {
			return next(ctx, args)
		}
		hc := interp.HandlerCtx(ctx)
		fmt.Fprintf(hc.Stderr, "%s: command not allowed in sandbox\n", args[0])
		return interp.NewExitStatus(exitNotAllowed)
	}
}

// openHandler 只允许访问 /dev/null，脚本无法读写宿主文件系统。
func (a *Adapter) openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		return interp.DefaultOpenHandler()(ctx, path, flag, perm)
	}
	return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrPermission}
}
