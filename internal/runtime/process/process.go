// Package process 通过宿主解释器子进程执行代码。
// 该运行时不提供隔离，只适合可信环境或外层已有沙箱的部署。
package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"SynthralOS/internal/runtime"
)

const defaultTimeout = 60 * time.Second

// DefaultInterpreters 是未配置时使用的语言到解释器映射。
var DefaultInterpreters = map[string][]string{
	"python":     {"python3"},
	"javascript": {"node"},
	"bash":       {"bash"},
}

var extensions = map[string]string{
	"python":     ".py",
	"javascript": ".js",
	"bash":       ".sh",
}

// Adapter 把代码写入临时工作目录并交给对应解释器执行。
type Adapter struct {
	caps         runtime.Capabilities
	interpreters map[string][]string
	env          map[string]string
	root         string
}

// New 根据定义构建进程运行时，工作目录在 Cleanup 时删除。
func New(def runtime.Definition) (runtime.Adapter, error) {
	interpreters := def.Interpreters
	if len(interpreters) == 0 {
		interpreters = DefaultInterpreters
	}
	languages := make([]string, 0, len(interpreters))
	for lang, argv := range interpreters {
		if len(argv) == 0 {
			return nil, fmt.Errorf("interpreter for %s is empty", lang)
		}
		languages = append(languages, lang)
	}
	sort.Strings(languages)

	root, err := os.MkdirTemp("", "synthral-"+def.Name+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	caps := runtime.Capabilities{
		SupportedLanguages:       languages,
		MaxExecutionTime:         timeout.Milliseconds(),
		MaxMemory:                def.MaxMemoryMB,
		SupportedPackageManagers: []string{},
		SupportsFileIO:           true,
		SupportsNetworkAccess:    def.Network,
		SupportsConcurrency:      true,
		SelfEnforcesTimeout:      true,
	}
	if def.Concurrency > 0 {
		n := def.Concurrency
		caps.MaxConcurrentExecutions = &n
	}
	return &Adapter{caps: caps, interpreters: interpreters, env: def.Env, root: root}, nil
}

func (a *Adapter) Capabilities() runtime.Capabilities { return a.caps.Clone() }

func (a *Adapter) Execute(ctx context.Context, code string, cfg runtime.ExecutionConfig) runtime.ExecutionResult {
	start := time.Now()
	language := strings.ToLower(cfg.Language)
	if language == "" {
		language = a.caps.SupportedLanguages[0]
	}
	argv, ok := a.interpreters[language]
	if !ok {
		return runtime.Failed(fmt.Sprintf("no interpreter configured for %s", language), 0)
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return runtime.Failed(fmt.Sprintf("interpreter %s unavailable: %v", argv[0], err), 0)
	}

	workdir, err := os.MkdirTemp(a.root, "exec-")
	if err != nil {
		return runtime.Failed(fmt.Sprintf("prepare workspace: %v", err), time.Since(start))
	}
	defer os.RemoveAll(workdir)

	script := filepath.Join(workdir, "main"+extensions[language])
	if err := os.WriteFile(script, []byte(code), 0o600); err != nil {
		return runtime.Failed(fmt.Sprintf("write script: %v", err), time.Since(start))
	}

	args := append(append([]string{}, argv[1:]...), script)
	return runtime.RunCommand(ctx, runtime.Command{
		Path:    path,
		Args:    args,
		Dir:     workdir,
		Env:     a.environ(workdir, cfg.Env),
		Stdin:   cfg.Stdin,
		Timeout: cfg.Timeout,
	})
}

func (a *Adapter) environ(workdir string, extra map[string]string) []string {
	env := []string{"PATH=" + os.Getenv("PATH"), "HOME=" + workdir, "TMPDIR=" + workdir}
	for k, v := range a.env {
		env = append(env, k+"="+v)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// Cleanup 删除工作目录根，可重复调用。
func (a *Adapter) Cleanup(context.Context) error {
	if err := os.RemoveAll(a.root); err != nil {
		return fmt.Errorf("remove workspace root: %w", err)
	}
	return nil
}
