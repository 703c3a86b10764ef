// Package container 通过 docker CLI 在一次性容器中执行代码。
package container

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"SynthralOS/internal/runtime"
)

const (
	defaultTimeout  = 120 * time.Second
	defaultMemoryMB = 256
	labelKey        = "io.synthral.runtime"
)

type language struct {
	image string
	argv  []string
}

var defaultLanguages = map[string]language{
	"python":     {image: "python:3.11-alpine", argv: []string{"python3", "-c"}},
	"javascript": {image: "node:20-alpine", argv: []string{"node", "-e"}},
	"bash":       {image: "bash:5-alpine", argv: []string{"bash", "-c"}},
}

// Adapter 为每次执行启动一个 --rm 容器，默认禁用网络并限制内存。
type Adapter struct {
	name      string
	binary    string
	caps      runtime.Capabilities
	languages map[string]language
	network   bool
	env       map[string]string

	mu     sync.Mutex
	active map[string]struct{}
}

// New 根据定义构建容器运行时。Image 非空时覆盖所有语言的镜像。
func New(def runtime.Definition) (runtime.Adapter, error) {
	binary := def.Binary
	if binary == "" {
		binary = "docker"
	}
	langs := make(map[string]language, len(defaultLanguages))
	for name, l := range defaultLanguages {
		langs[name] = l
	}
	for name, argv := range def.Interpreters {
		if len(argv) == 0 {
			return nil, fmt.Errorf("command for %s is empty", name)
		}
		l := langs[name]
		l.argv = argv
		if l.image == "" {
			l.image = "alpine:3.20"
		}
		langs[name] = l
	}
	if def.Image != "" {
		for name, l := range langs {
			l.image = def.Image
			langs[name] = l
		}
	}
	if len(def.Languages) > 0 {
		filtered := make(map[string]language, len(def.Languages))
		for _, name := range def.Languages {
			l, ok := langs[name]
			if !ok {
				return nil, fmt.Errorf("no container command for language %s", name)
			}
			filtered[name] = l
		}
		langs = filtered
	}
	names := make([]string, 0, len(langs))
	for name := range langs {
		names = append(names, name)
	}
	sort.Strings(names)

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	memory := def.MaxMemoryMB
	if memory <= 0 {
		memory = defaultMemoryMB
	}
	caps := runtime.Capabilities{
		SupportedLanguages:       names,
		Sandboxed:                true,
		MaxExecutionTime:         timeout.Milliseconds(),
		MaxMemory:                memory,
		SupportsPackages:         def.Network,
		SupportedPackageManagers: packageManagers(def.Network, names),
		SupportsFileIO:           true,
		SupportsNetworkAccess:    def.Network,
		SupportsConcurrency:      true,
		SelfEnforcesTimeout:      true,
	}
	if def.Concurrency > 0 {
		n := def.Concurrency
		caps.MaxConcurrentExecutions = &n
	}
	return &Adapter{
		name:      def.Name,
		binary:    binary,
		caps:      caps,
		languages: langs,
		network:   def.Network,
		env:       def.Env,
		active:    make(map[string]struct{}),
	}, nil
}

func packageManagers(network bool, languages []string) []string {
	out := []string{}
	if !network {
		return out
	}
	for _, l := range languages {
		switch l {
		case "python":
			out = append(out, "pip")
		case "javascript":
			out = append(out, "npm")
		}
	}
	return out
}

func (a *Adapter) Capabilities() runtime.Capabilities { return a.caps.Clone() }

func (a *Adapter) Execute(ctx context.Context, code string, cfg runtime.ExecutionConfig) runtime.ExecutionResult {
	lang := strings.ToLower(cfg.Language)
	if lang == "" {
		lang = a.caps.SupportedLanguages[0]
	}
	l, ok := a.languages[lang]
	if !ok {
		return runtime.Failed(fmt.Sprintf("no container image configured for %s", lang), 0)
	}

	id := "synthral-" + uuid.NewString()
	a.track(id, true)
	defer a.track(id, false)

	res := runtime.RunCommand(ctx, runtime.Command{
		Path:    a.binary,
		Args:    a.runArgs(id, l, code, cfg),
		Env:     os.Environ(),
		Stdin:   cfg.Stdin,
		Timeout: cfg.Timeout,
	})
	if !res.Success {
		// 超时或取消时 CLI 进程被杀死，但容器可能仍在运行。
		a.remove(context.Background(), id)
	}
	return res
}

func (a *Adapter) runArgs(id string, l language, code string, cfg runtime.ExecutionConfig) []string {
	args := []string{"run", "--rm", "--name", id, "--label", labelKey + "=" + a.name}
	if !a.network {
		args = append(args, "--network", "none")
	}
	args = append(args,
		"--memory", fmt.Sprintf("%dm", a.caps.MaxMemory),
		"--memory-swap", fmt.Sprintf("%dm", a.caps.MaxMemory),
		"--pids-limit", "100",
		"--read-only", "--tmpfs", "/tmp:rw,size=64m",
		"-w", "/tmp",
	)
	if cfg.Stdin != "" {
		args = append(args, "-i")
	}
	env := make([]string, 0, len(a.env)+len(cfg.Env))
	for k, v := range a.env {
		env = append(env, k+"="+v)
	}
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	for _, kv := range env {
		args = append(args, "-e", kv)
	}
	args = append(args, l.image)
	args = append(args, l.argv...)
	return append(args, code)
}

func (a *Adapter) track(id string, add bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if add {
		a.active[id] = struct{}{}
		return
	}
	delete(a.active, id)
}

func (a *Adapter) remove(ctx context.Context, id string) error {
	out, err := exec.CommandContext(ctx, a.binary, "rm", "-f", id).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker rm %s: %w: %s", id, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Cleanup 强制删除仍在运行的容器。
func (a *Adapter) Cleanup(ctx context.Context) error {
	a.mu.Lock()
	ids := make([]string, 0, len(a.active))
	for id := range a.active {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	var errs []string
	for _, id := range ids {
		if err := a.remove(ctx, id); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("cleanup containers: %s", strings.Join(errs, "; "))
	}
	return nil
}
