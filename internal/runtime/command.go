package runtime

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Command 描述一次宿主进程调用。
type Command struct {
	Path  string
	Args  []string
	Dir   string
	Env   []string
	Stdin string
	// Timeout 为零时只受 ctx 约束。
	Timeout time.Duration
}

// RunCommand 执行外部进程并把退出状态归一化为 ExecutionResult。
// 非零退出码、超时与启动失败均返回 Success=false。
func RunCommand(ctx context.Context, c Command) ExecutionResult {
	start := time.Now()
	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.WaitDelay = time.Second
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}
	stdout := NewOutputBuffer(0)
	stderr := NewOutputBuffer(64 << 10)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	elapsed := time.Since(start)
	switch {
	case err == nil:
		return Succeeded(stdout.String(), elapsed)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return Failed(fmt.Sprintf("execution timed out after %s", c.Timeout), elapsed)
	case ctx.Err() != nil:
		return Failed("execution cancelled", elapsed)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Failed(ExitMessage(exitErr.ExitCode(), stderr.String(), stdout.String()), elapsed)
	}
	return Failed(fmt.Sprintf("start %s: %v", c.Path, err), elapsed)
}

// ExitMessage 组合退出码与诊断输出；stderr 为空时退回到 stdout。
func ExitMessage(code int, stderr, stdout string) string {
	detail := strings.TrimSpace(stderr)
	if detail == "" {
		detail = strings.TrimSpace(stdout)
	}
	if detail == "" {
		return fmt.Sprintf("exit status %d", code)
	}
	return fmt.Sprintf("exit status %d: %s", code, detail)
}
