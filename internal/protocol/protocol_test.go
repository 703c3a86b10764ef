package protocol

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"SynthralOS/internal/runtime"
	"SynthralOS/internal/task"
)

type fakeExecutor struct {
	name string
	code string
	cfg  runtime.ExecutionConfig
	res  runtime.ExecutionResult
	err  error
}

func (f *fakeExecutor) ExecuteCode(_ context.Context, name, code string, cfg runtime.ExecutionConfig) (runtime.ExecutionResult, error) {
	f.name, f.code, f.cfg = name, code, cfg
	return f.res, f.err
}

func TestRuntimeHandlerPassesOptions(t *testing.T) {
	exec := &fakeExecutor{res: runtime.ExecutionResult{Success: true, Output: "3\n"}}
	h := Runtime(exec, "sandbox")

	res, err := h.Handle(context.Background(), task.Payload{
		Task:    "print(1+2)",
		Options: map[string]any{"language": "python", "timeout_ms": float64(1500), "env": map[string]any{"DEBUG": 1}},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if exec.name != "sandbox" || exec.code != "print(1+2)" {
		t.Fatalf("unexpected dispatch %s %q", exec.name, exec.code)
	}
	if exec.cfg.Language != "python" || exec.cfg.Timeout != 1500*time.Millisecond || exec.cfg.Env["DEBUG"] != "1" {
		t.Fatalf("unexpected config: %+v", exec.cfg)
	}
	if out, ok := res.Data.(runtime.ExecutionResult); !ok || out.Output != "3\n" {
		t.Fatalf("unexpected data: %#v", res.Data)
	}
}

func TestRuntimeHandlerReportsFailedExecution(t *testing.T) {
	exec := &fakeExecutor{res: runtime.ExecutionResult{Success: false, Error: "execution timed out after 1s"}}
	res, err := Runtime(exec, "stub").Handle(context.Background(), task.Payload{Task: "loop"})
	if err != nil {
		t.Fatalf("failed executions are results, not errors: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "timed out") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRuntimeHandlerErrors(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("runtime missing")}
	if _, err := Runtime(exec, "nope").Handle(context.Background(), task.Payload{Task: "x"}); err == nil {
		t.Fatal("expected registry error to propagate")
	}
	_, err := Runtime(&fakeExecutor{}, "x").Handle(context.Background(), task.Payload{Task: "x", Options: map[string]any{"timeout_ms": "soon"}})
	if err == nil {
		t.Fatal("expected invalid timeout option error")
	}
}

func TestEcho(t *testing.T) {
	res, err := Echo().Handle(context.Background(), task.Payload{Task: "hello", Attempt: 2})
	if err != nil || !res.Success {
		t.Fatalf("echo: %+v, %v", res, err)
	}
	data := res.Data.(map[string]any)
	if data["output"] != "hello" || data["attempt"] != 2 {
		t.Fatalf("unexpected echo data: %v", data)
	}
}

type staticAdapter struct{}

func (staticAdapter) Capabilities() runtime.Capabilities {
	return runtime.Capabilities{SupportedLanguages: []string{"text"}, MaxExecutionTime: 1000, SelfEnforcesTimeout: true}
}

func (staticAdapter) Execute(_ context.Context, code string, _ runtime.ExecutionConfig) runtime.ExecutionResult {
	return runtime.Succeeded(strings.ToUpper(code), 0)
}

func (staticAdapter) Cleanup(context.Context) error { return nil }

func TestRegisterRuntimes(t *testing.T) {
	registry := runtime.NewRegistry()
	registry.RegisterRuntime("upper", staticAdapter{})
	handlers := task.NewHandlers()

	names := RegisterRuntimes(handlers, registry)
	if len(names) != 2 || names[0] != "runtime:upper" || names[1] != "echo" {
		t.Fatalf("unexpected protocol names %v", names)
	}
	h, ok := handlers.Lookup("runtime:upper")
	if !ok {
		t.Fatal("runtime protocol not registered")
	}
	res, err := h.Handle(context.Background(), task.Payload{Task: "abc"})
	if err != nil || !res.Success || res.Data.(runtime.ExecutionResult).Output != "ABC" {
		t.Fatalf("unexpected result %+v, %v", res, err)
	}
}
