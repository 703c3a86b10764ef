package shell

import (
	"context"
	"strings"
	"testing"
	"time"

	"SynthralOS/internal/runtime"
)

func newAdapter(t *testing.T, def runtime.Definition) runtime.Adapter {
	t.Helper()
	a, err := New(def)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestExecuteCapturesStdout(t *testing.T) {
	a := newAdapter(t, runtime.Definition{Name: "sh"})
	res := a.Execute(context.Background(), `echo "hello $NAME"`, runtime.ExecutionConfig{Env: map[string]string{"NAME": "agent"}})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Output != "hello agent\n" {
		t.Fatalf("unexpected output %q", res.Output)
	}
	if res.Error != "" {
		t.Fatalf("successful result must not carry an error")
	}
}

func TestExecuteNonZeroExitIsFailure(t *testing.T) {
	a := newAdapter(t, runtime.Definition{Name: "sh"})
	res := a.Execute(context.Background(), "echo partial; echo broken >&2; exit 3", runtime.ExecutionConfig{})
	if res.Success {
		t.Fatalf("expected failure")
	}
	if res.Output != "" {
		t.Fatalf("failed result must have empty output, got %q", res.Output)
	}
	if !strings.Contains(res.Error, "exit status 3") || !strings.Contains(res.Error, "broken") {
		t.Fatalf("unexpected error %q", res.Error)
	}
}

func TestExecuteRejectsExternalCommands(t *testing.T) {
	a := newAdapter(t, runtime.Definition{Name: "sh"})
	res := a.Execute(context.Background(), "uname -a", runtime.ExecutionConfig{})
	if res.Success || !strings.Contains(res.Error, "not allowed") {
		t.Fatalf("expected sandbox rejection, got %+v", res)
	}
}

func TestExecuteDeniesFileAccess(t *testing.T) {
	a := newAdapter(t, runtime.Definition{Name: "sh"})
	res := a.Execute(context.Background(), "echo secret > /tmp/synthral-shell-test", runtime.ExecutionConfig{})
	if res.Success {
		t.Fatalf("expected redirect to a host file to fail")
	}
	if ok := a.Execute(context.Background(), "echo quiet > /dev/null", runtime.ExecutionConfig{}); !ok.Success {
		t.Fatalf("expected /dev/null redirect to succeed, got %+v", ok)
	}
}

func TestExecuteEnforcesTimeout(t *testing.T) {
	a := newAdapter(t, runtime.Definition{Name: "sh"})
	res := a.Execute(context.Background(), "while true; do :; done", runtime.ExecutionConfig{Timeout: 50 * time.Millisecond})
	if res.Success || !strings.Contains(res.Error, "timed out") {
		t.Fatalf("expected timeout failure, got %+v", res)
	}
}

func TestExecuteParseError(t *testing.T) {
	a := newAdapter(t, runtime.Definition{Name: "sh"})
	res := a.Execute(context.Background(), "if then fi (", runtime.ExecutionConfig{})
	if res.Success || !strings.HasPrefix(res.Error, "parse script") {
		t.Fatalf("expected parse failure, got %+v", res)
	}
}

func TestCapabilitiesMatchDeclaredDefaults(t *testing.T) {
	a := newAdapter(t, runtime.Definition{Name: "sh", Timeout: 5 * time.Second})
	first := a.Capabilities()
	first.SupportedLanguages[0] = "mutated"
	second := a.Capabilities()
	if second.SupportedLanguages[0] != "sh" {
		t.Fatalf("capabilities leaked a mutable slice")
	}
	if second.MaxExecutionTime != 5000 || !second.Sandboxed || !second.SelfEnforcesTimeout {
		t.Fatalf("unexpected capabilities %+v", second)
	}
}
