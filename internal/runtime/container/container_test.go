package container

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"

	"SynthralOS/internal/runtime"
)

// fakeDocker 写入一个记录参数并回显最后一个参数的脚本。
func fakeDocker(t *testing.T, exitCode int) (string, string) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "args.log")
	script := "#!/bin/sh\n" +
		"echo \"$@\" >> " + logPath + "\n" +
		"if [ \"$1\" = run ]; then for last; do :; done; echo \"$last\"; fi\n" +
		"exit " + strconv.Itoa(exitCode) + "\n"
	path := filepath.Join(dir, "docker")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake docker: %v", err)
	}
	return path, logPath
}

func TestExecuteBuildsIsolatedRunCommand(t *testing.T) {
	bin, logPath := fakeDocker(t, 0)
	a, err := New(runtime.Definition{Name: "box", Binary: bin, MaxMemoryMB: 128})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := a.Execute(context.Background(), "print('hi')", runtime.ExecutionConfig{Language: "python"})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if strings.TrimSpace(res.Output) != "print('hi')" {
		t.Fatalf("unexpected output %q", res.Output)
	}
	logged, _ := os.ReadFile(logPath)
	for _, want := range []string{"--network none", "--memory 128m", "python:3.11-alpine python3 -c"} {
		if !strings.Contains(string(logged), want) {
			t.Fatalf("expected %q in docker args: %s", want, logged)
		}
	}
}

func TestExecuteFailureRemovesContainer(t *testing.T) {
	bin, logPath := fakeDocker(t, 2)
	a, err := New(runtime.Definition{Name: "box", Binary: bin})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := a.Execute(context.Background(), "exit 2", runtime.ExecutionConfig{Language: "bash"})
	if res.Success || res.Output != "" {
		t.Fatalf("expected normalised failure, got %+v", res)
	}
	logged, _ := os.ReadFile(logPath)
	if !strings.Contains(string(logged), "rm -f synthral-") {
		t.Fatalf("expected container removal after failure: %s", logged)
	}
}

func TestNewRejectsUnknownLanguage(t *testing.T) {
	if _, err := New(runtime.Definition{Name: "box", Languages: []string{"cobol"}}); err == nil {
		t.Fatalf("expected error for language without image")
	}
}

func TestNetworkEnablesPackageManagers(t *testing.T) {
	a, err := New(runtime.Definition{Name: "box", Network: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	caps := a.Capabilities()
	if !caps.SupportsNetworkAccess || !caps.SupportsPackages || len(caps.SupportedPackageManagers) != 2 {
		t.Fatalf("unexpected capabilities %+v", caps)
	}
}

func TestCapabilitiesMatchDeclaredDefaults(t *testing.T) {
	a, err := New(runtime.Definition{Name: "box"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := runtime.Capabilities{
		SupportedLanguages:       []string{"bash", "javascript", "python"},
		Sandboxed:                true,
		MaxExecutionTime:         120000,
		MaxMemory:                256,
		SupportedPackageManagers: []string{},
		SupportsFileIO:           true,
		SupportsConcurrency:      true,
		SelfEnforcesTimeout:      true,
	}
	first := a.Capabilities()
	if !reflect.DeepEqual(first, want) {
		t.Fatalf("capabilities = %+v, want %+v", first, want)
	}
	first.SupportedLanguages[0] = "mutated"
	if second := a.Capabilities(); !reflect.DeepEqual(second, want) {
		t.Fatalf("capabilities leaked mutable state: %+v", second)
	}
}
