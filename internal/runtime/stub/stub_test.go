package stub

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"SynthralOS/internal/runtime"
)

func TestStubDoesNotSelfEnforceTimeout(t *testing.T) {
	a, _ := New(runtime.Definition{Name: "remote"})
	if a.Capabilities().SelfEnforcesTimeout {
		t.Fatalf("stub must rely on the registry watchdog")
	}
}

func TestStubSimulatedFailure(t *testing.T) {
	a, _ := New(runtime.Definition{Name: "remote"})
	res := a.Execute(context.Background(), "x = 1", runtime.ExecutionConfig{Options: map[string]any{FailOption: true}})
	if res.Success || res.Error == "" || res.Output != "" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRegistryWatchdogBoundsStubLatency(t *testing.T) {
	reg := runtime.NewRegistry(
		runtime.WithBuilder(runtime.KindStub, New),
		runtime.WithDefinitions(runtime.Definition{Name: "slow", Kind: runtime.KindStub, Latency: 2 * time.Second}),
	)
	if err := reg.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	start := time.Now()
	res, err := reg.ExecuteCode(context.Background(), "slow", "print(1)", runtime.ExecutionConfig{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("ExecuteCode: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "timed out") {
		t.Fatalf("expected watchdog timeout, got %+v", res)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("watchdog did not return promptly")
	}
}

func TestCapabilitiesMatchDeclaredDefaults(t *testing.T) {
	a, err := New(runtime.Definition{Name: "remote"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ten := 10
	want := runtime.Capabilities{
		SupportedLanguages:       []string{"python", "javascript"},
		Persistence:              true,
		Sandboxed:                true,
		MaxExecutionTime:         30000,
		SupportsPackages:         true,
		SupportedPackageManagers: []string{"pip", "npm"},
		SupportsStreaming:        true,
		SupportsFileIO:           true,
		SupportsConcurrency:      true,
		MaxConcurrentExecutions:  &ten,
	}
	first := a.Capabilities()
	if !reflect.DeepEqual(first, want) {
		t.Fatalf("capabilities = %+v, want %+v", first, want)
	}
	first.SupportedLanguages[0] = "mutated"
	*first.MaxConcurrentExecutions = 1
	if second := a.Capabilities(); !reflect.DeepEqual(second, want) {
		t.Fatalf("capabilities leaked mutable state: %+v", second)
	}
}
