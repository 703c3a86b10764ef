package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"SynthralOS/internal/config"
	"SynthralOS/internal/guardrails"
	"SynthralOS/internal/observability/alerting"
	"SynthralOS/internal/runtime"
	"SynthralOS/internal/task"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "synthd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const stubConfig = `
runtimes:
  - name: sandbox
    kind: stub
    languages: [python]
    timeout_ms: 1500
guardrails:
  policy_file: policy.yaml
`

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRuntimeDefinitions(t *testing.T) {
	cfg := &config.Config{Runtimes: []config.RuntimeConfig{
		{Name: "sh", Kind: "shell", TimeoutMS: 2500, AllowedCommands: []string{"echo"}},
		{Name: "remote", Kind: "STUB", LatencyMS: 20, MaxMemoryMB: 256},
	}}
	defs, err := runtimeDefinitions(cfg)
	if err != nil {
		t.Fatalf("definitions: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	if defs[0].Kind != runtime.KindShell || defs[0].Timeout != 2500*time.Millisecond || defs[0].AllowedCommands[0] != "echo" {
		t.Fatalf("unexpected shell definition: %+v", defs[0])
	}
	if defs[1].Kind != runtime.KindStub || defs[1].Latency != 20*time.Millisecond || defs[1].MaxMemoryMB != 256 {
		t.Fatalf("unexpected stub definition: %+v", defs[1])
	}
}

func TestRuntimeDefinitionsRejectsUnknownKind(t *testing.T) {
	cfg := &config.Config{Runtimes: []config.RuntimeConfig{{Name: "vm", Kind: "firecracker"}}}
	if _, err := runtimeDefinitions(cfg); err == nil || !strings.Contains(err.Error(), "vm") {
		t.Fatalf("expected error naming the runtime, got %v", err)
	}
}

func TestBuildRegistryWithStub(t *testing.T) {
	cfg := &config.Config{Runtimes: []config.RuntimeConfig{{Name: "sandbox", Kind: "stub"}}}
	registry, err := buildRegistry(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	defer registry.Cleanup(context.Background())

	if !registry.Ready() {
		t.Fatal("registry should be ready after initialise")
	}
	infos := registry.ListRuntimes()
	if len(infos) != 1 || infos[0].Name != "sandbox" {
		t.Fatalf("unexpected runtimes: %+v", infos)
	}
}

func TestCheckCommand(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "policy.yaml"), []byte("default:\n  pii: {action: block}\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	path := writeConfig(t, dir, stubConfig)

	out, err := runRoot(t, "check", "--config", path)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out, "configuration OK: 1 runtimes, queue driver local") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestCheckCommandReportsBadPolicy(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "policy.yaml"), []byte("defaults: {}\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	path := writeConfig(t, dir, stubConfig)

	if _, err := runRoot(t, "check", "--config", path); err == nil || !strings.Contains(err.Error(), "guardrail policy") {
		t.Fatalf("expected policy error, got %v", err)
	}
}

func TestExplicitMissingConfigFails(t *testing.T) {
	if _, err := runRoot(t, "check", "--config", filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestRuntimesCommandJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
runtimes:
  - name: sandbox
    kind: stub
    languages: [python]
    timeout_ms: 1500
`)
	out, err := runRoot(t, "runtimes", "--json", "--config", path)
	if err != nil {
		t.Fatalf("runtimes: %v", err)
	}
	var payload struct {
		Runtimes []runtime.Info `json:"runtimes"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	if len(payload.Runtimes) != 1 {
		t.Fatalf("unexpected runtimes: %+v", payload.Runtimes)
	}
	got := payload.Runtimes[0]
	if got.Name != "sandbox" || got.Capabilities.MaxExecutionTime != 1500 {
		t.Fatalf("unexpected runtime info: %+v", got)
	}
}

func TestBuildGate(t *testing.T) {
	disabled := false
	cfg := &config.Config{Guardrails: config.GuardrailsConfig{Enabled: &disabled}}
	gate, err := buildGate(cfg, nil)
	if err != nil || gate != nil {
		t.Fatalf("disabled guardrails should yield no gate, got %v %v", gate, err)
	}

	dir := t.TempDir()
	policy := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(policy, []byte("roles:\n  support:\n    jailbreak: {action: allow}\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	cfg = &config.Config{Guardrails: config.GuardrailsConfig{PolicyFile: policy}}
	gate, err = buildGate(cfg, alerting.NewFanout())
	if err != nil {
		t.Fatalf("build gate: %v", err)
	}
	if got := gate.Store().GetConfig("support").Jailbreak.Action; got != guardrails.ActionAllow {
		t.Fatalf("role policy not applied, jailbreak action %q", got)
	}
}

func TestBuildQueueLocal(t *testing.T) {
	cfg := config.Default()
	handlers := task.NewHandlers()
	handlers.Register("echo", task.HandlerFunc(func(_ context.Context, p task.Payload) (task.HandlerResult, error) {
		return task.HandlerResult{Success: true, Data: p.Task}, nil
	}))
	queue, err := buildQueue(context.Background(), cfg, handlers, nil)
	if err != nil {
		t.Fatalf("build queue: %v", err)
	}
	defer queue.Close()
	if _, ok := queue.(*task.LocalQueue); !ok {
		t.Fatalf("expected local queue, got %T", queue)
	}
}

func TestBuildQueueDurableInMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.Driver = "durable"
	queue, err := buildQueue(context.Background(), cfg, task.NewHandlers(), nil)
	if err != nil {
		t.Fatalf("build queue: %v", err)
	}
	defer queue.Close()
	if _, ok := queue.(*task.DurableQueue); !ok {
		t.Fatalf("expected durable queue, got %T", queue)
	}
}

func TestBuildBrokerRejectsMissingRedisAddress(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.Broker = "redis"
	cfg.Queue.Redis.Address = ""
	if _, err := buildBroker(cfg); err == nil {
		t.Fatal("expected error for empty redis address")
	}
}

func TestBuildHandlers(t *testing.T) {
	cfg := &config.Config{Runtimes: []config.RuntimeConfig{{Name: "sandbox", Kind: "stub"}}}
	registry, err := buildRegistry(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	defer registry.Cleanup(context.Background())

	handlers, err := buildHandlers(cfg, registry)
	if err != nil {
		t.Fatalf("build handlers: %v", err)
	}
	if got := handlers.Names(); strings.Join(got, ",") != "echo,runtime:sandbox" {
		t.Fatalf("unexpected protocols: %v", got)
	}

	cfg.Protocols.LLM.APIKey = "sk-test"
	handlers, err = buildHandlers(cfg, registry)
	if err != nil {
		t.Fatalf("build handlers: %v", err)
	}
	if _, ok := handlers.Lookup("llm"); !ok {
		t.Fatalf("llm protocol not registered: %v", handlers.Names())
	}
}

func TestAPITokens(t *testing.T) {
	cfg := &config.Config{Auth: config.AuthConfig{Tokens: []config.APITokenConfig{
		{Name: "bot", Token: "t", Role: "support", Permissions: []string{"tasks:write"}},
	}}}
	tokens := apiTokens(cfg)
	if len(tokens) != 1 || tokens[0].Role != "support" || tokens[0].Permissions[0] != "tasks:write" {
		t.Fatalf("unexpected tokens: %+v", tokens)
	}
}
