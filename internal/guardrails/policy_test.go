package guardrails

import (
	"os"
	"path/filepath"
	"testing"
)

const samplePolicy = `
default:
  copyright:
    action: block
roles:
  support:
    topics:
      enabled: true
      terms: [refunds, lawsuits]
  research:
    enabled: false
`

func TestLoadPolicyFileAppliesDefaultsThenRoles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(samplePolicy), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	pf, err := LoadPolicyFile(path)
	if err != nil {
		t.Fatalf("LoadPolicyFile: %v", err)
	}
	s, _ := NewStore(DefaultConfig())
	if err := pf.Apply(s); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	support := s.GetConfig("support")
	if support.Copyright.Action != ActionBlock {
		t.Fatalf("role configs must merge over the updated default")
	}
	if len(support.Topics.Terms) != 2 {
		t.Fatalf("unexpected topics %+v", support.Topics)
	}
	if s.GetConfig("research").Enabled {
		t.Fatalf("research role should be disabled")
	}
}

func TestParsePolicyRejectsUnknownFields(t *testing.T) {
	if _, err := ParsePolicy([]byte("default:\n  toxicty: {}\n")); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if pf, err := ParsePolicy(nil); err != nil || pf == nil {
		t.Fatalf("empty policy should parse, got %v", err)
	}
}
