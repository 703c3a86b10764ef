package guardrails

import (
	"sync"
	"testing"

	xerrors "SynthralOS/internal/errors"
)

func ptr[T any](v T) *T { return &v }

func TestGetConfigFallsBackToDefault(t *testing.T) {
	s, err := NewStore(DefaultConfig())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	cfg := s.GetConfig("never-registered")
	if !cfg.Enabled || cfg.PII.Action != ActionModify {
		t.Fatalf("expected default config, got %+v", cfg)
	}
}

func TestRegisterConfigMergesOverDefault(t *testing.T) {
	s, _ := NewStore(DefaultConfig())
	cfg, err := s.RegisterConfig("Support", Patch{
		PII:    &CategoryPatch{Action: ptr(ActionBlock)},
		Topics: &CategoryPatch{Terms: []string{"refunds"}},
	})
	if err != nil {
		t.Fatalf("RegisterConfig: %v", err)
	}
	if cfg.PII.Action != ActionBlock || !cfg.PII.Enabled {
		t.Fatalf("patch not merged: %+v", cfg.PII)
	}
	if cfg.Toxicity.Action != ActionBlock {
		t.Fatalf("unpatched categories must come from the default")
	}
	if got := s.GetConfig("support"); got.Topics.Terms[0] != "refunds" {
		t.Fatalf("role lookup should be case-insensitive, got %+v", got.Topics)
	}
	if s.DefaultConfig().PII.Action != ActionModify {
		t.Fatalf("registering a role must not change the default")
	}
}

func TestRegisterConfigRejectsInvalidPatch(t *testing.T) {
	s, _ := NewStore(DefaultConfig())
	_, err := s.RegisterConfig("r", Patch{Custom: map[string]*CategoryPatch{"bad": {Terms: []string{"("}}}})
	if xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := s.RegisterConfig("r", Patch{Toxicity: &CategoryPatch{Action: ptr(Action("explode"))}}); err == nil {
		t.Fatalf("expected invalid action to be rejected")
	}
	if len(s.Roles()) != 0 {
		t.Fatalf("failed registrations must not be stored")
	}
}

func TestUpdateDefaultConfigSwapsSnapshot(t *testing.T) {
	s, _ := NewStore(DefaultConfig())
	before := s.GetConfig("anyone")
	if _, err := s.UpdateDefaultConfig(Patch{Enabled: ptr(false)}); err != nil {
		t.Fatalf("UpdateDefaultConfig: %v", err)
	}
	if !before.Enabled {
		t.Fatalf("previously returned configs must not be mutated")
	}
	if s.GetConfig("anyone").Enabled {
		t.Fatalf("expected new default to be visible")
	}
}

func TestStoreConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	s, _ := NewStore(DefaultConfig())
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				enabled := j%2 == 0
				_, _ = s.UpdateDefaultConfig(Patch{Toxicity: &CategoryPatch{Enabled: &enabled}, Jailbreak: &CategoryPatch{Enabled: &enabled}})
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				cfg := s.GetConfig("reader")
				if cfg.Toxicity.Enabled != cfg.Jailbreak.Enabled {
					t.Errorf("observed a torn config: %+v", cfg)
					return
				}
			}
		}()
	}
	wg.Wait()
}
