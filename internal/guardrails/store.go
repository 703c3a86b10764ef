package guardrails

import (
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	xerrors "SynthralOS/internal/errors"
)

// snapshot 是某一时刻完整、不可变的策略视图。
type snapshot struct {
	def   Config
	roles map[string]Config
}

// Store 按角色保存策略。读取总是看到一致的快照；写入复制后原子替换。
type Store struct {
	current atomic.Pointer[snapshot]
	writeMu sync.Mutex
}

// NewStore 使用给定默认策略创建存储。
func NewStore(def Config) (*Store, error) {
	if err := def.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "invalid default guardrails config")
	}
	s := &Store{}
	s.current.Store(&snapshot{def: def.Clone(), roles: map[string]Config{}})
	return s, nil
}

// GetConfig 返回角色策略的副本；未注册的角色回退为默认策略。
func (s *Store) GetConfig(role string) Config {
	snap := s.current.Load()
	if cfg, ok := snap.roles[normalizeRole(role)]; ok {
		return cfg.Clone()
	}
	return snap.def.Clone()
}

// DefaultConfig 返回当前默认策略的副本。
func (s *Store) DefaultConfig() Config {
	return s.current.Load().def.Clone()
}

// RegisterConfig 以当前默认策略为基础合并 patch，创建或替换角色策略。
func (s *Store) RegisterConfig(role string, patch Patch) (Config, error) {
	role = normalizeRole(role)
	if role == "" {
		return Config{}, xerrors.New(xerrors.CodeValidation, "role is required")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old := s.current.Load()
	cfg := patch.Apply(old.def)
	if err := cfg.Validate(); err != nil {
		return Config{}, xerrors.Wrap(xerrors.CodeValidation, err, "invalid guardrails config for role "+role)
	}
	roles := maps.Clone(old.roles)
	roles[role] = cfg
	s.current.Store(&snapshot{def: old.def, roles: roles})
	return cfg.Clone(), nil
}

// UpdateDefaultConfig 合并 patch 生成新的默认策略。已注册角色保持注册时的策略。
func (s *Store) UpdateDefaultConfig(patch Patch) (Config, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	old := s.current.Load()
	cfg := patch.Apply(old.def)
	if err := cfg.Validate(); err != nil {
		return Config{}, xerrors.Wrap(xerrors.CodeValidation, err, "invalid default guardrails config")
	}
	s.current.Store(&snapshot{def: cfg, roles: old.roles})
	return cfg.Clone(), nil
}

// Roles 返回已注册的角色名。
func (s *Store) Roles() []string {
	roles := slices.Collect(maps.Keys(s.current.Load().roles))
	sort.Strings(roles)
	return roles
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
