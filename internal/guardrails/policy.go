package guardrails

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// PolicyFile 是护栏策略文件的结构：
//
//	default:
//	  pii: {action: block}
//	roles:
//	  support-agent:
//	    topics: {enabled: true, terms: [weapons, gambling]}
type PolicyFile struct {
	Default *Patch           `yaml:"default"`
	Roles   map[string]Patch `yaml:"roles"`
}

// LoadPolicyFile 读取并解析 YAML 策略文件。
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guardrails policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy 解析 YAML 策略内容，未知字段会被拒绝。
func ParsePolicy(data []byte) (*PolicyFile, error) {
	var pf PolicyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse guardrails policy: %w", err)
	}
	return &pf, nil
}

// Apply 先更新默认策略，再按角色名顺序注册角色策略。
func (pf *PolicyFile) Apply(store *Store) error {
	if pf == nil {
		return nil
	}
	if pf.Default != nil {
		if _, err := store.UpdateDefaultConfig(*pf.Default); err != nil {
			return err
		}
	}
	roles := make([]string, 0, len(pf.Roles))
	for role := range pf.Roles {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		if _, err := store.RegisterConfig(role, pf.Roles[role]); err != nil {
			return err
		}
	}
	return nil
}
