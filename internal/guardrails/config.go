// Package guardrails 实现按角色解析的内容安全策略、无状态校验器以及提交前的拦截网关。
package guardrails

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"sort"
	"strings"
)

// Action 是类别违规后调用方采取的动作。
type Action string

const (
	ActionBlock  Action = "block"
	ActionModify Action = "modify"
	ActionAllow  Action = "allow"
)

// rank 定义动作优先级：block > modify > allow。
func (a Action) rank() int {
	switch a {
	case ActionBlock:
		return 3
	case ActionModify:
		return 2
	case ActionAllow:
		return 1
	default:
		return 0
	}
}

// Valid 判断动作是否合法。
func (a Action) Valid() bool { return a.rank() > 0 }

// Category 是内置检查类别。
type Category string

const (
	CategoryToxicity      Category = "toxicity"
	CategoryPII           Category = "pii"
	CategoryJailbreak     Category = "jailbreak"
	CategoryHallucination Category = "hallucination"
	CategoryCopyright     Category = "copyright"
	CategoryTopics        Category = "topics"
)

// customPrefix 用于在违规列表中区分自定义类别。
const customPrefix = "custom:"

// CategoryConfig 是单个类别的策略。
// Terms 对 toxicity、jailbreak、copyright 为子串黑名单，对 topics 为禁用话题，
// 对自定义类别为正则表达式；为空时使用内置默认值。
type CategoryConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Threshold *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Action    Action   `json:"action" yaml:"action"`
	Terms     []string `json:"terms,omitempty" yaml:"terms,omitempty"`
}

func (c CategoryConfig) clone() CategoryConfig {
	out := c
	out.Terms = slices.Clone(c.Terms)
	if c.Threshold != nil {
		v := *c.Threshold
		out.Threshold = &v
	}
	return out
}

// Config 是某个角色生效的完整策略，值语义，存储中的实例从不被原地修改。
type Config struct {
	Enabled       bool                      `json:"enabled" yaml:"enabled"`
	Toxicity      CategoryConfig            `json:"toxicity" yaml:"toxicity"`
	PII           CategoryConfig            `json:"pii" yaml:"pii"`
	Jailbreak     CategoryConfig            `json:"jailbreak" yaml:"jailbreak"`
	Hallucination CategoryConfig            `json:"hallucination" yaml:"hallucination"`
	Copyright     CategoryConfig            `json:"copyright" yaml:"copyright"`
	Topics        CategoryConfig            `json:"topics" yaml:"topics"`
	Custom        map[string]CategoryConfig `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// DefaultConfig 返回进程启动时的默认策略。
func DefaultConfig() Config {
	threshold := 0.8
	return Config{
		Enabled:       true,
		Toxicity:      CategoryConfig{Enabled: true, Threshold: &threshold, Action: ActionBlock},
		PII:           CategoryConfig{Enabled: true, Action: ActionModify},
		Jailbreak:     CategoryConfig{Enabled: true, Action: ActionBlock},
		Hallucination: CategoryConfig{Enabled: false, Action: ActionAllow},
		Copyright:     CategoryConfig{Enabled: true, Action: ActionAllow},
		Topics:        CategoryConfig{Enabled: true, Action: ActionBlock},
	}
}

// Clone 返回深拷贝。
func (c Config) Clone() Config {
	out := c
	out.Toxicity = c.Toxicity.clone()
	out.PII = c.PII.clone()
	out.Jailbreak = c.Jailbreak.clone()
	out.Hallucination = c.Hallucination.clone()
	out.Copyright = c.Copyright.clone()
	out.Topics = c.Topics.clone()
	if c.Custom != nil {
		out.Custom = make(map[string]CategoryConfig, len(c.Custom))
		for name, cc := range c.Custom {
			out.Custom[name] = cc.clone()
		}
	}
	return out
}

// category 按名称取类别策略，自定义类别使用 custom:<name>。
func (c Config) category(name string) (CategoryConfig, bool) {
	switch Category(name) {
	case CategoryToxicity:
		return c.Toxicity, true
	case CategoryPII:
		return c.PII, true
	case CategoryJailbreak:
		return c.Jailbreak, true
	case CategoryHallucination:
		return c.Hallucination, true
	case CategoryCopyright:
		return c.Copyright, true
	case CategoryTopics:
		return c.Topics, true
	}
	if custom, ok := strings.CutPrefix(name, customPrefix); ok {
		cc, found := c.Custom[custom]
		return cc, found
	}
	return CategoryConfig{}, false
}

// Validate 检查动作合法且自定义正则可编译。
func (c Config) Validate() error {
	named := map[string]CategoryConfig{
		string(CategoryToxicity):      c.Toxicity,
		string(CategoryPII):           c.PII,
		string(CategoryJailbreak):     c.Jailbreak,
		string(CategoryHallucination): c.Hallucination,
		string(CategoryCopyright):     c.Copyright,
		string(CategoryTopics):        c.Topics,
	}
	for name, cc := range c.Custom {
		named[customPrefix+name] = cc
		for _, pattern := range cc.Terms {
			if _, err := compilePattern(pattern); err != nil {
				return fmt.Errorf("custom category %s: invalid pattern %q: %w", name, pattern, err)
			}
		}
	}
	keys := slices.Collect(maps.Keys(named))
	sort.Strings(keys)
	for _, name := range keys {
		cc := named[name]
		if !cc.Action.Valid() {
			return fmt.Errorf("category %s: invalid action %q", name, cc.Action)
		}
		if cc.Threshold != nil && (*cc.Threshold < 0 || *cc.Threshold > 1) {
			return fmt.Errorf("category %s: threshold must be within [0,1]", name)
		}
	}
	return nil
}

// CategoryPatch 是类别策略的部分更新，nil 字段保持原值。
type CategoryPatch struct {
	Enabled   *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Threshold *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Action    *Action  `json:"action,omitempty" yaml:"action,omitempty"`
	Terms     []string `json:"terms,omitempty" yaml:"terms,omitempty"`
}

func (p *CategoryPatch) applyTo(base CategoryConfig) CategoryConfig {
	out := base.clone()
	if p == nil {
		return out
	}
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	if p.Threshold != nil {
		v := *p.Threshold
		out.Threshold = &v
	}
	if p.Action != nil {
		out.Action = *p.Action
	}
	if p.Terms != nil {
		out.Terms = slices.Clone(p.Terms)
	}
	return out
}

// Patch 是策略的部分更新。
type Patch struct {
	Enabled       *bool                     `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Toxicity      *CategoryPatch            `json:"toxicity,omitempty" yaml:"toxicity,omitempty"`
	PII           *CategoryPatch            `json:"pii,omitempty" yaml:"pii,omitempty"`
	Jailbreak     *CategoryPatch            `json:"jailbreak,omitempty" yaml:"jailbreak,omitempty"`
	Hallucination *CategoryPatch            `json:"hallucination,omitempty" yaml:"hallucination,omitempty"`
	Copyright     *CategoryPatch            `json:"copyright,omitempty" yaml:"copyright,omitempty"`
	Topics        *CategoryPatch            `json:"topics,omitempty" yaml:"topics,omitempty"`
	Custom        map[string]*CategoryPatch `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// Apply 把补丁合并到 base 的副本上，base 不会被修改。
func (p Patch) Apply(base Config) Config {
	out := base.Clone()
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	out.Toxicity = p.Toxicity.applyTo(base.Toxicity)
	out.PII = p.PII.applyTo(base.PII)
	out.Jailbreak = p.Jailbreak.applyTo(base.Jailbreak)
	out.Hallucination = p.Hallucination.applyTo(base.Hallucination)
	out.Copyright = p.Copyright.applyTo(base.Copyright)
	out.Topics = p.Topics.applyTo(base.Topics)
	if len(p.Custom) > 0 {
		if out.Custom == nil {
			out.Custom = make(map[string]CategoryConfig, len(p.Custom))
		}
		for name, cp := range p.Custom {
			existing, ok := out.Custom[name]
			if !ok {
				existing = CategoryConfig{Enabled: true, Action: ActionBlock}
			}
			out.Custom[name] = cp.applyTo(existing)
		}
	}
	return out
}

// compilePattern 以大小写不敏感方式编译自定义类别正则。
func compilePattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}
