package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"

	"SynthralOS/pkg/logger"
)

// Service 校验 Authorization 头中的 Bearer Token。
// 只保存 Token 的 SHA-256 摘要，比较使用常量时间。
type Service struct {
	entries []entry
	log     *slog.Logger
}

type entry struct {
	digest  [sha256.Size]byte
	subject Subject
}

// NewService 根据静态 Token 列表创建认证服务。列表为空时返回 nil，表示不启用认证。
func NewService(tokens []TokenConfig) (*Service, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	s := &Service{log: logger.Named("auth")}
	seen := make(map[[sha256.Size]byte]string, len(tokens))
	for i, tc := range tokens {
		token := strings.TrimSpace(tc.Token)
		if token == "" {
			return nil, fmt.Errorf("auth token %d (%s): token must not be empty", i, tc.Name)
		}
		name := strings.TrimSpace(tc.Name)
		if name == "" {
			name = fmt.Sprintf("token-%d", i)
		}
		digest := sha256.Sum256([]byte(token))
		if prev, dup := seen[digest]; dup {
			return nil, fmt.Errorf("auth token %s duplicates %s", name, prev)
		}
		seen[digest] = name
		perms := append([]string(nil), tc.Permissions...)
		if len(perms) == 0 {
			perms = []string{PermissionAll}
		}
		s.entries = append(s.entries, entry{
			digest: digest,
			subject: Subject{
				Name:        name,
				Role:        strings.ToLower(strings.TrimSpace(tc.Role)),
				Permissions: perms,
			},
		})
	}
	return s, nil
}

// Authenticate 解析 Authorization 头并返回对应的调用方。
func (s *Service) Authenticate(authorization string) (*Subject, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))
	var match *Subject
	for i := range s.entries {
		// 遍历全部条目，耗时与命中位置无关。
		if subtle.ConstantTimeCompare(digest[:], s.entries[i].digest[:]) == 1 {
			match = &s.entries[i].subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	out := *match
	out.Permissions = append([]string(nil), match.Permissions...)
	return &out, nil
}
