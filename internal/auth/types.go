package auth

import (
	"net/http"
	"strings"

	xerrors "SynthralOS/internal/errors"
)

// 认证相关错误码。
const (
	CodeUnauthorized     xerrors.Code = "UNAUTHORIZED"
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

func init() {
	xerrors.Register(CodeUnauthorized, xerrors.Attributes{Message: "authentication required", Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusUnauthorized})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{Message: "permission denied", Severity: xerrors.SeverityWarning, HTTPStatus: http.StatusForbidden})
}

var (
	ErrMissingToken     = xerrors.New(CodeUnauthorized, "missing bearer token")
	ErrInvalidToken     = xerrors.New(CodeUnauthorized, "invalid token")
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "permission denied")
)

// 接口权限。
const (
	PermissionRuntimesRead = "runtimes:read"
	PermissionExecute      = "runtimes:execute"
	PermissionTasksRead    = "tasks:read"
	PermissionTasksWrite   = "tasks:write"
	PermissionGuardrails   = "guardrails:validate"
	PermissionAll          = "*"
)

// Subject 是通过认证的调用方。Role 作为提交作业与护栏校验的默认角色。
type Subject struct {
	Name        string
	Role        string
	Permissions []string
}

// HasPermission 判断调用方是否具备指定权限，"*" 表示全部权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	want := strings.ToLower(strings.TrimSpace(permission))
	for _, p := range s.Permissions {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == PermissionAll || p == want {
			return true
		}
	}
	return false
}

// TokenConfig 描述一个静态 API Token。
type TokenConfig struct {
	Name        string
	Token       string
	Role        string
	Permissions []string
}
