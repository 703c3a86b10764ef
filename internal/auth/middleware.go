package auth

import (
	"log/slog"
	"net/http"

	xerrors "SynthralOS/internal/errors"
	"SynthralOS/pkg/logger"
)

// ErrorWriter 负责把认证错误写回客户端，由 HTTP 层提供以保持统一的错误格式。
type ErrorWriter func(w http.ResponseWriter, err error)

// Require 返回要求指定权限的中间件。s 为 nil 时直接放行。
func (s *Service) Require(permission string, writeErr ErrorWriter, next http.Handler) http.Handler {
	if s == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, err := s.Authenticate(r.Header.Get("Authorization"))
		if err == nil && !subject.HasPermission(permission) {
			err = xerrors.Wrap(CodePermissionDenied, ErrPermissionDenied, "missing permission "+permission)
		}
		if err != nil {
			attrs := []any{
				slog.String("path", r.URL.Path),
				slog.String("method", r.Method),
				slog.Int("status", xerrors.HTTPStatus(err)),
				slog.String("error", err.Error()),
			}
			if subject != nil {
				attrs = append(attrs, slog.String("subject", subject.Name))
			}
			logger.Audit().Warn("access denied", attrs...)
			writeErr(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
	})
}
