package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "SynthralOS/internal/errors"
)

func TestNewServiceEmptyDisablesAuth(t *testing.T) {
	svc, err := NewService(nil)
	if err != nil || svc != nil {
		t.Fatalf("expected nil service, got %v %v", svc, err)
	}
}

func TestNewServiceRejectsBadTokens(t *testing.T) {
	if _, err := NewService([]TokenConfig{{Name: "blank", Token: "  "}}); err == nil {
		t.Fatal("expected error for empty token")
	}
	if _, err := NewService([]TokenConfig{{Name: "a", Token: "x"}, {Name: "b", Token: "x"}}); err == nil {
		t.Fatal("expected error for duplicate token")
	}
}

func TestAuthenticate(t *testing.T) {
	svc, err := NewService([]TokenConfig{
		{Name: "ops", Token: "ops-secret"},
		{Name: "support-bot", Token: "bot-secret", Role: "Support", Permissions: []string{PermissionTasksWrite}},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	subject, err := svc.Authenticate("Bearer bot-secret")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Name != "support-bot" || subject.Role != "support" {
		t.Fatalf("unexpected subject: %+v", subject)
	}
	if !subject.HasPermission(PermissionTasksWrite) || subject.HasPermission(PermissionExecute) {
		t.Fatalf("unexpected permissions: %+v", subject.Permissions)
	}

	ops, err := svc.Authenticate("bearer ops-secret")
	if err != nil {
		t.Fatalf("authenticate ops: %v", err)
	}
	if !ops.HasPermission(PermissionExecute) {
		t.Fatal("token without explicit permissions should get all permissions")
	}

	cases := map[string]xerrors.Code{
		"":                 CodeUnauthorized,
		"Basic Zm9vOmJhcg": CodeUnauthorized,
		"Bearer wrong":     CodeUnauthorized,
	}
	for header, code := range cases {
		if _, err := svc.Authenticate(header); xerrors.CodeOf(err) != code {
			t.Fatalf("header %q: expected %s, got %v", header, code, err)
		}
	}
}

func TestRequire(t *testing.T) {
	svc, err := NewService([]TokenConfig{{Name: "reader", Token: "r", Role: "analyst", Permissions: []string{PermissionTasksRead}}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	var seenRole string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenRole = RoleFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	writeErr := func(w http.ResponseWriter, err error) {
		w.WriteHeader(xerrors.HTTPStatus(err))
	}

	cases := []struct {
		name       string
		permission string
		header     string
		want       int
	}{
		{"missing token", PermissionTasksRead, "", http.StatusUnauthorized},
		{"wrong token", PermissionTasksRead, "Bearer nope", http.StatusUnauthorized},
		{"missing permission", PermissionTasksWrite, "Bearer r", http.StatusForbidden},
		{"allowed", PermissionTasksRead, "Bearer r", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/tasks/1", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			svc.Require(tc.permission, writeErr, next).ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
	if seenRole != "analyst" {
		t.Fatalf("expected subject role in context, got %q", seenRole)
	}
}

func TestRequireNilServicePassesThrough(t *testing.T) {
	var svc *Service
	called := false
	h := svc.Require(PermissionExecute, nil, http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/execute", nil))
	if !called {
		t.Fatal("nil service should not guard handlers")
	}
}
