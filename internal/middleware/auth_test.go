package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/gophermart-rewards/internal/apperr"
	"github.com/mmeshcher/gophermart-rewards/internal/model"
	"github.com/mmeshcher/gophermart-rewards/internal/repository"
)

func newTestAuth(t *testing.T, secret string, ttl time.Duration) *AuthMiddleware {
	t.Helper()
	m, err := NewAuthMiddleware(secret, ttl)
	if err != nil {
		t.Fatalf("NewAuthMiddleware: %v", err)
	}
	return m
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("entropy unavailable")
}

func TestNewAuthMiddleware_GeneratedSecret(t *testing.T) {
	a := newTestAuth(t, "", time.Hour)
	b := newTestAuth(t, "", time.Hour)
	if len(a.secretKey) != 32 {
		t.Fatalf("generated key length = %d, want 32", len(a.secretKey))
	}
	if string(a.secretKey) == string(b.secretKey) {
		t.Fatalf("generated keys must differ")
	}
}

func TestNewAuthMiddleware_EntropyFailure(t *testing.T) {
	prev := keySource
	keySource = failingReader{}
	t.Cleanup(func() { keySource = prev })

	m, err := NewAuthMiddleware("", time.Hour)
	if err == nil {
		t.Fatalf("expected error when key generation fails")
	}
	if m != nil {
		t.Fatalf("middleware must not be returned on error")
	}

	// Заданный секрет не требует генерации.
	if _, err := NewAuthMiddleware("test-secret", time.Hour); err != nil {
		t.Fatalf("NewAuthMiddleware with secret: %v", err)
	}
}

func TestAuthMiddleware_WithValidCookie(t *testing.T) {
	m := newTestAuth(t, "test-secret", time.Hour)

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		id, ok := GetUserIDFromContext(r.Context())
		if !ok {
			t.Fatalf("user id not in context")
		}
		if id != 42 {
			t.Fatalf("user id from context = %d, want 42", id)
		}
	})

	token, err := m.IssueToken(42)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	w := httptest.NewRecorder()
	m.SetAuthCookie(w, token)
	resCookies := w.Result().Cookies()
	if len(resCookies) == 0 {
		t.Fatalf("no cookies set by SetAuthCookie")
	}

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.AddCookie(resCookies[0])

	m.Middleware(next).ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
}

func TestAuthMiddleware_WithBearerHeader(t *testing.T) {
	m := newTestAuth(t, "test-secret", time.Hour)
	token, err := m.IssueToken(7)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	var got int64
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = GetUserIDFromContext(r.Context())
	})

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	m.Middleware(next).ServeHTTP(httptest.NewRecorder(), r)

	if got != 7 {
		t.Fatalf("user id = %d, want 7", got)
	}
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	m := newTestAuth(t, "test-secret", time.Hour)
	other := newTestAuth(t, "other-secret", time.Hour)

	foreign, err := other.IssueToken(1)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	expiredIssuer := newTestAuth(t, "test-secret", time.Minute)
	expiredIssuer.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, err := expiredIssuer.IssueToken(1)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{name: "no token", header: ""},
		{name: "garbage", header: "Bearer not-a-jwt"},
		{name: "foreign signature", header: "Bearer " + foreign},
		{name: "expired", header: "Bearer " + expired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatalf("next handler should not be called")
			})

			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}

			m.Middleware(next).ServeHTTP(w, r)

			res := w.Result()
			defer res.Body.Close()
			if res.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
			}

			var body apperr.Body
			if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Error.Kind != apperr.KindUnauthorized {
				t.Fatalf("kind = %q, want %q", body.Error.Kind, apperr.KindUnauthorized)
			}
		})
	}
}

type stubRoles map[int64]model.Role

func (s stubRoles) GetAccountRole(_ context.Context, id int64) (model.Role, error) {
	role, ok := s[id]
	if !ok {
		return "", repository.ErrUserNotFound
	}
	if role == "" {
		return "", errors.New("db down")
	}
	return role, nil
}

func TestGuardRequire(t *testing.T) {
	roles := stubRoles{1: model.RoleCustomer, 2: model.RoleAdmin, 3: ""}
	g := NewGuard(roles, zap.NewNop())

	tests := []struct {
		name       string
		userID     int64
		withUser   bool
		wantStatus int
	}{
		{name: "admin allowed", userID: 2, withUser: true, wantStatus: http.StatusOK},
		{name: "customer forbidden", userID: 1, withUser: true, wantStatus: http.StatusForbidden},
		{name: "no identity", withUser: false, wantStatus: http.StatusUnauthorized},
		{name: "unknown account", userID: 99, withUser: true, wantStatus: http.StatusUnauthorized},
		{name: "lookup failure", userID: 3, withUser: true, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				role, ok := GetRoleFromContext(r.Context())
				if !ok || role != model.RoleAdmin {
					t.Fatalf("role in context = %q, want admin", role)
				}
				w.WriteHeader(http.StatusOK)
			})

			r := httptest.NewRequest(http.MethodPost, "/api/fraud/scan", nil)
			if tt.withUser {
				r = r.WithContext(context.WithValue(r.Context(), userIDKey, tt.userID))
			}
			w := httptest.NewRecorder()

			g.Require(model.RoleAdmin)(next).ServeHTTP(w, r)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}
