// Package middleware содержит HTTP middleware для сервиса гофермарт.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/gophermart-rewards/internal/apperr"
	"github.com/mmeshcher/gophermart-rewards/internal/model"
	"github.com/mmeshcher/gophermart-rewards/internal/repository"
)

type contextKey string

const (
	userIDKey    contextKey = "userID"
	roleKey      contextKey = "role"
	requestIDKey contextKey = "requestID"
)

const authCookieName = "auth_token"

var errInvalidToken = errors.New("invalid token")

var keySource io.Reader = rand.Reader

// AuthMiddleware проверяет JWT пользователя из cookie или заголовка Authorization.
type AuthMiddleware struct {
	secretKey []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewAuthMiddleware создаёт AuthMiddleware. При пустом секрете генерируется случайный ключ,
// и токены перестают быть действительными после перезапуска.
func NewAuthMiddleware(secret string, ttl time.Duration) (*AuthMiddleware, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := io.ReadFull(keySource, key); err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &AuthMiddleware{
		secretKey: key,
		ttl:       ttl,
		now:       time.Now,
	}, nil
}

// IssueToken подписывает токен для указанного пользователя.
func (a *AuthMiddleware) IssueToken(userID int64) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secretKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// SetAuthCookie устанавливает cookie авторизации с токеном.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    token,
		Path:     "/",
		Expires:  a.now().Add(a.ttl),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.Header().Set("Authorization", "Bearer "+token)
}

// Middleware проверяет токен и добавляет идентификатор пользователя в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := tokenFromRequest(r)
		if raw == "" {
			writeError(w, apperr.New(apperr.KindUnauthorized, "authentication required"))
			return
		}

		userID, err := a.parseToken(raw)
		if err != nil {
			writeError(w, apperr.New(apperr.KindUnauthorized, "invalid or expired token"))
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *AuthMiddleware) parseToken(raw string) (int64, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return a.secretKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return 0, err
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidToken
	}
	return id, nil
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if c, err := r.Cookie(authCookieName); err == nil {
		return c.Value
	}
	return ""
}

// GetUserIDFromContext извлекает идентификатор пользователя из контекста запроса.
func GetUserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}

// GetRoleFromContext возвращает роль, проверенную Guard.
func GetRoleFromContext(ctx context.Context) (model.Role, bool) {
	role, ok := ctx.Value(roleKey).(model.Role)
	return role, ok
}

// RoleLookup возвращает роль учётной записи из хранилища.
type RoleLookup interface {
	GetAccountRole(ctx context.Context, id int64) (model.Role, error)
}

// Guard пропускает запрос только для учётных записей с подходящей ролью.
// Роль всегда читается из хранилища, а не из запроса.
type Guard struct {
	roles  RoleLookup
	logger *zap.Logger
}

// NewGuard создаёт Guard.
func NewGuard(roles RoleLookup, logger *zap.Logger) *Guard {
	return &Guard{roles: roles, logger: logger}
}

// Require возвращает middleware, допускающий только перечисленные роли.
// Должен идти после AuthMiddleware.Middleware.
func (g *Guard) Require(allowed ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := GetUserIDFromContext(r.Context())
			if !ok {
				writeError(w, apperr.New(apperr.KindUnauthorized, "authentication required"))
				return
			}

			role, err := g.roles.GetAccountRole(r.Context(), userID)
			if err != nil {
				if errors.Is(err, repository.ErrUserNotFound) {
					writeError(w, apperr.New(apperr.KindUnauthorized, "account not found"))
					return
				}
				g.logger.Error("role lookup failed", zap.Int64("user_id", userID), zap.Error(err))
				writeError(w, err)
				return
			}

			for _, a := range allowed {
				if role == a {
					ctx := context.WithValue(r.Context(), roleKey, role)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			writeError(w, apperr.New(apperr.KindForbidden, "insufficient permissions"))
		})
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(apperr.KindOf(err)))
	_ = json.NewEncoder(w).Encode(apperr.BodyOf(err))
}
