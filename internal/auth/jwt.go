// Package auth provides JWT-based authentication middleware and zone/branch
// access checks.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/muawin/muawin/internal/logging"
	"github.com/muawin/muawin/internal/metrics"
	"github.com/muawin/muawin/pkg/protocol"
)

type contextKey string

const (
	userContextKey contextKey = "user"
)

// RoleAdmin may read and write every zone and branch.
const RoleAdmin = "Admin"

// Issuer is stamped into tokens minted by IssueToken.
const Issuer = "muawin"

// ErrForbidden is returned by Require when the caller's scope does not cover
// the requested zone/branch.
var ErrForbidden = errors.New("access to this zone/branch is not permitted")

// Claims holds JWT token claims.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Zone     string `json:"zone,omitempty"`
	Branch   string `json:"branch,omitempty"`
	jwt.RegisteredClaims
}

// IsAdmin reports whether the claims carry the Admin role.
func (c *Claims) IsAdmin() bool {
	return c != nil && strings.EqualFold(c.Role, RoleAdmin)
}

// Auth handles JWT authentication.
type Auth struct {
	secret []byte
}

// New creates a new Auth handler.
func New(jwtSecret string) *Auth {
	return &Auth{secret: []byte(jwtSecret)}
}

// Middleware returns HTTP middleware that validates JWT tokens.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, r, http.StatusUnauthorized, "missing authentication token")
			return
		}

		claims, err := a.ValidateToken(tokenStr)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			logging.WithContext(r.Context()).Debug("token rejected", zap.Error(err))
			sendAuthError(w, r, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}

		metrics.RecordAuthAttempt(true)
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(userContextKey).(*Claims)
	return claims
}

// WithClaims injects claims into a context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, userContextKey, claims)
}

// CanAccess reports whether claims may touch the given zone/branch.
// Admins may touch any scope; everyone else only their own.
func CanAccess(claims *Claims, zone, branch string) bool {
	if claims == nil {
		return false
	}
	if claims.IsAdmin() {
		return true
	}
	return claims.Zone != "" && claims.Zone == zone && claims.Branch == branch
}

// Require is CanAccess with metrics and a typed error.
func Require(claims *Claims, zone, branch string) error {
	ok := CanAccess(claims, zone, branch)
	metrics.RecordScopeCheck(ok)
	if !ok {
		return ErrForbidden
	}
	return nil
}

// ValidateToken verifies an HS256 token and returns its claims.
func (a *Auth) ValidateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Role == "" {
		return nil, fmt.Errorf("token has no role")
	}
	return claims, nil
}

// IssueToken signs claims with the server secret. A zero ttl means the token
// never expires. Used by operators and tests; login lives upstream.
func (a *Auth) IssueToken(claims Claims, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	if claims.Issuer == "" {
		claims.Issuer = Issuer
	}
	if claims.Subject == "" {
		claims.Subject = claims.UserID
	}
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	tokenStr, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, exp, nil
}

func extractToken(r *http.Request) string {
	// Bearer token from Authorization header
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Query parameter fallback for EventSource clients
	return r.URL.Query().Get("token")
}

func sendAuthError(w http.ResponseWriter, r *http.Request, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error:     message,
		Code:      code,
		RequestID: logging.GetRequestID(r.Context()),
	})
}
