// middleware/auth.go
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/sessions"
	"go.uber.org/zap"
)

type ctxKey int

const userIDKey ctxKey = iota

// WithUserID returns ctx carrying the authenticated user id.
func WithUserID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserID returns the id stored by Auth.
func UserID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok && id > 0
}

type AuthConfig struct {
	Sessions    sessions.Store
	SessionName string
	JWTSecret   []byte
}

// Auth identifies the caller from the login service's session cookie or from
// a bearer JWT carrying a user_id claim. Login itself happens elsewhere.
func Auth(cfg AuthConfig, l *zap.Logger) func(http.Handler) http.Handler {
	if l == nil {
		l = zap.NewNop()
	}
	if cfg.SessionName == "" {
		cfg.SessionName = "session"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id, ok := sessionUser(cfg, r); ok {
				next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "Login required.")
				return
			}

			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				unauthorized(w, "Invalid token format.")
				return
			}

			id, err := tokenUser(cfg.JWTSecret, tokenParts[1])
			if err != nil {
				l.Debug("rejected bearer token", zap.Error(err))
				unauthorized(w, "Invalid token.")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
		})
	}
}

func sessionUser(cfg AuthConfig, r *http.Request) (int64, bool) {
	if cfg.Sessions == nil {
		return 0, false
	}
	session, err := cfg.Sessions.Get(r, cfg.SessionName)
	if err != nil {
		return 0, false
	}
	if auth, ok := session.Values["authenticated"].(bool); !ok || !auth {
		return 0, false
	}
	return parseUserID(session.Values["user_id"])
}

func tokenUser(secret []byte, raw string) (int64, error) {
	if len(secret) == 0 {
		return 0, fmt.Errorf("bearer tokens disabled")
	}

	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return 0, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, fmt.Errorf("invalid token claims")
	}
	id, ok := parseUserID(claims["user_id"])
	if !ok {
		return 0, fmt.Errorf("invalid user_id claim %v", claims["user_id"])
	}
	return id, nil
}

// parseUserID accepts the shapes a user id takes after a trip through a
// cookie codec or JSON: integers, integral floats and decimal strings.
func parseUserID(v interface{}) (int64, bool) {
	var id int64
	switch x := v.(type) {
	case int:
		id = int64(x)
	case int64:
		id = x
	case float64:
		if x != math.Trunc(x) || x > math.MaxInt64 {
			return 0, false
		}
		id = int64(x)
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return 0, false
		}
		id = n
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, false
		}
		id = n
	default:
		return 0, false
	}
	return id, id > 0
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "error",
		"errorName": "Unauthorized",
		"message":   message,
	})
}
