package enrollment

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/certrotation/core/logger"
)

// RoleAdmin is required for all enrollment operations
const RoleAdmin = "admin"

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

const contextKeyAuthorization contextKey = "_authorization_"

// Authorization is the authenticated caller
type Authorization struct {
	Subject string   `json:"sub"`
	Roles   []string `json:"roles"`
}

// HasRole returns true if the authorization contains the requested role
func (a *Authorization) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, hasRole := range a.Roles {
		if role == hasRole {
			return true
		}
	}
	return false
}

// ContextWithAuthorization returns a new context with the authorization
func ContextWithAuthorization(ctx context.Context, auth *Authorization) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, auth)
}

// AuthorizationFromContext retrieves an authorization from the context
func AuthorizationFromContext(ctx context.Context) *Authorization {
	auth, _ := ctx.Value(contextKeyAuthorization).(*Authorization)
	return auth
}

type claims struct {
	Roles []string `json:"roles"`
	jwt.StandardClaims
}

// NewJwtMiddleware returns a middleware handler to validate HS256 signed JWT bearer
// tokens. It returns http.StatusUnauthorized for missing or invalid tokens.
func NewJwtMiddleware(secret []byte) mux.MiddlewareFunc {
	if len(secret) == 0 {
		panic("jwt secret is missing")
	}
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	}

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rlog := logger.FromContext(r.Context())
			bearer := r.Header.Get("Authorization")
			if len(bearer) < 8 || strings.ToLower(bearer[:7]) != "bearer " {
				http.Error(w, "bearer token missing", http.StatusUnauthorized)
				return
			}

			var c claims
			token, err := jwt.ParseWithClaims(bearer[7:], &c, keyFunc)
			if err != nil || !token.Valid {
				rlog.WithError(err).Infoln("rejected bearer token")
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}
			auth := &Authorization{Subject: c.Subject, Roles: c.Roles}
			h.ServeHTTP(w, r.WithContext(ContextWithAuthorization(r.Context(), auth)))
		})
	}
}

// NewToken returns an HS256 signed token for the subject with the given roles
func NewToken(secret []byte, subject string, roles ...string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Roles:          roles,
		StandardClaims: jwt.StandardClaims{Subject: subject},
	})
	return token.SignedString(secret)
}
