package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey struct{}

var identityKey contextKey

// Identity is the authenticated caller, placed in the request context by
// Middleware.
type Identity struct {
	UserID string
	Role   Role
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}

func Middleware(jwtSecret string, next http.Handler) http.Handler {
	secret := []byte(jwtSecret)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		identity, problem := identityFromHeader(secret, header)
		if problem != "" {
			writeError(w, http.StatusUnauthorized, problem)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OptionalMiddleware attaches an identity when a Bearer token is presented but
// lets anonymous requests through. A token that is present and invalid is
// still rejected.
func OptionalMiddleware(jwtSecret string, next http.Handler) http.Handler {
	secret := []byte(jwtSecret)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}

		identity, problem := identityFromHeader(secret, header)
		if problem != "" {
			writeError(w, http.StatusUnauthorized, problem)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFromHeader(secret []byte, header string) (Identity, string) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return Identity{}, "invalid authorization format"
	}

	tokenStr := strings.TrimSpace(parts[1])
	if tokenStr == "" {
		return Identity{}, "invalid authorization token"
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return Identity{}, "invalid or expired token"
	}
	if tokenType, _ := claims["typ"].(string); tokenType != "access" {
		return Identity{}, "invalid token type"
	}

	subject, _ := claims["sub"].(string)
	roleClaim, _ := claims["role"].(string)
	if subject == "" {
		return Identity{}, "invalid token subject"
	}

	return Identity{UserID: subject, Role: Role(roleClaim)}, ""
}

// RequireRole gates a handler behind Middleware to the listed roles.
func RequireRole(next http.Handler, roles ...Role) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing identity")
			return
		}

		for _, role := range roles {
			if identity.Role == role {
				next.ServeHTTP(w, r)
				return
			}
		}

		writeError(w, http.StatusForbidden, "insufficient role")
	})
}
