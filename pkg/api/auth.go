package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trialmesh/chronicle/pkg/evidence"
)

// Claims are the JWT claims expected on every authenticated request. The
// subject is the raw actor identity; it is hashed into evidence bundles and
// never stored in clear.
type Claims struct {
	jwt.RegisteredClaims
	Role              string `json:"role"`
	DeviceFingerprint string `json:"device_fingerprint"`
	AuthAssurance     string `json:"auth_assurance"`
}

// ActorRef renders the role-prefixed actor reference recorded on events,
// e.g. "patient:subject-007" or "reviewer:dr-lin".
func (c *Claims) ActorRef() string {
	if c.Role == "" {
		return c.Subject
	}
	return c.Role + ":" + c.Subject
}

// Assurance maps the claim onto the evidence vocabulary; unknown or missing
// values degrade to none rather than failing the request.
func (c *Claims) Assurance() evidence.AuthAssurance {
	switch evidence.AuthAssurance(c.AuthAssurance) {
	case evidence.AssurancePassword, evidence.AssuranceMFA, evidence.AssuranceBiometric:
		return evidence.AuthAssurance(c.AuthAssurance)
	default:
		return evidence.AssuranceNone
	}
}

// JWTValidator validates bearer tokens and extracts claims.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator over an HMAC secret. An empty secret
// yields nil, which the middleware treats as "reject everything".
func NewJWTValidator(secret []byte) *JWTValidator {
	if len(secret) == 0 {
		return nil
	}
	return &JWTValidator{secret: secret}
}

// Validate parses and validates a JWT token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches validated claims to the context.
func WithPrincipal(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, principalKey, claims)
}

// PrincipalFrom retrieves the validated claims from the context.
func PrincipalFrom(ctx context.Context) (*Claims, error) {
	claims, ok := ctx.Value(principalKey).(*Claims)
	if !ok || claims == nil {
		return nil, errors.New("no principal in context")
	}
	return claims, nil
}

// publicPaths are endpoints that do not require authentication.
var publicPaths = []string{
	"/health",
}

// isPublicPath checks if the path should be accessible without auth.
func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// NewAuthMiddleware creates JWT auth middleware.
// If validator is nil, all non-public requests are rejected (fail closed).
func NewAuthMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteUnauthorized(w, "Missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			if validator == nil {
				WriteUnauthorized(w, "Authentication not configured")
				return
			}

			claims, err := validator.Validate(parts[1])
			if err != nil {
				WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				WriteUnauthorized(w, "Token subject is required")
				return
			}

			ctx := WithPrincipal(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
