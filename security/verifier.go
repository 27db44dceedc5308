// Package security implements the admission side of the gateway: token
// verification, intent guardrails, per-user quotas, and the audit trail.
package security

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/intentgate/intentgate/core"
)

// JWTVerifier validates HS256-signed bearer tokens against a configured
// issuer, audience, and shared secret.
type JWTVerifier struct {
	issuer   string
	audience string
	secret   []byte
	logger   core.Logger
}

// NewJWTVerifier creates a verifier. Issuer and audience checks apply only
// when the corresponding value is non-empty.
func NewJWTVerifier(auth core.AuthConfig, logger core.Logger) (*JWTVerifier, error) {
	if auth.SecretKey == "" {
		return nil, fmt.Errorf("verifier secret key: %w", core.ErrMissingConfiguration)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &JWTVerifier{
		issuer:   auth.Issuer,
		audience: auth.Audience,
		secret:   []byte(auth.SecretKey),
		logger:   logger,
	}, nil
}

// Verify parses and validates a bearer token and extracts the principal.
// User id claim precedence: registered subject, then "sub", then "oid".
func (v *JWTVerifier) Verify(ctx context.Context, token string) (core.Principal, error) {
	if token == "" {
		return core.Principal{}, fmt.Errorf("empty token: %w", core.ErrUnauthorized)
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, options...)
	if err != nil || !parsed.Valid {
		v.logger.Warn("Token verification failed", map[string]interface{}{
			"operation": "verify_token",
			"error":     errString(err),
		})
		return core.Principal{}, fmt.Errorf("token verification: %w", core.ErrUnauthorized)
	}

	userID := userIDFrom(claims)
	if userID == "" {
		return core.Principal{}, fmt.Errorf("%w: %w", core.ErrMissingUserClaim, core.ErrUnauthorized)
	}

	return core.Principal{
		UserID: userID,
		Roles:  rolesFrom(claims),
	}, nil
}

func userIDFrom(claims jwt.MapClaims) string {
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub
	}
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub
	}
	if oid, ok := claims["oid"].(string); ok && oid != "" {
		return oid
	}
	return ""
}

// rolesFrom reads the "roles" claim, accepting both a string array and a
// space-separated scope string.
func rolesFrom(claims jwt.MapClaims) []string {
	switch v := claims["roles"].(type) {
	case []interface{}:
		roles := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok && s != "" {
				roles = append(roles, s)
			}
		}
		return roles
	case string:
		if v == "" {
			return nil
		}
		return strings.Fields(v)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return "token invalid"
	}
	return err.Error()
}

// StaticVerifier maps literal tokens to principals. Dev mode and tests
// only; never deploy it against real traffic.
type StaticVerifier struct {
	tokens map[string]core.Principal
}

// NewStaticVerifier builds a verifier from a token → user id map.
func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	principals := make(map[string]core.Principal, len(tokens))
	for token, userID := range tokens {
		principals[token] = core.Principal{UserID: userID}
	}
	return &StaticVerifier{tokens: principals}
}

// WithPrincipal registers a full principal for a token.
func (v *StaticVerifier) WithPrincipal(token string, principal core.Principal) *StaticVerifier {
	v.tokens[token] = principal
	return v
}

// Verify looks the token up in the static table.
func (v *StaticVerifier) Verify(ctx context.Context, token string) (core.Principal, error) {
	if principal, ok := v.tokens[token]; ok {
		return principal, nil
	}
	return core.Principal{}, fmt.Errorf("unknown token: %w", core.ErrUnauthorized)
}
