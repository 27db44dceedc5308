package security

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentgate/intentgate/core"
)

const testSecret = "test-secret-key"

func testAuthConfig() core.AuthConfig {
	return core.AuthConfig{
		Issuer:    "https://issuer.test",
		Audience:  "intentgate",
		SecretKey: testSecret,
	}
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss": "https://issuer.test",
		"aud": "intentgate",
		"sub": "user-9",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
}

func TestVerifyValidToken(t *testing.T) {
	verifier, err := NewJWTVerifier(testAuthConfig(), nil)
	require.NoError(t, err)

	principal, err := verifier.Verify(context.Background(), signToken(t, baseClaims()))
	require.NoError(t, err)
	assert.Equal(t, "user-9", principal.UserID)
}

func TestVerifyRolesClaim(t *testing.T) {
	verifier, err := NewJWTVerifier(testAuthConfig(), nil)
	require.NoError(t, err)

	claims := baseClaims()
	claims["roles"] = []interface{}{"reader", "admin"}
	principal, err := verifier.Verify(context.Background(), signToken(t, claims))
	require.NoError(t, err)
	assert.True(t, principal.HasRole("admin"))
	assert.False(t, principal.HasRole("owner"))

	claims["roles"] = "reader writer"
	principal, err = verifier.Verify(context.Background(), signToken(t, claims))
	require.NoError(t, err)
	assert.Equal(t, []string{"reader", "writer"}, principal.Roles)
}

func TestVerifyOIDFallback(t *testing.T) {
	verifier, err := NewJWTVerifier(testAuthConfig(), nil)
	require.NoError(t, err)

	claims := baseClaims()
	delete(claims, "sub")
	claims["oid"] = "object-id-3"
	principal, err := verifier.Verify(context.Background(), signToken(t, claims))
	require.NoError(t, err)
	assert.Equal(t, "object-id-3", principal.UserID)
}

func TestVerifyMissingUserClaim(t *testing.T) {
	verifier, err := NewJWTVerifier(testAuthConfig(), nil)
	require.NoError(t, err)

	claims := baseClaims()
	delete(claims, "sub")
	_, err = verifier.Verify(context.Background(), signToken(t, claims))
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestVerifyExpiredToken(t *testing.T) {
	verifier, err := NewJWTVerifier(testAuthConfig(), nil)
	require.NoError(t, err)

	claims := baseClaims()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	_, err = verifier.Verify(context.Background(), signToken(t, claims))
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestVerifyWrongIssuerOrAudience(t *testing.T) {
	verifier, err := NewJWTVerifier(testAuthConfig(), nil)
	require.NoError(t, err)

	claims := baseClaims()
	claims["iss"] = "https://someone-else.test"
	_, err = verifier.Verify(context.Background(), signToken(t, claims))
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	claims = baseClaims()
	claims["aud"] = "other-service"
	_, err = verifier.Verify(context.Background(), signToken(t, claims))
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestVerifyWrongSignature(t *testing.T) {
	verifier, err := NewJWTVerifier(testAuthConfig(), nil)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, baseClaims())
	signed, err := token.SignedString([]byte("different-secret"))
	require.NoError(t, err)

	_, err = verifier.Verify(context.Background(), signed)
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestVerifyEmptyAndGarbageTokens(t *testing.T) {
	verifier, err := NewJWTVerifier(testAuthConfig(), nil)
	require.NoError(t, err)

	_, err = verifier.Verify(context.Background(), "")
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	_, err = verifier.Verify(context.Background(), "not.a.jwt")
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestVerifierRequiresSecret(t *testing.T) {
	_, err := NewJWTVerifier(core.AuthConfig{}, nil)
	assert.ErrorIs(t, err, core.ErrMissingConfiguration)
}

func TestStaticVerifier(t *testing.T) {
	verifier := NewStaticVerifier(map[string]string{"dev-token": "dev-user"})
	verifier.WithPrincipal("admin-token", core.Principal{UserID: "root", Roles: []string{"admin"}})

	principal, err := verifier.Verify(context.Background(), "dev-token")
	require.NoError(t, err)
	assert.Equal(t, "dev-user", principal.UserID)

	principal, err = verifier.Verify(context.Background(), "admin-token")
	require.NoError(t, err)
	assert.True(t, principal.HasRole("admin"))

	_, err = verifier.Verify(context.Background(), "unknown")
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}
