package auth_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civiq/proctor-backend/internal/auth"
	"github.com/civiq/proctor-backend/internal/config"
)

func mint(t *testing.T, secret string, claims auth.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func citizenClaims(userID int, exp time.Duration) auth.Claims {
	return auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(exp)),
		},
		TokenType: auth.TokenTypeCitizen,
		UserID:    userID,
	}
}

func TestValidateTokenRoundTrip(t *testing.T) {
	cfg := &config.Config{JWTSecret: "secret"}
	v := auth.NewVerifier(cfg)

	claims, err := v.ValidateToken(mint(t, "secret", citizenClaims(42, time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 42, claims.UserID)
	assert.Equal(t, auth.TokenTypeCitizen, claims.TokenType)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	v := auth.NewVerifier(&config.Config{JWTSecret: "secret"})
	_, err := v.ValidateToken(mint(t, "other", citizenClaims(42, time.Hour)))
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	v := auth.NewVerifier(&config.Config{JWTSecret: "secret"})
	_, err := v.ValidateToken(mint(t, "secret", citizenClaims(42, -time.Minute)))
	assert.Error(t, err)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	v := auth.NewVerifier(&config.Config{JWTSecret: "secret"})
	_, err := v.ValidateToken("not-a-token")
	assert.Error(t, err)
}
