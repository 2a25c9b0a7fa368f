// Package auth validates the portal-issued JWTs that admit citizens to
// proctored sessions. Tokens are minted by the portal's identity service;
// this service only verifies them.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/civiq/proctor-backend/internal/config"
)

// TokenType distinguishes token audiences.
type TokenType string

const (
	// TokenTypeCitizen admits a citizen to take tests.
	TokenTypeCitizen TokenType = "citizen"
	// TokenTypeProctor admits a proctor to the live monitor channels.
	TokenTypeProctor TokenType = "proctor"
)

// Claims extends JWT standard claims with portal-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	TokenType TokenType `json:"token_type"`
	UserID    int       `json:"user_id"`
}

// Verifier checks portal tokens against the shared signing secret.
type Verifier struct {
	cfg *config.Config
}

// NewVerifier creates a Verifier.
func NewVerifier(cfg *config.Config) *Verifier {
	return &Verifier{cfg: cfg}
}

// ValidateToken parses and validates a JWT, returning the claims.
func (v *Verifier) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(v.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}
