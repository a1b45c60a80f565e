package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expirySkew treats tokens as expired slightly early so a request does not
// race the server's clock.
const expirySkew = 30 * time.Second

// TokenClaims is the unverified content of a token, for display and
// scheduling only. Never use it for authorization.
type TokenClaims struct {
	Subject   string
	Email     string
	Role      string
	Type      string
	ExpiresAt time.Time
}

type unverifiedClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	Type  string `json:"type"`
	jwt.RegisteredClaims
}

func DecodeToken(token string) (*TokenClaims, error) {
	claims := &unverifiedClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return nil, errors.New("token has no expiry")
	}

	return &TokenClaims{
		Subject:   claims.Subject,
		Email:     claims.Email,
		Role:      claims.Role,
		Type:      claims.Type,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func TokenExpiry(token string) (time.Time, error) {
	claims, err := DecodeToken(token)
	if err != nil {
		return time.Time{}, err
	}
	return claims.ExpiresAt, nil
}

// IsTokenExpired reports whether token is expired, expires within the skew,
// or cannot be decoded.
func IsTokenExpired(token string, now time.Time) bool {
	if token == "" {
		return true
	}
	exp, err := TokenExpiry(token)
	if err != nil {
		return true
	}
	return exp.Before(now.Add(expirySkew))
}
