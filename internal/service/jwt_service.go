package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/qcom/jwtauth/internal/config"
	"github.com/sirupsen/logrus"
)

type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

var (
	ErrTokenExpired          = errors.New("token expired")
	ErrTokenMalformed        = errors.New("token malformed")
	ErrTokenSignatureInvalid = errors.New("token signature invalid")
)

// TokenPayload is the identity carried inside a signed token. Role is only
// set on access tokens.
type TokenPayload struct {
	Subject   string
	Email     string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
	Type  string `json:"type"`
	jwt.RegisteredClaims
}

// JWTService signs and verifies HS256 tokens. Access and refresh tokens use
// separate secrets, so one kind never verifies as the other.
type JWTService struct {
	secrets map[TokenKind][]byte
	now     func() time.Time
	logger  *logrus.Logger
}

func NewJWTService(cfg *config.JWTConfig, logger *logrus.Logger) (*JWTService, error) {
	accessSecret := []byte(cfg.AccessSecret)
	refreshSecret := []byte(cfg.RefreshSecret)
	if len(accessSecret) < 32 || len(refreshSecret) < 32 {
		return nil, fmt.Errorf("secret keys must be at least 32 bytes")
	}

	return &JWTService{
		secrets: map[TokenKind][]byte{
			KindAccess:  accessSecret,
			KindRefresh: refreshSecret,
		},
		now:    time.Now,
		logger: logger,
	}, nil
}

// WithClock replaces the time source used for issuing and verifying.
func (s *JWTService) WithClock(now func() time.Time) *JWTService {
	s.now = now
	return s
}

func (s *JWTService) Issue(kind TokenKind, payload TokenPayload, ttl time.Duration) (string, error) {
	secret, ok := s.secrets[kind]
	if !ok {
		return "", fmt.Errorf("unknown token kind %q", kind)
	}

	now := s.now()
	claims := &Claims{
		Email: payload.Email,
		Type:  string(kind),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   payload.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.New().String(),
		},
	}
	if kind == KindAccess {
		claims.Role = payload.Role
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		s.logger.WithError(err).WithField("kind", kind).Error("Failed to sign token")
		return "", fmt.Errorf("failed to sign %s token: %w", kind, err)
	}

	return signed, nil
}

// Verify checks signature and expiry of tokenString for the given kind. It
// fails with ErrTokenExpired, ErrTokenMalformed or ErrTokenSignatureInvalid.
func (s *JWTService) Verify(kind TokenKind, tokenString string) (*TokenPayload, error) {
	secret, ok := s.secrets[kind]
	if !ok {
		return nil, fmt.Errorf("unknown token kind %q", kind)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, classify(err)
	}

	if !token.Valid {
		return nil, ErrTokenMalformed
	}
	if claims.Type != string(kind) || claims.Subject == "" {
		return nil, fmt.Errorf("%w: expected %s token", ErrTokenMalformed, kind)
	}

	payload := &TokenPayload{
		Subject:   claims.Subject,
		Email:     claims.Email,
		Role:      claims.Role,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		payload.IssuedAt = claims.IssuedAt.Time
	}

	return payload, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrTokenSignatureInvalid
	default:
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
}
