package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qcom/jwtauth/internal/config"
	"github.com/qcom/jwtauth/internal/models"
	"github.com/qcom/jwtauth/internal/repository"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// AuthEvents receives lifecycle notifications, e.g. for metrics.
type AuthEvents interface {
	AuthEvent(event, outcome string)
}

type noopEvents struct{}

func (noopEvents) AuthEvent(string, string) {}

type AuthResult struct {
	User   *models.User
	Tokens models.TokenPair
}

type AuthService struct {
	users         repository.UserRepository
	store         repository.RefreshStore
	tokens        *JWTService
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	bcryptCost    int
	dummyHash     []byte
	events        AuthEvents
	logger        *logrus.Logger
}

func NewAuthService(
	users repository.UserRepository,
	store repository.RefreshStore,
	tokens *JWTService,
	jwtCfg *config.JWTConfig,
	securityCfg *config.SecurityConfig,
	logger *logrus.Logger,
) (*AuthService, error) {
	cost := securityCfg.BcryptCost
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}

	// Compared against on unknown emails so both failure paths cost a bcrypt run.
	dummyHash, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare password hasher: %w", err)
	}

	return &AuthService{
		users:         users,
		store:         store,
		tokens:        tokens,
		accessExpiry:  jwtCfg.AccessExpiry,
		refreshExpiry: jwtCfg.RefreshExpiry,
		bcryptCost:    cost,
		dummyHash:     dummyHash,
		events:        noopEvents{},
		logger:        logger,
	}, nil
}

func (s *AuthService) WithEvents(events AuthEvents) *AuthService {
	if events != nil {
		s.events = events
	}
	return s
}

func (s *AuthService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	if err := validateLogin(email, password); err != nil {
		return nil, err
	}

	user, err := s.users.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	hash := s.dummyHash
	if user != nil {
		hash = []byte(user.PasswordHash)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || user == nil {
		s.events.AuthEvent("login", "failure")
		return nil, ErrInvalidCredentials
	}

	result, err := s.issueSession(ctx, user)
	if err != nil {
		return nil, err
	}

	s.events.AuthEvent("login", "success")
	s.logger.WithField("user_id", user.ID).Info("User logged in")
	return result, nil
}

func (s *AuthService) Register(ctx context.Context, email, password, name string) (*AuthResult, error) {
	if err := validateRegistration(email, password, name); err != nil {
		return nil, err
	}

	user, err := s.createUser(ctx, email, password, name, models.RoleUser)
	if err != nil {
		if errors.Is(err, ErrUserExists) {
			s.events.AuthEvent("register", "conflict")
		}
		return nil, err
	}

	result, err := s.issueSession(ctx, user)
	if err != nil {
		return nil, err
	}

	s.events.AuthEvent("register", "success")
	s.logger.WithField("user_id", user.ID).Info("User registered")
	return result, nil
}

// EnsureUser creates a user with the given role unless the email is taken.
// Used to seed the demo accounts at startup.
func (s *AuthService) EnsureUser(ctx context.Context, email, password, name, role string) (*models.User, error) {
	existing, err := s.users.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if existing != nil {
		return existing, nil
	}
	return s.createUser(ctx, email, password, name, role)
}

func (s *AuthService) createUser(ctx context.Context, email, password, name, role string) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Email:        normalizeEmail(email),
		PasswordHash: string(hash),
		Name:         strings.TrimSpace(name),
		Role:         role,
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

// Refresh exchanges a valid refresh token for a new pair. The presented token
// is always invalidated: rotated on success, revoked on verification failure.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	if refreshToken == "" {
		return nil, ErrMissingToken
	}

	valid, err := s.store.IsValid(ctx, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to check refresh token: %w", err)
	}
	if !valid {
		s.revokeQuietly(ctx, refreshToken)
		// Stores drop entries once the token itself has expired.
		if _, verr := s.tokens.Verify(KindRefresh, refreshToken); errors.Is(verr, ErrTokenExpired) {
			s.events.AuthEvent("refresh", "invalid")
			return nil, fmt.Errorf("%w: %v", ErrInvalidRefreshToken, verr)
		}
		s.events.AuthEvent("refresh", "revoked")
		return nil, ErrTokenRevoked
	}

	payload, err := s.tokens.Verify(KindRefresh, refreshToken)
	if err != nil {
		s.revokeQuietly(ctx, refreshToken)
		s.events.AuthEvent("refresh", "invalid")
		return nil, fmt.Errorf("%w: %v", ErrInvalidRefreshToken, err)
	}

	user, err := s.users.GetByID(ctx, payload.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil {
		s.revokeQuietly(ctx, refreshToken)
		s.events.AuthEvent("refresh", "invalid")
		return nil, fmt.Errorf("%w: %v", ErrInvalidRefreshToken, ErrUserNotFound)
	}

	pair, refreshExpiresAt, err := s.issuePair(user)
	if err != nil {
		return nil, err
	}

	if err := s.store.Rotate(ctx, refreshToken, pair.RefreshToken, refreshExpiresAt); err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			// Another request rotated or revoked this token first.
			s.events.AuthEvent("refresh", "revoked")
			return nil, ErrTokenRevoked
		}
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	s.events.AuthEvent("refresh", "success")
	s.logger.WithField("user_id", user.ID).Debug("Refresh token rotated")
	return pair, nil
}

// Logout revokes refreshToken if present. Unknown tokens are not an error.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	if err := s.store.Revoke(ctx, refreshToken); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	s.events.AuthEvent("logout", "success")
	return nil
}

func (s *AuthService) Authenticate(accessToken string) (*TokenPayload, error) {
	if accessToken == "" {
		return nil, ErrUnauthenticated
	}

	payload, err := s.tokens.Verify(KindAccess, accessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	return payload, nil
}

// Authorize passes when roles is empty or contains the payload's role.
func (s *AuthService) Authorize(payload *TokenPayload, roles ...string) error {
	if payload == nil {
		return ErrUnauthenticated
	}
	if len(roles) == 0 || slices.Contains(roles, payload.Role) {
		return nil
	}
	return ErrForbidden
}

func (s *AuthService) CurrentUser(ctx context.Context, id string) (*models.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (s *AuthService) ListUsers(ctx context.Context) ([]models.User, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

func (s *AuthService) issueSession(ctx context.Context, user *models.User) (*AuthResult, error) {
	pair, refreshExpiresAt, err := s.issuePair(user)
	if err != nil {
		return nil, err
	}

	if err := s.store.Record(ctx, pair.RefreshToken, refreshExpiresAt); err != nil {
		return nil, fmt.Errorf("failed to record refresh token: %w", err)
	}

	return &AuthResult{User: user, Tokens: *pair}, nil
}

func (s *AuthService) issuePair(user *models.User) (*models.TokenPair, time.Time, error) {
	payload := TokenPayload{
		Subject: user.ID,
		Email:   user.Email,
		Role:    user.Role,
	}

	accessToken, err := s.tokens.Issue(KindAccess, payload, s.accessExpiry)
	if err != nil {
		return nil, time.Time{}, err
	}

	refreshToken, err := s.tokens.Issue(KindRefresh, payload, s.refreshExpiry)
	if err != nil {
		return nil, time.Time{}, err
	}

	// Matches the exp claim: both derive from the codec clock.
	refreshExpiresAt := s.tokens.now().Add(s.refreshExpiry)

	return &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, refreshExpiresAt, nil
}

func (s *AuthService) revokeQuietly(ctx context.Context, token string) {
	if err := s.store.Revoke(ctx, token); err != nil {
		s.logger.WithError(err).Warn("Failed to revoke refresh token")
	}
}
