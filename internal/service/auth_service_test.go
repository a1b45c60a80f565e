package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/qcom/jwtauth/internal/config"
	"github.com/qcom/jwtauth/internal/models"
	"github.com/qcom/jwtauth/internal/repository"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type recordedEvents struct {
	mu     sync.Mutex
	events []string
}

func (r *recordedEvents) AuthEvent(event, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event+":"+outcome)
}

type authFixture struct {
	svc    *AuthService
	users  *repository.MemoryUserRepository
	store  *repository.MemoryRefreshStore
	jwt    *JWTService
	events *recordedEvents
	now    time.Time
}

func (f *authFixture) clock() time.Time { return f.now }

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	logger, _ := test.NewNullLogger()

	f := &authFixture{now: time.Now(), events: &recordedEvents{}}
	f.users = repository.NewMemoryUserRepository()
	f.store = repository.NewMemoryRefreshStore(logger).WithClock(f.clock)
	f.jwt = newTestJWTService(t, f.clock)

	svc, err := NewAuthService(f.users, f.store, f.jwt, &testJWTConfig, &config.SecurityConfig{BcryptCost: bcrypt.MinCost}, logger)
	require.NoError(t, err)
	f.svc = svc.WithEvents(f.events)

	_, err = f.svc.EnsureUser(context.Background(), "demo@example.com", "password123", "Demo User", models.RoleAdmin)
	require.NoError(t, err)
	return f
}

func TestLogin_Success(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	result, err := f.svc.Login(ctx, "demo@example.com", "password123")
	require.NoError(t, err)

	assert.Equal(t, "demo@example.com", result.User.Email)
	assert.Equal(t, models.RoleAdmin, result.User.Role)

	valid, err := f.store.IsValid(ctx, result.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.True(t, valid, "issued refresh token must be recorded")

	payload, err := f.svc.Authenticate(result.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, result.User.ID, payload.Subject)
	assert.Equal(t, models.RoleAdmin, payload.Role)
	assert.Contains(t, f.events.events, "login:success")
}

func TestLogin_InvalidCredentials(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{name: "wrong password", email: "demo@example.com", password: "wrong-password"},
		{name: "unknown email", email: "ghost@example.com", password: "password123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.svc.Login(ctx, tt.email, tt.password)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
			assert.Nil(t, result)
		})
	}
	assert.Equal(t, 0, f.store.Len(), "no token may be issued for invalid credentials")
}

func TestLogin_MissingFields(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.svc.Login(context.Background(), "", "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 2)
}

func TestRegister(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	result, err := f.svc.Register(ctx, "  New.User@Example.com ", "secret1", "  New User ")
	require.NoError(t, err)
	assert.Equal(t, "new.user@example.com", result.User.Email)
	assert.Equal(t, "New User", result.User.Name)
	assert.Equal(t, models.RoleUser, result.User.Role)
	assert.NotEqual(t, "secret1", result.User.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(result.User.PasswordHash), []byte("secret1")))

	valid, err := f.store.IsValid(ctx, result.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.True(t, valid)

	_, err = f.svc.Register(ctx, "demo@example.com", "password123", "Someone")
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestRegister_Validation(t *testing.T) {
	f := newAuthFixture(t)

	tests := []struct {
		name                      string
		email, password, userName string
		fields                    []string
	}{
		{name: "all missing", fields: []string{"email", "password", "name"}},
		{name: "bad email", email: "not-an-email", password: "secret1", userName: "Al", fields: []string{"email"}},
		{name: "short password", email: "a@b.io", password: "12345", userName: "Al", fields: []string{"password"}},
		{name: "short name", email: "a@b.io", password: "secret1", userName: "A", fields: []string{"name"}},
		{name: "long name", email: "a@b.io", password: "secret1", userName: strings.Repeat("n", 51), fields: []string{"name"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Register(context.Background(), tt.email, tt.password, tt.userName)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)

			var fields []string
			for _, fe := range verr.Fields {
				fields = append(fields, fe.Field)
			}
			assert.Equal(t, tt.fields, fields)
		})
	}
}

func TestRefresh_RotatesExactlyOnce(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	login, err := f.svc.Login(ctx, "demo@example.com", "password123")
	require.NoError(t, err)
	old := login.Tokens.RefreshToken

	pair, err := f.svc.Refresh(ctx, old)
	require.NoError(t, err)
	assert.NotEqual(t, old, pair.RefreshToken)

	oldValid, _ := f.store.IsValid(ctx, old)
	newValid, _ := f.store.IsValid(ctx, pair.RefreshToken)
	assert.False(t, oldValid)
	assert.True(t, newValid)

	_, err = f.svc.Authenticate(pair.AccessToken)
	assert.NoError(t, err)

	_, err = f.svc.Refresh(ctx, old)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestRefresh_Failures(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	_, err := f.svc.Refresh(ctx, "")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = f.svc.Refresh(ctx, "never-issued")
	assert.ErrorIs(t, err, ErrTokenRevoked)

	// Recorded but not verifiable: revoked defensively.
	require.NoError(t, f.store.Record(ctx, "forged", f.now.Add(time.Hour)))
	_, err = f.svc.Refresh(ctx, "forged")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	valid, _ := f.store.IsValid(ctx, "forged")
	assert.False(t, valid)

	// An access token is never accepted as a refresh token.
	login, err := f.svc.Login(ctx, "demo@example.com", "password123")
	require.NoError(t, err)
	require.NoError(t, f.store.Record(ctx, login.Tokens.AccessToken, f.now.Add(time.Hour)))
	_, err = f.svc.Refresh(ctx, login.Tokens.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefresh_ExpiredToken(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	login, err := f.svc.Login(ctx, "demo@example.com", "password123")
	require.NoError(t, err)

	f.now = f.now.Add(testJWTConfig.RefreshExpiry + time.Minute)
	_, err = f.svc.Refresh(ctx, login.Tokens.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	assert.NotErrorIs(t, err, ErrTokenRevoked)
	assert.Equal(t, 0, f.store.Len())
	assert.Contains(t, f.events.events, "refresh:invalid")
}

func TestRefresh_UnknownSubject(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	token, err := f.jwt.Issue(KindRefresh, TokenPayload{Subject: "deleted-user", Email: "x@example.com"}, time.Hour)
	require.NoError(t, err)
	require.NoError(t, f.store.Record(ctx, token, f.now.Add(time.Hour)))

	_, err = f.svc.Refresh(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	valid, _ := f.store.IsValid(ctx, token)
	assert.False(t, valid)
}

func TestRefresh_ConcurrentSingleWinner(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	login, err := f.svc.Login(ctx, "demo@example.com", "password123")
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Refresh(ctx, login.Tokens.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success := 0
	for err := range results {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrTokenRevoked) {
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}
	assert.Equal(t, 1, success)
	assert.Equal(t, 1, f.store.Len())
}

func TestLogout(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	login, err := f.svc.Login(ctx, "demo@example.com", "password123")
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, login.Tokens.RefreshToken))
	valid, _ := f.store.IsValid(ctx, login.Tokens.RefreshToken)
	assert.False(t, valid)

	assert.NoError(t, f.svc.Logout(ctx, login.Tokens.RefreshToken), "second logout is a no-op")
	assert.NoError(t, f.svc.Logout(ctx, ""))
}

func TestAuthenticate(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	_, err := f.svc.Authenticate("")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = f.svc.Authenticate("garbage")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.ErrorIs(t, err, ErrTokenMalformed)

	login, err := f.svc.Login(ctx, "demo@example.com", "password123")
	require.NoError(t, err)

	f.now = f.now.Add(16 * time.Minute)
	_, err = f.svc.Authenticate(login.Tokens.AccessToken)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestAuthorize(t *testing.T) {
	f := newAuthFixture(t)

	admin := &TokenPayload{Subject: "1", Role: models.RoleAdmin}
	user := &TokenPayload{Subject: "2", Role: models.RoleUser}

	assert.NoError(t, f.svc.Authorize(user))
	assert.NoError(t, f.svc.Authorize(admin, models.RoleAdmin))
	assert.ErrorIs(t, f.svc.Authorize(user, models.RoleAdmin), ErrForbidden)
	assert.NoError(t, f.svc.Authorize(user, models.RoleAdmin, models.RoleUser))
	assert.ErrorIs(t, f.svc.Authorize(nil), ErrUnauthenticated)
}

func TestCurrentUserAndList(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	login, err := f.svc.Login(ctx, "demo@example.com", "password123")
	require.NoError(t, err)

	user, err := f.svc.CurrentUser(ctx, login.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "Demo User", user.Name)

	_, err = f.svc.CurrentUser(ctx, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)

	users, err := f.svc.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestEnsureUser_Idempotent(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	again, err := f.svc.EnsureUser(ctx, "demo@example.com", "other-password", "Other", models.RoleUser)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, again.Role)

	_, err = f.svc.Login(ctx, "demo@example.com", "password123")
	assert.NoError(t, err)
}
