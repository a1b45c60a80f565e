package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qcom/jwtauth/internal/models"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI accepts exactly one access token and records what it accepted.
type fakeAPI struct {
	mu       sync.Mutex
	valid    string
	accepted []string
	bodies   []string
}

func (f *fakeAPI) setValid(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid = token
}

func (f *fakeAPI) acceptedAuth() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.accepted...)
}

func (f *fakeAPI) acceptedBodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bodies...)
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/boom" {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if r.URL.Path == "/slow" {
		time.Sleep(200 * time.Millisecond)
	}

	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	defer f.mu.Unlock()
	auth := r.Header.Get("Authorization")
	if f.valid == "" || auth != "Bearer "+f.valid {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.accepted = append(f.accepted, auth)
	f.bodies = append(f.bodies, string(body))
	w.WriteHeader(http.StatusOK)
}

type fakeRefresher struct {
	api     *fakeAPI
	calls   atomic.Int32
	release chan struct{}
	pair    models.TokenPair
	err     error
	// accept makes the fake server honour the new access token.
	accept bool
}

func (f *fakeRefresher) RefreshTokens(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.accept {
		f.api.setValid(f.pair.AccessToken)
	}
	pair := f.pair
	return &pair, nil
}

type transportFixture struct {
	api       *fakeAPI
	server    *httptest.Server
	tokens    *TokenManager
	refresher *fakeRefresher
	transport *Transport
	client    *http.Client
	logouts   atomic.Int32
}

func newTransportFixture(t *testing.T) *transportFixture {
	t.Helper()
	logger, _ := test.NewNullLogger()

	f := &transportFixture{api: &fakeAPI{}}
	f.server = httptest.NewServer(f.api)
	t.Cleanup(f.server.Close)

	f.tokens = NewTokenManager(NewMemoryStorage(), logger)
	f.tokens.SetAccess("access-old")
	f.tokens.SetRefresh("refresh-old")
	f.tokens.SubscribeLogout(func() { f.logouts.Add(1) })

	f.refresher = &fakeRefresher{
		api:    f.api,
		pair:   models.TokenPair{AccessToken: "access-new", RefreshToken: "refresh-new"},
		accept: true,
	}
	f.transport = NewTransport(f.tokens, f.refresher, logger)
	f.client = &http.Client{Transport: f.transport}
	return f
}

func (f *transportFixture) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+path, nil)
	if err != nil {
		return nil, err
	}
	return f.client.Do(req)
}

func (f *transportFixture) waitForWaiters(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, waiting := f.transport.State()
		return waiting == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTransport_AttachesToken(t *testing.T) {
	f := newTransportFixture(t)
	f.api.setValid("access-old")

	resp, err := f.get(context.Background(), "/api/auth/me")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"Bearer access-old"}, f.api.acceptedAuth())
	assert.Zero(t, f.refresher.calls.Load())
}

func TestTransport_ConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	f := newTransportFixture(t)
	f.refresher.release = make(chan struct{})

	const n = 10
	var wg sync.WaitGroup
	statuses := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.get(context.Background(), "/api/dashboard/stats")
			if !assert.NoError(t, err) {
				return
			}
			resp.Body.Close()
			statuses <- resp.StatusCode
		}()
	}

	f.waitForWaiters(t, n)
	refreshing, _ := f.transport.State()
	assert.True(t, refreshing)

	close(f.refresher.release)
	wg.Wait()
	close(statuses)

	for status := range statuses {
		assert.Equal(t, http.StatusOK, status)
	}
	assert.Equal(t, int32(1), f.refresher.calls.Load())
	accepted := f.api.acceptedAuth()
	require.Len(t, accepted, n)
	for _, auth := range accepted {
		assert.Equal(t, "Bearer access-new", auth)
	}

	refresh, _ := f.tokens.Refresh()
	assert.Equal(t, "refresh-new", refresh)
	refreshing, waiting := f.transport.State()
	assert.False(t, refreshing)
	assert.Zero(t, waiting)
}

func TestTransport_CancelledWaiterLeavesQueue(t *testing.T) {
	f := newTransportFixture(t)
	f.refresher.release = make(chan struct{})

	// The cancelled caller triggers the refresh; the refresh must still
	// complete for the caller that stays.
	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := f.get(ctx, "/api/auth/me")
		cancelled <- err
	}()
	f.waitForWaiters(t, 1)

	done := make(chan int, 1)
	go func() {
		resp, err := f.get(context.Background(), "/api/auth/me")
		if !assert.NoError(t, err) {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()
	f.waitForWaiters(t, 2)

	cancel()
	err := <-cancelled
	assert.ErrorIs(t, err, context.Canceled)
	f.waitForWaiters(t, 1)

	close(f.refresher.release)
	assert.Equal(t, http.StatusOK, <-done)
	assert.Equal(t, int32(1), f.refresher.calls.Load())
	assert.Zero(t, f.logouts.Load())
}

func TestTransport_RefreshFailureRejectsEveryone(t *testing.T) {
	f := newTransportFixture(t)
	f.refresher.release = make(chan struct{})
	f.refresher.err = &APIError{Status: http.StatusForbidden, Message: "Invalid refresh token"}

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := f.get(context.Background(), "/api/auth/me")
			errs <- err
		}()
	}
	f.waitForWaiters(t, n)
	close(f.refresher.release)

	for i := 0; i < n; i++ {
		err := <-errs
		assert.ErrorIs(t, err, ErrSessionExpired)
		assert.Equal(t, http.StatusForbidden, StatusOf(err))
	}

	assert.Equal(t, int32(1), f.refresher.calls.Load())
	assert.Equal(t, int32(1), f.logouts.Load())
	_, ok := f.tokens.Access()
	assert.False(t, ok)
	_, ok = f.tokens.Refresh()
	assert.False(t, ok)
}

func TestTransport_NoRefreshToken(t *testing.T) {
	f := newTransportFixture(t)
	f.tokens.ClearRefresh()

	_, err := f.get(context.Background(), "/api/auth/me")
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Zero(t, f.refresher.calls.Load())
	assert.Equal(t, int32(1), f.logouts.Load())
	_, ok := f.tokens.Access()
	assert.False(t, ok)
}

func TestTransport_UnauthorizedAfterRetry(t *testing.T) {
	f := newTransportFixture(t)
	f.refresher.accept = false

	_, err := f.get(context.Background(), "/api/auth/me")
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int32(1), f.refresher.calls.Load(), "a retried request never refreshes again")
	assert.Equal(t, int32(1), f.logouts.Load())
	_, ok := f.tokens.Refresh()
	assert.False(t, ok)
}

func TestTransport_ReplaysBody(t *testing.T) {
	f := newTransportFixture(t)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/items", strings.NewReader(`{"name":"x"}`))
	require.NoError(t, err)
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{`{"name":"x"}`}, f.api.acceptedBodies())
}

func TestTransport_OtherErrorsPassThrough(t *testing.T) {
	f := newTransportFixture(t)

	resp, err := f.get(context.Background(), "/boom")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	f.client.Timeout = 50 * time.Millisecond
	_, err = f.get(context.Background(), "/slow")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrSessionExpired))

	assert.Zero(t, f.refresher.calls.Load(), "only a 401 may start a refresh")
	_, ok := f.tokens.Refresh()
	assert.True(t, ok)
}

func TestTransport_StaleTokenSkipsRefresh(t *testing.T) {
	f := newTransportFixture(t)
	f.tokens.SetAccess("access-new")

	token, err := f.transport.freshToken(context.Background(), "access-old")
	require.NoError(t, err)
	assert.Equal(t, "access-new", token)
	assert.Zero(t, f.refresher.calls.Load())
}
