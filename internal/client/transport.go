package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/qcom/jwtauth/internal/models"
	"github.com/sirupsen/logrus"
)

// ErrSessionExpired means the session cannot be recovered by a refresh; the
// tokens have been cleared and a logout broadcast.
var ErrSessionExpired = errors.New("session expired")

const defaultRefreshTimeout = 10 * time.Second

// Refresher exchanges a refresh token for a new pair. It must not go through
// a Transport, or a failing refresh would recurse.
type Refresher interface {
	RefreshTokens(ctx context.Context, refreshToken string) (*models.TokenPair, error)
}

type transportState int

const (
	stateIdle transportState = iota
	stateRefreshing
)

type refreshOutcome struct {
	token string
	err   error
}

// Transport attaches the access token to every request. On a 401 it runs one
// shared refresh, parks every other 401 until that refresh settles, and
// replays each request once with the new token.
type Transport struct {
	Base           http.RoundTripper
	RefreshTimeout time.Duration

	tokens    *TokenManager
	refresher Refresher
	logger    logrus.FieldLogger

	mu      sync.Mutex
	state   transportState
	pending []chan refreshOutcome
}

func NewTransport(tokens *TokenManager, refresher Refresher, logger logrus.FieldLogger) *Transport {
	return &Transport{
		RefreshTimeout: defaultRefreshTimeout,
		tokens:         tokens,
		refresher:      refresher,
		logger:         logger,
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	sent, _ := t.tokens.Access()

	resp, err := t.send(req, sent, req.Body)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		// Nothing to replay; let the caller see the 401.
		return resp, nil
	}
	discard(resp)

	token, err := t.freshToken(req.Context(), sent)
	if err != nil {
		return nil, err
	}

	body := req.Body
	if req.GetBody != nil {
		if body, err = req.GetBody(); err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
	}

	resp, err = t.send(req, token, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		t.logger.WithField("path", req.URL.Path).Warn("Request rejected after token refresh")
		t.expireSession()
		return nil, ErrSessionExpired
	}

	return resp, nil
}

// State reports whether a refresh is in flight and how many callers wait on it.
func (t *Transport) State() (refreshing bool, waiting int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == stateRefreshing, len(t.pending)
}

func (t *Transport) send(req *http.Request, token string, body io.ReadCloser) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.Body = body
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	} else {
		out.Header.Del("Authorization")
	}
	return t.base().RoundTrip(out)
}

// freshToken returns a token newer than sent, starting a refresh if none is
// running. A caller whose context ends stops waiting without disturbing the
// refresh or the other waiters.
func (t *Transport) freshToken(ctx context.Context, sent string) (string, error) {
	t.mu.Lock()

	// A refresh finished while this request was in flight.
	if current, ok := t.tokens.Access(); ok && current != sent {
		t.mu.Unlock()
		return current, nil
	}

	wait := make(chan refreshOutcome, 1)
	t.pending = append(t.pending, wait)
	if t.state == stateIdle {
		t.state = stateRefreshing
		go t.runRefresh(context.WithoutCancel(ctx))
	}
	t.mu.Unlock()

	select {
	case outcome := <-wait:
		return outcome.token, outcome.err
	case <-ctx.Done():
		t.mu.Lock()
		t.removePending(wait)
		t.mu.Unlock()
		return "", ctx.Err()
	}
}

func (t *Transport) runRefresh(ctx context.Context) {
	token, err := t.refresh(ctx)

	t.mu.Lock()
	waiters := t.pending
	t.pending = nil
	t.state = stateIdle
	t.mu.Unlock()

	for _, w := range waiters {
		w <- refreshOutcome{token: token, err: err}
	}
}

func (t *Transport) refresh(ctx context.Context) (string, error) {
	refreshToken, ok := t.tokens.Refresh()
	if !ok {
		t.logger.Debug("No refresh token available")
		t.expireSession()
		return "", ErrSessionExpired
	}

	ctx, cancel := context.WithTimeout(ctx, t.RefreshTimeout)
	defer cancel()

	pair, err := t.refresher.RefreshTokens(ctx, refreshToken)
	if err != nil {
		t.logger.WithError(err).Warn("Token refresh failed")
		t.expireSession()
		return "", fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}

	t.tokens.SetAccess(pair.AccessToken)
	if pair.RefreshToken != "" {
		t.tokens.SetRefresh(pair.RefreshToken)
	}
	t.logger.Debug("Access token refreshed")
	return pair.AccessToken, nil
}

func (t *Transport) expireSession() {
	t.tokens.ClearAll()
	t.tokens.BroadcastLogout()
}

func (t *Transport) removePending(wait chan refreshOutcome) {
	for i, w := range t.pending {
		if w == wait {
			t.pending = append(t.pending[:i:i], t.pending[i+1:]...)
			return
		}
	}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func discard(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()
}
