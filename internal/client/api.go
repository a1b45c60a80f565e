package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/qcom/jwtauth/internal/models"
	"github.com/sirupsen/logrus"
)

const DefaultTimeout = 10 * time.Second

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int          `json:"-"`
	Message string       `json:"message"`
	Errors  []FieldError `json:"errors,omitempty"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, f := range e.Errors {
		msgs = append(msgs, f.Message)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Message, strings.Join(msgs, "; "), e.Status)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

type Session struct {
	User         models.PublicUser `json:"user"`
	AccessToken  string            `json:"accessToken"`
	RefreshToken string            `json:"refreshToken"`
}

type DashboardStats struct {
	TotalUsers  int `json:"totalUsers"`
	ActiveUsers int `json:"activeUsers"`
	Projects    int `json:"projects"`
	Completed   int `json:"completed"`
}

type Activity struct {
	Icon  string `json:"icon"`
	Title string `json:"title"`
	Time  string `json:"time"`
}

type Config struct {
	// BaseURL includes the /api prefix, e.g. http://localhost:3000/api.
	BaseURL string
	Timeout time.Duration
	// Transport carries both clients; defaults to http.DefaultTransport.
	Transport http.RoundTripper
	Logger    logrus.FieldLogger
}

// API talks to the auth server. Public calls (login, register, refresh,
// logout) bypass the refreshing transport; every other call goes through it.
type API struct {
	baseURL   string
	public    *http.Client
	private   *http.Client
	transport *Transport
	tokens    *TokenManager
	logger    logrus.FieldLogger
}

func NewAPI(cfg Config, tokens *TokenManager) *API {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	api := &API{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		public: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		tokens: tokens,
		logger: cfg.Logger,
	}

	api.transport = NewTransport(tokens, api, cfg.Logger)
	api.transport.Base = cfg.Transport
	api.transport.RefreshTimeout = cfg.Timeout
	api.private = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: api.transport,
	}

	return api
}

func (a *API) Tokens() *TokenManager {
	return a.tokens
}

func (a *API) Transport() *Transport {
	return a.transport
}

func (a *API) Login(ctx context.Context, email, password string) (*Session, error) {
	var session Session
	body := map[string]string{"email": email, "password": password}
	if err := a.do(ctx, a.public, http.MethodPost, "/auth/login", nil, body, &session); err != nil {
		return nil, err
	}
	a.storeSession(&session)
	return &session, nil
}

func (a *API) Register(ctx context.Context, email, password, name string) (*Session, error) {
	var session Session
	body := map[string]string{"email": email, "password": password, "name": name}
	if err := a.do(ctx, a.public, http.MethodPost, "/auth/register", nil, body, &session); err != nil {
		return nil, err
	}
	a.storeSession(&session)
	return &session, nil
}

// RefreshTokens implements Refresher. It does not touch the token manager.
func (a *API) RefreshTokens(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	var pair models.TokenPair
	body := map[string]string{"refreshToken": refreshToken}
	if err := a.do(ctx, a.public, http.MethodPost, "/auth/refresh", nil, body, &pair); err != nil {
		return nil, err
	}
	return &pair, nil
}

// Logout clears local tokens first, then tells the server. A missing or
// rejected access token is replaced through a refresh so the server still
// revokes the session. The server call is best effort; its error is returned
// for reporting only.
func (a *API) Logout(ctx context.Context) error {
	access, _ := a.tokens.Access()
	refresh, _ := a.tokens.Refresh()
	a.tokens.ClearAll()

	err := a.serverLogout(ctx, access, refresh)
	if refresh != "" && (access == "" || StatusOf(err) == http.StatusUnauthorized) {
		pair, rerr := a.RefreshTokens(ctx, refresh)
		switch {
		case StatusOf(rerr) == http.StatusForbidden:
			// Already invalid server-side.
			err = nil
		case rerr != nil:
			err = rerr
		default:
			err = a.serverLogout(ctx, pair.AccessToken, pair.RefreshToken)
		}
	}

	if err != nil {
		a.logger.WithError(err).Warn("Server logout failed")
		return err
	}
	return nil
}

func (a *API) serverLogout(ctx context.Context, access, refresh string) error {
	if access == "" {
		return nil
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+access)
	body := map[string]string{"refreshToken": refresh}
	return a.do(ctx, a.public, http.MethodPost, "/auth/logout", header, body, nil)
}

func (a *API) Me(ctx context.Context) (*models.PublicUser, error) {
	var user models.PublicUser
	if err := a.GetJSON(ctx, "/auth/me", &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (a *API) DashboardStats(ctx context.Context) (*DashboardStats, error) {
	var stats DashboardStats
	if err := a.GetJSON(ctx, "/dashboard/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (a *API) DashboardActivity(ctx context.Context) ([]Activity, error) {
	var activity []Activity
	if err := a.GetJSON(ctx, "/dashboard/activity", &activity); err != nil {
		return nil, err
	}
	return activity, nil
}

func (a *API) Users(ctx context.Context) ([]models.PublicUser, error) {
	var users []models.PublicUser
	if err := a.GetJSON(ctx, "/admin/users", &users); err != nil {
		return nil, err
	}
	return users, nil
}

// GetJSON performs an authenticated GET of path and decodes the response
// into out.
func (a *API) GetJSON(ctx context.Context, path string, out interface{}) error {
	return a.do(ctx, a.private, http.MethodGet, path, nil, nil, out)
}

func (a *API) storeSession(session *Session) {
	a.tokens.SetAccess(session.AccessToken)
	a.tokens.SetRefresh(session.RefreshToken)
}

func (a *API) do(ctx context.Context, httpClient *http.Client, method, path string, header http.Header, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range header {
		req.Header[key] = values
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid response from %s: %w", path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
