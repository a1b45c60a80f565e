package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/qcom/jwtauth/internal/config"
	"github.com/qcom/jwtauth/internal/middleware"
	"github.com/qcom/jwtauth/internal/models"
	"github.com/qcom/jwtauth/internal/service"
	"github.com/sirupsen/logrus"
)

type AuthHandlers struct {
	errorResponder
	authService *service.AuthService
	logger      *logrus.Logger
}

func NewAuthHandlers(authService *service.AuthService, serverCfg *config.ServerConfig, logger *logrus.Logger) *AuthHandlers {
	return &AuthHandlers{
		errorResponder: errorResponder{logger: logger, development: serverCfg.IsDevelopment()},
		authService:    authService,
		logger:         logger,
	}
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type AuthResponse struct {
	User         models.PublicUser `json:"user"`
	AccessToken  string            `json:"accessToken"`
	RefreshToken string            `json:"refreshToken"`
}

func newAuthResponse(result *service.AuthResult) AuthResponse {
	return AuthResponse{
		User:         result.User.Public(),
		AccessToken:  result.Tokens.AccessToken,
		RefreshToken: result.Tokens.RefreshToken,
	}
}

func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			respondWithError(w, http.StatusBadRequest, "Email and password are required", verr.Fields...)
			return
		}
		h.respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, newAuthResponse(result))
}

func (h *AuthHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.authService.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, newAuthResponse(result))
}

func (h *AuthHandlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	// An unreadable body is treated as a missing token.
	_ = json.NewDecoder(r.Body).Decode(&req)

	pair, err := h.authService.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if !errors.Is(err, service.ErrMissingToken) {
			h.logger.WithError(err).Debug("Refresh rejected")
		}
		h.respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, pair)
}

// Logout requires a valid access token; the refresh token in the body is
// optional and revoked when present.
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := h.authService.Logout(r.Context(), req.RefreshToken); err != nil {
		h.logger.WithError(err).Warn("Failed to revoke refresh token on logout")
	}

	if payload, ok := middleware.PayloadFromContext(r.Context()); ok {
		h.logger.WithField("user_id", payload.Subject).Info("User logged out")
	}

	respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Logged out successfully"})
}

func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	payload, ok := middleware.PayloadFromContext(r.Context())
	if !ok {
		h.respondWithServiceError(w, r, service.ErrUnauthenticated)
		return
	}

	user, err := h.authService.CurrentUser(r.Context(), payload.Subject)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, user.Public())
}
