package handlers

import (
	"net/http"

	"github.com/qcom/jwtauth/internal/config"
	"github.com/qcom/jwtauth/internal/models"
	"github.com/qcom/jwtauth/internal/service"
	"github.com/sirupsen/logrus"
)

type AdminHandlers struct {
	errorResponder
	authService *service.AuthService
}

func NewAdminHandlers(authService *service.AuthService, serverCfg *config.ServerConfig, logger *logrus.Logger) *AdminHandlers {
	return &AdminHandlers{
		errorResponder: errorResponder{logger: logger, development: serverCfg.IsDevelopment()},
		authService:    authService,
	}
}

func (h *AdminHandlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.authService.ListUsers(r.Context())
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	public := make([]models.PublicUser, 0, len(users))
	for i := range users {
		public = append(public, users[i].Public())
	}
	respondWithJSON(w, http.StatusOK, public)
}
