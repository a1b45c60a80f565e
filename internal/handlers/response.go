package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/qcom/jwtauth/internal/service"
	"github.com/sirupsen/logrus"
)

type ErrorResponse struct {
	Message string               `json:"message"`
	Errors  []service.FieldError `json:"errors,omitempty"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

func respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, status int, message string, fields ...service.FieldError) {
	respondWithJSON(w, status, ErrorResponse{Message: message, Errors: fields})
}

// errorResponder turns service errors into HTTP responses. Unexpected errors
// are logged and their text only reaches the client in development.
type errorResponder struct {
	logger      *logrus.Logger
	development bool
}

func (e errorResponder) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		respondWithError(w, http.StatusBadRequest, "Validation failed", verr.Fields...)
	case errors.Is(err, service.ErrInvalidCredentials):
		respondWithError(w, http.StatusUnauthorized, "Invalid credentials")
	case errors.Is(err, service.ErrUserExists):
		respondWithError(w, http.StatusConflict, "User already exists")
	case errors.Is(err, service.ErrMissingToken):
		respondWithError(w, http.StatusUnauthorized, "Refresh token required")
	case errors.Is(err, service.ErrTokenRevoked):
		respondWithError(w, http.StatusForbidden, "Invalid refresh token")
	case errors.Is(err, service.ErrInvalidRefreshToken):
		respondWithError(w, http.StatusForbidden, "Invalid or expired refresh token")
	case errors.Is(err, service.ErrUnauthenticated):
		respondWithError(w, http.StatusUnauthorized, "Invalid or expired access token")
	case errors.Is(err, service.ErrForbidden):
		respondWithError(w, http.StatusForbidden, "Insufficient permissions for this resource")
	case errors.Is(err, service.ErrUserNotFound):
		respondWithError(w, http.StatusNotFound, "User not found")
	default:
		e.logger.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("Request failed")

		message := "Internal server error"
		if e.development {
			message = err.Error()
		}
		respondWithError(w, http.StatusInternalServerError, message)
	}
}

// NotFound answers requests that match no route.
func NotFound(w http.ResponseWriter, r *http.Request) {
	respondWithError(w, http.StatusNotFound, fmt.Sprintf("Cannot %s %s", r.Method, r.URL.Path))
}
