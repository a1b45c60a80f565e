package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/qcom/jwtauth/internal/service"
	"github.com/sirupsen/logrus"
)

type contextKey string

const payloadKey contextKey = "auth_payload"

type AuthMiddleware struct {
	authService *service.AuthService
	logger      *logrus.Logger
}

func NewAuthMiddleware(authService *service.AuthService, logger *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		authService: authService,
		logger:      logger,
	}
}

func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			respondWithMessage(w, http.StatusUnauthorized, "Access token required")
			return
		}

		payload, err := m.authService.Authenticate(token)
		if err != nil {
			m.logger.WithError(err).Debug("Token verification failed")
			message := "Invalid access token"
			if errors.Is(err, service.ErrTokenExpired) {
				message = "Access token expired"
			}
			respondWithMessage(w, http.StatusUnauthorized, message)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPayload(r.Context(), payload)))
	})
}

// RequireRole must run after RequireAuth. With no roles any authenticated
// caller passes.
func (m *AuthMiddleware) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			payload, _ := PayloadFromContext(r.Context())

			switch err := m.authService.Authorize(payload, roles...); {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, service.ErrForbidden):
				m.logger.WithFields(logrus.Fields{
					"user_id": payload.Subject,
					"role":    payload.Role,
					"path":    r.URL.Path,
				}).Warn("Access denied")
				respondWithMessage(w, http.StatusForbidden, "Insufficient permissions for this resource")
			default:
				respondWithMessage(w, http.StatusUnauthorized, "Authentication required")
			}
		})
	}
}

func WithPayload(ctx context.Context, payload *service.TokenPayload) context.Context {
	return context.WithValue(ctx, payloadKey, payload)
}

func PayloadFromContext(ctx context.Context) (*service.TokenPayload, bool) {
	payload, ok := ctx.Value(payloadKey).(*service.TokenPayload)
	return payload, ok && payload != nil
}

// bearerToken extracts the token from "Bearer <token>".
func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
