// Package server assembles the HTTP API.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/qcom/jwtauth/internal/config"
	"github.com/qcom/jwtauth/internal/handlers"
	"github.com/qcom/jwtauth/internal/metrics"
	"github.com/qcom/jwtauth/internal/middleware"
	"github.com/qcom/jwtauth/internal/models"
	"github.com/qcom/jwtauth/internal/ratelimit"
	"github.com/qcom/jwtauth/internal/service"
	"github.com/sirupsen/logrus"
)

type Dependencies struct {
	Config         *config.Config
	AuthService    *service.AuthService
	GeneralLimiter ratelimit.Limiter
	StrictLimiter  ratelimit.Limiter
	Metrics        *metrics.Metrics
	Logger         *logrus.Logger
}

func NewRouter(deps Dependencies) *mux.Router {
	cfg, logger := deps.Config, deps.Logger
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	authHandlers := handlers.NewAuthHandlers(deps.AuthService, &cfg.Server, logger)
	adminHandlers := handlers.NewAdminHandlers(deps.AuthService, &cfg.Server, logger)
	dashboardHandlers := handlers.NewDashboardHandlers()
	authMiddleware := middleware.NewAuthMiddleware(deps.AuthService, logger)

	logging := middleware.Logging(logger, deps.Metrics)
	cors := middleware.CORS(cfg.CORS.AllowedOrigins)
	generalLimit := middleware.RateLimit(deps.GeneralLimiter, middleware.RateLimitOptions{
		Scope:         "general",
		Message:       "Too many requests, please try again later",
		ExposeHeaders: true,
		Observer:      deps.Metrics,
	}, logger)
	strictLimit := middleware.RateLimit(deps.StrictLimiter, middleware.RateLimitOptions{
		Scope:    "strict",
		Message:  "Too many authentication attempts",
		Observer: deps.Metrics,
	}, logger)

	router := mux.NewRouter()
	router.Use(logging, cors)

	// Router middleware only wraps matched routes.
	notFound := logging(cors(http.HandlerFunc(handlers.NotFound)))
	router.NotFoundHandler = notFound
	router.MethodNotAllowedHandler = notFound

	router.Handle("/metrics", deps.Metrics.Handler()).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.Use(generalLimit)

	api.HandleFunc("/health", handlers.Health).Methods("GET", "OPTIONS")

	auth := api.PathPrefix("/auth").Subrouter()
	auth.Handle("/login", strictLimit(http.HandlerFunc(authHandlers.Login))).Methods("POST", "OPTIONS")
	auth.Handle("/register", strictLimit(http.HandlerFunc(authHandlers.Register))).Methods("POST", "OPTIONS")
	auth.HandleFunc("/refresh", authHandlers.RefreshToken).Methods("POST", "OPTIONS")
	auth.Handle("/logout", authMiddleware.RequireAuth(http.HandlerFunc(authHandlers.Logout))).Methods("POST", "OPTIONS")
	auth.Handle("/me", authMiddleware.RequireAuth(http.HandlerFunc(authHandlers.Me))).Methods("GET", "OPTIONS")

	dashboard := api.PathPrefix("/dashboard").Subrouter()
	dashboard.Use(authMiddleware.RequireAuth)
	dashboard.HandleFunc("/stats", dashboardHandlers.Stats).Methods("GET", "OPTIONS")
	dashboard.HandleFunc("/activity", dashboardHandlers.Activity).Methods("GET", "OPTIONS")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(authMiddleware.RequireAuth, authMiddleware.RequireRole(models.RoleAdmin))
	admin.HandleFunc("/users", adminHandlers.ListUsers).Methods("GET", "OPTIONS")

	return router
}
