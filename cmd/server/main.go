package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/qcom/jwtauth/internal/config"
	"github.com/qcom/jwtauth/internal/metrics"
	"github.com/qcom/jwtauth/internal/models"
	"github.com/qcom/jwtauth/internal/ratelimit"
	"github.com/qcom/jwtauth/internal/repository"
	"github.com/qcom/jwtauth/internal/server"
	"github.com/qcom/jwtauth/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type demoUser struct {
	email, password, name, role string
}

var demoUsers = []demoUser{
	{email: "demo@example.com", password: "password123", name: "Demo User", role: models.RoleAdmin},
	{email: "user@example.com", password: "password123", name: "Test User", role: models.RoleUser},
}

type backend struct {
	users          repository.UserRepository
	store          repository.RefreshStore
	generalLimiter ratelimit.Limiter
	strictLimiter  ratelimit.Limiter
	close          func()
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("level", cfg.Log.Level).Warn("Unknown LOG_LEVEL, using info")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := initBackend(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize storage backend")
	}
	defer b.close()

	jwtService, err := service.NewJWTService(&cfg.JWT, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize JWT service")
	}

	m := metrics.New()
	authService, err := service.NewAuthService(b.users, b.store, jwtService, &cfg.JWT, &cfg.Security, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize auth service")
	}
	authService.WithEvents(m)

	for _, u := range demoUsers {
		if _, err := authService.EnsureUser(ctx, u.email, u.password, u.name, u.role); err != nil {
			logger.WithError(err).WithField("email", u.email).Fatal("Failed to seed demo user")
		}
	}

	router := server.NewRouter(server.Dependencies{
		Config:         cfg,
		AuthService:    authService,
		GeneralLimiter: b.generalLimiter,
		StrictLimiter:  b.strictLimiter,
		Metrics:        m,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":    cfg.Server.Port,
			"env":     cfg.Server.Env,
			"backend": cfg.Store.Backend,
		}).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	<-ctx.Done()

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

// initBackend builds the user repository, refresh store and rate limiters for
// the configured backend. Background sweepers stop when ctx ends.
func initBackend(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*backend, error) {
	general := ratelimit.NewMemoryLimiter(cfg.RateLimit.Window, cfg.RateLimit.MaxRequests)
	strict := ratelimit.NewMemoryLimiter(cfg.RateLimit.StrictWindow, cfg.RateLimit.StrictMaxRequests)

	b := &backend{
		users:          repository.NewMemoryUserRepository(),
		generalLimiter: general,
		strictLimiter:  strict,
		close:          func() {},
	}

	switch cfg.Store.Backend {
	case config.BackendMemory:
		store := repository.NewMemoryRefreshStore(logger)
		store.StartJanitor(ctx, cfg.Store.SweepInterval)
		b.store = store

	case config.BackendRedis:
		client, err := initRedis(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		b.store = repository.NewRedisRefreshStore(client, logger)
		b.generalLimiter = ratelimit.NewRedisLimiter(client, "general", cfg.RateLimit.Window, cfg.RateLimit.MaxRequests)
		b.strictLimiter = ratelimit.NewRedisLimiter(client, "strict", cfg.RateLimit.StrictWindow, cfg.RateLimit.StrictMaxRequests)
		b.close = func() {
			if err := client.Close(); err != nil {
				logger.WithError(err).Warn("Failed to close Redis client")
			}
		}

	case config.BackendDynamoDB:
		client, err := initDynamoDB(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		b.users = repository.NewDynamoUserRepository(client, cfg.DynamoDB.TableName, logger)
		b.store = repository.NewDynamoRefreshStore(client, cfg.DynamoDB.TableName, logger)

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Store.Backend)
	}

	if _, ok := b.generalLimiter.(*ratelimit.MemoryLimiter); ok {
		general.StartCleanup(ctx)
		strict.StartCleanup(ctx)
	}

	return b, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Endpoint,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Redis.Endpoint, err)
	}

	logger.WithField("endpoint", cfg.Redis.Endpoint).Info("Redis client initialized")
	return client, nil
}

func initDynamoDB(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*dynamodb.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.DynamoDB.Region),
	}
	if cfg.DynamoDB.Endpoint != "" {
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:           cfg.DynamoDB.Endpoint,
					SigningRegion: cfg.DynamoDB.Region,
				}, nil
			})))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg)
	logger.WithField("table", cfg.DynamoDB.TableName).Info("DynamoDB client initialized")
	return client, nil
}
