package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"icap/backend/internal/auth"
	"icap/backend/internal/catalog"
	"icap/backend/internal/config"
	"icap/backend/internal/db"
	internalgrpc "icap/backend/internal/grpc"
	internalhttp "icap/backend/internal/http"
	"icap/backend/internal/identity"
	"icap/backend/internal/logging"
	"icap/backend/internal/metrics"
	"icap/backend/internal/ratelimit"
	"icap/backend/internal/repository"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("db connection failed")
	}
	defer pool.Close()

	store := repository.NewStore(pool)
	if cfg.DBAutoMigrate {
		if err := db.Migrate(ctx, pool); err != nil {
			logger.WithError(err).Fatal("db migration failed")
		}
		if err := store.SeedPermissions(ctx, catalog.Permissions()); err != nil {
			logger.WithError(err).Fatal("permission seed failed")
		}
		logger.Info("schema migrated and permissions seeded")
	}

	authMetrics := metrics.NewAuth()
	tokens, jwks, err := newTokens(cfg, logger, authMetrics)
	if err != nil {
		logger.WithError(err).Fatal("token signer setup failed")
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			logger.WithError(err).Fatal("redis ping failed")
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.WithError(err).Warn("redis close error")
			}
		}()
	} else {
		logger.Info("REDIS_ADDR not set, login throttling disabled")
	}

	server, err := internalhttp.NewServer(cfg, internalhttp.Dependencies{
		Store:      store,
		Service:    identity.NewService(store, tokens, logger),
		Authorizer: identity.NewAuthorizer(store, logger),
		JWKS:       jwks,
		Metrics:    authMetrics,
		Limiter:    ratelimit.NewLoginLimiter(redisClient, cfg.LoginMaxAttempts, cfg.LoginAttemptWindow),
		Logger:     logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("http server setup failed")
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("http listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("http server error")
		}
	}()

	var stopGRPC func()
	if cfg.GRPCAddr != "" {
		grpcServer, monitor, err := internalgrpc.NewServer(cfg.ServiceAuthToken, store.Ping, logger)
		if err != nil {
			logger.WithError(err).Fatal("grpc server setup failed")
		}
		listener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.WithError(err).Fatal("grpc listen error")
		}
		go monitor.Run(ctx)
		go func() {
			logger.WithField("addr", cfg.GRPCAddr).Info("grpc listening")
			if err := grpcServer.Serve(listener); err != nil {
				logger.WithError(err).Error("grpc server error")
			}
		}()
		stopGRPC = grpcServer.GracefulStop
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown error")
	}
	if stopGRPC != nil {
		stopGRPC()
	}
}

// newTokens signs with RS256 when a key pair is configured and HS256 otherwise.
// The JWKS document is only published for RS256.
func newTokens(cfg config.Config, logger *logrus.Logger, m *metrics.Auth) (*auth.Tokens, *auth.JWKSet, error) {
	opts := auth.Options{
		Issuer:            cfg.JWTIssuer,
		TTL:               cfg.TokenTTL,
		StrictRoleClaim:   cfg.StrictRoleClaim,
		Logger:            logger,
		IntegrityFailures: m.ClaimIntegrityFailures,
	}
	if !cfg.UsesRSA() {
		tokens, err := auth.NewHMACTokens(cfg.JWTSecret, opts)
		return tokens, nil, err
	}

	privateKey, err := auth.ParseRSAPrivateKey(cfg.JWTPrivateKey)
	if err != nil {
		return nil, nil, err
	}
	publicKey, err := auth.ParseRSAPublicKey(cfg.JWTPublicKey)
	if err != nil {
		return nil, nil, err
	}
	tokens, err := auth.NewRSATokens(privateKey, publicKey, opts)
	if err != nil {
		return nil, nil, err
	}
	jwks, err := auth.PublicJWKS(publicKey)
	if err != nil {
		return nil, nil, err
	}
	return tokens, &jwks, nil
}
