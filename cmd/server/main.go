package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/AgenciaKoraflow/project-dea-naturals/internal/adapter/cache"
	"github.com/AgenciaKoraflow/project-dea-naturals/internal/adapter/meli"
	"github.com/AgenciaKoraflow/project-dea-naturals/internal/bootstrap"
	"github.com/AgenciaKoraflow/project-dea-naturals/internal/config"
	"github.com/AgenciaKoraflow/project-dea-naturals/internal/crypto"
	httptransport "github.com/AgenciaKoraflow/project-dea-naturals/internal/http"
	"github.com/AgenciaKoraflow/project-dea-naturals/internal/http/handler"
	apimiddleware "github.com/AgenciaKoraflow/project-dea-naturals/internal/middleware"
	"github.com/AgenciaKoraflow/project-dea-naturals/internal/repository"
	"github.com/AgenciaKoraflow/project-dea-naturals/internal/server"
	"github.com/AgenciaKoraflow/project-dea-naturals/internal/service/credential"
	"github.com/AgenciaKoraflow/project-dea-naturals/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newCryptoBox,
			newCredentialRepository,
			newRedisClient,
			newStateStore,
			newMeliClient,
			newRateLimiter,
			newManager,
			newExecutor,
			newRenewalLoop,
			handler.NewCredentialHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsureCredentials, startHTTPServer, startRenewalLoop),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	node, err := snowflake.NewNode(1)
	return node, err
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newCryptoBox(cfg config.Config, logger *zap.Logger) (*crypto.Box, error) {
	return crypto.New(cfg.EncryptionKey, logger)
}

func newCredentialRepository(pool *pgxpool.Pool, box *crypto.Box, node *snowflake.Node) repository.CredentialRepository {
	return repository.NewPostgresCredentialRepo(pool, box, node)
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newStateStore(client redis.UniversalClient) repository.StateStore {
	return cacheadapter.NewRedisStateStore(client)
}

func newMeliClient(cfg config.Config) meli.Client {
	return meli.NewHTTPClient(cfg.MeliAPIURL, &http.Client{Timeout: cfg.HTTPTimeout})
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func newManager(repo repository.CredentialRepository, states repository.StateStore, client meli.Client, cfg config.Config, logger *zap.Logger) *credential.Manager {
	return credential.NewManager(repo, states, client, cfg, logger)
}

func newExecutor(manager *credential.Manager, repo repository.CredentialRepository, client meli.Client, logger *zap.Logger) *credential.Executor {
	return credential.NewExecutor(manager, repo, client, logger)
}

func newRenewalLoop(manager *credential.Manager, repo repository.CredentialRepository, cfg config.Config, logger *zap.Logger) *credential.RenewalLoop {
	return credential.NewRenewalLoop(manager, repo, cfg.RenewalInterval, logger)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func startRenewalLoop(lc fx.Lifecycle, loop *credential.RenewalLoop) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				loop.Run(runCtx)
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
