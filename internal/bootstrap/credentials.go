package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/AgenciaKoraflow/project-dea-naturals/internal/config"
	"github.com/AgenciaKoraflow/project-dea-naturals/internal/repository"
)

// EnsureCredentials seeds a credential set from the environment when the
// store is empty. The seeded row stays inactive until the operator
// completes the OAuth flow.
func EnsureCredentials(lc fx.Lifecycle, cfg config.Config, repo repository.CredentialRepository, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ensureCredentials(ctx, cfg, repo, logger)
		},
	})
}

func ensureCredentials(ctx context.Context, cfg config.Config, repo repository.CredentialRepository, logger *zap.Logger) error {
	existing, err := repo.GetMostRecent(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap credential lookup: %w", err)
	}
	if existing != nil {
		return nil
	}

	clientID := strings.TrimSpace(cfg.MeliClientID)
	clientSecret := strings.TrimSpace(cfg.MeliClientSecret)
	redirectURI := strings.TrimSpace(cfg.MeliRedirectURI)
	if clientID == "" || clientSecret == "" || redirectURI == "" {
		if logger != nil {
			logger.Info("no stored credentials and no environment fallback, integration starts unconfigured")
		}
		return nil
	}

	id, err := repo.Create(ctx, clientID, clientSecret, redirectURI)
	if err != nil {
		return fmt.Errorf("bootstrap create credential: %w", err)
	}

	if logger != nil {
		logger.Info("bootstrap credential set seeded from environment",
			zap.Int64("credential_id", id),
			zap.String("client_id", clientID),
		)
	}
	return nil
}
