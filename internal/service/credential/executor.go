package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/AgenciaKoraflow/project-dea-naturals/internal/adapter/meli"
	"github.com/AgenciaKoraflow/project-dea-naturals/internal/domain"
	"github.com/AgenciaKoraflow/project-dea-naturals/internal/repository"
)

// Executor wraps outbound marketplace calls with the current access token
// and transparently recovers from a single authentication failure.
type Executor struct {
	manager *Manager
	repo    repository.CredentialRepository
	client  meli.Client
	logger  *zap.Logger
}

// NewExecutor wires the authenticated request executor.
func NewExecutor(manager *Manager, repo repository.CredentialRepository, client meli.Client, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.L()
	}
	return &Executor{manager: manager, repo: repo, client: client, logger: logger}
}

// Get issues a bearer-authenticated GET. On a 401 it re-derives the token
// and retries exactly once; a second 401 means the credential itself is
// broken, so the set is deactivated and the failure propagates. Non-401
// failures propagate without touching credential state.
func (e *Executor) Get(ctx context.Context, rawURL string) (*meli.APIResponse, error) {
	cred, err := e.repo.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, domain.ErrNotConfigured
	}

	token, err := e.manager.ValidAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := e.client.Get(ctx, rawURL, token)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusUnauthorized {
		return finishResponse(resp)
	}

	e.logger.Info("marketplace returned 401, re-deriving token", zap.String("url", rawURL))
	token, err = e.manager.ValidAccessToken(ctx)
	if err != nil {
		// A failed refresh already deactivated the credential.
		return nil, err
	}

	retry, err := e.client.Get(ctx, rawURL, token)
	if err != nil {
		return nil, err
	}
	if retry.Status == http.StatusUnauthorized {
		// A token rejected right after re-derivation means the credential,
		// not just the token, is broken.
		e.logger.Error("persistent 401 after token renewal, deactivating credential",
			zap.Int64("credential_id", cred.ID), zap.String("url", rawURL))
		e.manager.Deactivate(ctx, cred.ID)
		return nil, &domain.APIError{Status: retry.Status, Body: string(retry.Body)}
	}
	return finishResponse(retry)
}

// GetJSON decodes a successful response body into out.
func (e *Executor) GetJSON(ctx context.Context, rawURL string, out any) error {
	resp, err := e.Get(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return nil
}

// finishResponse maps remaining non-2xx statuses to APIError so callers
// can mirror the provider status without deactivating anything.
func finishResponse(resp *meli.APIResponse) (*meli.APIResponse, error) {
	if resp.Status >= http.StatusBadRequest {
		return nil, &domain.APIError{Status: resp.Status, Body: string(resp.Body)}
	}
	return resp, nil
}
