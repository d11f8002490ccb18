package credential

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AgenciaKoraflow/project-dea-naturals/internal/adapter/meli"
	"github.com/AgenciaKoraflow/project-dea-naturals/internal/config"
	"github.com/AgenciaKoraflow/project-dea-naturals/internal/domain"
	"github.com/AgenciaKoraflow/project-dea-naturals/internal/repository"
)

const (
	statePrefix = "meli:oauth:state:"
	stateTTL    = 5 * time.Minute
)

// AuthorizationPrompt carries a server-built authorization URL and the
// state value the callback must echo.
type AuthorizationPrompt struct {
	AuthorizationURL string
	State            string
}

// Manager owns the credential token lifecycle: authorization completion,
// cached token reuse, refresh, and deactivation on irrecoverable failure.
// It holds no durable state; the repository is the single source of truth.
type Manager struct {
	repo       repository.CredentialRepository
	stateStore repository.StateStore
	client     meli.Client
	cfg        config.Config
	logger     *zap.Logger
	now        func() time.Time

	// Per-credential locks collapse concurrent refreshes into one.
	locks sync.Map
}

// NewManager wires the lifecycle manager.
func NewManager(
	repo repository.CredentialRepository,
	stateStore repository.StateStore,
	client meli.Client,
	cfg config.Config,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.L()
	}
	return &Manager{
		repo:       repo,
		stateStore: stateStore,
		client:     client,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// AuthorizationURL builds the marketplace authorization URL for the
// configured credential and persists a one-time state value.
func (m *Manager) AuthorizationURL(ctx context.Context) (*AuthorizationPrompt, error) {
	cred, err := m.resolveCredential(ctx)
	if err != nil {
		return nil, err
	}
	if cred.ClientID == "" || cred.RedirectURI == "" {
		return nil, fmt.Errorf("authorization url: %w", domain.ErrMissingInput)
	}

	state, err := secureRandomString(32)
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}

	authURL, err := url.Parse(m.cfg.MeliAuthURL)
	if err != nil {
		return nil, fmt.Errorf("parse auth url: %w", err)
	}
	params := authURL.Query()
	params.Set("response_type", "code")
	params.Set("client_id", cred.ClientID)
	params.Set("redirect_uri", cred.RedirectURI)
	params.Set("state", state)
	authURL.RawQuery = params.Encode()

	payload := domain.AuthState{
		State:        state,
		CredentialID: cred.ID,
		RedirectURI:  cred.RedirectURI,
		CreatedAt:    m.now().UTC(),
	}
	if err := m.stateStore.SaveState(ctx, statePrefix+state, payload, stateTTL); err != nil {
		return nil, fmt.Errorf("persist state: %w", err)
	}

	return &AuthorizationPrompt{AuthorizationURL: authURL.String(), State: state}, nil
}

// CompleteAuthorization exchanges the operator-supplied authorization code
// for tokens, persists them, then verifies the token against the identity
// endpoint before activating the credential. Activation requires proof of
// usability, not just proof of issuance.
func (m *Manager) CompleteAuthorization(ctx context.Context, code, state string) (*meli.User, error) {
	cred, err := m.resolveCredential(ctx)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(state) != "" {
		if err := m.consumeState(ctx, cred.ID, state); err != nil {
			return nil, err
		}
	}

	if cred.ClientID == "" || cred.ClientSecret == "" || cred.RedirectURI == "" || strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("complete authorization: %w", domain.ErrMissingInput)
	}

	grant, err := m.client.ExchangeAuthorizationCode(ctx, cred.ClientID, cred.ClientSecret, cred.RedirectURI, code)
	if err != nil {
		return nil, fmt.Errorf("complete authorization: %w", err)
	}

	if err := m.repo.UpdateTokens(ctx, cred.ID, grant.AccessToken, grant.RefreshToken, grant.ExpiresIn); err != nil {
		return nil, fmt.Errorf("persist tokens: %w", err)
	}

	// Live check: a syntactically valid exchange can still yield a token
	// lacking the expected scope. The row stays inactive until the token
	// proves usable.
	user, err := m.client.FetchUser(ctx, grant.AccessToken)
	if err != nil {
		m.logger.Warn("connection verification failed, credential stays inactive",
			zap.Int64("credential_id", cred.ID), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", domain.ErrVerificationFailed, err)
	}

	if err := m.repo.Activate(ctx, cred.ID); err != nil {
		return nil, fmt.Errorf("activate credential: %w", err)
	}

	m.logger.Info("marketplace connection established",
		zap.Int64("credential_id", cred.ID), zap.Int64("user_id", user.ID))
	return user, nil
}

// ValidAccessToken returns an access token ready for use, refreshing it
// first when the margin-adjusted expiry has passed. A failed refresh
// deactivates the credential set and surfaces ErrRefreshFailed.
func (m *Manager) ValidAccessToken(ctx context.Context) (string, error) {
	cred, err := m.repo.GetActive(ctx)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", domain.ErrNotConfigured
	}

	if !cred.TokenExpired(m.now()) {
		return cred.AccessToken, nil
	}

	lock := m.credentialLock(cred.ID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: another caller may have refreshed already.
	cred, err = m.repo.GetActive(ctx)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", domain.ErrNotConfigured
	}
	if !cred.TokenExpired(m.now()) {
		return cred.AccessToken, nil
	}

	return m.refreshLocked(ctx, cred)
}

// ForceRefresh refreshes the active credential's token regardless of its
// computed expiry. Used by the manual refresh endpoint and the background
// renewal loop; shares the deactivation path with ValidAccessToken.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	cred, err := m.repo.GetActive(ctx)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", domain.ErrNotConfigured
	}

	lock := m.credentialLock(cred.ID)
	lock.Lock()
	defer lock.Unlock()

	cred, err = m.repo.GetActive(ctx)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", domain.ErrNotConfigured
	}
	return m.refreshLocked(ctx, cred)
}

// refreshLocked performs the refresh grant and persists the result. The
// caller holds the credential lock. A rejected refresh token is
// unrecoverable without operator re-authorization, so the row is
// deactivated before the error propagates.
func (m *Manager) refreshLocked(ctx context.Context, cred *domain.CredentialSet) (string, error) {
	grant, err := m.client.RefreshAccessToken(ctx, cred.ClientID, cred.ClientSecret, cred.RefreshToken)
	if err != nil {
		m.logger.Error("token refresh failed, deactivating credential",
			zap.Int64("credential_id", cred.ID), zap.Error(err))
		m.deactivate(ctx, cred.ID)
		return "", fmt.Errorf("%w: %w", domain.ErrRefreshFailed, err)
	}

	if err := m.repo.UpdateTokens(ctx, cred.ID, grant.AccessToken, grant.RefreshToken, grant.ExpiresIn); err != nil {
		return "", fmt.Errorf("persist refreshed tokens: %w", err)
	}
	return grant.AccessToken, nil
}

// Deactivate marks the credential unusable. Best-effort: deactivation is
// itself a failure-handling path, so storage errors are logged, not
// re-raised. Deactivating an inactive row is a no-op.
func (m *Manager) Deactivate(ctx context.Context, id int64) {
	m.deactivate(ctx, id)
}

func (m *Manager) deactivate(ctx context.Context, id int64) {
	if err := m.repo.Deactivate(ctx, id); err != nil {
		m.logger.Error("failed to deactivate credential", zap.Int64("credential_id", id), zap.Error(err))
		return
	}
	m.logger.Info("credential deactivated", zap.Int64("credential_id", id))
}

// resolveCredential returns the active row, falling back to the most
// recent one while OAuth has not completed yet.
func (m *Manager) resolveCredential(ctx context.Context) (*domain.CredentialSet, error) {
	cred, err := m.repo.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	if cred != nil {
		return cred, nil
	}
	cred, err = m.repo.GetMostRecent(ctx)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, domain.ErrNotConfigured
	}
	return cred, nil
}

func (m *Manager) consumeState(ctx context.Context, credentialID int64, state string) error {
	key := statePrefix + strings.TrimSpace(state)
	stored, err := m.stateStore.GetState(ctx, key)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if stored == nil || stored.CredentialID != credentialID {
		return domain.ErrInvalidState
	}
	if err := m.stateStore.DeleteState(ctx, key); err != nil {
		m.logger.Warn("failed to delete authorization state", zap.Error(err))
	}
	return nil
}

func (m *Manager) credentialLock(id int64) *sync.Mutex {
	lock, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func secureRandomString(size int) (string, error) {
	if size <= 0 {
		size = 32
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
