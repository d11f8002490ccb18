package repository

import (
	"context"
	"time"

	"github.com/AgenciaKoraflow/project-dea-naturals/internal/domain"
)

// CredentialRepository persists marketplace credential sets. Absence of a
// row is reported as (nil, nil), never as an error.
type CredentialRepository interface {
	// GetActive returns the unique active row with secret fields decrypted.
	GetActive(ctx context.Context) (*domain.CredentialSet, error)
	// GetMostRecent returns the newest row regardless of the active flag.
	GetMostRecent(ctx context.Context) (*domain.CredentialSet, error)
	// Create deactivates any active rows, then inserts a new inactive,
	// oauth-incomplete row and returns its id.
	Create(ctx context.Context, clientID, clientSecret, redirectURI string) (int64, error)
	// UpdateTokens encrypts and writes token fields, recomputes the
	// margin-adjusted expiry and marks OAuth as completed. An empty
	// refreshToken retains the previously stored value.
	UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresIn int64) error
	// Activate marks one row active, deactivating any other.
	Activate(ctx context.Context, id int64) error
	// SetActive flips the active flag on the row currently in the
	// opposite state.
	SetActive(ctx context.Context, isActive bool) error
	// Deactivate clears the active flag. Rows and tokens are never
	// deleted; deactivated state stays inspectable.
	Deactivate(ctx context.Context, id int64) error
}

// StateStore persists short-lived authorization state values.
type StateStore interface {
	SaveState(ctx context.Context, key string, data domain.AuthState, ttl time.Duration) error
	GetState(ctx context.Context, key string) (*domain.AuthState, error)
	DeleteState(ctx context.Context, key string) error
}
