package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AgenciaKoraflow/project-dea-naturals/internal/crypto"
	"github.com/AgenciaKoraflow/project-dea-naturals/internal/domain"
)

// expiryMargin is subtracted from the provider expiry so renewal happens
// five minutes before the token is actually invalid.
const expiryMargin = 5 * time.Minute

// defaultExpiresIn mirrors the marketplace's six hour access token TTL,
// used when the provider omits expires_in.
const defaultExpiresIn = 21600

var _ CredentialRepository = (*PostgresCredentialRepo)(nil)

// TokenExpiry computes the margin-adjusted expiry for a token issued at the
// given instant. Zero or negative expiresIn falls back to the provider
// default.
func TokenExpiry(issuedAt time.Time, expiresIn int64) time.Time {
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}
	return issuedAt.Add(time.Duration(expiresIn) * time.Second).Add(-expiryMargin)
}

const selectColumns = `id, client_id, client_secret_encrypted, redirect_uri,
access_token_encrypted, refresh_token_encrypted, token_expires_at,
oauth_completed, is_active, created_at, updated_at`

// PostgresCredentialRepo implements CredentialRepository over pgx. Secret
// columns are sealed by the crypto box before they touch the database.
type PostgresCredentialRepo struct {
	db   *pgxpool.Pool
	box  *crypto.Box
	node *snowflake.Node
	now  func() time.Time
}

func NewPostgresCredentialRepo(pool *pgxpool.Pool, box *crypto.Box, node *snowflake.Node) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: pool, box: box, node: node, now: time.Now}
}

func (r *PostgresCredentialRepo) GetActive(ctx context.Context) (*domain.CredentialSet, error) {
	const query = `SELECT ` + selectColumns + `
FROM marketplace_credentials
WHERE is_active = TRUE
ORDER BY created_at DESC
LIMIT 1`
	return r.queryOne(ctx, "get_active", query)
}

func (r *PostgresCredentialRepo) GetMostRecent(ctx context.Context) (*domain.CredentialSet, error) {
	const query = `SELECT ` + selectColumns + `
FROM marketplace_credentials
ORDER BY created_at DESC
LIMIT 1`
	return r.queryOne(ctx, "get_most_recent", query)
}

func (r *PostgresCredentialRepo) Create(ctx context.Context, clientID, clientSecret, redirectURI string) (int64, error) {
	secret, err := r.box.Encrypt(clientSecret)
	if err != nil {
		return 0, &domain.StorageError{Op: "create", Err: err}
	}

	// Deactivate-before-insert keeps at most one active row. A race between
	// concurrent creates can transiently leave zero active rows, which
	// fails closed.
	if _, err := r.db.Exec(ctx,
		`UPDATE marketplace_credentials SET is_active = FALSE, updated_at = now() WHERE is_active = TRUE`,
	); err != nil {
		return 0, &domain.StorageError{Op: "create", Err: err}
	}

	id := r.node.Generate().Int64()
	const insert = `INSERT INTO marketplace_credentials
(id, client_id, client_secret_encrypted, redirect_uri, oauth_completed, is_active)
VALUES ($1, $2, $3, $4, FALSE, FALSE)`
	if _, err := r.db.Exec(ctx, insert, id, clientID, secret, redirectURI); err != nil {
		return 0, &domain.StorageError{Op: "create", Err: err}
	}
	return id, nil
}

func (r *PostgresCredentialRepo) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresIn int64) error {
	expiresAt := TokenExpiry(r.now(), expiresIn)

	access, err := r.box.Encrypt(accessToken)
	if err != nil {
		return &domain.StorageError{Op: "update_tokens", Err: err}
	}
	refresh, err := r.box.Encrypt(refreshToken)
	if err != nil {
		return &domain.StorageError{Op: "update_tokens", Err: err}
	}

	// NULLIF keeps the previous refresh token when the provider did not
	// rotate it.
	const query = `UPDATE marketplace_credentials
SET access_token_encrypted = $2,
    refresh_token_encrypted = COALESCE(NULLIF($3, ''), refresh_token_encrypted),
    token_expires_at = $4,
    oauth_completed = TRUE,
    updated_at = now()
WHERE id = $1`
	if _, err := r.db.Exec(ctx, query, id, access, refresh, expiresAt); err != nil {
		return &domain.StorageError{Op: "update_tokens", Err: err}
	}
	return nil
}

func (r *PostgresCredentialRepo) Activate(ctx context.Context, id int64) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE marketplace_credentials SET is_active = FALSE, updated_at = now() WHERE is_active = TRUE AND id <> $1`, id,
	); err != nil {
		return &domain.StorageError{Op: "activate", Err: err}
	}
	if _, err := r.db.Exec(ctx,
		`UPDATE marketplace_credentials SET is_active = TRUE, updated_at = now() WHERE id = $1`, id,
	); err != nil {
		return &domain.StorageError{Op: "activate", Err: err}
	}
	return nil
}

func (r *PostgresCredentialRepo) SetActive(ctx context.Context, isActive bool) error {
	// Target exactly one row. Several inactive rows can coexist, so a bare
	// is_active = NOT $1 predicate would activate all of them at once.
	const query = `UPDATE marketplace_credentials
SET is_active = $1, updated_at = now()
WHERE id = (
    SELECT id FROM marketplace_credentials
    WHERE is_active = NOT $1
    ORDER BY created_at DESC
    LIMIT 1
)`
	tag, err := r.db.Exec(ctx, query, isActive)
	if err != nil {
		return &domain.StorageError{Op: "set_active", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &domain.StorageError{Op: "set_active", Err: pgx.ErrNoRows}
	}
	return nil
}

func (r *PostgresCredentialRepo) Deactivate(ctx context.Context, id int64) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE marketplace_credentials SET is_active = FALSE, updated_at = now() WHERE id = $1`, id,
	); err != nil {
		return &domain.StorageError{Op: "deactivate", Err: err}
	}
	return nil
}

func (r *PostgresCredentialRepo) queryOne(ctx context.Context, op, query string) (*domain.CredentialSet, error) {
	var (
		row       domain.CredentialSet
		secret    string
		access    sql.NullString
		refresh   sql.NullString
		expiresAt sql.NullTime
	)
	err := r.db.QueryRow(ctx, query).Scan(
		&row.ID,
		&row.ClientID,
		&secret,
		&row.RedirectURI,
		&access,
		&refresh,
		&expiresAt,
		&row.OAuthCompleted,
		&row.IsActive,
		&row.CreatedAt,
		&row.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.StorageError{Op: op, Err: err}
	}

	if row.ClientSecret, err = r.box.Decrypt(secret); err != nil {
		return nil, &domain.StorageError{Op: op, Err: err}
	}
	if row.AccessToken, err = r.box.Decrypt(access.String); err != nil {
		return nil, &domain.StorageError{Op: op, Err: err}
	}
	if row.RefreshToken, err = r.box.Decrypt(refresh.String); err != nil {
		return nil, &domain.StorageError{Op: op, Err: err}
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		row.TokenExpiresAt = &t
	}
	return &row, nil
}
