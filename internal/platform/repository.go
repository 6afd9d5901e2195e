package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetCredential(ctx context.Context, identityID string) (Credential, error) {
	var accessToken, refreshToken, openID sql.NullString
	var expiresAt sql.NullTime

	err := r.db.QueryRowContext(ctx, `
		SELECT tiktok_access_token, tiktok_refresh_token, tiktok_open_id, tiktok_token_expires_at
		FROM users
		WHERE id = $1
	`, identityID).Scan(&accessToken, &refreshToken, &openID, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrNotLinked
		}
		return Credential{}, fmt.Errorf("query platform credential: %w", err)
	}

	if !expiresAt.Valid {
		return Credential{}, ErrNotLinked
	}

	return Credential{
		AccessToken:  accessToken.String,
		RefreshToken: refreshToken.String,
		OpenID:       openID.String,
		ExpiresAt:    expiresAt.Time.UTC(),
	}, nil
}

// UpdateCredential is the conditional overwrite used after a refresh
// exchange: it only succeeds while the stored expiry is still the one the
// caller read, so two racing refreshers cannot clobber each other.
func (r *Repository) UpdateCredential(ctx context.Context, identityID string, cred Credential, previousExpiresAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET tiktok_access_token = $3,
		    tiktok_refresh_token = $4,
		    tiktok_open_id = $5,
		    tiktok_token_expires_at = $6,
		    updated_at = $7
		WHERE id = $1 AND tiktok_token_expires_at = $2
	`, identityID, previousExpiresAt.UTC(), cred.AccessToken, cred.RefreshToken, cred.OpenID, cred.ExpiresAt.UTC(), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("update platform credential: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update platform credential rows affected: %w", err)
	}

	return affected > 0, nil
}

func (r *Repository) SaveGrantedCredential(ctx context.Context, identityID string, cred Credential) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET tiktok_access_token = $2,
		    tiktok_refresh_token = $3,
		    tiktok_open_id = $4,
		    tiktok_token_expires_at = $5,
		    updated_at = $6
		WHERE id = $1
	`, identityID, cred.AccessToken, cred.RefreshToken, cred.OpenID, cred.ExpiresAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store platform credential: %w", err)
	}

	return nil
}

func (r *Repository) ClearCredential(ctx context.Context, identityID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET tiktok_access_token = NULL,
		    tiktok_refresh_token = NULL,
		    tiktok_open_id = NULL,
		    tiktok_token_expires_at = NULL,
		    updated_at = $2
		WHERE id = $1
	`, identityID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("clear platform credential: %w", err)
	}

	return nil
}
