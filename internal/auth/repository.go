package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const identityColumns = `
	id, email, username, password_hash, role, token_version,
	refresh_token_id, refresh_token_hash, refresh_expires_at,
	tiktok_access_token, tiktok_refresh_token, tiktok_open_id, tiktok_token_expires_at,
	created_at, updated_at
`

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateIdentity(ctx context.Context, input NewIdentity) (Identity, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Identity{}, fmt.Errorf("generate identity id: %w", err)
	}

	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, username, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, id.String(), input.Email, input.Username, input.PasswordHash, RoleUser, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Identity{}, ErrIdentityExists
		}
		return Identity{}, fmt.Errorf("insert identity: %w", err)
	}

	return r.GetByID(ctx, id.String())
}

func (r *Repository) GetByID(ctx context.Context, id string) (Identity, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

func (r *Repository) GetByUsername(ctx context.Context, username string) (Identity, error) {
	return r.getOne(ctx, `WHERE username = $1`, username)
}

func (r *Repository) GetByRefreshTokenID(ctx context.Context, lookupID string) (Identity, error) {
	return r.getOne(ctx, `WHERE refresh_token_id = $1`, lookupID)
}

func (r *Repository) getOne(ctx context.Context, where string, arg any) (Identity, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM users `+where, arg)

	var identity Identity
	err := row.Scan(
		&identity.ID, &identity.Email, &identity.Username, &identity.PasswordHash,
		&identity.Role, &identity.TokenVersion,
		&identity.RefreshTokenID, &identity.RefreshTokenHash, &identity.RefreshExpiresAt,
		&identity.TikTokAccessToken, &identity.TikTokRefreshToken,
		&identity.TikTokOpenID, &identity.TikTokTokenExpiresAt,
		&identity.CreatedAt, &identity.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Identity{}, ErrIdentityNotFound
		}
		return Identity{}, fmt.Errorf("query identity: %w", err)
	}

	return identity, nil
}

func (r *Repository) SetRefreshCredential(ctx context.Context, identityID, lookupID, secretHash string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET refresh_token_id = $2, refresh_token_hash = $3, refresh_expires_at = $4, updated_at = $5
		WHERE id = $1
	`, identityID, lookupID, secretHash, expiresAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store refresh credential: %w", err)
	}

	return nil
}

// RotateRefreshCredential replaces the stored refresh credential only while
// the presented lookup id is still current. A zero-row update means the
// credential was already rotated or revoked and the presented value is dead.
func (r *Repository) RotateRefreshCredential(ctx context.Context, identityID, currentLookupID, newLookupID, newSecretHash string, newExpiresAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET refresh_token_id = $3, refresh_token_hash = $4, refresh_expires_at = $5, updated_at = $6
		WHERE id = $1 AND refresh_token_id = $2
	`, identityID, currentLookupID, newLookupID, newSecretHash, newExpiresAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("rotate refresh credential: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rotate refresh credential rows affected: %w", err)
	}
	if affected == 0 {
		return ErrRefreshInvalid
	}

	return nil
}

// RevokeSessions increments token_version and clears the refresh credential
// in one statement, so both take effect atomically.
func (r *Repository) RevokeSessions(ctx context.Context, identityID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET token_version = token_version + 1,
		    refresh_token_id = NULL,
		    refresh_token_hash = NULL,
		    refresh_expires_at = NULL,
		    updated_at = $2
		WHERE id = $1
	`, identityID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}

	return nil
}

var (
	ErrIdentityExists   = errors.New("identity already exists")
	ErrIdentityNotFound = errors.New("identity not found")
)
