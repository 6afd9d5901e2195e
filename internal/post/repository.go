package post

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const postColumns = `
	id, user_id, caption, video_filename, platform, scheduled_at,
	status, external_post_id, failure_reason, attempt_count, created_at, updated_at
`

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, input NewPost) (Post, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Post{}, fmt.Errorf("generate post id: %w", err)
	}

	now := time.Now().UTC()
	p := Post{
		ID:            id.String(),
		UserID:        input.UserID,
		Caption:       input.Caption,
		VideoFilename: input.VideoFilename,
		Platform:      "tiktok",
		ScheduledAt:   input.ScheduledAt.UTC(),
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO posts (id, user_id, caption, video_filename, platform, scheduled_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, p.ID, p.UserID, p.Caption, p.VideoFilename, p.Platform, p.ScheduledAt, p.Status, now)
	if err != nil {
		return Post{}, fmt.Errorf("insert post: %w", err)
	}

	return p, nil
}

func (r *Repository) ListByOwner(ctx context.Context, userID string) ([]Post, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE user_id = $1
		ORDER BY scheduled_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()

	posts := make([]Post, 0)
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}

	return posts, nil
}

func (r *Repository) GetByOwner(ctx context.Context, userID, id string) (Post, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE id = $1 AND user_id = $2
	`, id, userID)

	p, err := scanPost(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Post{}, ErrPostNotFound
		}
		return Post{}, err
	}

	return p, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Post, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id)

	p, err := scanPost(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Post{}, ErrPostNotFound
		}
		return Post{}, err
	}

	return p, nil
}

// UpdatePending edits a post only while it is still pending; published and
// failed posts are immutable.
func (r *Repository) UpdatePending(ctx context.Context, userID, id string, update Update) (Post, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE posts
		SET caption = COALESCE($3, caption),
		    scheduled_at = COALESCE($4, scheduled_at),
		    updated_at = $5
		WHERE id = $1 AND user_id = $2 AND status = 'pending'
		RETURNING `+postColumns+`
	`, id, userID, update.Caption, nullableTime(update.ScheduledAt), time.Now().UTC())

	p, err := scanPost(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Post{}, r.classifyMissing(ctx, userID, id)
		}
		return Post{}, err
	}

	return p, nil
}

// DeletePending removes a pending post and returns the stored video filename
// so the caller can release the file as well.
func (r *Repository) DeletePending(ctx context.Context, userID, id string) (string, error) {
	var filename string
	err := r.db.QueryRowContext(ctx, `
		DELETE FROM posts
		WHERE id = $1 AND user_id = $2 AND status = 'pending'
		RETURNING video_filename
	`, id, userID).Scan(&filename)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", r.classifyMissing(ctx, userID, id)
		}
		return "", fmt.Errorf("delete post: %w", err)
	}

	return filename, nil
}

func (r *Repository) classifyMissing(ctx context.Context, userID, id string) error {
	if _, err := r.GetByOwner(ctx, userID, id); err != nil {
		return err
	}
	return ErrPostNotPending
}

// ListDue selects pending posts whose scheduled time has passed. Selection
// does not mutate anything; claiming happens per item in Claim.
func (r *Repository) ListDue(ctx context.Context, now time.Time, limit int) ([]Post, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due posts: %w", err)
	}
	defer rows.Close()

	posts := make([]Post, 0)
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due posts: %w", err)
	}

	return posts, nil
}

// Claim bumps the attempt counter in a conditional update that only succeeds
// while the post is still pending. A false return means the post already left
// pending and must not be processed.
func (r *Repository) Claim(ctx context.Context, id string) (Post, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE posts
		SET attempt_count = attempt_count + 1, updated_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING `+postColumns+`
	`, id, time.Now().UTC())

	p, err := scanPost(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Post{}, false, nil
		}
		return Post{}, false, err
	}

	return p, true, nil
}

// MarkPublished is the single-writer terminal transition: it only succeeds
// while the row is still pending, so no two attempts can both publish the
// same post.
func (r *Repository) MarkPublished(ctx context.Context, id, externalPostID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE posts
		SET status = 'published', external_post_id = $2, failure_reason = NULL, updated_at = $3
		WHERE id = $1 AND status = 'pending'
	`, id, externalPostID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark post published: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark published rows affected: %w", err)
	}

	return affected > 0, nil
}

func (r *Repository) MarkFailed(ctx context.Context, id, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE posts
		SET status = 'failed', failure_reason = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending'
	`, id, reason, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark post failed: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark failed rows affected: %w", err)
	}

	return affected > 0, nil
}

// PurgeTerminal deletes published and failed posts past the retention window
// in bounded batches and returns the video filenames of the deleted rows so
// the caller can release the files.
func (r *Repository) PurgeTerminal(ctx context.Context, retention time.Duration, batchSize int) ([]string, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	cutoff := time.Now().UTC().Add(-retention)

	rows, err := r.db.QueryContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM posts
			WHERE status IN ('published', 'failed') AND updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM posts p
		USING stale
		WHERE p.id = stale.id
		RETURNING p.video_filename
	`, cutoff, batchSize)
	if err != nil {
		return nil, fmt.Errorf("purge terminal posts: %w", err)
	}
	defer rows.Close()

	filenames := make([]string, 0)
	for rows.Next() {
		var filename string
		if err := rows.Scan(&filename); err != nil {
			return nil, fmt.Errorf("scan purged post: %w", err)
		}
		filenames = append(filenames, filename)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purged posts: %w", err)
	}

	return filenames, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (Post, error) {
	var p Post
	err := row.Scan(
		&p.ID, &p.UserID, &p.Caption, &p.VideoFilename, &p.Platform, &p.ScheduledAt,
		&p.Status, &p.ExternalPostID, &p.FailureReason, &p.AttemptCount, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Post{}, err
		}
		return Post{}, fmt.Errorf("scan post: %w", err)
	}

	return p, nil
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC()
}

var (
	ErrPostNotFound   = errors.New("post not found")
	ErrPostNotPending = errors.New("post is no longer pending")
)
