package scheduler

import (
	"context"
	"errors"
	"time"

	"post-scheduler/internal/observability"
	"post-scheduler/internal/platform"
	"post-scheduler/internal/post"
)

const defaultMaxAttempts = 10

// Store is the slice of the post repository the engine needs. All
// cross-worker coordination goes through its conditional updates.
type Store interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]post.Post, error)
	Claim(ctx context.Context, id string) (post.Post, bool, error)
	MarkPublished(ctx context.Context, id, externalPostID string) (bool, error)
	MarkFailed(ctx context.Context, id, reason string) (bool, error)
	Get(ctx context.Context, id string) (post.Post, error)
}

// TokenSource yields a currently valid delegated access token for an
// identity, refreshing behind the scenes when needed.
type TokenSource interface {
	GetValidToken(ctx context.Context, identityID string) (string, error)
}

// Publisher submits content to the external platform and returns the
// externally assigned post id.
type Publisher interface {
	Publish(ctx context.Context, accessToken, caption string, video []byte) (string, error)
}

type VideoReader interface {
	Read(filename string) ([]byte, error)
}

// Worker runs one publish attempt per claimed post and records the outcome.
type Worker struct {
	store       Store
	tokens      TokenSource
	publisher   Publisher
	videos      VideoReader
	logger      *observability.Logger
	maxAttempts int
}

func NewWorker(store Store, tokens TokenSource, publisher Publisher, videos VideoReader, logger *observability.Logger) *Worker {
	return &Worker{
		store:       store,
		tokens:      tokens,
		publisher:   publisher,
		videos:      videos,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
	}
}

func (w *Worker) WithMaxAttempts(maxAttempts int) {
	if maxAttempts > 0 {
		w.maxAttempts = maxAttempts
	}
}

// Process claims the post and, if the claim succeeds, runs one attempt. The
// claim is a conditional update against status = pending, so a post that was
// already published, failed, or deleted is skipped without side effects.
func (w *Worker) Process(ctx context.Context, id string) {
	claimed, ok, err := w.store.Claim(ctx, id)
	if err != nil {
		w.logger.Error("post_claim_failed", map[string]any{"post_id": id, "error": err.Error()})
		return
	}
	if !ok {
		return
	}

	w.attempt(ctx, claimed)
}

// PublishNow is the manual publish path: same claim and attempt as the
// scheduled path, then a re-read so the caller sees the recorded outcome.
func (w *Worker) PublishNow(ctx context.Context, p post.Post) (post.Post, error) {
	w.Process(ctx, p.ID)
	return w.store.Get(ctx, p.ID)
}

func (w *Worker) attempt(ctx context.Context, p post.Post) {
	token, err := w.tokens.GetValidToken(ctx, p.UserID)
	if err != nil {
		switch {
		case errors.Is(err, platform.ErrNotLinked), errors.Is(err, platform.ErrReauthorizationRequired):
			// Not recoverable without the user re-linking; retrying cannot help.
			w.fail(ctx, p, post.ReasonCredentialUnavailable)
		default:
			w.transient(ctx, p, "token_refresh", err)
		}
		return
	}

	video, err := w.videos.Read(p.VideoFilename)
	if err != nil {
		w.fail(ctx, p, post.ReasonVideoUnavailable)
		return
	}

	externalID, err := w.publisher.Publish(ctx, token, p.Caption, video)
	if err != nil {
		var rejection *platform.RejectionError
		if errors.As(err, &rejection) {
			w.fail(ctx, p, post.ReasonPlatformRejected+": "+rejection.Message)
			return
		}
		w.transient(ctx, p, "publish", err)
		return
	}

	ok, err := w.store.MarkPublished(ctx, p.ID, externalID)
	if err != nil {
		w.logger.Error("post_record_publish_failed", map[string]any{
			"post_id":          p.ID,
			"identity_id":      p.UserID,
			"external_post_id": externalID,
			"error":            err.Error(),
		})
		return
	}
	if !ok {
		// Lost the terminal transition to a concurrent writer; the platform
		// submission already happened, so just log it.
		w.logger.Warn("post_publish_race_lost", map[string]any{
			"post_id":          p.ID,
			"identity_id":      p.UserID,
			"external_post_id": externalID,
		})
		return
	}

	w.logger.Info("post_published", map[string]any{
		"post_id":          p.ID,
		"identity_id":      p.UserID,
		"external_post_id": externalID,
		"attempt":          p.AttemptCount,
	})
}

// transient leaves the post pending so the next scan tick retries it, unless
// the attempt budget is spent, in which case the failure becomes terminal.
func (w *Worker) transient(ctx context.Context, p post.Post, stage string, cause error) {
	if p.AttemptCount >= w.maxAttempts {
		w.fail(ctx, p, post.ReasonRetriesExhausted)
		return
	}

	w.logger.Warn("post_publish_retry_scheduled", map[string]any{
		"post_id":     p.ID,
		"identity_id": p.UserID,
		"stage":       stage,
		"attempt":     p.AttemptCount,
		"error":       cause.Error(),
	})
}

func (w *Worker) fail(ctx context.Context, p post.Post, reason string) {
	ok, err := w.store.MarkFailed(ctx, p.ID, reason)
	if err != nil {
		w.logger.Error("post_record_failure_failed", map[string]any{
			"post_id":     p.ID,
			"identity_id": p.UserID,
			"reason":      reason,
			"error":       err.Error(),
		})
		return
	}
	if !ok {
		return
	}

	w.logger.Error("post_publish_failed", map[string]any{
		"post_id":     p.ID,
		"identity_id": p.UserID,
		"reason":      reason,
		"attempt":     p.AttemptCount,
	})
}
