package maintenance

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"post-scheduler/internal/observability"
)

// PostPurger deletes terminal posts past a retention window and returns the
// video filenames of the deleted rows.
type PostPurger interface {
	PurgeTerminal(ctx context.Context, retention time.Duration, batchSize int) ([]string, error)
}

type VideoRemover interface {
	Remove(filename string) error
}

// CleanupHandler purges published and failed posts past the retention window
// together with their stored video files. Handle is meant to be hit by an
// external cron and is guarded by a shared secret; with no secret configured
// that endpoint does not exist. HandleAdmin runs the same cleanup for an
// admin session.
type CleanupHandler struct {
	posts      PostPurger
	videos     VideoRemover
	logger     *observability.Logger
	cronSecret string
	retention  time.Duration
	batchSize  int
}

func NewCleanupHandler(posts PostPurger, videos VideoRemover, logger *observability.Logger, cronSecret string, retention time.Duration, batchSize int) *CleanupHandler {
	return &CleanupHandler{
		posts:      posts,
		videos:     videos,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
		retention:  retention,
		batchSize:  batchSize,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	h.run(w, r)
}

// HandleAdmin is registered behind the admin session guard, so no secret
// check happens here.
func (h *CleanupHandler) HandleAdmin(w http.ResponseWriter, r *http.Request) {
	h.run(w, r)
}

func (h *CleanupHandler) run(w http.ResponseWriter, r *http.Request) {
	filenames, err := h.posts.PurgeTerminal(r.Context(), h.retention, h.batchSize)
	if err != nil {
		h.logger.Error("post_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	removed := 0
	for _, filename := range filenames {
		if err := h.videos.Remove(filename); err != nil {
			h.logger.Warn("post_cleanup_video_remove_failed", map[string]any{
				"filename": filename,
				"error":    err.Error(),
			})
			continue
		}
		removed++
	}

	h.logger.Info("post_cleanup_completed", map[string]any{
		"deleted_posts":  len(filenames),
		"deleted_videos": removed,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"deleted_posts": len(filenames),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
