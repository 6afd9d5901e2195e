package post

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"post-scheduler/internal/auth"
)

const (
	maxJSONBodyBytes   = 1 << 20
	maxVideoUploadSize = 64 << 20
	maxCaptionLength   = 2200
)

// VideoStore persists uploaded video files and hands back the stored
// filename. Remove releases a stored file once its post is gone.
type VideoStore interface {
	Save(ownerID, originalName string, r io.Reader) (string, error)
	Remove(filename string) error
}

// Publisher runs an immediate publish attempt through the same path the
// scheduler uses, so manual and scheduled publication behave identically.
type Publisher interface {
	PublishNow(ctx context.Context, p Post) (Post, error)
}

type Handler struct {
	repo      *Repository
	videos    VideoStore
	publisher Publisher
}

func NewHandler(repo *Repository, videos VideoStore, publisher Publisher) *Handler {
	return &Handler{repo: repo, videos: videos, publisher: publisher}
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing session")
		return
	}
	if !identity.Linked() {
		writeError(w, http.StatusBadRequest, "tiktok account not connected")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxVideoUploadSize+maxJSONBodyBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	caption := strings.TrimSpace(r.FormValue("caption"))
	if caption == "" {
		writeError(w, http.StatusBadRequest, "caption is required")
		return
	}
	if !utf8.ValidString(caption) || utf8.RuneCountInString(caption) > maxCaptionLength {
		writeError(w, http.StatusBadRequest, "caption is invalid")
		return
	}

	scheduledAt, err := time.Parse(time.RFC3339, strings.TrimSpace(r.FormValue("scheduled_time")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "scheduled_time must be RFC 3339")
		return
	}

	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, "video file is required")
		return
	}
	defer file.Close()

	// Oversize uploads are rejected outright; truncating would store a
	// corrupt video and publish it later.
	if header.Size > maxVideoUploadSize {
		writeError(w, http.StatusBadRequest, "video file exceeds the size limit")
		return
	}

	filename, err := h.videos.Save(identity.ID, header.Filename, file)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to store video")
		return
	}

	created, err := h.repo.Create(r.Context(), NewPost{
		UserID:        identity.ID,
		Caption:       caption,
		VideoFilename: filename,
		ScheduledAt:   scheduledAt,
	})
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to create post")
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing session")
		return
	}

	posts, err := h.repo.ListByOwner(r.Context(), identity.ID)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list posts")
		return
	}

	writeJSON(w, http.StatusOK, posts)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	identity, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	p, err := h.repo.GetByOwner(r.Context(), identity.ID, id)
	if err != nil {
		if errors.Is(err, ErrPostNotFound) {
			writeError(w, http.StatusNotFound, "post not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to get post")
		return
	}

	writeJSON(w, http.StatusOK, p)
}

type updateRequest struct {
	Caption       *string `json:"caption"`
	ScheduledTime *string `json:"scheduled_time"`
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	identity, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	var body updateRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	var update Update
	if body.Caption != nil {
		caption := strings.TrimSpace(*body.Caption)
		if caption == "" || !utf8.ValidString(caption) || utf8.RuneCountInString(caption) > maxCaptionLength {
			writeError(w, http.StatusBadRequest, "caption is invalid")
			return
		}
		update.Caption = &caption
	}
	if body.ScheduledTime != nil {
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(*body.ScheduledTime))
		if err != nil {
			writeError(w, http.StatusBadRequest, "scheduled_time must be RFC 3339")
			return
		}
		update.ScheduledAt = &parsed
	}

	p, err := h.repo.UpdatePending(r.Context(), identity.ID, id, update)
	if err != nil {
		switch {
		case errors.Is(err, ErrPostNotFound):
			writeError(w, http.StatusNotFound, "post not found")
		case errors.Is(err, ErrPostNotPending):
			writeError(w, http.StatusConflict, "only pending posts can be edited")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to update post")
		}
		return
	}

	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	identity, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	filename, err := h.repo.DeletePending(r.Context(), identity.ID, id)
	if err != nil {
		switch {
		case errors.Is(err, ErrPostNotFound):
			writeError(w, http.StatusNotFound, "post not found")
		case errors.Is(err, ErrPostNotPending):
			writeError(w, http.StatusConflict, "only pending posts can be deleted")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to delete post")
		}
		return
	}

	// The row is gone; a failed file removal only leaks disk space.
	if err := h.videos.Remove(filename); err != nil {
		sentry.CaptureException(err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// PublishNow triggers an immediate attempt for a pending post owned by the
// caller. The outcome lands on the post record either way; the response body
// reflects the state after the attempt.
func (h *Handler) PublishNow(w http.ResponseWriter, r *http.Request) {
	identity, id, ok := h.ownerAndID(w, r)
	if !ok {
		return
	}

	p, err := h.repo.GetByOwner(r.Context(), identity.ID, id)
	if err != nil {
		if errors.Is(err, ErrPostNotFound) {
			writeError(w, http.StatusNotFound, "post not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to get post")
		return
	}
	if p.Status != StatusPending {
		writeError(w, http.StatusConflict, "post is no longer pending")
		return
	}

	result, err := h.publisher.PublishNow(r.Context(), p)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to publish post")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) ownerAndID(w http.ResponseWriter, r *http.Request) (auth.Identity, string, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing session")
		return auth.Identity{}, "", false
	}

	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid post id")
		return auth.Identity{}, "", false
	}

	return identity, id, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
