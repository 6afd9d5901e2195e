package platform

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"post-scheduler/internal/auth"
	"post-scheduler/internal/observability"
)

// Handler exposes the TikTok account linkage endpoints. All of them run
// behind the session guard; the linked account always belongs to the caller.
type Handler struct {
	manager *TokenManager
	tiktok  *TikTok
	logger  *observability.Logger
}

func NewHandler(manager *TokenManager, tiktok *TikTok, logger *observability.Logger) *Handler {
	return &Handler{manager: manager, tiktok: tiktok, logger: logger}
}

func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	state, err := randomState()
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to build authorization url")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"authorization_url": h.tiktok.AuthorizationURL(state),
	})
}

func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing session")
		return
	}

	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	if err := h.manager.LinkAccount(r.Context(), identity.ID, code); err != nil {
		switch {
		case errors.Is(err, ErrReauthorizationRequired):
			writeError(w, http.StatusBadRequest, "authorization code was rejected")
		case errors.Is(err, ErrPlatformUnavailable):
			writeError(w, http.StatusBadGateway, "platform is unavailable")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to link account")
		}
		return
	}

	h.logger.Info("tiktok_account_linked", map[string]any{"identity_id": identity.ID})
	writeJSON(w, http.StatusOK, map[string]string{"message": "tiktok account connected"})
}

func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing session")
		return
	}

	if err := h.manager.Disconnect(r.Context(), identity.ID); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to disconnect account")
		return
	}

	h.logger.Info("tiktok_account_disconnected", map[string]any{"identity_id": identity.ID})
	w.WriteHeader(http.StatusNoContent)
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
