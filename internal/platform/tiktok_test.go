package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTikTok(server *httptest.Server) *TikTok {
	client := NewTikTok("test-key", "test-secret", "http://localhost/callback")
	client.baseURL = server.URL
	client.httpClient = server.Client()
	return client
}

func TestAuthorizationURL(t *testing.T) {
	client := NewTikTok("test-key", "test-secret", "http://localhost/callback")

	raw := client.AuthorizationURL("state-123")
	parsed, err := url.Parse(raw)
	require.NoError(t, err)

	query := parsed.Query()
	assert.Equal(t, "test-key", query.Get("client_key"))
	assert.Equal(t, "code", query.Get("response_type"))
	assert.Equal(t, "user.info.basic,video.publish", query.Get("scope"))
	assert.Equal(t, "http://localhost/callback", query.Get("redirect_uri"))
	assert.Equal(t, "state-123", query.Get("state"))
}

func TestExchangeCodeSendsFormAndParsesGrant(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/token/", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "test-key", r.PostForm.Get("client_key"))
		assert.Equal(t, "auth-code", r.PostForm.Get("code"))
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"open_id":       "open-1",
			"expires_in":    86400,
		})
	}))
	defer server.Close()

	grant, err := newTestTikTok(server).ExchangeCode(context.Background(), "auth-code")
	require.NoError(t, err)
	assert.Equal(t, "at-1", grant.AccessToken)
	assert.Equal(t, "rt-1", grant.RefreshToken)
	assert.Equal(t, "open-1", grant.OpenID)
	assert.EqualValues(t, 86400, grant.ExpiresIn)
}

func TestRefreshGrantRefusalRequiresReauthorization(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))

		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "refresh token revoked",
		})
	}))
	defer server.Close()

	_, err := newTestTikTok(server).RefreshGrant(context.Background(), "dead-refresh")
	assert.ErrorIs(t, err, ErrReauthorizationRequired)
	assert.Contains(t, err.Error(), "invalid_grant")
}

func TestTokenEndpointServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestTikTok(server).RefreshGrant(context.Background(), "rt")
	assert.ErrorIs(t, err, ErrPlatformUnavailable)
}

func TestTokenEndpointUnreachableIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	_, err := newTestTikTok(server).RefreshGrant(context.Background(), "rt")
	assert.ErrorIs(t, err, ErrPlatformUnavailable)
}

func TestPublishRunsThreeSteps(t *testing.T) {
	var steps []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		steps = append(steps, r.URL.Path)
		require.Equal(t, "Bearer access-token", r.Header.Get("Authorization"))

		switch r.URL.Path {
		case "/video/init/":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			info := body["post_info"].(map[string]any)
			assert.Equal(t, "my caption", info["title"])
			_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"upload_id": "up-1"}})
		case "/video/upload/":
			require.NoError(t, r.ParseMultipartForm(8 << 20))
			assert.Equal(t, "up-1", r.FormValue("upload_id"))
			file, _, err := r.FormFile("video")
			require.NoError(t, err)
			defer file.Close()
			_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{}})
		case "/video/publish/":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "up-1", body["upload_id"])
			_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"post_id": "post-9"}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	postID, err := newTestTikTok(server).Publish(context.Background(), "access-token", "my caption", []byte("video-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "post-9", postID)
	assert.Equal(t, []string{"/video/init/", "/video/upload/", "/video/publish/"}, steps)
}

func TestPublishClientErrorIsPermanentRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "invalid_video", "message": "video too long"},
		})
	}))
	defer server.Close()

	_, err := newTestTikTok(server).Publish(context.Background(), "t", "caption", []byte("v"))

	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, http.StatusBadRequest, rejection.Status)
	assert.Equal(t, "video too long", rejection.Message)
	assert.NotErrorIs(t, err, ErrPlatformUnavailable)
}

func TestPublishRateLimitIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestTikTok(server).Publish(context.Background(), "t", "caption", []byte("v"))
	assert.ErrorIs(t, err, ErrPlatformUnavailable)

	var rejection *RejectionError
	assert.False(t, errors.As(err, &rejection))
}

func TestTransientStatus(t *testing.T) {
	assert.True(t, transientStatus(http.StatusTooManyRequests))
	assert.True(t, transientStatus(http.StatusRequestTimeout))
	assert.True(t, transientStatus(http.StatusInternalServerError))
	assert.True(t, transientStatus(http.StatusBadGateway))
	assert.False(t, transientStatus(http.StatusBadRequest))
	assert.False(t, transientStatus(http.StatusUnauthorized))
	assert.False(t, transientStatus(http.StatusOK))
}
