package post

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"post-scheduler/internal/auth"
)

func linkedIdentity() auth.Identity {
	expires := time.Now().UTC().Add(time.Hour)
	return auth.Identity{
		ID:                   "0191c3a8-0000-7000-8000-000000000001",
		Username:             "peggy",
		TikTokTokenExpiresAt: &expires,
	}
}

type uploadForm struct {
	caption       string
	scheduledTime string
	videoSize     int
}

func newCreateRequest(t *testing.T, identity auth.Identity, form uploadForm) *http.Request {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if form.caption != "" {
		require.NoError(t, writer.WriteField("caption", form.caption))
	}
	if form.scheduledTime != "" {
		require.NoError(t, writer.WriteField("scheduled_time", form.scheduledTime))
	}
	if form.videoSize > 0 {
		part, err := writer.CreateFormFile("video", "clip.mp4")
		require.NoError(t, err)
		_, err = io.CopyN(part, zeroReader{}, int64(form.videoSize))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/posts", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req.WithContext(auth.ContextWithIdentity(req.Context(), identity))
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func validForm() uploadForm {
	return uploadForm{
		caption:       "hello",
		scheduledTime: time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		videoSize:     1 << 10,
	}
}

// The cases below all fail validation before the handler reaches storage, so
// the handler is constructed without collaborators.

func TestCreateRequiresLinkedAccount(t *testing.T) {
	handler := NewHandler(nil, nil, nil)

	req := newCreateRequest(t, auth.Identity{ID: "id-1"}, validForm())
	rec := httptest.NewRecorder()
	handler.Create(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "not connected")
}

func TestCreateRejectsOversizeVideo(t *testing.T) {
	handler := NewHandler(nil, nil, nil)

	form := validForm()
	form.videoSize = maxVideoUploadSize + 1
	req := newCreateRequest(t, linkedIdentity(), form)
	rec := httptest.NewRecorder()
	handler.Create(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "size limit")
}

func TestCreateRejectsMissingCaption(t *testing.T) {
	handler := NewHandler(nil, nil, nil)

	form := validForm()
	form.caption = ""
	req := newCreateRequest(t, linkedIdentity(), form)
	rec := httptest.NewRecorder()
	handler.Create(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "caption")
}

func TestCreateRejectsBadScheduledTime(t *testing.T) {
	handler := NewHandler(nil, nil, nil)

	form := validForm()
	form.scheduledTime = "tomorrow at noon"
	req := newCreateRequest(t, linkedIdentity(), form)
	rec := httptest.NewRecorder()
	handler.Create(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "scheduled_time")
}

func TestCreateRequiresVideoFile(t *testing.T) {
	handler := NewHandler(nil, nil, nil)

	form := validForm()
	form.videoSize = 0
	req := newCreateRequest(t, linkedIdentity(), form)
	rec := httptest.NewRecorder()
	handler.Create(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "video file is required")
}
