package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://open.tiktokapis.com/v2"
	defaultAuthURL = "https://www.tiktok.com/v2/auth/authorize/"

	maxResponseBytes = 2 << 20
)

// TikTok talks to the TikTok open API: the OAuth token endpoint and the
// three-step video publish flow.
type TikTok struct {
	clientKey    string
	clientSecret string
	redirectURI  string
	baseURL      string
	authURL      string
	httpClient   *http.Client
}

func NewTikTok(clientKey, clientSecret, redirectURI string) *TikTok {
	return &TikTok{
		clientKey:    clientKey,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		baseURL:      defaultBaseURL,
		authURL:      defaultAuthURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Grant is the token payload returned by both the authorization-code and the
// refresh exchange.
type Grant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	OpenID       string `json:"open_id"`
	ExpiresIn    int64  `json:"expires_in"`
}

type tokenResponse struct {
	Grant
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// RejectionError is a permanent refusal from the platform: the content or the
// request itself was rejected and retrying the same submission cannot help.
type RejectionError struct {
	Status  int
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("platform rejected request (status %d): %s", e.Status, e.Message)
}

func (t *TikTok) AuthorizationURL(state string) string {
	params := url.Values{}
	params.Set("client_key", t.clientKey)
	params.Set("response_type", "code")
	params.Set("scope", "user.info.basic,video.publish")
	params.Set("redirect_uri", t.redirectURI)
	params.Set("state", state)

	return t.authURL + "?" + params.Encode()
}

func (t *TikTok) ExchangeCode(ctx context.Context, code string) (Grant, error) {
	form := url.Values{}
	form.Set("client_key", t.clientKey)
	form.Set("client_secret", t.clientSecret)
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", t.redirectURI)

	return t.tokenRequest(ctx, form)
}

func (t *TikTok) RefreshGrant(ctx context.Context, refreshToken string) (Grant, error) {
	form := url.Values{}
	form.Set("client_key", t.clientKey)
	form.Set("client_secret", t.clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	return t.tokenRequest(ctx, form)
}

func (t *TikTok) tokenRequest(ctx context.Context, form url.Values) (Grant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/oauth/token/", strings.NewReader(form.Encode()))
	if err != nil {
		return Grant{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: token request failed: %s", ErrPlatformUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Grant{}, fmt.Errorf("%w: read token response: %s", ErrPlatformUnavailable, err)
	}

	if transientStatus(resp.StatusCode) {
		return Grant{}, fmt.Errorf("%w: token endpoint returned status %d", ErrPlatformUnavailable, resp.StatusCode)
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Grant{}, fmt.Errorf("%w: decode token response: %s", ErrPlatformUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK || parsed.Error != "" || parsed.AccessToken == "" {
		// A refused refresh means the delegated credential itself is dead and
		// the user has to authorize again.
		return Grant{}, fmt.Errorf("%w: %s %s", ErrReauthorizationRequired, parsed.Error, parsed.ErrorDescription)
	}

	return parsed.Grant, nil
}

type publishResponse struct {
	Data struct {
		UploadID string `json:"upload_id"`
		PostID   string `json:"post_id"`
	} `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Publish runs the three-step TikTok upload: initialize, upload the video
// bytes, then publish. It returns the externally assigned post id.
func (t *TikTok) Publish(ctx context.Context, accessToken, caption string, video []byte) (string, error) {
	initBody, err := json.Marshal(map[string]any{
		"post_info": map[string]any{"title": caption, "privacy_level": "PUBLIC"},
	})
	if err != nil {
		return "", fmt.Errorf("encode init request: %w", err)
	}

	initResp, err := t.apiPost(ctx, accessToken, "/video/init/", "application/json", bytes.NewReader(initBody))
	if err != nil {
		return "", err
	}
	if initResp.Data.UploadID == "" {
		return "", &RejectionError{Status: http.StatusOK, Message: "init response missing upload_id"}
	}
	uploadID := initResp.Data.UploadID

	var uploadBody bytes.Buffer
	writer := multipart.NewWriter(&uploadBody)
	part, err := writer.CreateFormFile("video", "video.mp4")
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := part.Write(video); err != nil {
		return "", fmt.Errorf("write video bytes: %w", err)
	}
	if err := writer.WriteField("upload_id", uploadID); err != nil {
		return "", fmt.Errorf("write upload_id field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close upload form: %w", err)
	}

	if _, err := t.apiPost(ctx, accessToken, "/video/upload/", writer.FormDataContentType(), &uploadBody); err != nil {
		return "", err
	}

	completeBody, err := json.Marshal(map[string]string{"upload_id": uploadID})
	if err != nil {
		return "", fmt.Errorf("encode publish request: %w", err)
	}
	completeResp, err := t.apiPost(ctx, accessToken, "/video/publish/", "application/json", bytes.NewReader(completeBody))
	if err != nil {
		return "", err
	}
	if completeResp.Data.PostID == "" {
		return "", &RejectionError{Status: http.StatusOK, Message: "publish response missing post_id"}
	}

	return completeResp.Data.PostID, nil
}

func (t *TikTok) apiPost(ctx context.Context, accessToken, path, contentType string, body io.Reader) (publishResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, body)
	if err != nil {
		return publishResponse{}, fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", contentType)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return publishResponse{}, fmt.Errorf("%w: request %s failed: %s", ErrPlatformUnavailable, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return publishResponse{}, fmt.Errorf("%w: read response %s: %s", ErrPlatformUnavailable, path, err)
	}

	if transientStatus(resp.StatusCode) {
		return publishResponse{}, fmt.Errorf("%w: %s returned status %d", ErrPlatformUnavailable, path, resp.StatusCode)
	}

	var parsed publishResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return publishResponse{}, fmt.Errorf("%w: decode response %s: %s", ErrPlatformUnavailable, path, err)
	}

	if resp.StatusCode != http.StatusOK {
		message := parsed.Error.Message
		if message == "" {
			message = strings.TrimSpace(string(raw))
		}
		return publishResponse{}, &RejectionError{Status: resp.StatusCode, Message: message}
	}

	return parsed, nil
}

// transientStatus reports statuses worth retrying on a later tick: rate
// limits and server-side failures.
func transientStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status >= 500
}

var (
	ErrNotLinked               = errors.New("platform account not linked")
	ErrReauthorizationRequired = errors.New("platform authorization expired")
	ErrPlatformUnavailable     = errors.New("platform unavailable")
)
