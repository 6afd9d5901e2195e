package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"post-scheduler/internal/observability"
	"post-scheduler/internal/platform"
	"post-scheduler/internal/post"
)

// fakePostStore mirrors the repository's conditional-update semantics: claims
// and terminal transitions only succeed while the post is still pending.
type fakePostStore struct {
	mu    sync.Mutex
	posts map[string]post.Post
}

func newFakePostStore() *fakePostStore {
	return &fakePostStore{posts: make(map[string]post.Post)}
}

func (f *fakePostStore) add(p post.Post) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts[p.ID] = p
}

func (f *fakePostStore) ListDue(ctx context.Context, now time.Time, limit int) ([]post.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due []post.Post
	for _, p := range f.posts {
		if p.Status == post.StatusPending && !p.ScheduledAt.After(now) {
			due = append(due, p)
		}
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (f *fakePostStore) Claim(ctx context.Context, id string) (post.Post, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.posts[id]
	if !ok || p.Status != post.StatusPending {
		return post.Post{}, false, nil
	}
	p.AttemptCount++
	f.posts[id] = p
	return p, true, nil
}

func (f *fakePostStore) MarkPublished(ctx context.Context, id, externalPostID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.posts[id]
	if !ok || p.Status != post.StatusPending {
		return false, nil
	}
	p.Status = post.StatusPublished
	p.ExternalPostID = &externalPostID
	f.posts[id] = p
	return true, nil
}

func (f *fakePostStore) MarkFailed(ctx context.Context, id, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.posts[id]
	if !ok || p.Status != post.StatusPending {
		return false, nil
	}
	p.Status = post.StatusFailed
	p.FailureReason = &reason
	f.posts[id] = p
	return true, nil
}

func (f *fakePostStore) Get(ctx context.Context, id string) (post.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.posts[id]
	if !ok {
		return post.Post{}, post.ErrPostNotFound
	}
	return p, nil
}

func (f *fakePostStore) get(id string) post.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posts[id]
}

type fakeTokenSource struct {
	token string
	err   error
	calls atomic.Int32
}

func (f *fakeTokenSource) GetValidToken(ctx context.Context, identityID string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

type fakePublisher struct {
	externalID string
	err        error
	calls      atomic.Int32
	block      chan struct{}

	mu        sync.Mutex
	lastToken string
	lastVideo []byte
}

func (f *fakePublisher) Publish(ctx context.Context, accessToken, caption string, video []byte) (string, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.lastToken = accessToken
	f.lastVideo = video
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.externalID, nil
}

type fakeVideoReader struct {
	data map[string][]byte
}

func (f *fakeVideoReader) Read(filename string) ([]byte, error) {
	data, ok := f.data[filename]
	if !ok {
		return nil, errors.New("video not found")
	}
	return data, nil
}

func pendingPost(id string) post.Post {
	return post.Post{
		ID:            id,
		UserID:        "identity-1",
		Caption:       "hello",
		VideoFilename: "clip.mp4",
		Platform:      "tiktok",
		ScheduledAt:   time.Now().UTC().Add(-time.Minute),
		Status:        post.StatusPending,
	}
}

func newTestWorker(store *fakePostStore, tokens *fakeTokenSource, publisher *fakePublisher, videos *fakeVideoReader) *Worker {
	if videos == nil {
		videos = &fakeVideoReader{data: map[string][]byte{"clip.mp4": []byte("video-bytes")}}
	}
	return NewWorker(store, tokens, publisher, videos, observability.NewLogger())
}

func TestProcessPublishesDuePost(t *testing.T) {
	store := newFakePostStore()
	store.add(pendingPost("post-1"))
	tokens := &fakeTokenSource{token: "access-token"}
	publisher := &fakePublisher{externalID: "ext-42"}
	worker := newTestWorker(store, tokens, publisher, nil)

	worker.Process(context.Background(), "post-1")

	got := store.get("post-1")
	assert.Equal(t, post.StatusPublished, got.Status)
	require.NotNil(t, got.ExternalPostID)
	assert.Equal(t, "ext-42", *got.ExternalPostID)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, "access-token", publisher.lastToken)
	assert.Equal(t, []byte("video-bytes"), publisher.lastVideo)
}

func TestProcessSkipsNonPendingPost(t *testing.T) {
	store := newFakePostStore()
	published := pendingPost("post-1")
	published.Status = post.StatusPublished
	store.add(published)
	publisher := &fakePublisher{externalID: "ext-42"}
	worker := newTestWorker(store, &fakeTokenSource{token: "t"}, publisher, nil)

	worker.Process(context.Background(), "post-1")

	assert.EqualValues(t, 0, publisher.calls.Load())
	assert.Equal(t, 0, store.get("post-1").AttemptCount)
}

func TestPermanentRejectionFailsTerminallyAndIsNotRetried(t *testing.T) {
	store := newFakePostStore()
	store.add(pendingPost("post-1"))
	publisher := &fakePublisher{err: &platform.RejectionError{Status: 400, Message: "video too long"}}
	worker := newTestWorker(store, &fakeTokenSource{token: "t"}, publisher, nil)

	worker.Process(context.Background(), "post-1")

	got := store.get("post-1")
	assert.Equal(t, post.StatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, "platform_rejected: video too long", *got.FailureReason)

	// A later tick must not touch the post again.
	worker.Process(context.Background(), "post-1")
	assert.EqualValues(t, 1, publisher.calls.Load())
}

func TestTransientErrorLeavesPostPendingForRetry(t *testing.T) {
	store := newFakePostStore()
	store.add(pendingPost("post-1"))
	publisher := &fakePublisher{err: fmt.Errorf("publish step: %w", platform.ErrPlatformUnavailable)}
	worker := newTestWorker(store, &fakeTokenSource{token: "t"}, publisher, nil)

	worker.Process(context.Background(), "post-1")

	got := store.get("post-1")
	assert.Equal(t, post.StatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Nil(t, got.FailureReason)

	// Still claimable: the next tick retries and can succeed.
	publisher.err = nil
	publisher.externalID = "ext-7"
	worker.Process(context.Background(), "post-1")

	got = store.get("post-1")
	assert.Equal(t, post.StatusPublished, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
}

func TestCredentialFailuresFailTerminally(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"not linked", platform.ErrNotLinked},
		{"reauthorization required", fmt.Errorf("refresh: %w", platform.ErrReauthorizationRequired)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakePostStore()
			store.add(pendingPost("post-1"))
			publisher := &fakePublisher{}
			worker := newTestWorker(store, &fakeTokenSource{err: tc.err}, publisher, nil)

			worker.Process(context.Background(), "post-1")

			got := store.get("post-1")
			assert.Equal(t, post.StatusFailed, got.Status)
			require.NotNil(t, got.FailureReason)
			assert.Equal(t, post.ReasonCredentialUnavailable, *got.FailureReason)
			assert.EqualValues(t, 0, publisher.calls.Load())
		})
	}
}

func TestTransientTokenFailureLeavesPostPending(t *testing.T) {
	store := newFakePostStore()
	store.add(pendingPost("post-1"))
	tokens := &fakeTokenSource{err: fmt.Errorf("token endpoint: %w", platform.ErrPlatformUnavailable)}
	worker := newTestWorker(store, tokens, &fakePublisher{}, nil)

	worker.Process(context.Background(), "post-1")

	got := store.get("post-1")
	assert.Equal(t, post.StatusPending, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestMissingVideoFailsTerminally(t *testing.T) {
	store := newFakePostStore()
	store.add(pendingPost("post-1"))
	videos := &fakeVideoReader{data: map[string][]byte{}}
	worker := newTestWorker(store, &fakeTokenSource{token: "t"}, &fakePublisher{}, videos)

	worker.Process(context.Background(), "post-1")

	got := store.get("post-1")
	assert.Equal(t, post.StatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, post.ReasonVideoUnavailable, *got.FailureReason)
}

func TestTransientFailuresExhaustAttemptBudget(t *testing.T) {
	store := newFakePostStore()
	store.add(pendingPost("post-1"))
	publisher := &fakePublisher{err: fmt.Errorf("publish step: %w", platform.ErrPlatformUnavailable)}
	worker := newTestWorker(store, &fakeTokenSource{token: "t"}, publisher, nil)
	worker.WithMaxAttempts(3)

	for i := 0; i < 3; i++ {
		worker.Process(context.Background(), "post-1")
	}

	got := store.get("post-1")
	assert.Equal(t, post.StatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	assert.Equal(t, post.ReasonRetriesExhausted, *got.FailureReason)
	assert.Equal(t, 3, got.AttemptCount)
}

func TestPublishNowReturnsRecordedOutcome(t *testing.T) {
	store := newFakePostStore()
	p := pendingPost("post-1")
	store.add(p)
	publisher := &fakePublisher{externalID: "ext-9"}
	worker := newTestWorker(store, &fakeTokenSource{token: "t"}, publisher, nil)

	result, err := worker.PublishNow(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, post.StatusPublished, result.Status)
	require.NotNil(t, result.ExternalPostID)
	assert.Equal(t, "ext-9", *result.ExternalPostID)
}

func TestScannerSkipsPostsAlreadyInFlight(t *testing.T) {
	store := newFakePostStore()
	store.add(pendingPost("post-1"))
	publisher := &fakePublisher{externalID: "ext-1", block: make(chan struct{})}
	worker := newTestWorker(store, &fakeTokenSource{token: "t"}, publisher, nil)
	scanner := NewScanner(store, worker, observability.NewLogger())

	sem := make(chan struct{}, 2)
	var wg sync.WaitGroup
	ctx := context.Background()

	scanner.tick(ctx, sem, &wg)

	// Wait for the attempt to reach the blocking publish call, then tick
	// again while it is still in flight.
	require.Eventually(t, func() bool {
		return publisher.calls.Load() == 1
	}, time.Second, 5*time.Millisecond)

	scanner.tick(ctx, sem, &wg)

	close(publisher.block)
	wg.Wait()

	assert.EqualValues(t, 1, publisher.calls.Load())
	assert.Equal(t, post.StatusPublished, store.get("post-1").Status)
}
