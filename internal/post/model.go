package post

import "time"

const (
	StatusPending   = "pending"
	StatusPublished = "published"
	StatusFailed    = "failed"
)

// Failure reasons recorded on terminally failed posts. The prefix form is
// what lands in the failure_reason column; platform rejections append the
// platform's own message.
const (
	ReasonCredentialUnavailable = "credential_unavailable"
	ReasonPlatformRejected      = "platform_rejected"
	ReasonVideoUnavailable      = "video_unavailable"
	ReasonRetriesExhausted      = "retries_exhausted"
)

// Post is one scheduled unit of content. Status only ever moves out of
// pending, never back into it.
type Post struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Caption        string     `json:"caption"`
	VideoFilename  string     `json:"-"`
	Platform       string     `json:"platform"`
	ScheduledAt    time.Time  `json:"scheduled_time"`
	Status         string     `json:"status"`
	ExternalPostID *string    `json:"external_post_id"`
	FailureReason  *string    `json:"failure_reason"`
	AttemptCount   int        `json:"attempt_count"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type NewPost struct {
	UserID        string
	Caption       string
	VideoFilename string
	ScheduledAt   time.Time
}

// Update carries the fields a user may change while a post is still pending.
type Update struct {
	Caption     *string
	ScheduledAt *time.Time
}
