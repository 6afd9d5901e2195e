package auth

import "time"

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Identity is a user account row. The refresh credential columns are all nil
// or all set; the platform credential columns stay nil until the user links
// a TikTok account.
type Identity struct {
	ID           string
	Email        string
	Username     string
	PasswordHash string
	Role         string

	// TokenVersion is compared against the "ver" claim of every session
	// credential. Bumping it invalidates all outstanding credentials at once.
	TokenVersion int

	RefreshTokenID   *string
	RefreshTokenHash *string
	RefreshExpiresAt *time.Time

	TikTokAccessToken    *string
	TikTokRefreshToken   *string
	TikTokOpenID         *string
	TikTokTokenExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Linked reports whether the identity has a delegated TikTok credential.
func (i Identity) Linked() bool {
	return i.TikTokTokenExpiresAt != nil
}

type NewIdentity struct {
	Email        string
	Username     string
	PasswordHash string
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Profile is the outward-facing shape of an identity. Credential material is
// deliberately absent.
type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Linked    bool      `json:"tiktok_linked"`
	CreatedAt time.Time `json:"created_at"`
}

func (i Identity) Profile() Profile {
	return Profile{
		ID:        i.ID,
		Email:     i.Email,
		Username:  i.Username,
		Role:      i.Role,
		Linked:    i.Linked(),
		CreatedAt: i.CreatedAt,
	}
}
