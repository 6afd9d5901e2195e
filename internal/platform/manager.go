package platform

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultExpiryMargin = 60 * time.Second

// Credential is the delegated platform credential persisted for one identity.
type Credential struct {
	AccessToken  string
	RefreshToken string
	OpenID       string
	ExpiresAt    time.Time
}

// CredentialStore persists per-identity platform credentials. The postgres
// Repository implements it against the users table.
type CredentialStore interface {
	// GetCredential returns ErrNotLinked when the identity has no delegated
	// credential.
	GetCredential(ctx context.Context, identityID string) (Credential, error)
	// UpdateCredential overwrites the stored credential only while the stored
	// expiry still equals previousExpiresAt, and reports whether the write
	// took effect. A false return means another writer refreshed first.
	UpdateCredential(ctx context.Context, identityID string, cred Credential, previousExpiresAt time.Time) (bool, error)
	SaveGrantedCredential(ctx context.Context, identityID string, cred Credential) error
	ClearCredential(ctx context.Context, identityID string) error
}

// OAuthClient is the wire contract of the platform's token endpoint.
type OAuthClient interface {
	ExchangeCode(ctx context.Context, code string) (Grant, error)
	RefreshGrant(ctx context.Context, refreshToken string) (Grant, error)
}

// TokenManager hands out valid delegated access tokens, refreshing them
// behind the scenes when they are near or past expiry.
type TokenManager struct {
	store  CredentialStore
	oauth  OAuthClient
	margin time.Duration
	group  singleflight.Group
	now    func() time.Time
}

func NewTokenManager(store CredentialStore, oauth OAuthClient) *TokenManager {
	return &TokenManager{
		store:  store,
		oauth:  oauth,
		margin: defaultExpiryMargin,
		now:    time.Now,
	}
}

// GetValidToken returns a delegated access token guaranteed to be valid for
// at least the expiry margin. Refresh exchanges for the same identity are
// collapsed into one flight; losers of the race reuse the winner's result.
func (m *TokenManager) GetValidToken(ctx context.Context, identityID string) (string, error) {
	cred, err := m.store.GetCredential(ctx, identityID)
	if err != nil {
		return "", err
	}
	if m.fresh(cred) {
		return cred.AccessToken, nil
	}

	value, err, _ := m.group.Do(identityID, func() (any, error) {
		return m.refresh(ctx, identityID)
	})
	if err != nil {
		return "", err
	}

	return value.(string), nil
}

func (m *TokenManager) refresh(ctx context.Context, identityID string) (string, error) {
	// Re-read inside the flight: a concurrent caller may have refreshed the
	// row between our staleness check and winning the flight.
	cred, err := m.store.GetCredential(ctx, identityID)
	if err != nil {
		return "", err
	}
	if m.fresh(cred) {
		return cred.AccessToken, nil
	}
	if cred.RefreshToken == "" {
		return "", ErrReauthorizationRequired
	}

	grant, err := m.oauth.RefreshGrant(ctx, cred.RefreshToken)
	if err != nil {
		return "", err
	}

	updated := m.credentialFromGrant(grant, cred.OpenID)
	ok, err := m.store.UpdateCredential(ctx, identityID, updated, cred.ExpiresAt)
	if err != nil {
		return "", err
	}
	if !ok {
		// Another process won the overwrite; trust its result.
		current, err := m.store.GetCredential(ctx, identityID)
		if err != nil {
			return "", err
		}
		return current.AccessToken, nil
	}

	return updated.AccessToken, nil
}

// LinkAccount exchanges an authorization code and stores the resulting grant
// for the given identity. Callers must pass the authenticated identity's own
// id, never one supplied by the request.
func (m *TokenManager) LinkAccount(ctx context.Context, identityID, code string) error {
	grant, err := m.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return err
	}

	return m.store.SaveGrantedCredential(ctx, identityID, m.credentialFromGrant(grant, grant.OpenID))
}

func (m *TokenManager) Disconnect(ctx context.Context, identityID string) error {
	return m.store.ClearCredential(ctx, identityID)
}

func (m *TokenManager) fresh(cred Credential) bool {
	return cred.ExpiresAt.After(m.now().UTC().Add(m.margin))
}

func (m *TokenManager) credentialFromGrant(grant Grant, fallbackOpenID string) Credential {
	openID := grant.OpenID
	if openID == "" {
		openID = fallbackOpenID
	}

	return Credential{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		OpenID:       openID,
		ExpiresAt:    m.now().UTC().Add(time.Duration(grant.ExpiresIn) * time.Second),
	}
}

var _ OAuthClient = (*TikTok)(nil)
