package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour

	refreshSecretBytes = 32
)

// IdentityStore is the persistence contract the service needs. The postgres
// Repository implements it; tests substitute an in-memory fake.
type IdentityStore interface {
	CreateIdentity(ctx context.Context, input NewIdentity) (Identity, error)
	GetByID(ctx context.Context, id string) (Identity, error)
	GetByUsername(ctx context.Context, username string) (Identity, error)
	GetByRefreshTokenID(ctx context.Context, lookupID string) (Identity, error)
	SetRefreshCredential(ctx context.Context, identityID, lookupID, secretHash string, expiresAt time.Time) error
	// RotateRefreshCredential overwrites the stored refresh credential in a
	// single conditional write that only succeeds while currentLookupID is
	// still the stored one. A concurrent rotation losing the race gets
	// ErrRefreshInvalid.
	RotateRefreshCredential(ctx context.Context, identityID, currentLookupID, newLookupID, newSecretHash string, newExpiresAt time.Time) error
	// RevokeSessions bumps token_version by one and clears the refresh
	// credential atomically.
	RevokeSessions(ctx context.Context, identityID string) error
}

type Service struct {
	store      IdentityStore
	jwtSecret  []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewService(store IdentityStore, jwtSecret string) *Service {
	return &Service{
		store:      store,
		jwtSecret:  []byte(jwtSecret),
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
}

func (s *Service) WithTokenTTLs(accessTTL, refreshTTL time.Duration) {
	if accessTTL > 0 {
		s.accessTTL = accessTTL
	}
	if refreshTTL > 0 {
		s.refreshTTL = refreshTTL
	}
}

func (s *Service) Register(ctx context.Context, email, username, password string) (Identity, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	username = strings.TrimSpace(strings.ToLower(username))

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Identity{}, fmt.Errorf("hash password: %w", err)
	}

	return s.store.CreateIdentity(ctx, NewIdentity{
		Email:        email,
		Username:     username,
		PasswordHash: string(hash),
	})
}

func (s *Service) Login(ctx context.Context, username, password string) (Tokens, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	if username == "" || password == "" {
		return Tokens{}, ErrInvalidCredentials
	}

	identity, err := s.store.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return Tokens{}, ErrInvalidCredentials
		}
		return Tokens{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(identity.PasswordHash), []byte(password)); err != nil {
		return Tokens{}, ErrInvalidCredentials
	}

	return s.issueTokens(ctx, identity)
}

// Refresh redeems a refresh credential and rotates it. The presented value is
// "<lookupID>.<secret>"; the lookup id resolves the owning identity with an
// indexed read, the secret is verified against the stored bcrypt hash. The
// stored credential is overwritten in the same operation, so any given value
// can be redeemed at most once.
func (s *Service) Refresh(ctx context.Context, presented string) (Tokens, error) {
	lookupID, secret, ok := strings.Cut(strings.TrimSpace(presented), ".")
	if !ok || lookupID == "" || secret == "" {
		return Tokens{}, ErrRefreshInvalid
	}

	identity, err := s.store.GetByRefreshTokenID(ctx, lookupID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return Tokens{}, ErrRefreshInvalid
		}
		return Tokens{}, err
	}
	if identity.RefreshTokenHash == nil || identity.RefreshExpiresAt == nil {
		return Tokens{}, ErrRefreshInvalid
	}

	// Expiry first: it is cheap compared to the bcrypt compare.
	if s.now().UTC().After(*identity.RefreshExpiresAt) {
		return Tokens{}, ErrRefreshExpired
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*identity.RefreshTokenHash), []byte(secret)); err != nil {
		return Tokens{}, ErrRefreshInvalid
	}

	newRaw, newLookupID, newHash, err := s.newRefreshCredential()
	if err != nil {
		return Tokens{}, err
	}
	err = s.store.RotateRefreshCredential(ctx, identity.ID, lookupID, newLookupID, newHash, s.now().UTC().Add(s.refreshTTL))
	if err != nil {
		return Tokens{}, err
	}

	access, expiresIn, err := s.issueAccessToken(identity)
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: newRaw,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
	}, nil
}

// Logout bumps the identity's token version, which invalidates every
// outstanding session credential at once, and clears the stored refresh
// credential. Idempotent.
func (s *Service) Logout(ctx context.Context, identityID string) error {
	return s.store.RevokeSessions(ctx, identityID)
}

// VerifySession checks signature and expiry before touching the store, then
// loads the identity and compares the embedded version against the current
// one. A mismatch means the session was revoked after the token was minted.
func (s *Service) VerifySession(ctx context.Context, token string) (Identity, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, ErrTokenInvalid
	}
	if !parsed.Valid {
		return Identity{}, ErrTokenInvalid
	}

	if tokenType, _ := claims["typ"].(string); tokenType != "access" {
		return Identity{}, ErrTokenInvalid
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		return Identity{}, ErrTokenInvalid
	}
	issuedVersion, ok := claims["ver"].(float64)
	if !ok {
		return Identity{}, ErrTokenInvalid
	}

	identity, err := s.store.GetByID(ctx, subject)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return Identity{}, ErrTokenInvalid
		}
		return Identity{}, err
	}
	if int(issuedVersion) != identity.TokenVersion {
		return Identity{}, ErrTokenRevoked
	}

	return identity, nil
}

func (s *Service) issueTokens(ctx context.Context, identity Identity) (Tokens, error) {
	access, expiresIn, err := s.issueAccessToken(identity)
	if err != nil {
		return Tokens{}, err
	}

	raw, lookupID, hash, err := s.newRefreshCredential()
	if err != nil {
		return Tokens{}, err
	}
	if err := s.store.SetRefreshCredential(ctx, identity.ID, lookupID, hash, s.now().UTC().Add(s.refreshTTL)); err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: raw,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
	}, nil
}

func (s *Service) issueAccessToken(identity Identity) (string, int64, error) {
	now := s.now().UTC()
	claims := jwt.MapClaims{
		"sub": identity.ID,
		"ver": identity.TokenVersion,
		"iat": now.Unix(),
		"exp": now.Add(s.accessTTL).Unix(),
		"typ": "access",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", 0, fmt.Errorf("sign jwt: %w", err)
	}

	return encoded, int64(s.accessTTL.Seconds()), nil
}

// newRefreshCredential generates a fresh lookup id and secret. Only the
// bcrypt hash of the secret is ever stored; the raw form goes to the caller
// exactly once.
func (s *Service) newRefreshCredential() (raw, lookupID, secretHash string, err error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", "", "", fmt.Errorf("generate refresh lookup id: %w", err)
	}

	secret, err := randomSecret(refreshSecretBytes)
	if err != nil {
		return "", "", "", fmt.Errorf("generate refresh secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("hash refresh secret: %w", err)
	}

	lookupID = id.String()
	return lookupID + "." + secret, lookupID, string(hash), nil
}

func randomSecret(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenRevoked       = errors.New("token revoked")
	ErrRefreshInvalid     = errors.New("refresh credential invalid")
	ErrRefreshExpired     = errors.New("refresh credential expired")
)
