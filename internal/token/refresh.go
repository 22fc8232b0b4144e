package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var (
	ErrRefreshNotFound = errors.New("refresh token not found")
	ErrRefreshExpired  = errors.New("refresh token expired")
)

// RefreshToken is a persisted session-renewal credential. One per identity.
type RefreshToken struct {
	ID         int64     `db:"id"`
	Token      string    `db:"token"`
	IdentityID int64     `db:"identity_id"`
	ExpiresAt  time.Time `db:"expires_at"`
	CreatedAt  time.Time `db:"created_at"`
}

// RefreshRepository persists refresh tokens.
type RefreshRepository interface {
	// Replace deletes every token owned by rt.IdentityID and inserts rt in one
	// transaction serialized per identity.
	Replace(ctx context.Context, rt *RefreshToken) error
	// Rotate consumes oldToken and stores rt in its place in the same
	// transaction. It returns ErrRefreshNotFound when oldToken is already
	// gone, so of two rotations of one token only the first succeeds.
	Rotate(ctx context.Context, oldToken string, rt *RefreshToken) error
	FindByToken(ctx context.Context, token string) (*RefreshToken, error)
	DeleteByToken(ctx context.Context, token string) error
	DeleteByIdentity(ctx context.Context, identityID int64) error
}

// RefreshStore issues, validates and revokes refresh tokens.
type RefreshStore struct {
	repo   RefreshRepository
	ttl    time.Duration
	clock  clockwork.Clock
	logger *zap.SugaredLogger
}

func NewRefreshStore(repo RefreshRepository, ttl time.Duration, clock clockwork.Clock, logger *zap.SugaredLogger) *RefreshStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RefreshStore{repo: repo, ttl: ttl, clock: clock, logger: logger}
}

// IssueFor replaces any token the identity holds with a fresh one.
func (s *RefreshStore) IssueFor(ctx context.Context, identityID int64) (*RefreshToken, error) {
	raw, err := newOpaqueToken()
	if err != nil {
		return nil, err
	}
	rt := &RefreshToken{
		Token:      raw,
		IdentityID: identityID,
		ExpiresAt:  s.clock.Now().Add(s.ttl),
	}
	if err := s.repo.Replace(ctx, rt); err != nil {
		return nil, err
	}
	s.logger.Infow("refresh token issued", "identity_id", identityID)
	return rt, nil
}

// Rotate exchanges a presented token for a fresh one owned by the same
// identity. The presented token is redeemable once.
func (s *RefreshStore) Rotate(ctx context.Context, old *RefreshToken) (*RefreshToken, error) {
	raw, err := newOpaqueToken()
	if err != nil {
		return nil, err
	}
	rt := &RefreshToken{
		Token:      raw,
		IdentityID: old.IdentityID,
		ExpiresAt:  s.clock.Now().Add(s.ttl),
	}
	if err := s.repo.Rotate(ctx, old.Token, rt); err != nil {
		return nil, err
	}
	s.logger.Infow("refresh token rotated", "identity_id", rt.IdentityID)
	return rt, nil
}

func (s *RefreshStore) FindByToken(ctx context.Context, token string) (*RefreshToken, error) {
	if token == "" {
		return nil, ErrRefreshNotFound
	}
	return s.repo.FindByToken(ctx, token)
}

// VerifyNotExpired deletes rt and returns ErrRefreshExpired once
// ExpiresAt <= now.
func (s *RefreshStore) VerifyNotExpired(ctx context.Context, rt *RefreshToken) (*RefreshToken, error) {
	if s.clock.Now().Before(rt.ExpiresAt) {
		return rt, nil
	}
	if err := s.repo.DeleteByToken(ctx, rt.Token); err != nil {
		return nil, err
	}
	s.logger.Warnw("expired refresh token deleted", "identity_id", rt.IdentityID)
	return nil, ErrRefreshExpired
}

// DeleteAllFor revokes every token of the identity. Idempotent.
func (s *RefreshStore) DeleteAllFor(ctx context.Context, identityID int64) error {
	if err := s.repo.DeleteByIdentity(ctx, identityID); err != nil {
		return err
	}
	s.logger.Infow("refresh tokens revoked", "identity_id", identityID)
	return nil
}

// 32 random bytes, base64url without padding.
func newOpaqueToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
