// Package lockout throttles password guessing by counting failed logins per
// identity and locking the account for a fixed window once a threshold is hit.
//
// Lock expiry is evaluated lazily: IsLocked is the only place that decides an
// expired lock is over, and it clears the counters when it does.
package lockout

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/identity/entity"
)

const (
	DefaultMaxFailedAttempts = 5
	DefaultLockDuration      = 30 * time.Minute
)

// Store is the identity persistence the guard needs. Update must run fn inside
// a transaction that serializes concurrent updates of the same identity.
type Store interface {
	FindByEmail(ctx context.Context, email string) (*entity.Identity, error)
	Update(ctx context.Context, id int64, fn func(*entity.Identity) bool) (*entity.Identity, error)
}

type Config struct {
	MaxFailedAttempts int
	LockDuration      time.Duration
}

// Guard implements the account lockout policy.
type Guard struct {
	store  Store
	cfg    Config
	clock  clockwork.Clock
	logger *zap.SugaredLogger
}

func NewGuard(store Store, cfg Config, clock clockwork.Clock, logger *zap.SugaredLogger) *Guard {
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = DefaultMaxFailedAttempts
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = DefaultLockDuration
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Guard{store: store, cfg: cfg, clock: clock, logger: logger}
}

// Config returns the effective policy.
func (g *Guard) Config() Config { return g.cfg }

// RecordFailure increments the failure counter and locks the identity when the
// new count reaches the threshold. The persisted identity is returned.
func (g *Guard) RecordFailure(ctx context.Context, u *entity.Identity) (*entity.Identity, error) {
	now := g.clock.Now()
	updated, err := g.store.Update(ctx, u.ID, func(cur *entity.Identity) bool {
		cur.FailedAttempts++
		if cur.FailedAttempts >= g.cfg.MaxFailedAttempts && !cur.Locked {
			cur.Lock(now)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	g.logger.Warnw("failed login attempt", "identity_id", updated.ID, "attempt", updated.FailedAttempts)
	if updated.Locked && updated.FailedAttempts == g.cfg.MaxFailedAttempts {
		g.logger.Warnw("account locked", "identity_id", updated.ID, "after_attempts", updated.FailedAttempts)
	}
	return updated, nil
}

// RecordSuccess clears failures. Clean identities are not written.
func (g *Guard) RecordSuccess(ctx context.Context, u *entity.Identity) error {
	if !u.HasFailures() {
		return nil
	}
	updated, err := g.store.Update(ctx, u.ID, func(cur *entity.Identity) bool {
		if !cur.HasFailures() {
			return false
		}
		cur.ResetFailures()
		return true
	})
	if err != nil {
		return err
	}
	*u = *updated
	g.logger.Infow("failed attempts reset", "identity_id", u.ID)
	return nil
}

// IsLocked reports whether u is currently locked. A lock whose window has
// passed is cleared and persisted, and u is refreshed in place.
func (g *Guard) IsLocked(ctx context.Context, u *entity.Identity) (bool, error) {
	if !u.Locked {
		return false, nil
	}
	now := g.clock.Now()
	if now.Before(u.LockExpiresAt(g.cfg.LockDuration)) {
		return true, nil
	}

	stillLocked := false
	updated, err := g.store.Update(ctx, u.ID, func(cur *entity.Identity) bool {
		if !cur.Locked {
			return false
		}
		if now.Before(cur.LockExpiresAt(g.cfg.LockDuration)) {
			// re-locked by a concurrent caller after our read
			stillLocked = true
			return false
		}
		cur.ResetFailures()
		return true
	})
	if err != nil {
		return false, err
	}
	*u = *updated
	if !stillLocked {
		g.logger.Infow("lock expired, account unlocked", "identity_id", u.ID)
	}
	return stillLocked, nil
}

// RemainingLockMinutes rounds up so a live lock never reports zero.
func (g *Guard) RemainingLockMinutes(u *entity.Identity) int {
	if !u.Locked || u.LockedAt == nil {
		return 0
	}
	left := u.LockExpiresAt(g.cfg.LockDuration).Sub(g.clock.Now())
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Minutes()))
}

func (g *Guard) RemainingAttempts(u *entity.Identity) int {
	return max(0, g.cfg.MaxFailedAttempts-u.FailedAttempts)
}

// Unlock is the administrative override. Unknown emails are a no-op.
func (g *Guard) Unlock(ctx context.Context, email string) error {
	u, err := g.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, entity.ErrIdentityNotFound) {
			return nil
		}
		return err
	}
	if _, err := g.store.Update(ctx, u.ID, func(cur *entity.Identity) bool {
		cur.ResetFailures()
		return true
	}); err != nil {
		if errors.Is(err, entity.ErrIdentityNotFound) {
			return nil
		}
		return err
	}
	g.logger.Infow("account manually unlocked", "identity_id", u.ID)
	return nil
}
