package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/token"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/database"
)

// RefreshRepo stores refresh tokens in postgres. identity_id is UNIQUE, and
// Replace additionally takes the identity row lock so two concurrent issues
// for one identity run one after the other; the later commit wins.
type RefreshRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewRefreshRepo(db *sqlx.DB, timeout time.Duration) *RefreshRepo {
	return &RefreshRepo{db: db, timeout: timeout}
}

func (r *RefreshRepo) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *RefreshRepo) Replace(ctx context.Context, rt *token.RefreshToken) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := lockIdentity(ctx, tx, rt.IdentityID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE identity_id = $1`, rt.IdentityID); err != nil {
			return database.Classify(err)
		}
		return insert(ctx, tx, rt)
	})
	if err != nil {
		return fmt.Errorf("replace refresh token: %w", err)
	}
	return nil
}

// Rotate deletes oldToken and inserts rt under the identity row lock. The
// DELETE is the redemption: a second caller holding the same token blocks on
// the lock and then finds nothing to delete.
func (r *RefreshRepo) Rotate(ctx context.Context, oldToken string, rt *token.RefreshToken) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := lockIdentity(ctx, tx, rt.IdentityID); err != nil {
			return err
		}
		var owner int64
		const del = `DELETE FROM refresh_tokens WHERE token = $1 RETURNING identity_id`
		if err := tx.GetContext(ctx, &owner, del, oldToken); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return token.ErrRefreshNotFound
			}
			return database.Classify(err)
		}
		if owner != rt.IdentityID {
			return token.ErrRefreshNotFound
		}
		return insert(ctx, tx, rt)
	})
	if err != nil {
		return fmt.Errorf("rotate refresh token: %w", err)
	}
	return nil
}

func lockIdentity(ctx context.Context, tx *sqlx.Tx, identityID int64) error {
	var one int
	if err := tx.GetContext(ctx, &one, `SELECT 1 FROM identities WHERE id = $1 FOR UPDATE`, identityID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("identity %d does not exist", identityID)
		}
		return database.Classify(err)
	}
	return nil
}

func insert(ctx context.Context, tx *sqlx.Tx, rt *token.RefreshToken) error {
	const q = `INSERT INTO refresh_tokens (token, identity_id, expires_at) VALUES ($1, $2, $3) RETURNING id, created_at`
	if err := tx.QueryRowxContext(ctx, q, rt.Token, rt.IdentityID, rt.ExpiresAt).Scan(&rt.ID, &rt.CreatedAt); err != nil {
		return database.Classify(err)
	}
	return nil
}

func (r *RefreshRepo) FindByToken(ctx context.Context, tok string) (*token.RefreshToken, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	var rt token.RefreshToken
	const q = `SELECT id, token, identity_id, expires_at, created_at FROM refresh_tokens WHERE token = $1`
	if err := r.db.GetContext(ctx, &rt, q, tok); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, token.ErrRefreshNotFound
		}
		return nil, fmt.Errorf("find refresh token: %w", database.Classify(err))
	}
	return &rt, nil
}

func (r *RefreshRepo) DeleteByToken(ctx context.Context, tok string) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token = $1`, tok); err != nil {
		return fmt.Errorf("delete refresh token: %w", database.Classify(err))
	}
	return nil
}

func (r *RefreshRepo) DeleteByIdentity(ctx context.Context, identityID int64) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE identity_id = $1`, identityID); err != nil {
		return fmt.Errorf("revoke refresh tokens: %w", database.Classify(err))
	}
	return nil
}
