package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/database"
)

// NOTE: schema lives in pkg/database/migrations.

const selectIdentity = `SELECT i.id, i.username, i.email, i.password_hash, i.role_id, r.name AS role_name,
	i.active, i.enabled, i.failed_attempts, i.locked, i.locked_at, i.created_at, i.updated_at
  FROM identities i JOIN roles r ON r.id = i.role_id`

// IdentityRepo provides data access for the identities table using sqlx.
type IdentityRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewIdentityRepo(db *sqlx.DB, timeout time.Duration) *IdentityRepo {
	return &IdentityRepo{db: db, timeout: timeout}
}

func (r *IdentityRepo) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// FindByEmail matches case-insensitively (citext column, lower-cased argument).
func (r *IdentityRepo) FindByEmail(ctx context.Context, email string) (*entity.Identity, error) {
	return r.get(ctx, selectIdentity+` WHERE i.email = $1`, normalizeEmail(email))
}

func (r *IdentityRepo) FindByUsername(ctx context.Context, username string) (*entity.Identity, error) {
	return r.get(ctx, selectIdentity+` WHERE i.username = $1`, strings.TrimSpace(username))
}

func (r *IdentityRepo) FindByID(ctx context.Context, id int64) (*entity.Identity, error) {
	return r.get(ctx, selectIdentity+` WHERE i.id = $1`, id)
}

func (r *IdentityRepo) get(ctx context.Context, q string, arg any) (*entity.Identity, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	var row entity.Identity
	if err := r.db.GetContext(ctx, &row, q, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, entity.ErrIdentityNotFound
		}
		return nil, fmt.Errorf("get identity: %w", database.Classify(err))
	}
	return &row, nil
}

// Save upserts the identity keyed by id. Unique violations on username/email
// surface as database.ErrDuplicate.
func (r *IdentityRepo) Save(ctx context.Context, u *entity.Identity) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	const q = `INSERT INTO identities (id, username, email, password_hash, role_id, active, enabled, failed_attempts, locked, locked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
		  username = EXCLUDED.username, email = EXCLUDED.email, password_hash = EXCLUDED.password_hash,
		  role_id = EXCLUDED.role_id, active = EXCLUDED.active, enabled = EXCLUDED.enabled,
		  failed_attempts = EXCLUDED.failed_attempts, locked = EXCLUDED.locked, locked_at = EXCLUDED.locked_at,
		  updated_at = NOW()
		RETURNING created_at, updated_at`
	u.Email = normalizeEmail(u.Email)
	row := r.db.QueryRowxContext(ctx, q, u.ID, u.Username, u.Email, u.PasswordHash, u.RoleID,
		u.Active, u.Enabled, u.FailedAttempts, u.Locked, u.LockedAt)
	if err := row.Scan(&u.CreatedAt, &u.UpdatedAt); err != nil {
		return fmt.Errorf("save identity: %w", database.Classify(err))
	}
	return nil
}

// Update runs a read-modify-write on one identity inside a transaction holding
// the row lock, so concurrent updates to the same identity serialize. fn
// returns false to skip the write. The committed row is returned.
func (r *IdentityRepo) Update(ctx context.Context, id int64, fn func(*entity.Identity) bool) (*entity.Identity, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	var out entity.Identity
	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &out, selectIdentity+` WHERE i.id = $1 FOR UPDATE OF i`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return entity.ErrIdentityNotFound
			}
			return database.Classify(err)
		}
		if !fn(&out) {
			return nil
		}
		const q = `UPDATE identities SET active=$2, enabled=$3, failed_attempts=$4, locked=$5, locked_at=$6, updated_at=NOW()
			WHERE id=$1 RETURNING updated_at`
		if err := tx.GetContext(ctx, &out.UpdatedAt, q, out.ID, out.Active, out.Enabled, out.FailedAttempts, out.Locked, out.LockedAt); err != nil {
			return database.Classify(err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, entity.ErrIdentityNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("update identity %d: %w", id, err)
	}
	return &out, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
