package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/service-identity-go/pkg/database"
)

type RoleRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewRoleRepo(db *sqlx.DB, timeout time.Duration) *RoleRepo {
	return &RoleRepo{db: db, timeout: timeout}
}

// FindByName returns entity.ErrRoleNotFound when the role is not seeded.
func (r *RoleRepo) FindByName(ctx context.Context, name string) (*entity.Role, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	var role entity.Role
	if err := r.db.GetContext(ctx, &role, `SELECT id, name FROM roles WHERE name = $1`, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, entity.ErrRoleNotFound
		}
		return nil, fmt.Errorf("get role: %w", database.Classify(err))
	}
	return &role, nil
}
