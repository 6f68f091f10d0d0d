package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/agent-provisioner/internal/model"
)

type UserRepository interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
	GetOrCreateByIdentity(ctx context.Context, identity string, displayName *string) (*model.User, error)
}

type userRepo struct {
	db *sqlx.DB
}

func NewUserRepository(db *sqlx.DB) UserRepository {
	return &userRepo{db: db}
}

func (r *userRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	return getOne[model.User](ctx, r.db, `
		SELECT * FROM users WHERE id = $1
	`, id)
}

// GetOrCreateByIdentity upserts on the messaging identity. A re-link keeps
// the existing user id and only refreshes the display name when one is given.
func (r *userRepo) GetOrCreateByIdentity(ctx context.Context, identity string, displayName *string) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, `
		INSERT INTO users (identity, display_name)
		VALUES ($1, $2)
		ON CONFLICT (identity) DO UPDATE SET
			display_name = COALESCE(EXCLUDED.display_name, users.display_name),
			updated_at = NOW()
		RETURNING *
	`, identity, displayName)
	if err != nil {
		return nil, err
	}
	return &user, nil
}
