package repository

import (
	"context"

	"github.com/cap-net/be-me-approvals/internal/database"
	"github.com/cap-net/be-me-approvals/internal/errors"
)

// IdentityRepository resolves reviewer identity from the shared user_roles
// directory table. User accounts themselves are owned by the identity
// service; this repository only reads the role bindings replicated here.
type IdentityRepository struct {
	db *database.DB
}

// NewIdentityRepository creates a new IdentityRepository.
func NewIdentityRepository(db *database.DB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

// GetUserRoles returns the role names a user holds.
func (r *IdentityRepository) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT role
		FROM user_roles
		WHERE user_id = $1
		ORDER BY role ASC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user roles")
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan user role")
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// GetUsersWithRole returns user IDs that hold the given role. Used to fan
// out "approval required" notifications for a role-bound hierarchy level.
func (r *IdentityRepository) GetUsersWithRole(ctx context.Context, role string) ([]string, error) {
	query := `
		SELECT user_id
		FROM user_roles
		WHERE role = $1
		ORDER BY user_id ASC
	`

	rows, err := r.db.Query(ctx, query, role)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get users with role")
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan user id")
		}
		users = append(users, userID)
	}
	return users, rows.Err()
}
