package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cap-net/be-me-approvals/internal/database"
	"github.com/cap-net/be-me-approvals/internal/errors"
)

// HierarchyRepository handles the reviewer chain configuration per approval
// type. The workflow engine only ever reads a consistent, ordered snapshot;
// administrative mutation goes through ReplaceLevels, which validates the
// contiguity invariant before writing.
type HierarchyRepository struct {
	db *database.DB
}

// NewHierarchyRepository creates a new HierarchyRepository.
func NewHierarchyRepository(db *database.DB) *HierarchyRepository {
	return &HierarchyRepository{db: db}
}

// GetLevels returns the ordered reviewer chain for an approval type.
// A type with no levels, or with a broken level sequence, cannot start a
// workflow and is reported as a configuration error.
func (r *HierarchyRepository) GetLevels(ctx context.Context, approvalType string) ([]*HierarchyLevel, error) {
	query := `
		SELECT id, approval_type, level_number, approver_role, approver_user_id,
		       created_at, updated_at
		FROM approval_hierarchy_levels
		WHERE approval_type = $1
		ORDER BY level_number ASC
	`

	rows, err := r.db.Query(ctx, query, approvalType)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get hierarchy levels")
	}
	defer rows.Close()

	levels, err := r.scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(levels) == 0 {
		return nil, errors.New(errors.ErrCodeConfiguration,
			fmt.Sprintf("approval type %q has no hierarchy levels configured", approvalType))
	}
	if err := ValidateContiguous(levels); err != nil {
		return nil, err
	}
	return levels, nil
}

// ListTypes returns the distinct approval types that have a hierarchy.
func (r *HierarchyRepository) ListTypes(ctx context.Context) ([]string, error) {
	query := `
		SELECT DISTINCT approval_type
		FROM approval_hierarchy_levels
		ORDER BY approval_type ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval types")
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval type")
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// ReplaceLevels swaps the entire chain for an approval type in one
// transaction. The incoming chain must already be contiguous from level 1.
// In-flight requests are unaffected: they carry their own snapshot.
func (r *HierarchyRepository) ReplaceLevels(ctx context.Context, approvalType string, levels []*HierarchyLevel) error {
	if len(levels) == 0 {
		return errors.InvalidInput("levels", "at least one hierarchy level is required")
	}
	for _, lvl := range levels {
		lvl.ApprovalType = approvalType
		if lvl.ApproverRole == "" && lvl.ApproverUserID == nil {
			return errors.InvalidInput("approver_role",
				fmt.Sprintf("level %d must bind a role or a user", lvl.LevelNumber))
		}
	}
	if err := ValidateContiguous(levels); err != nil {
		return err
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM approval_hierarchy_levels WHERE approval_type = $1`, approvalType); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear hierarchy levels")
		}

		insertQuery := `
			INSERT INTO approval_hierarchy_levels
			    (approval_type, level_number, approver_role, approver_user_id)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at, updated_at
		`
		for _, lvl := range levels {
			err := tx.QueryRow(ctx, insertQuery,
				lvl.ApprovalType,
				lvl.LevelNumber,
				lvl.ApproverRole,
				lvl.ApproverUserID,
			).Scan(&lvl.ID, &lvl.CreatedAt, &lvl.UpdatedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert hierarchy level")
			}
		}
		return nil
	})
}

// ValidateContiguous checks that level numbers are unique and contiguous
// starting at 1. The input must be sorted by level number.
func ValidateContiguous(levels []*HierarchyLevel) error {
	for i, lvl := range levels {
		if lvl.LevelNumber != i+1 {
			return errors.New(errors.ErrCodeConfiguration,
				fmt.Sprintf("hierarchy for %q is not contiguous: expected level %d, found %d",
					lvl.ApprovalType, i+1, lvl.LevelNumber))
		}
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func (r *HierarchyRepository) scanRows(rows pgx.Rows) ([]*HierarchyLevel, error) {
	var levels []*HierarchyLevel
	for rows.Next() {
		lvl := &HierarchyLevel{}
		err := rows.Scan(
			&lvl.ID,
			&lvl.ApprovalType,
			&lvl.LevelNumber,
			&lvl.ApproverRole,
			&lvl.ApproverUserID,
			&lvl.CreatedAt,
			&lvl.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan hierarchy level")
		}
		levels = append(levels, lvl)
	}
	return levels, rows.Err()
}
