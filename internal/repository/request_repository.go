package repository

import (
	"context"
	"encoding/json"
	"fmt"

	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cap-net/be-me-approvals/internal/database"
	"github.com/cap-net/be-me-approvals/internal/errors"
)

// RequestRepository is the approval request ledger. Request + level-1
// decision creation is always done together in a single transaction, and the
// insert is guarded so that at most one pending request exists per
// (entity, approval type) pair. The table additionally carries a partial
// unique index on (entity_kind, entity_id, approval_type) WHERE
// state = 'pending', which closes the race between two concurrent guarded
// inserts.
type RequestRepository struct {
	db *database.DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// Create inserts a request and its first decision in one transaction.
// A still-pending request for the same entity and type makes this a conflict.
func (r *RequestRepository) Create(ctx context.Context, req *ApprovalRequest, first *ApprovalDecision) error {
	snapshotJSON, err := json.Marshal(req.Levels)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal level snapshot")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO approval_requests
			    (approval_type, entity_kind, entity_id, requester_id,
			     state, level_snapshot, current_level)
			SELECT $1, $2, $3, $4,
			       'pending'::approval_request_state, $5, 1
			WHERE NOT EXISTS (
				SELECT 1 FROM approval_requests
				WHERE approval_type = $1
				  AND entity_kind   = $2
				  AND entity_id     = $3
				  AND state         = 'pending'
			)
			RETURNING id, submitted_at, created_at, updated_at
		`

		err := tx.QueryRow(ctx, query,
			req.ApprovalType,
			req.EntityKind,
			req.EntityID,
			req.RequesterID,
			snapshotJSON,
		).Scan(&req.ID, &req.SubmittedAt, &req.CreatedAt, &req.UpdatedAt)
		if err == pgx.ErrNoRows || isUniqueViolation(err) {
			return duplicateActiveRequest(req)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
		}

		req.State = RequestPending
		req.CurrentLevel = 1

		first.RequestID = req.ID
		first.Status = DecisionAwaiting
		return insertDecision(ctx, tx, first)
	})
}

// GetByID retrieves a request by its primary key.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*ApprovalRequest, error) {
	req, err := r.scanRequest(r.db.QueryRow(ctx, requestSelect+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_request", id)
	}
	return req, err
}

// GetActive returns the pending request for an entity and approval type.
// Returns nil when no request is currently pending.
func (r *RequestRepository) GetActive(ctx context.Context, kind EntityKind, entityID, approvalType string) (*ApprovalRequest, error) {
	query := requestSelect + `
		WHERE entity_kind = $1 AND entity_id = $2 AND approval_type = $3
		  AND state = 'pending'
	`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, kind, entityID, approvalType))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return req, err
}

// GetLatest returns the most recently submitted request for an entity and
// approval type regardless of state, or nil when none exists.
func (r *RequestRepository) GetLatest(ctx context.Context, kind EntityKind, entityID, approvalType string) (*ApprovalRequest, error) {
	query := requestSelect + `
		WHERE entity_kind = $1 AND entity_id = $2 AND approval_type = $3
		ORDER BY submitted_at DESC
		LIMIT 1
	`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, kind, entityID, approvalType))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return req, err
}

// Finalize transitions a pending request to its terminal outcome. A request
// that is already terminal cannot be finalized again.
func (r *RequestRepository) Finalize(ctx context.Context, id string, outcome RequestState) error {
	if outcome != RequestApproved && outcome != RequestDenied {
		return errors.InvalidInput("outcome", fmt.Sprintf("%q is not a terminal state", outcome))
	}

	query := `
		UPDATE approval_requests
		SET state        = $2::approval_request_state,
		    completed_at = NOW(),
		    updated_at   = NOW()
		WHERE id = $1
		  AND state = 'pending'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, outcome).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("approval request %s is already terminal", id))
	}
	return err
}

// SetCurrentLevel advances the request's current level pointer.
func (r *RequestRepository) SetCurrentLevel(ctx context.Context, id string, level int) error {
	query := `
		UPDATE approval_requests
		SET current_level = $2,
		    updated_at    = NOW()
		WHERE id = $1
		  AND state = 'pending'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, level).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("approval request %s is not pending", id))
	}
	return err
}

// SetNeedsReconciliation flags or clears operator attention on a request
// whose entity status write could not be completed.
func (r *RequestRepository) SetNeedsReconciliation(ctx context.Context, id string, flag bool) error {
	query := `
		UPDATE approval_requests
		SET needs_reconciliation = $2,
		    updated_at           = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, flag).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_request", id)
	}
	return err
}

// ListNeedsReconciliation returns every request flagged for operator repair,
// oldest first.
func (r *RequestRepository) ListNeedsReconciliation(ctx context.Context) ([]*ApprovalRequest, error) {
	query := requestSelect + `
		WHERE needs_reconciliation = TRUE
		ORDER BY submitted_at ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list flagged requests")
	}
	defer rows.Close()

	var reqs []*ApprovalRequest
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const requestSelect = `
	SELECT id, approval_type, entity_kind, entity_id, requester_id,
	       state, level_snapshot, current_level, needs_reconciliation,
	       submitted_at, completed_at, created_at, updated_at
	FROM approval_requests
`

type requestScanner interface {
	Scan(dest ...any) error
}

func (r *RequestRepository) scanRequest(row requestScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var snapshotJSON []byte

	err := row.Scan(
		&req.ID,
		&req.ApprovalType,
		&req.EntityKind,
		&req.EntityID,
		&req.RequesterID,
		&req.State,
		&snapshotJSON,
		&req.CurrentLevel,
		&req.NeedsReconciliation,
		&req.SubmittedAt,
		&req.CompletedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(snapshotJSON, &req.Levels); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal level snapshot")
	}
	return req, nil
}

func duplicateActiveRequest(req *ApprovalRequest) error {
	return errors.New(errors.ErrCodeConflict,
		fmt.Sprintf("a pending approval request already exists for %s %s (%s)",
			req.EntityKind, req.EntityID, req.ApprovalType))
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == "23505"
}
