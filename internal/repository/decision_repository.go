package repository

import (
	"context"
	"fmt"
	"iter"

	"github.com/jackc/pgx/v5"

	"github.com/cap-net/be-me-approvals/internal/database"
	"github.com/cap-net/be-me-approvals/internal/errors"
)

// DecisionRepository reads and mutates per-level decision rows. Levels are
// materialized one at a time as a request advances, so rows beyond the
// current level never exist and a pending request always has exactly one
// awaiting row. All outcome mutations are conditional updates keyed on the
// row still being awaiting, which makes racing reviewers lose cleanly.
type DecisionRepository struct {
	db *database.DB
}

// NewDecisionRepository creates a new DecisionRepository.
func NewDecisionRepository(db *database.DB) *DecisionRepository {
	return &DecisionRepository{db: db}
}

// queryRower is satisfied by both *database.DB and pgx.Tx, so decision
// inserts can run standalone or inside the request-creation transaction.
type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertDecision(ctx context.Context, q queryRower, d *ApprovalDecision) error {
	query := `
		INSERT INTO approval_decisions
		    (request_id, level_number, approver_role, approver_user_id,
		     status, request_received_at)
		VALUES ($1, $2, $3, $4,
		        $5::approval_decision_status, NOW())
		RETURNING id, request_received_at, created_at, updated_at
	`

	err := q.QueryRow(ctx, query,
		d.RequestID,
		d.LevelNumber,
		d.ApproverRole,
		d.ApproverUserID,
		d.Status,
	).Scan(&d.ID, &d.RequestReceivedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval decision")
	}
	return nil
}

// Insert materializes one decision row. Used when the request advances to
// its next hierarchy level.
func (r *DecisionRepository) Insert(ctx context.Context, d *ApprovalDecision) error {
	return insertDecision(ctx, r.db, d)
}

// RecordDecision sets the outcome of an awaiting decision. Exactly one
// caller can win; a later attempt finds no awaiting row and gets a conflict.
func (r *DecisionRepository) RecordDecision(ctx context.Context, id string, outcome DecisionStatus, reviewerID string, comment *string) error {
	if outcome != DecisionApproved && outcome != DecisionDenied {
		return errors.InvalidInput("outcome", fmt.Sprintf("%q is not a decision outcome", outcome))
	}

	query := `
		UPDATE approval_decisions
		SET status          = $2::approval_decision_status,
		    reviewer_id     = $3,
		    comment         = $4,
		    action_taken_at = NOW(),
		    updated_at      = NOW()
		WHERE id = $1
		  AND status = 'awaiting'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, outcome, reviewerID, comment).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("decision %s has already been acted on", id))
	}
	return err
}

// MarkInformationRequested stamps an information request on an awaiting
// decision without advancing or closing it.
func (r *DecisionRepository) MarkInformationRequested(ctx context.Context, id, note string) error {
	query := `
		UPDATE approval_decisions
		SET info_requested_at = NOW(),
		    info_request_note = $2,
		    updated_at        = NOW()
		WHERE id = $1
		  AND status = 'awaiting'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, note).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("decision %s has already been acted on", id))
	}
	return err
}

// Reopen returns an information-requested decision to plain awaiting with a
// fresh received timestamp. The same row is reused across submitter edits;
// no new decision is created for a resubmission.
func (r *DecisionRepository) Reopen(ctx context.Context, id string) error {
	query := `
		UPDATE approval_decisions
		SET request_received_at = NOW(),
		    info_requested_at   = NULL,
		    info_request_note   = NULL,
		    updated_at          = NOW()
		WHERE id = $1
		  AND status = 'awaiting'
		  AND info_requested_at IS NOT NULL
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("decision %s has no open information request", id))
	}
	return err
}

// GetByID retrieves a decision by its primary key.
func (r *DecisionRepository) GetByID(ctx context.Context, id string) (*ApprovalDecision, error) {
	d, err := r.scanDecision(r.db.QueryRow(ctx, decisionSelect+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_decision", id)
	}
	return d, err
}

// GetAwaiting returns the single awaiting decision of a pending request.
func (r *DecisionRepository) GetAwaiting(ctx context.Context, requestID string) (*ApprovalDecision, error) {
	query := decisionSelect + ` WHERE request_id = $1 AND status = 'awaiting'`

	d, err := r.scanDecision(r.db.QueryRow(ctx, query, requestID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("awaiting decision for request", requestID)
	}
	return d, err
}

// GetByRequestID returns the full decision trail ordered by level number.
func (r *DecisionRepository) GetByRequestID(ctx context.Context, requestID string) ([]*ApprovalDecision, error) {
	rows, err := r.db.Query(ctx, decisionSelect+`
		WHERE request_id = $1
		ORDER BY level_number ASC
	`, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get decision trail")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// PendingForReviewer returns every awaiting decision of a pending request
// that the given user can act on, either as the bound user or through one of
// their roles, oldest first.
func (r *DecisionRepository) PendingForReviewer(ctx context.Context, userID string, roles []string) ([]*ApprovalDecision, error) {
	query := `
		SELECT d.id, d.request_id, d.level_number, d.approver_role, d.approver_user_id,
		       d.status, d.reviewer_id, d.comment,
		       d.request_received_at, d.action_taken_at,
		       d.info_requested_at, d.info_request_note,
		       d.created_at, d.updated_at
		FROM approval_decisions d
		JOIN approval_requests r ON r.id = d.request_id
		WHERE d.status = 'awaiting'
		  AND r.state = 'pending'
		  AND (d.approver_user_id = $1
		       OR (d.approver_user_id IS NULL AND d.approver_role = ANY($2)))
		ORDER BY d.request_received_at ASC
	`

	rows, err := r.db.Query(ctx, query, userID, roles)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get pending approvals")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// Trail yields the decision trail ordered by level number. The sequence is
// lazy and restartable: every range re-runs the query, so audit exports can
// iterate it more than once.
func (r *DecisionRepository) Trail(ctx context.Context, requestID string) iter.Seq2[*ApprovalDecision, error] {
	return func(yield func(*ApprovalDecision, error) bool) {
		rows, err := r.db.Query(ctx, decisionSelect+`
			WHERE request_id = $1
			ORDER BY level_number ASC
		`, requestID)
		if err != nil {
			yield(nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read decision trail"))
			return
		}
		defer rows.Close()

		for rows.Next() {
			d, err := r.scanDecision(rows)
			if err != nil {
				yield(nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan decision"))
				return
			}
			if !yield(d, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read decision trail"))
		}
	}
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const decisionSelect = `
	SELECT id, request_id, level_number, approver_role, approver_user_id,
	       status, reviewer_id, comment,
	       request_received_at, action_taken_at,
	       info_requested_at, info_request_note,
	       created_at, updated_at
	FROM approval_decisions
`

type decisionScanner interface {
	Scan(dest ...any) error
}

func (r *DecisionRepository) scanDecision(row decisionScanner) (*ApprovalDecision, error) {
	d := &ApprovalDecision{}
	err := row.Scan(
		&d.ID,
		&d.RequestID,
		&d.LevelNumber,
		&d.ApproverRole,
		&d.ApproverUserID,
		&d.Status,
		&d.ReviewerID,
		&d.Comment,
		&d.RequestReceivedAt,
		&d.ActionTakenAt,
		&d.InfoRequestedAt,
		&d.InfoRequestNote,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *DecisionRepository) scanRows(rows pgx.Rows) ([]*ApprovalDecision, error) {
	var decisions []*ApprovalDecision
	for rows.Next() {
		d, err := r.scanDecision(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval decision")
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}
