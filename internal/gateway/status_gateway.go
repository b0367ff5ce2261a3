package gateway

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cap-net/be-me-approvals/internal/database"
	"github.com/cap-net/be-me-approvals/internal/errors"
	"github.com/cap-net/be-me-approvals/internal/repository"
)

// Entity status values mirrored on approvable entities. The per-level
// pending value is built by PendingLevelStatus.
const (
	StatusInProgress    = "in progress"
	StatusSubmitted     = "submitted"
	StatusInfoRequested = "information requested"
	StatusApproved      = "approved"
	StatusDenied        = "denied"
)

// PendingLevelStatus builds the status value for a request waiting at the
// given hierarchy level.
func PendingLevelStatus(level int) string {
	return fmt.Sprintf("pending level %d", level)
}

// entityTables maps each approvable kind to its table. All six tables carry
// the same status/approved_at/deleted_at columns, so one code path serves
// every kind and the synchronization invariant is enforced in one place.
var entityTables = map[repository.EntityKind]string{
	repository.KindWorkplan:         "workplans",
	repository.KindActivityProposal: "activity_proposals",
	repository.KindProgressReport:   "progress_reports",
	repository.KindAnnualReport:     "annual_reports",
	repository.KindImpactStory:      "impact_stories",
	repository.KindSurveyForm:       "survey_forms",
}

// StatusGateway reads and writes the status field on whatever entity is
// under approval. It is the only writer of approval-governed status fields;
// soft-deleted entities are treated as missing.
type StatusGateway struct {
	db *database.DB
}

// NewStatusGateway creates a new StatusGateway.
func NewStatusGateway(db *database.DB) *StatusGateway {
	return &StatusGateway{db: db}
}

func tableFor(kind repository.EntityKind) (string, error) {
	table, ok := entityTables[kind]
	if !ok {
		return "", errors.InvalidInput("entity_kind", fmt.Sprintf("unknown entity kind %q", kind))
	}
	return table, nil
}

// ReadStatus returns the entity's current status.
func (g *StatusGateway) ReadStatus(ctx context.Context, kind repository.EntityKind, entityID string) (string, error) {
	table, err := tableFor(kind)
	if err != nil {
		return "", err
	}

	query := fmt.Sprintf(`
		SELECT status
		FROM %s
		WHERE id = $1 AND deleted_at IS NULL
	`, table)

	var status string
	err = g.db.QueryRow(ctx, query, entityID).Scan(&status)
	if err == pgx.ErrNoRows {
		return "", errors.NotFound(string(kind), entityID)
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to read entity status")
	}
	return status, nil
}

// WriteStatus sets the entity's status in a single conditional update, so a
// soft-deleted entity can never be resurrected by a late workflow write.
func (g *StatusGateway) WriteStatus(ctx context.Context, kind repository.EntityKind, entityID, newStatus string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status     = $2,
		    updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING id
	`, table)

	var returnedID string
	err = g.db.QueryRow(ctx, query, entityID, newStatus).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound(string(kind), entityID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to write entity status")
	}
	return nil
}

// StampApproved records the terminal approved status together with the
// approval moment.
func (g *StatusGateway) StampApproved(ctx context.Context, kind repository.EntityKind, entityID string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status      = $2,
		    approved_at = NOW(),
		    updated_at  = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING id
	`, table)

	var returnedID string
	err = g.db.QueryRow(ctx, query, entityID, StatusApproved).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound(string(kind), entityID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to stamp entity approval")
	}
	return nil
}
