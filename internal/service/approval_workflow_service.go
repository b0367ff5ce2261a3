package service

import (
	"context"
	"fmt"
	"iter"
	"slices"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cap-net/be-me-approvals/internal/errors"
	"github.com/cap-net/be-me-approvals/internal/gateway"
	"github.com/cap-net/be-me-approvals/internal/repository"
)

// Notification event types published on workflow transitions.
const (
	EventSubmissionReceived   = "submission_received"
	EventApprovalRequired     = "approval_required"
	EventInformationRequested = "information_requested"
	EventRequestResubmitted   = "request_resubmitted"
	EventRequestApproved      = "request_approved"
	EventRequestDenied        = "request_denied"
)

// ── Collaborator contracts ───────────────────────────────────────────────────
//
// The repositories in internal/repository and the gateway in internal/gateway
// satisfy these; tests substitute in-memory fakes.

// HierarchyStore reads the configured reviewer chain for an approval type.
type HierarchyStore interface {
	GetLevels(ctx context.Context, approvalType string) ([]*repository.HierarchyLevel, error)
}

// RequestStore is the approval request ledger.
type RequestStore interface {
	Create(ctx context.Context, req *repository.ApprovalRequest, first *repository.ApprovalDecision) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	GetActive(ctx context.Context, kind repository.EntityKind, entityID, approvalType string) (*repository.ApprovalRequest, error)
	GetLatest(ctx context.Context, kind repository.EntityKind, entityID, approvalType string) (*repository.ApprovalRequest, error)
	Finalize(ctx context.Context, id string, outcome repository.RequestState) error
	SetCurrentLevel(ctx context.Context, id string, level int) error
	SetNeedsReconciliation(ctx context.Context, id string, flag bool) error
	ListNeedsReconciliation(ctx context.Context) ([]*repository.ApprovalRequest, error)
}

// DecisionStore is the per-level decision tracker.
type DecisionStore interface {
	Insert(ctx context.Context, d *repository.ApprovalDecision) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalDecision, error)
	GetAwaiting(ctx context.Context, requestID string) (*repository.ApprovalDecision, error)
	GetByRequestID(ctx context.Context, requestID string) ([]*repository.ApprovalDecision, error)
	Trail(ctx context.Context, requestID string) iter.Seq2[*repository.ApprovalDecision, error]
	RecordDecision(ctx context.Context, id string, outcome repository.DecisionStatus, reviewerID string, comment *string) error
	MarkInformationRequested(ctx context.Context, id, note string) error
	Reopen(ctx context.Context, id string) error
	PendingForReviewer(ctx context.Context, userID string, roles []string) ([]*repository.ApprovalDecision, error)
}

// EntityStatusGateway mirrors workflow state onto the entity under approval.
type EntityStatusGateway interface {
	ReadStatus(ctx context.Context, kind repository.EntityKind, entityID string) (string, error)
	WriteStatus(ctx context.Context, kind repository.EntityKind, entityID, newStatus string) error
	StampApproved(ctx context.Context, kind repository.EntityKind, entityID string) error
}

// AuditStore appends immutable audit log entries.
type AuditStore interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
}

// IdentityClientInterface resolves reviewer identity and role membership.
type IdentityClientInterface interface {
	GetUserRoles(ctx context.Context, userID string) ([]string, error)
	GetUsersWithRole(ctx context.Context, role string) ([]string, error)
}

// Notifier publishes best-effort workflow events.
type Notifier interface {
	PublishApprovalEvent(ctx context.Context, eventType string, req *repository.ApprovalRequest, actorID string, recipients []string, payload map[string]interface{})
}

// ── Orchestrator ─────────────────────────────────────────────────────────────

// ApprovalWorkflowService drives the multi-level approval state machine and
// keeps the entity status mirror in step with the decision trail. The
// decision trail is the source of truth: when the status mirror cannot be
// written even with retries, the request is flagged for reconciliation
// instead of failing the reviewer's action.
type ApprovalWorkflowService struct {
	hierarchy HierarchyStore
	requests  RequestStore
	decisions DecisionStore
	gateway   EntityStatusGateway
	audit     AuditStore
	identity  IdentityClientInterface
	notifier  Notifier
	log       zerolog.Logger

	statusRetries uint64
}

// NewApprovalWorkflowService creates a new ApprovalWorkflowService.
func NewApprovalWorkflowService(
	hierarchy HierarchyStore,
	requests RequestStore,
	decisions DecisionStore,
	statusGateway EntityStatusGateway,
	audit AuditStore,
	identity IdentityClientInterface,
	notifier Notifier,
	log zerolog.Logger,
	statusRetries int,
) *ApprovalWorkflowService {
	if statusRetries < 0 {
		statusRetries = 0
	}
	return &ApprovalWorkflowService{
		hierarchy:     hierarchy,
		requests:      requests,
		decisions:     decisions,
		gateway:       statusGateway,
		audit:         audit,
		identity:      identity,
		notifier:      notifier,
		log:           log,
		statusRetries: uint64(statusRetries),
	}
}

// ── Submission ───────────────────────────────────────────────────────────────

// Submit creates an approval request for an entity, snapshots the hierarchy,
// materializes the level-1 decision and flips the entity to "pending level 1".
// Misconfigured hierarchies fail here, before anything is written.
func (s *ApprovalWorkflowService) Submit(ctx context.Context, kind repository.EntityKind, entityID, approvalType, requesterID string) (*repository.ApprovalRequest, error) {
	if requesterID == "" {
		return nil, errors.InvalidInput("requester_id", "requester identity is required")
	}

	statusBefore, err := s.gateway.ReadStatus(ctx, kind, entityID)
	if err != nil {
		return nil, err
	}

	levels, err := s.hierarchy.GetLevels(ctx, approvalType)
	if err != nil {
		return nil, err
	}

	req := &repository.ApprovalRequest{
		ApprovalType: approvalType,
		EntityKind:   kind,
		EntityID:     entityID,
		RequesterID:  requesterID,
		State:        repository.RequestPending,
		Levels:       repository.SnapshotFromLevels(levels),
		CurrentLevel: 1,
	}
	first := &repository.ApprovalDecision{
		LevelNumber:    1,
		ApproverRole:   req.Levels[0].ApproverRole,
		ApproverUserID: req.Levels[0].ApproverUserID,
		Status:         repository.DecisionAwaiting,
	}

	if err := s.requests.Create(ctx, req, first); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("entity_kind", string(kind)).
		Str("entity_id", entityID).
		Str("approval_type", approvalType).
		Int("levels", len(req.Levels)).
		Msg("Approval request created")

	statusAfter := gateway.PendingLevelStatus(1)
	s.writeStatusWithRetry(ctx, req, statusAfter, false)

	s.notifier.PublishApprovalEvent(ctx, EventSubmissionReceived, req, requesterID,
		[]string{requesterID}, nil)
	s.notifier.PublishApprovalEvent(ctx, EventApprovalRequired, req, requesterID,
		s.resolveRecipients(ctx, req.Levels[0]), map[string]interface{}{"level": 1})

	s.appendAudit(ctx, &repository.AuditEntry{
		EntityKind:   kind,
		EntityID:     entityID,
		RequestID:    &req.ID,
		DecisionID:   &first.ID,
		Action:       "submitted",
		PerformedBy:  requesterID,
		StatusBefore: &statusBefore,
		StatusAfter:  &statusAfter,
		Metadata:     map[string]interface{}{"approval_type": approvalType},
	})

	return req, nil
}

// ── Decision ─────────────────────────────────────────────────────────────────

// Decide records a reviewer's approve/deny outcome on the current level and
// either advances the request to the next level or finalizes it. Two
// reviewers racing on the same decision — only the first write wins; the
// loser gets a conflict and no side effects fire twice.
func (s *ApprovalWorkflowService) Decide(ctx context.Context, decisionID string, outcome repository.DecisionStatus, reviewerID string, comment *string) (*repository.ApprovalDecision, error) {
	if outcome != repository.DecisionApproved && outcome != repository.DecisionDenied {
		return nil, errors.InvalidInput("outcome", fmt.Sprintf("%q is not a decision outcome", outcome))
	}

	d, err := s.decisions.GetByID(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	req, err := s.requests.GetByID(ctx, d.RequestID)
	if err != nil {
		return nil, err
	}
	if req.State != repository.RequestPending {
		return nil, errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("approval request %s is already %s", req.ID, req.State))
	}
	if err := s.authorize(ctx, d, reviewerID); err != nil {
		return nil, err
	}
	// Fail closed before recording anything: the snapshot must still be
	// well formed and cover the level being decided.
	if err := validateSnapshot(req, d.LevelNumber); err != nil {
		return nil, err
	}

	if err := s.decisions.RecordDecision(ctx, d.ID, outcome, reviewerID, comment); err != nil {
		return nil, err
	}

	// The mirror reads "information requested" while a request for
	// information is open, and the reviewer may still decide in that window.
	statusBefore := gateway.PendingLevelStatus(d.LevelNumber)
	if d.InfoRequestedAt != nil {
		statusBefore = gateway.StatusInfoRequested
	}

	if outcome == repository.DecisionDenied {
		if err := s.finalizeDenied(ctx, req, d, reviewerID, comment, statusBefore); err != nil {
			return nil, err
		}
	} else if d.LevelNumber == len(req.Levels) {
		if err := s.finalizeApproved(ctx, req, d, reviewerID, statusBefore); err != nil {
			return nil, err
		}
	} else {
		if err := s.advance(ctx, req, d, reviewerID, statusBefore); err != nil {
			return nil, err
		}
	}

	return s.decisions.GetByID(ctx, decisionID)
}

// advance materializes the next level's decision and moves the mirror to
// "pending level k+1".
func (s *ApprovalWorkflowService) advance(ctx context.Context, req *repository.ApprovalRequest, d *repository.ApprovalDecision, reviewerID, statusBefore string) error {
	next := req.Levels[d.LevelNumber]
	nd := &repository.ApprovalDecision{
		RequestID:      req.ID,
		LevelNumber:    next.LevelNumber,
		ApproverRole:   next.ApproverRole,
		ApproverUserID: next.ApproverUserID,
		Status:         repository.DecisionAwaiting,
	}
	if err := s.decisions.Insert(ctx, nd); err != nil {
		s.flagReconciliation(ctx, req.ID)
		return err
	}
	if err := s.requests.SetCurrentLevel(ctx, req.ID, next.LevelNumber); err != nil {
		s.flagReconciliation(ctx, req.ID)
		return err
	}

	statusAfter := gateway.PendingLevelStatus(next.LevelNumber)
	s.writeStatusWithRetry(ctx, req, statusAfter, false)

	s.notifier.PublishApprovalEvent(ctx, EventApprovalRequired, req, reviewerID,
		s.resolveRecipients(ctx, next), map[string]interface{}{"level": next.LevelNumber})

	s.appendAudit(ctx, &repository.AuditEntry{
		EntityKind:   req.EntityKind,
		EntityID:     req.EntityID,
		RequestID:    &req.ID,
		DecisionID:   &d.ID,
		Action:       "approved",
		PerformedBy:  reviewerID,
		StatusBefore: &statusBefore,
		StatusAfter:  &statusAfter,
		Metadata:     map[string]interface{}{"level": d.LevelNumber, "next_level": next.LevelNumber},
	})
	return nil
}

// finalizeApproved closes the request after the last level approves.
func (s *ApprovalWorkflowService) finalizeApproved(ctx context.Context, req *repository.ApprovalRequest, d *repository.ApprovalDecision, reviewerID, statusBefore string) error {
	if err := s.requests.Finalize(ctx, req.ID, repository.RequestApproved); err != nil {
		s.flagReconciliation(ctx, req.ID)
		return err
	}

	s.writeStatusWithRetry(ctx, req, gateway.StatusApproved, true)

	s.notifier.PublishApprovalEvent(ctx, EventRequestApproved, req, reviewerID,
		[]string{req.RequesterID}, nil)

	statusAfter := gateway.StatusApproved
	s.appendAudit(ctx, &repository.AuditEntry{
		EntityKind:   req.EntityKind,
		EntityID:     req.EntityID,
		RequestID:    &req.ID,
		DecisionID:   &d.ID,
		Action:       "approved",
		PerformedBy:  reviewerID,
		StatusBefore: &statusBefore,
		StatusAfter:  &statusAfter,
		Metadata:     map[string]interface{}{"level": d.LevelNumber, "final": true},
	})
	return nil
}

// finalizeDenied closes the request after a denial at any level.
func (s *ApprovalWorkflowService) finalizeDenied(ctx context.Context, req *repository.ApprovalRequest, d *repository.ApprovalDecision, reviewerID string, comment *string, statusBefore string) error {
	if err := s.requests.Finalize(ctx, req.ID, repository.RequestDenied); err != nil {
		s.flagReconciliation(ctx, req.ID)
		return err
	}

	s.writeStatusWithRetry(ctx, req, gateway.StatusDenied, false)

	payload := map[string]interface{}{"level": d.LevelNumber}
	if comment != nil {
		payload["reason"] = *comment
	}
	s.notifier.PublishApprovalEvent(ctx, EventRequestDenied, req, reviewerID,
		[]string{req.RequesterID}, payload)

	statusAfter := gateway.StatusDenied
	s.appendAudit(ctx, &repository.AuditEntry{
		EntityKind:   req.EntityKind,
		EntityID:     req.EntityID,
		RequestID:    &req.ID,
		DecisionID:   &d.ID,
		Action:       "denied",
		PerformedBy:  reviewerID,
		StatusBefore: &statusBefore,
		StatusAfter:  &statusAfter,
		Metadata:     payload,
	})
	return nil
}

// ── Information request / resubmission ───────────────────────────────────────

// RequestInformation stalls the current level: the decision stays awaiting,
// the entity is flipped to "information requested" and the requester is told
// what is missing. No level advance happens.
func (s *ApprovalWorkflowService) RequestInformation(ctx context.Context, decisionID, reviewerID, note string) error {
	if note == "" {
		return errors.InvalidInput("note", "an information request needs a note for the requester")
	}

	d, err := s.decisions.GetByID(ctx, decisionID)
	if err != nil {
		return err
	}
	req, err := s.requests.GetByID(ctx, d.RequestID)
	if err != nil {
		return err
	}
	if req.State != repository.RequestPending {
		return errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("approval request %s is already %s", req.ID, req.State))
	}
	if err := s.authorize(ctx, d, reviewerID); err != nil {
		return err
	}

	if err := s.decisions.MarkInformationRequested(ctx, d.ID, note); err != nil {
		return err
	}

	statusBefore := gateway.PendingLevelStatus(d.LevelNumber)
	statusAfter := gateway.StatusInfoRequested
	s.writeStatusWithRetry(ctx, req, statusAfter, false)

	s.notifier.PublishApprovalEvent(ctx, EventInformationRequested, req, reviewerID,
		[]string{req.RequesterID}, map[string]interface{}{"level": d.LevelNumber, "note": note})

	s.appendAudit(ctx, &repository.AuditEntry{
		EntityKind:   req.EntityKind,
		EntityID:     req.EntityID,
		RequestID:    &req.ID,
		DecisionID:   &d.ID,
		Action:       "information_requested",
		PerformedBy:  reviewerID,
		StatusBefore: &statusBefore,
		StatusAfter:  &statusAfter,
		Metadata:     map[string]interface{}{"note": note},
	})
	return nil
}

// Resubmit returns an information-requested request to review at the same
// level, reusing the same decision row with a fresh received timestamp.
// Only the original requester can resubmit. Resubmission after a denial is a
// plain Submit: the old request stays terminal and a new one starts at
// level 1.
func (s *ApprovalWorkflowService) Resubmit(ctx context.Context, kind repository.EntityKind, entityID, approvalType, requesterID string) (*repository.ApprovalRequest, error) {
	req, err := s.requests.GetActive(ctx, kind, entityID, approvalType)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, errors.NotFound("pending approval request", entityID)
	}
	if req.RequesterID != requesterID {
		return nil, errors.New(errors.ErrCodeUnauthorized, "only the original requester can resubmit")
	}

	d, err := s.decisions.GetAwaiting(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if err := s.decisions.Reopen(ctx, d.ID); err != nil {
		return nil, err
	}

	statusBefore := gateway.StatusInfoRequested
	statusAfter := gateway.PendingLevelStatus(d.LevelNumber)
	s.writeStatusWithRetry(ctx, req, statusAfter, false)

	s.notifier.PublishApprovalEvent(ctx, EventRequestResubmitted, req, requesterID,
		s.resolveRecipients(ctx, req.Levels[d.LevelNumber-1]),
		map[string]interface{}{"level": d.LevelNumber})

	s.appendAudit(ctx, &repository.AuditEntry{
		EntityKind:   kind,
		EntityID:     entityID,
		RequestID:    &req.ID,
		DecisionID:   &d.ID,
		Action:       "resubmitted",
		PerformedBy:  requesterID,
		StatusBefore: &statusBefore,
		StatusAfter:  &statusAfter,
	})
	return req, nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

// RequestView is the state of one request plus its ordered decision trail.
type RequestView struct {
	Request      *repository.ApprovalRequest
	Trail        []*repository.ApprovalDecision
	EntityStatus string
}

// GetRequestState returns the most recent request for an entity and approval
// type together with its decision trail and the entity's mirrored status.
// The trail is read through the lazy Trail sequence, so the view always
// reflects the rows as they stand at read time.
func (s *ApprovalWorkflowService) GetRequestState(ctx context.Context, kind repository.EntityKind, entityID, approvalType string) (*RequestView, error) {
	req, err := s.requests.GetLatest(ctx, kind, entityID, approvalType)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, errors.NotFound("approval_request", entityID)
	}

	trail := make([]*repository.ApprovalDecision, 0, len(req.Levels))
	for d, err := range s.decisions.Trail(ctx, req.ID) {
		if err != nil {
			return nil, err
		}
		trail = append(trail, d)
	}

	// A withdrawn entity keeps its archived request; the status is simply
	// absent from the view.
	entityStatus, err := s.gateway.ReadStatus(ctx, kind, entityID)
	if err != nil && !errors.HasCode(err, errors.ErrCodeNotFound) {
		return nil, err
	}

	return &RequestView{Request: req, Trail: trail, EntityStatus: entityStatus}, nil
}

// PendingForReviewer returns the awaiting decisions the given user can act
// on, through a direct binding or one of their roles.
func (s *ApprovalWorkflowService) PendingForReviewer(ctx context.Context, userID string) ([]*repository.ApprovalDecision, error) {
	roles, err := s.identity.GetUserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.decisions.PendingForReviewer(ctx, userID, roles)
}

// ListNeedsReconciliation returns requests flagged for operator repair.
func (s *ApprovalWorkflowService) ListNeedsReconciliation(ctx context.Context) ([]*repository.ApprovalRequest, error) {
	return s.requests.ListNeedsReconciliation(ctx)
}

// ── Reconciliation ───────────────────────────────────────────────────────────

// Reconcile repairs a request whose entity status diverged from its decision
// trail. The trail is authoritative: the ledger and the status mirror are
// rewritten to match it, then the flag is cleared.
func (s *ApprovalWorkflowService) Reconcile(ctx context.Context, requestID, actorID string) error {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	trail, err := s.decisions.GetByRequestID(ctx, req.ID)
	if err != nil {
		return err
	}
	if len(trail) == 0 {
		return errors.New(errors.ErrCodeConfiguration,
			fmt.Sprintf("approval request %s has no decisions to reconcile from", requestID))
	}
	if err := validateSnapshot(req, trail[len(trail)-1].LevelNumber); err != nil {
		return err
	}

	last := trail[len(trail)-1]
	var target string
	stamp := false

	switch {
	case last.Status == repository.DecisionDenied:
		if req.State == repository.RequestPending {
			if err := s.requests.Finalize(ctx, req.ID, repository.RequestDenied); err != nil {
				return err
			}
		}
		target = gateway.StatusDenied

	case last.Status == repository.DecisionAwaiting && last.InfoRequestedAt != nil:
		target = gateway.StatusInfoRequested

	case last.Status == repository.DecisionAwaiting:
		target = gateway.PendingLevelStatus(last.LevelNumber)

	case last.LevelNumber >= len(req.Levels):
		// Approved at the last level.
		if req.State == repository.RequestPending {
			if err := s.requests.Finalize(ctx, req.ID, repository.RequestApproved); err != nil {
				return err
			}
		}
		target = gateway.StatusApproved
		stamp = true

	default:
		// Approved mid-chain but the next level was never materialized.
		next := req.Levels[last.LevelNumber]
		nd := &repository.ApprovalDecision{
			RequestID:      req.ID,
			LevelNumber:    next.LevelNumber,
			ApproverRole:   next.ApproverRole,
			ApproverUserID: next.ApproverUserID,
			Status:         repository.DecisionAwaiting,
		}
		if err := s.decisions.Insert(ctx, nd); err != nil {
			return err
		}
		if err := s.requests.SetCurrentLevel(ctx, req.ID, next.LevelNumber); err != nil {
			return err
		}
		target = gateway.PendingLevelStatus(next.LevelNumber)
	}

	// Direct write, no retry loop: the operator re-runs reconciliation on
	// failure.
	if stamp {
		err = s.gateway.StampApproved(ctx, req.EntityKind, req.EntityID)
	} else {
		err = s.gateway.WriteStatus(ctx, req.EntityKind, req.EntityID, target)
	}
	if err != nil {
		return err
	}

	if err := s.requests.SetNeedsReconciliation(ctx, req.ID, false); err != nil {
		return err
	}

	runID := uuid.NewString()
	s.log.Info().
		Str("request_id", req.ID).
		Str("status", target).
		Str("run_id", runID).
		Msg("Request reconciled from decision trail")

	s.appendAudit(ctx, &repository.AuditEntry{
		EntityKind:  req.EntityKind,
		EntityID:    req.EntityID,
		RequestID:   &req.ID,
		Action:      "reconciled",
		PerformedBy: actorID,
		StatusAfter: &target,
		Metadata:    map[string]interface{}{"run_id": runID},
	})
	return nil
}

// ── Internal helpers ─────────────────────────────────────────────────────────

// authorize checks the reviewer against the level binding: a bound user must
// match exactly, a bound role must be held by the reviewer.
func (s *ApprovalWorkflowService) authorize(ctx context.Context, d *repository.ApprovalDecision, reviewerID string) error {
	if reviewerID == "" {
		return errors.InvalidInput("reviewer_id", "reviewer identity is required")
	}
	if d.ApproverUserID != nil {
		if *d.ApproverUserID == reviewerID {
			return nil
		}
		return errors.New(errors.ErrCodeUnauthorized,
			"reviewer is not the approver bound to this level")
	}

	roles, err := s.identity.GetUserRoles(ctx, reviewerID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve reviewer roles")
	}
	if slices.Contains(roles, d.ApproverRole) {
		return nil
	}
	return errors.New(errors.ErrCodeUnauthorized,
		fmt.Sprintf("reviewer does not hold role %q required at level %d", d.ApproverRole, d.LevelNumber))
}

// validateSnapshot fails closed when a request's level snapshot is malformed
// or no longer covers the level in play.
func validateSnapshot(req *repository.ApprovalRequest, level int) error {
	if len(req.Levels) == 0 || level > len(req.Levels) {
		return errors.New(errors.ErrCodeConfiguration,
			fmt.Sprintf("request %s level snapshot does not cover level %d", req.ID, level))
	}
	for i, lvl := range req.Levels {
		if lvl.LevelNumber != i+1 {
			return errors.New(errors.ErrCodeConfiguration,
				fmt.Sprintf("request %s level snapshot is not contiguous at position %d", req.ID, i+1))
		}
	}
	return nil
}

// resolveRecipients returns the notification targets for a hierarchy level.
func (s *ApprovalWorkflowService) resolveRecipients(ctx context.Context, lvl repository.LevelSnapshot) []string {
	if lvl.ApproverUserID != nil {
		return []string{*lvl.ApproverUserID}
	}
	users, err := s.identity.GetUsersWithRole(ctx, lvl.ApproverRole)
	if err != nil {
		s.log.Warn().Err(err).Str("role", lvl.ApproverRole).
			Msg("Could not fetch users for role; notification skipped")
		return nil
	}
	return users
}

// writeStatusWithRetry writes the entity status mirror, retrying transient
// failures. When retries exhaust, the request is flagged for reconciliation
// and the caller proceeds: the recorded decision is authoritative.
func (s *ApprovalWorkflowService) writeStatusWithRetry(ctx context.Context, req *repository.ApprovalRequest, status string, stamp bool) {
	op := func() error {
		var err error
		if stamp {
			err = s.gateway.StampApproved(ctx, req.EntityKind, req.EntityID)
		} else {
			err = s.gateway.WriteStatus(ctx, req.EntityKind, req.EntityID, status)
		}
		if err != nil && errors.CodeOf(err) != errors.ErrCodeInternal {
			// A missing entity or bad kind will not heal on retry.
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.statusRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		s.log.Error().Err(err).
			Str("request_id", req.ID).
			Str("entity_id", req.EntityID).
			Str("status", status).
			Msg("Entity status write failed; request flagged for reconciliation")
		s.flagReconciliation(ctx, req.ID)
	}
}

func (s *ApprovalWorkflowService) flagReconciliation(ctx context.Context, requestID string) {
	if err := s.requests.SetNeedsReconciliation(ctx, requestID, true); err != nil {
		s.log.Error().Err(err).Str("request_id", requestID).
			Msg("Failed to flag request for reconciliation")
	}
}

// appendAudit writes an audit entry and logs a warning on failure (never
// returns an error).
func (s *ApprovalWorkflowService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("entity_id", entry.EntityID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}
