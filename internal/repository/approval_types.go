package repository

import "time"

// ── Domain types for the approval workflow engine ────────────────────────────

// RequestState is the lifecycle state of an approval request. A request is
// mutated only to flip pending → approved or pending → denied; it is never
// re-opened from a terminal state.
type RequestState string

const (
	RequestPending  RequestState = "pending"
	RequestApproved RequestState = "approved"
	RequestDenied   RequestState = "denied"
)

// DecisionStatus is the outcome field on one level's decision record.
type DecisionStatus string

const (
	DecisionAwaiting DecisionStatus = "awaiting"
	DecisionApproved DecisionStatus = "approved"
	DecisionDenied   DecisionStatus = "denied"
)

// EntityKind identifies which approvable collection an entity belongs to.
type EntityKind string

const (
	KindWorkplan         EntityKind = "workplan"
	KindActivityProposal EntityKind = "activity_proposal"
	KindProgressReport   EntityKind = "progress_report"
	KindAnnualReport     EntityKind = "annual_report"
	KindImpactStory      EntityKind = "impact_story"
	KindSurveyForm       EntityKind = "survey_form"
)

// HierarchyLevel is one ordinal step in an approval type's reviewer chain.
// Levels for a type are unique and contiguous starting at 1. A level binds
// either a role or a specific user; a bound user takes precedence.
type HierarchyLevel struct {
	ID             string
	ApprovalType   string
	LevelNumber    int
	ApproverRole   string
	ApproverUserID *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LevelSnapshot is the per-request copy of one hierarchy level, stored as a
// JSONB array on the request at creation time so that later administrative
// edits never alter in-flight approvals.
type LevelSnapshot struct {
	LevelNumber    int     `json:"level"`
	ApproverRole   string  `json:"role"`
	ApproverUserID *string `json:"user_id,omitempty"`
}

// ApprovalRequest is one submission of an entity into an approval type's
// workflow. At most one pending request exists per (entity, approval type).
type ApprovalRequest struct {
	ID                  string
	ApprovalType        string
	EntityKind          EntityKind
	EntityID            string
	RequesterID         string
	State               RequestState
	Levels              []LevelSnapshot
	CurrentLevel        int
	NeedsReconciliation bool
	SubmittedAt         time.Time
	CompletedAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ApprovalDecision records one level's review for one request. Rows are
// created lazily as the request advances and mutated exactly once when the
// reviewer acts. An information request stamps the row without closing it.
type ApprovalDecision struct {
	ID                string
	RequestID         string
	LevelNumber       int
	ApproverRole      string
	ApproverUserID    *string
	Status            DecisionStatus
	ReviewerID        *string
	Comment           *string
	RequestReceivedAt time.Time
	ActionTakenAt     *time.Time
	InfoRequestedAt   *time.Time
	InfoRequestNote   *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AuditEntry is one immutable record in the approval audit log.
type AuditEntry struct {
	ID           string
	EntityKind   EntityKind
	EntityID     string
	RequestID    *string
	DecisionID   *string
	Action       string // submitted | approved | denied | information_requested | resubmitted | reconciled
	PerformedBy  string
	PerformedAt  time.Time
	StatusBefore *string
	StatusAfter  *string
	Metadata     map[string]interface{} // arbitrary JSON context
}

// SnapshotFromLevels copies an ordered hierarchy chain into the snapshot
// form persisted on a request.
func SnapshotFromLevels(levels []*HierarchyLevel) []LevelSnapshot {
	snapshot := make([]LevelSnapshot, 0, len(levels))
	for _, lvl := range levels {
		snapshot = append(snapshot, LevelSnapshot{
			LevelNumber:    lvl.LevelNumber,
			ApproverRole:   lvl.ApproverRole,
			ApproverUserID: lvl.ApproverUserID,
		})
	}
	return snapshot
}
