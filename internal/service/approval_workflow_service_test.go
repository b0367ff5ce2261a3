package service_test

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"testing"
	"time"

	stderrors "errors"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cap-net/be-me-approvals/internal/errors"
	"github.com/cap-net/be-me-approvals/internal/gateway"
	"github.com/cap-net/be-me-approvals/internal/repository"
	"github.com/cap-net/be-me-approvals/internal/service"
)

// ── In-memory fakes for the orchestrator's collaborators ─────────────────────

type fakeHierarchy struct {
	levels map[string][]*repository.HierarchyLevel
}

func (f *fakeHierarchy) GetLevels(_ context.Context, approvalType string) ([]*repository.HierarchyLevel, error) {
	lvls := f.levels[approvalType]
	if len(lvls) == 0 {
		return nil, errors.New(errors.ErrCodeConfiguration,
			fmt.Sprintf("approval type %q has no hierarchy levels configured", approvalType))
	}
	return lvls, nil
}

// fakeStore implements both RequestStore and DecisionStore over shared maps,
// mirroring the conditional-update semantics of the real repositories.
type fakeStore struct {
	requests  map[string]*repository.ApprovalRequest
	decisions map[string]*repository.ApprovalDecision
	seq       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		requests:  make(map[string]*repository.ApprovalRequest),
		decisions: make(map[string]*repository.ApprovalDecision),
	}
}

func (f *fakeStore) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeStore) Create(_ context.Context, req *repository.ApprovalRequest, first *repository.ApprovalDecision) error {
	for _, existing := range f.requests {
		if existing.EntityKind == req.EntityKind && existing.EntityID == req.EntityID &&
			existing.ApprovalType == req.ApprovalType && existing.State == repository.RequestPending {
			return errors.New(errors.ErrCodeConflict, "a pending approval request already exists")
		}
	}
	req.ID = f.nextID("req")
	req.State = repository.RequestPending
	req.CurrentLevel = 1
	req.SubmittedAt = time.Now()
	f.requests[req.ID] = req

	first.RequestID = req.ID
	first.Status = repository.DecisionAwaiting
	return f.Insert(context.Background(), first)
}

func (f *fakeStore) GetByID(_ context.Context, id string) (*repository.ApprovalRequest, error) {
	req, ok := f.requests[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	return req, nil
}

func (f *fakeStore) GetActive(_ context.Context, kind repository.EntityKind, entityID, approvalType string) (*repository.ApprovalRequest, error) {
	for _, req := range f.requests {
		if req.EntityKind == kind && req.EntityID == entityID &&
			req.ApprovalType == approvalType && req.State == repository.RequestPending {
			return req, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetLatest(_ context.Context, kind repository.EntityKind, entityID, approvalType string) (*repository.ApprovalRequest, error) {
	var latest *repository.ApprovalRequest
	for _, req := range f.requests {
		if req.EntityKind != kind || req.EntityID != entityID || req.ApprovalType != approvalType {
			continue
		}
		if latest == nil || req.SubmittedAt.After(latest.SubmittedAt) {
			latest = req
		}
	}
	return latest, nil
}

func (f *fakeStore) Finalize(_ context.Context, id string, outcome repository.RequestState) error {
	req, ok := f.requests[id]
	if !ok || req.State != repository.RequestPending {
		return errors.New(errors.ErrCodeConflict, "approval request is already terminal")
	}
	now := time.Now()
	req.State = outcome
	req.CompletedAt = &now
	return nil
}

func (f *fakeStore) SetCurrentLevel(_ context.Context, id string, level int) error {
	req, ok := f.requests[id]
	if !ok || req.State != repository.RequestPending {
		return errors.New(errors.ErrCodeConflict, "approval request is not pending")
	}
	req.CurrentLevel = level
	return nil
}

func (f *fakeStore) SetNeedsReconciliation(_ context.Context, id string, flag bool) error {
	req, ok := f.requests[id]
	if !ok {
		return errors.NotFound("approval_request", id)
	}
	req.NeedsReconciliation = flag
	return nil
}

func (f *fakeStore) ListNeedsReconciliation(_ context.Context) ([]*repository.ApprovalRequest, error) {
	var out []*repository.ApprovalRequest
	for _, req := range f.requests {
		if req.NeedsReconciliation {
			out = append(out, req)
		}
	}
	return out, nil
}

// fakeDecisions narrows fakeStore to the DecisionStore contract; the embedded
// request-returning GetByID is shadowed with the decision-returning one.
type fakeDecisions struct {
	*fakeStore
}

func (f fakeDecisions) GetByID(_ context.Context, id string) (*repository.ApprovalDecision, error) {
	d, ok := f.decisions[id]
	if !ok {
		return nil, errors.NotFound("approval_decision", id)
	}
	return d, nil
}

func (f *fakeStore) Insert(_ context.Context, d *repository.ApprovalDecision) error {
	d.ID = f.nextID("dec")
	d.RequestReceivedAt = time.Now()
	f.decisions[d.ID] = d
	return nil
}

func (f *fakeStore) GetByIDDecision(id string) *repository.ApprovalDecision {
	return f.decisions[id]
}

func (f *fakeStore) GetAwaiting(_ context.Context, requestID string) (*repository.ApprovalDecision, error) {
	for _, d := range f.decisions {
		if d.RequestID == requestID && d.Status == repository.DecisionAwaiting {
			return d, nil
		}
	}
	return nil, errors.NotFound("awaiting decision for request", requestID)
}

func (f *fakeStore) GetByRequestID(_ context.Context, requestID string) ([]*repository.ApprovalDecision, error) {
	var out []*repository.ApprovalDecision
	for _, d := range f.decisions {
		if d.RequestID == requestID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LevelNumber < out[j].LevelNumber })
	return out, nil
}

func (f *fakeStore) RecordDecision(_ context.Context, id string, outcome repository.DecisionStatus, reviewerID string, comment *string) error {
	d, ok := f.decisions[id]
	if !ok || d.Status != repository.DecisionAwaiting {
		return errors.New(errors.ErrCodeConflict, "decision has already been acted on")
	}
	now := time.Now()
	d.Status = outcome
	d.ReviewerID = &reviewerID
	d.Comment = comment
	d.ActionTakenAt = &now
	return nil
}

func (f *fakeStore) MarkInformationRequested(_ context.Context, id, note string) error {
	d, ok := f.decisions[id]
	if !ok || d.Status != repository.DecisionAwaiting {
		return errors.New(errors.ErrCodeConflict, "decision has already been acted on")
	}
	now := time.Now()
	d.InfoRequestedAt = &now
	d.InfoRequestNote = &note
	return nil
}

func (f *fakeStore) Reopen(_ context.Context, id string) error {
	d, ok := f.decisions[id]
	if !ok || d.Status != repository.DecisionAwaiting || d.InfoRequestedAt == nil {
		return errors.New(errors.ErrCodeConflict, "decision has no open information request")
	}
	d.RequestReceivedAt = time.Now()
	d.InfoRequestedAt = nil
	d.InfoRequestNote = nil
	return nil
}

// Trail re-reads the rows on every range, like the query-backed sequence.
func (f *fakeStore) Trail(_ context.Context, requestID string) iter.Seq2[*repository.ApprovalDecision, error] {
	return func(yield func(*repository.ApprovalDecision, error) bool) {
		trail, _ := f.GetByRequestID(context.Background(), requestID)
		for _, d := range trail {
			if !yield(d, nil) {
				return
			}
		}
	}
}

func (f *fakeStore) PendingForReviewer(_ context.Context, userID string, roles []string) ([]*repository.ApprovalDecision, error) {
	roleSet := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		roleSet[r] = struct{}{}
	}
	var out []*repository.ApprovalDecision
	for _, d := range f.decisions {
		req := f.requests[d.RequestID]
		if req == nil || req.State != repository.RequestPending || d.Status != repository.DecisionAwaiting {
			continue
		}
		if d.ApproverUserID != nil {
			if *d.ApproverUserID == userID {
				out = append(out, d)
			}
			continue
		}
		if _, ok := roleSet[d.ApproverRole]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) awaitingCount(requestID string) int {
	n := 0
	for _, d := range f.decisions {
		if d.RequestID == requestID && d.Status == repository.DecisionAwaiting {
			n++
		}
	}
	return n
}

type fakeGateway struct {
	statuses   map[string]string
	approved   map[string]bool
	failWrites int
	writes     []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		statuses: make(map[string]string),
		approved: make(map[string]bool),
	}
}

func gwKey(kind repository.EntityKind, id string) string {
	return string(kind) + "/" + id
}

func (g *fakeGateway) ReadStatus(_ context.Context, kind repository.EntityKind, entityID string) (string, error) {
	status, ok := g.statuses[gwKey(kind, entityID)]
	if !ok {
		return "", errors.NotFound(string(kind), entityID)
	}
	return status, nil
}

func (g *fakeGateway) WriteStatus(_ context.Context, kind repository.EntityKind, entityID, newStatus string) error {
	if g.failWrites > 0 {
		g.failWrites--
		return errors.Wrap(stderrors.New("connection refused"), errors.ErrCodeInternal, "failed to write entity status")
	}
	key := gwKey(kind, entityID)
	if _, ok := g.statuses[key]; !ok {
		return errors.NotFound(string(kind), entityID)
	}
	g.statuses[key] = newStatus
	g.writes = append(g.writes, newStatus)
	return nil
}

func (g *fakeGateway) StampApproved(_ context.Context, kind repository.EntityKind, entityID string) error {
	if err := g.WriteStatus(context.Background(), kind, entityID, gateway.StatusApproved); err != nil {
		return err
	}
	g.approved[gwKey(kind, entityID)] = true
	return nil
}

type fakeAudit struct {
	entries []*repository.AuditEntry
	fail    error
}

func (a *fakeAudit) Append(_ context.Context, entry *repository.AuditEntry) error {
	if a.fail != nil {
		return a.fail
	}
	a.entries = append(a.entries, entry)
	return nil
}

type fakeIdentity struct {
	rolesByUser map[string][]string
	usersByRole map[string][]string
}

func (f *fakeIdentity) GetUserRoles(_ context.Context, userID string) ([]string, error) {
	return f.rolesByUser[userID], nil
}

func (f *fakeIdentity) GetUsersWithRole(_ context.Context, role string) ([]string, error) {
	return f.usersByRole[role], nil
}

type publishedEvent struct {
	eventType  string
	recipients []string
}

type fakeNotifier struct {
	events []publishedEvent
}

func (n *fakeNotifier) PublishApprovalEvent(_ context.Context, eventType string, _ *repository.ApprovalRequest, _ string, recipients []string, _ map[string]interface{}) {
	n.events = append(n.events, publishedEvent{eventType: eventType, recipients: recipients})
}

func (n *fakeNotifier) count(eventType string) int {
	c := 0
	for _, e := range n.events {
		if e.eventType == eventType {
			c++
		}
	}
	return c
}

// ── Fixture ──────────────────────────────────────────────────────────────────

const (
	typeWorkplan = "workplan-approval"

	roleOfficer  = "ME_OFFICER"
	roleManager  = "PROGRAMME_MANAGER"
	roleDirector = "DIRECTOR"
)

type fixture struct {
	hierarchy *fakeHierarchy
	store     *fakeStore
	gw        *fakeGateway
	audit     *fakeAudit
	identity  *fakeIdentity
	notifier  *fakeNotifier
	svc       *service.ApprovalWorkflowService
}

func threeLevels() []*repository.HierarchyLevel {
	return []*repository.HierarchyLevel{
		{ApprovalType: typeWorkplan, LevelNumber: 1, ApproverRole: roleOfficer},
		{ApprovalType: typeWorkplan, LevelNumber: 2, ApproverRole: roleManager},
		{ApprovalType: typeWorkplan, LevelNumber: 3, ApproverRole: roleDirector},
	}
}

func newFixture(levels []*repository.HierarchyLevel) *fixture {
	f := &fixture{
		hierarchy: &fakeHierarchy{levels: map[string][]*repository.HierarchyLevel{typeWorkplan: levels}},
		store:     newFakeStore(),
		gw:        newFakeGateway(),
		audit:     &fakeAudit{},
		identity: &fakeIdentity{
			rolesByUser: map[string][]string{
				"officer1":  {roleOfficer},
				"manager1":  {roleManager},
				"director1": {roleDirector},
			},
			usersByRole: map[string][]string{
				roleOfficer:  {"officer1"},
				roleManager:  {"manager1"},
				roleDirector: {"director1"},
			},
		},
		notifier: &fakeNotifier{},
	}
	f.gw.statuses[gwKey(repository.KindWorkplan, "W1")] = gateway.StatusSubmitted
	f.svc = service.NewApprovalWorkflowService(
		f.hierarchy, f.store, fakeDecisions{f.store}, f.gw, f.audit, f.identity, f.notifier,
		zerolog.Nop(), 0)
	return f
}

func (f *fixture) awaiting(t *testing.T, requestID string) *repository.ApprovalDecision {
	t.Helper()
	d, err := f.store.GetAwaiting(context.Background(), requestID)
	require.NoError(t, err)
	return d
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestSubmitCreatesLevelOneDecision(t *testing.T) {
	f := newFixture(threeLevels())
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "requester1")
	require.NoError(t, err)

	assert.Equal(t, repository.RequestPending, req.State)
	assert.Len(t, req.Levels, 3)
	assert.Equal(t, 1, req.CurrentLevel)

	d := f.awaiting(t, req.ID)
	assert.Equal(t, 1, d.LevelNumber)
	assert.Equal(t, roleOfficer, d.ApproverRole)

	status, _ := f.gw.ReadStatus(ctx, repository.KindWorkplan, "W1")
	assert.Equal(t, "pending level 1", status)

	assert.Equal(t, 1, f.notifier.count(service.EventSubmissionReceived))
	assert.Equal(t, 1, f.notifier.count(service.EventApprovalRequired))
	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, "submitted", f.audit.entries[0].Action)
}

func TestSubmitMissingEntity(t *testing.T) {
	f := newFixture(threeLevels())

	_, err := f.svc.Submit(context.Background(), repository.KindWorkplan, "missing", typeWorkplan, "requester1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestSubmitUnconfiguredTypeFailsAtSubmission(t *testing.T) {
	f := newFixture(threeLevels())
	f.gw.statuses[gwKey(repository.KindSurveyForm, "S1")] = gateway.StatusSubmitted

	_, err := f.svc.Submit(context.Background(), repository.KindSurveyForm, "S1", "survey-approval", "requester1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfiguration))
}

func TestSubmitDuplicateActiveRequest(t *testing.T) {
	f := newFixture(threeLevels())
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "requester1")
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "requester1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))
}

func TestFullApprovalPath(t *testing.T) {
	f := newFixture(threeLevels())
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "requester1")
	require.NoError(t, err)

	reviewers := []string{"officer1", "manager1", "director1"}
	for i, reviewer := range reviewers {
		d := f.awaiting(t, req.ID)
		assert.Equal(t, i+1, d.LevelNumber)

		_, err := f.svc.Decide(ctx, d.ID, repository.DecisionApproved, reviewer, nil)
		require.NoError(t, err)

		// Never more than one awaiting decision, and none once terminal.
		if i < len(reviewers)-1 {
			assert.Equal(t, 1, f.store.awaitingCount(req.ID))
		} else {
			assert.Equal(t, 0, f.store.awaitingCount(req.ID))
		}
	}

	stored, _ := f.store.GetByID(ctx, req.ID)
	assert.Equal(t, repository.RequestApproved, stored.State)
	assert.NotNil(t, stored.CompletedAt)

	trail, _ := f.store.GetByRequestID(ctx, req.ID)
	require.Len(t, trail, 3)
	for i, d := range trail {
		assert.Equal(t, i+1, d.LevelNumber)
		assert.Equal(t, repository.DecisionApproved, d.Status)
	}

	status, _ := f.gw.ReadStatus(ctx, repository.KindWorkplan, "W1")
	assert.Equal(t, gateway.StatusApproved, status)
	assert.True(t, f.gw.approved[gwKey(repository.KindWorkplan, "W1")])
	assert.Equal(t, 1, f.notifier.count(service.EventRequestApproved))
}

func TestDenyFinalizesAtAnyLevel(t *testing.T) {
	f := newFixture(threeLevels())
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "requester1")
	require.NoError(t, err)

	d := f.awaiting(t, req.ID)
	reason := "budget missing"
	_, err = f.svc.Decide(ctx, d.ID, repository.DecisionDenied, "officer1", &reason)
	require.NoError(t, err)

	stored, _ := f.store.GetByID(ctx, req.ID)
	assert.Equal(t, repository.RequestDenied, stored.State)

	// A denial at level 1 leaves no orphan rows for levels 2..N.
	trail, _ := f.store.GetByRequestID(ctx, req.ID)
	assert.Len(t, trail, 1)

	status, _ := f.gw.ReadStatus(ctx, repository.KindWorkplan, "W1")
	assert.Equal(t, gateway.StatusDenied, status)
	assert.Equal(t, 1, f.notifier.count(service.EventRequestDenied))
}

func TestDecideTwiceIsConflictWithoutDoubleSideEffects(t *testing.T) {
	f := newFixture(threeLevels())
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "requester1")
	require.NoError(t, err)
	d := f.awaiting(t, req.ID)

	_, err = f.svc.Decide(ctx, d.ID, repository.DecisionApproved, "officer1", nil)
	require.NoError(t, err)

	writesBefore := len(f.gw.writes)
	eventsBefore := len(f.notifier.events)

	_, err = f.svc.Decide(ctx, d.ID, repository.DecisionApproved, "officer1", nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))

	assert.Equal(t, writesBefore, len(f.gw.writes), "losing decide must not write status")
	assert.Equal(t, eventsBefore, len(f.notifier.events), "losing decide must not notify")
}

func TestDecideUnauthorizedReviewer(t *testing.T) {
	f := newFixture(threeLevels())
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "requester1")
	require.NoError(t, err)
	d := f.awaiting(t, req.ID)

	_, err = f.svc.Decide(ctx, d.ID, repository.DecisionApproved, "manager1", nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))
	assert.Equal(t, repository.DecisionAwaiting, f.store.GetByIDDecision(d.ID).Status)
}

func TestUserBoundLevelAuthorizesOnlyThatUser(t *testing.T) {
	director := "director1"
	levels := []*repository.HierarchyLevel{
		{ApprovalType: typeWorkplan, LevelNumber: 1, ApproverRole: roleDirector, ApproverUserID: &director},
	}
	f := newFixture(levels)
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "requester1")
	require.NoError(t, err)
	d := f.awaiting(t, req.ID)

	// Holding the role is not enough when a specific user is bound.
	other := "director2"
	f.identity.rolesByUser[other] = []string{roleDirector}
	_, err = f.svc.Decide(ctx, d.ID, repository.DecisionApproved, other, nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))

	_, err = f.svc.Decide(ctx, d.ID, repository.DecisionApproved, director, nil)
	assert.NoError(t, err)
}

func TestDenyThenResubmitStartsFreshRequest(t *testing.T) {
	f := newFixture(threeLevels())
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "requester1")
	require.NoError(t, err)

	d := f.awaiting(t, first.ID)
	_, err = f.svc.Decide(ctx, d.ID, repository.DecisionApproved, "officer1", nil)
	require.NoError(t, err)
	d = f.awaiting(t, first.ID)
	reason := "wrong period"
	_, err = f.svc.Decide(ctx, d.ID, repository.DecisionDenied, "manager1", &reason)
	require.NoError(t, err)

	second, err := f.svc.Submit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "requester1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	// The new trail starts at level 1; the old one stays terminal and intact.
	newTrail, _ := f.store.GetByRequestID(ctx, second.ID)
	require.Len(t, newTrail, 1)
	assert.Equal(t, 1, newTrail[0].LevelNumber)
	assert.Equal(t, repository.DecisionAwaiting, newTrail[0].Status)

	oldTrail, _ := f.store.GetByRequestID(ctx, first.ID)
	require.Len(t, oldTrail, 2)
	assert.Equal(t, repository.DecisionApproved, oldTrail[0].Status)
	assert.Equal(t, repository.DecisionDenied, oldTrail[1].Status)
}

func TestThreeLevelScenarioWithInformationRequest(t *testing.T) {
	f := newFixture(threeLevels())
	ctx := context.Background()

	// Submit: Officer awaiting, entity pending level 1.
	req, err := f.svc.Submit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "requester1")
	require.NoError(t, err)
	d := f.awaiting(t, req.ID)
	require.Equal(t, 1, d.LevelNumber)

	// Officer approves: Manager materialized, pending level 2.
	_, err = f.svc.Decide(ctx, d.ID, repository.DecisionApproved, "officer1", nil)
	require.NoError(t, err)
	managerDecision := f.awaiting(t, req.ID)
	require.Equal(t, 2, managerDecision.LevelNumber)
	status, _ := f.gw.ReadStatus(ctx, repository.KindWorkplan, "W1")
	assert.Equal(t, "pending level 2", status)

	// Manager requests information: same decision stays awaiting, no new level.
	err = f.svc.RequestInformation(ctx, managerDecision.ID, "manager1", "attach the budget breakdown")
	require.NoError(t, err)
	status, _ = f.gw.ReadStatus(ctx, repository.KindWorkplan, "W1")
	assert.Equal(t, gateway.StatusInfoRequested, status)
	assert.Equal(t, 1, f.store.awaitingCount(req.ID))
	assert.NotNil(t, f.store.GetByIDDecision(managerDecision.ID).InfoRequestedAt)
	assert.Equal(t, 1, f.notifier.count(service.EventInformationRequested))

	// Requester edits and resubmits: same decision row re-opened at level 2.
	receivedBefore := f.store.GetByIDDecision(managerDecision.ID).RequestReceivedAt
	resubmitted, err := f.svc.Resubmit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "requester1")
	require.NoError(t, err)
	assert.Equal(t, req.ID, resubmitted.ID)
	reopened := f.store.GetByIDDecision(managerDecision.ID)
	assert.Nil(t, reopened.InfoRequestedAt)
	assert.False(t, reopened.RequestReceivedAt.Before(receivedBefore))
	status, _ = f.gw.ReadStatus(ctx, repository.KindWorkplan, "W1")
	assert.Equal(t, "pending level 2", status)

	// Manager approves: Director materialized, pending level 3.
	_, err = f.svc.Decide(ctx, managerDecision.ID, repository.DecisionApproved, "manager1", nil)
	require.NoError(t, err)
	directorDecision := f.awaiting(t, req.ID)
	require.Equal(t, 3, directorDecision.LevelNumber)
	status, _ = f.gw.ReadStatus(ctx, repository.KindWorkplan, "W1")
	assert.Equal(t, "pending level 3", status)

	// Director denies: request finalized, entity denied.
	reason := "does not align with strategy"
	_, err = f.svc.Decide(ctx, directorDecision.ID, repository.DecisionDenied, "director1", &reason)
	require.NoError(t, err)
	stored, _ := f.store.GetByID(ctx, req.ID)
	assert.Equal(t, repository.RequestDenied, stored.State)
	status, _ = f.gw.ReadStatus(ctx, repository.KindWorkplan, "W1")
	assert.Equal(t, gateway.StatusDenied, status)
}

func TestResubmitWithoutInformationRequestIsConflict(t *testing.T) {
	f := newFixture(threeLevels())
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "requester1")
	require.NoError(t, err)

	_, err = f.svc.Resubmit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "requester1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))
}

func TestResubmitByNonRequesterIsForbidden(t *testing.T) {
	f := newFixture(threeLevels())
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "requester1")
	require.NoError(t, err)
	d := f.awaiting(t, req.ID)
	require.NoError(t, f.svc.RequestInformation(ctx, d.ID, "officer1", "missing annex"))

	_, err = f.svc.Resubmit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "someone-else")
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))
}

func TestStatusWriteFailureFlagsReconciliation(t *testing.T) {
	f := newFixture(threeLevels())
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "requester1")
	require.NoError(t, err)
	d := f.awaiting(t, req.ID)

	// Every status write fails; the decision must still be recorded and the
	// request flagged instead of reporting failure to the reviewer.
	f.gw.failWrites = 100
	decided, err := f.svc.Decide(ctx, d.ID, repository.DecisionApproved, "officer1", nil)
	require.NoError(t, err)
	assert.Equal(t, repository.DecisionApproved, decided.Status)

	stored, _ := f.store.GetByID(ctx, req.ID)
	assert.True(t, stored.NeedsReconciliation)

	flagged, _ := f.svc.ListNeedsReconciliation(ctx)
	require.Len(t, flagged, 1)
	assert.Equal(t, req.ID, flagged[0].ID)

	// Status still shows the stale value.
	status, _ := f.gw.ReadStatus(ctx, repository.KindWorkplan, "W1")
	assert.Equal(t, "pending level 1", status)
}

func TestReconcileRepairsStatusFromTrail(t *testing.T) {
	f := newFixture(threeLevels())
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "requester1")
	require.NoError(t, err)
	d := f.awaiting(t, req.ID)

	f.gw.failWrites = 100
	_, err = f.svc.Decide(ctx, d.ID, repository.DecisionApproved, "officer1", nil)
	require.NoError(t, err)

	// Gateway heals; operator reconciles from the authoritative trail.
	f.gw.failWrites = 0
	require.NoError(t, f.svc.Reconcile(ctx, req.ID, "operator1"))

	status, _ := f.gw.ReadStatus(ctx, repository.KindWorkplan, "W1")
	assert.Equal(t, "pending level 2", status)

	stored, _ := f.store.GetByID(ctx, req.ID)
	assert.False(t, stored.NeedsReconciliation)

	last := f.audit.entries[len(f.audit.entries)-1]
	assert.Equal(t, "reconciled", last.Action)
}

func TestReconcileFinalizesFullyApprovedTrail(t *testing.T) {
	f := newFixture(threeLevels())
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "requester1")
	require.NoError(t, err)

	for _, reviewer := range []string{"officer1", "manager1"} {
		d := f.awaiting(t, req.ID)
		_, err = f.svc.Decide(ctx, d.ID, repository.DecisionApproved, reviewer, nil)
		require.NoError(t, err)
	}
	d := f.awaiting(t, req.ID)

	// Final approval lands but the status write fails.
	f.gw.failWrites = 100
	_, err = f.svc.Decide(ctx, d.ID, repository.DecisionApproved, "director1", nil)
	require.NoError(t, err)

	f.gw.failWrites = 0
	require.NoError(t, f.svc.Reconcile(ctx, req.ID, "operator1"))

	status, _ := f.gw.ReadStatus(ctx, repository.KindWorkplan, "W1")
	assert.Equal(t, gateway.StatusApproved, status)
	assert.True(t, f.gw.approved[gwKey(repository.KindWorkplan, "W1")])
}

func TestDecideFailsClosedOnMalformedSnapshot(t *testing.T) {
	f := newFixture(threeLevels())
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "requester1")
	require.NoError(t, err)
	d := f.awaiting(t, req.ID)

	// Simulate a corrupted snapshot detected mid-flight.
	f.store.requests[req.ID].Levels = []repository.LevelSnapshot{
		{LevelNumber: 1, ApproverRole: roleOfficer},
		{LevelNumber: 3, ApproverRole: roleDirector},
	}

	_, err = f.svc.Decide(ctx, d.ID, repository.DecisionApproved, "officer1", nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfiguration))
	// Nothing was recorded.
	assert.Equal(t, repository.DecisionAwaiting, f.store.GetByIDDecision(d.ID).Status)
}

func TestPendingForReviewer(t *testing.T) {
	f := newFixture(threeLevels())
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "requester1")
	require.NoError(t, err)

	pending, err := f.svc.PendingForReviewer(ctx, "officer1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].RequestID)

	pending, err = f.svc.PendingForReviewer(ctx, "manager1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestGetRequestState(t *testing.T) {
	f := newFixture(threeLevels())
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "requester1")
	require.NoError(t, err)
	d := f.awaiting(t, req.ID)
	_, err = f.svc.Decide(ctx, d.ID, repository.DecisionApproved, "officer1", nil)
	require.NoError(t, err)

	view, err := f.svc.GetRequestState(ctx, repository.KindWorkplan, "W1", typeWorkplan)
	require.NoError(t, err)
	assert.Equal(t, req.ID, view.Request.ID)
	require.Len(t, view.Trail, 2)
	assert.Equal(t, "pending level 2", view.EntityStatus)
}

func TestRequestStateTrailReflectsLatestDecisions(t *testing.T) {
	f := newFixture(threeLevels())
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "requester1")
	require.NoError(t, err)

	view, err := f.svc.GetRequestState(ctx, repository.KindWorkplan, "W1", typeWorkplan)
	require.NoError(t, err)
	require.Len(t, view.Trail, 1)
	assert.Equal(t, repository.DecisionAwaiting, view.Trail[0].Status)

	d := f.awaiting(t, req.ID)
	_, err = f.svc.Decide(ctx, d.ID, repository.DecisionApproved, "officer1", nil)
	require.NoError(t, err)

	// The trail is read lazily, so a fresh view sees the new rows.
	view, err = f.svc.GetRequestState(ctx, repository.KindWorkplan, "W1", typeWorkplan)
	require.NoError(t, err)
	require.Len(t, view.Trail, 2)
	assert.Equal(t, repository.DecisionApproved, view.Trail[0].Status)
	assert.Equal(t, 2, view.Trail[1].LevelNumber)
	assert.Equal(t, repository.DecisionAwaiting, view.Trail[1].Status)
}

func TestDecideDuringOpenInformationRequestAuditsPriorStatus(t *testing.T) {
	f := newFixture(threeLevels())
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "requester1")
	require.NoError(t, err)
	d := f.awaiting(t, req.ID)

	require.NoError(t, f.svc.RequestInformation(ctx, d.ID, "officer1", "missing annex"))

	// The reviewer may decide while the information request is still open.
	_, err = f.svc.Decide(ctx, d.ID, repository.DecisionApproved, "officer1", nil)
	require.NoError(t, err)

	last := f.audit.entries[len(f.audit.entries)-1]
	assert.Equal(t, "approved", last.Action)
	require.NotNil(t, last.StatusBefore)
	assert.Equal(t, gateway.StatusInfoRequested, *last.StatusBefore)

	status, _ := f.gw.ReadStatus(ctx, repository.KindWorkplan, "W1")
	assert.Equal(t, "pending level 2", status)
}

func TestAuditFailureNeverBlocksTransition(t *testing.T) {
	f := newFixture(threeLevels())
	f.audit.fail = stderrors.New("audit store down")
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, repository.KindWorkplan, "W1", typeWorkplan, "requester1")
	require.NoError(t, err)

	d := f.awaiting(t, req.ID)
	_, err = f.svc.Decide(ctx, d.ID, repository.DecisionApproved, "officer1", nil)
	assert.NoError(t, err)
}
