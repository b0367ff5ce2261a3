package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/cap-net/be-me-approvals/internal/errors"
	"github.com/cap-net/be-me-approvals/internal/repository"
	"github.com/cap-net/be-me-approvals/internal/service"
)

// AuditReader serves the audit query endpoints.
// Satisfied by repository.AuditRepository.
type AuditReader interface {
	GetByEntity(ctx context.Context, kind repository.EntityKind, entityID string) ([]*repository.AuditEntry, error)
	GetByRequestID(ctx context.Context, requestID string) ([]*repository.AuditEntry, error)
}

// HTTPHandler exposes the approval workflow engine to the surrounding CRUD
// layer. All workflow logic lives in the service; handlers only decode,
// delegate and map errors onto HTTP statuses.
type HTTPHandler struct {
	service   *service.ApprovalWorkflowService
	hierarchy *repository.HierarchyRepository
	audit     AuditReader
	log       zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	svc *service.ApprovalWorkflowService,
	hierarchy *repository.HierarchyRepository,
	audit AuditReader,
	log zerolog.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		service:   svc,
		hierarchy: hierarchy,
		audit:     audit,
		log:       log,
	}
}

// actorID extracts the acting user from the request.
// TODO: take the actor from the JWT claims once the gateway's auth
// middleware forwards them; the header is what the gateway injects today.
func actorID(r *http.Request) string {
	return r.Header.Get("X-User-Id")
}

// ── Workflow operations ──────────────────────────────────────────────────────

type submitRequest struct {
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id"`
	ApprovalType string `json:"approval_type"`
}

// Submit handles POST /api/v1/approvals/submit.
func (h *HTTPHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.service.Submit(r.Context(),
		repository.EntityKind(req.EntityKind), req.EntityID, req.ApprovalType, actorID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

// Resubmit handles POST /api/v1/approvals/resubmit.
func (h *HTTPHandler) Resubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.service.Resubmit(r.Context(),
		repository.EntityKind(req.EntityKind), req.EntityID, req.ApprovalType, actorID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

type decideRequest struct {
	DecisionID string  `json:"decision_id"`
	Outcome    string  `json:"outcome"`
	Comment    *string `json:"comment,omitempty"`
}

// Decide handles POST /api/v1/approvals/decide.
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	decision, err := h.service.Decide(r.Context(),
		req.DecisionID, repository.DecisionStatus(req.Outcome), actorID(r), req.Comment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, decision)
}

type requestInfoRequest struct {
	DecisionID string `json:"decision_id"`
	Note       string `json:"note"`
}

// RequestInformation handles POST /api/v1/approvals/request-information.
func (h *HTTPHandler) RequestInformation(w http.ResponseWriter, r *http.Request) {
	var req requestInfoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.RequestInformation(r.Context(), req.DecisionID, actorID(r), req.Note); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "information requested"})
}

// GetState handles GET /api/v1/approvals/state.
func (h *HTTPHandler) GetState(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("entity_kind")
	entityID := r.URL.Query().Get("entity_id")
	approvalType := r.URL.Query().Get("approval_type")
	if kind == "" || entityID == "" || approvalType == "" {
		http.Error(w, "entity_kind, entity_id and approval_type are required", http.StatusBadRequest)
		return
	}

	view, err := h.service.GetRequestState(r.Context(),
		repository.EntityKind(kind), entityID, approvalType)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// Pending handles GET /api/v1/approvals/pending.
func (h *HTTPHandler) Pending(w http.ResponseWriter, r *http.Request) {
	reviewer := actorID(r)
	if reviewer == "" {
		http.Error(w, "X-User-Id header is required", http.StatusBadRequest)
		return
	}

	decisions, err := h.service.PendingForReviewer(r.Context(), reviewer)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"decisions": decisions})
}

// AuditTrail handles GET /api/v1/approvals/audit. The trail is queried
// either per entity (entity_kind + entity_id) or per request (request_id).
func (h *HTTPHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("entity_kind")
	entityID := r.URL.Query().Get("entity_id")
	requestID := r.URL.Query().Get("request_id")

	var (
		entries []*repository.AuditEntry
		err     error
	)
	switch {
	case requestID != "":
		entries, err = h.audit.GetByRequestID(r.Context(), requestID)
	case kind != "" && entityID != "":
		entries, err = h.audit.GetByEntity(r.Context(), repository.EntityKind(kind), entityID)
	default:
		http.Error(w, "either request_id or entity_kind and entity_id are required", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// ── Hierarchy administration ─────────────────────────────────────────────────

// ListHierarchyTypes handles GET /api/v1/hierarchies.
func (h *HTTPHandler) ListHierarchyTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.hierarchy.ListTypes(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"approval_types": types})
}

// GetHierarchy handles GET /api/v1/hierarchies/{approvalType}.
func (h *HTTPHandler) GetHierarchy(w http.ResponseWriter, r *http.Request) {
	approvalType := chi.URLParam(r, "approvalType")

	levels, err := h.hierarchy.GetLevels(r.Context(), approvalType)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"levels": levels})
}

type hierarchyLevelInput struct {
	LevelNumber    int     `json:"level"`
	ApproverRole   string  `json:"role"`
	ApproverUserID *string `json:"user_id,omitempty"`
}

// ReplaceHierarchy handles PUT /api/v1/hierarchies/{approvalType}.
func (h *HTTPHandler) ReplaceHierarchy(w http.ResponseWriter, r *http.Request) {
	approvalType := chi.URLParam(r, "approvalType")

	var req struct {
		Levels []hierarchyLevelInput `json:"levels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	levels := make([]*repository.HierarchyLevel, 0, len(req.Levels))
	for _, in := range req.Levels {
		levels = append(levels, &repository.HierarchyLevel{
			LevelNumber:    in.LevelNumber,
			ApproverRole:   in.ApproverRole,
			ApproverUserID: in.ApproverUserID,
		})
	}

	if err := h.hierarchy.ReplaceLevels(r.Context(), approvalType, levels); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"levels": levels})
}

// ── Operator surface ─────────────────────────────────────────────────────────

// ListReconciliation handles GET /internal/reconciliation.
func (h *HTTPHandler) ListReconciliation(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.service.ListNeedsReconciliation(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"requests": reqs})
}

// Reconcile handles POST /internal/reconciliation/{requestID}.
func (h *HTTPHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	if err := h.service.Reconcile(r.Context(), requestID, actorID(r)); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reconciled"})
}

// ── Response helpers ─────────────────────────────────────────────────────────

func statusForCode(code errors.Code) int {
	switch code {
	case errors.ErrCodeConflict:
		return http.StatusConflict
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeUnauthorized:
		return http.StatusForbidden
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeConfiguration:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := statusForCode(code)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":  string(code),
		"error": errors.MessageOf(err),
	})
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
