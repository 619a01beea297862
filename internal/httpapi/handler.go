package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"campusq/queue-service/internal/models"
	"campusq/queue-service/internal/queueorder"
	"campusq/queue-service/internal/store"

	"github.com/google/uuid"
)

// AssignmentTimers is the slice of the expiry timer the handler drives:
// claims and heartbeats arm it, releases cancel it.
type AssignmentTimers interface {
	Schedule(assignmentID string, lastHeartbeat time.Time)
	Cancel(assignmentID string)
}

type Handler struct {
	store  store.QueueStore
	timers AssignmentTimers
}

type createTicketRequest struct {
	RequestID     string   `json:"request_id"`
	Type          string   `json:"type"`
	RequesterName string   `json:"requester_name"`
	StudentNumber string   `json:"student_number"`
	ItemIDs       []string `json:"item_ids"`
}

type claimWindowRequest struct {
	RequestID string `json:"request_id"`
	WindowID  string `json:"window_id"`
	StaffID   string `json:"staff_id"`
	ShiftTag  string `json:"shift_tag"`
}

type resetRequest struct {
	Type       string `json:"type"`
	TargetDate string `json:"target_date"`
}

type queueResponse struct {
	Tickets        []models.Ticket `json:"tickets"`
	LastServedType string          `json:"last_served_type,omitempty"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(store store.QueueStore, timers AssignmentTimers) *Handler {
	return &Handler{store: store, timers: timers}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/", h.handleTicketByID)
	mux.HandleFunc("/api/queue", h.handleQueue)
	mux.HandleFunc("/api/windows/claim", h.handleClaimWindow)
	mux.HandleFunc("/api/assignments/", h.handleAssignmentActions)
	mux.HandleFunc("/api/resets", h.handleReset)
	mux.HandleFunc("/api/events", h.handleEvents)
	mux.HandleFunc("/api/items", h.handleItems)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createTicketRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.Type = strings.TrimSpace(req.Type)
	req.RequesterName = strings.TrimSpace(req.RequesterName)
	req.StudentNumber = strings.TrimSpace(req.StudentNumber)

	if req.RequestID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id is required")
		return
	}
	if !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}
	if req.Type == "" {
		req.Type = models.TypeRegular
	}
	if req.Type != models.TypeRegular && req.Type != models.TypePriority {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "type must be regular or priority")
		return
	}

	ticket, created, err := h.store.CreateTicket(r.Context(), store.CreateTicketInput{
		RequestID:     req.RequestID,
		Type:          req.Type,
		RequesterName: req.RequesterName,
		StudentNumber: req.StudentNumber,
		ItemIDs:       req.ItemIDs,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, ticket)
}

func (h *Handler) handleTicketByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		h.handleGetTicket(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "events":
		h.handleTicketEvents(w, r, parts[0])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	ticket, _, err := h.store.GetTicket(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketEvents(w http.ResponseWriter, r *http.Request, ticketID string) {
	events, err := h.store.ListTicketEvents(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleQueue returns the serving order for today's waiting tickets. The
// order is computed on read; nothing about it is stored.
func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	waiting, lastServedType, err := h.store.WaitingSnapshot(r.Context(), time.Now().UTC())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, queueResponse{
		Tickets:        queueorder.Order(waiting, lastServedType),
		LastServedType: lastServedType,
	})
}

func (h *Handler) handleClaimWindow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req claimWindowRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.WindowID = strings.TrimSpace(req.WindowID)
	req.StaffID = strings.TrimSpace(req.StaffID)
	req.ShiftTag = strings.TrimSpace(req.ShiftTag)

	if req.RequestID == "" || req.WindowID == "" || req.StaffID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, window_id, and staff_id are required")
		return
	}
	if !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}

	assignment, created, err := h.store.ClaimWindow(r.Context(), store.ClaimWindowInput{
		RequestID: req.RequestID,
		WindowID:  req.WindowID,
		StaffID:   req.StaffID,
		ShiftTag:  req.ShiftTag,
		ClaimedAt: time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	if assignment.ReleasedAt == nil {
		h.timers.Schedule(assignment.AssignmentID, assignment.LastHeartbeat)
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, assignment)
}

func (h *Handler) handleAssignmentActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/assignments/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	assignmentID := parts[0]
	switch parts[1] {
	case "heartbeat":
		h.handleHeartbeat(w, r, assignmentID)
	case "release":
		h.handleRelease(w, r, assignmentID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request, assignmentID string) {
	assignment, err := h.store.Heartbeat(r.Context(), assignmentID, time.Now().UTC())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	h.timers.Schedule(assignment.AssignmentID, assignment.LastHeartbeat)
	writeJSON(w, http.StatusOK, assignment)
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request, assignmentID string) {
	assignment, err := h.store.ReleaseAssignment(r.Context(), assignmentID, time.Now().UTC())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	h.timers.Cancel(assignment.AssignmentID)
	writeJSON(w, http.StatusOK, assignment)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req resetRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.Type = strings.TrimSpace(req.Type)
	if req.Type != models.TypeRegular && req.Type != models.TypePriority {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "type must be regular or priority")
		return
	}

	var targetDate time.Time
	if raw := strings.TrimSpace(req.TargetDate); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "target_date must be YYYY-MM-DD")
			return
		}
		targetDate = parsed
	}

	checkpoint, err := h.store.ResetCounter(r.Context(), store.ManualResetInput{
		Type:       req.Type,
		TargetDate: targetDate,
		ResetAt:    time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, checkpoint)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	afterRaw := strings.TrimSpace(r.URL.Query().Get("after"))
	var after time.Time
	if afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "after must be RFC3339 timestamp")
			return
		}
		after = parsed
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.store.ListOutboxEvents(r.Context(), after, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	items, err := h.store.ListServiceItems(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrItemNotFound):
		return http.StatusNotFound, "item_not_found", "service item not found"
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusConflict, "no_open_session", "no session is accepting for this date"
	case errors.Is(err, store.ErrAssignmentNotFound):
		return http.StatusNotFound, "assignment_not_found", "assignment not found"
	case errors.Is(err, store.ErrAssignmentReleased):
		return http.StatusConflict, "assignment_released", "assignment already released"
	case errors.Is(err, store.ErrWindowBusy):
		return http.StatusConflict, "window_busy", "window already claimed"
	case errors.Is(err, store.ErrInvalidTicketType):
		return http.StatusBadRequest, "invalid_request", "type must be regular or priority"
	case errors.Is(err, store.ErrContention):
		return http.StatusServiceUnavailable, "contention", "temporarily busy, retry the request"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
