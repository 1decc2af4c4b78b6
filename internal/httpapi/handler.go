package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cabelost/depillo-sistema/internal/dispatch"
	"github.com/cabelost/depillo-sistema/internal/models"
	"github.com/cabelost/depillo-sistema/internal/store"

	"github.com/google/uuid"
)

// Engine is the dispatch surface the handler drives. Reads that bypass the
// engine (listings, snapshots, stats) go straight to the store.
type Engine interface {
	Assign(ctx context.Context, draft dispatch.OrderDraft, explicitAttendantID string) (models.Order, error)
	Start(ctx context.Context, orderID string, caller store.Session) (models.Order, error)
	Finish(ctx context.Context, orderID string, caller store.Session) (models.Order, error)
	ForceFinish(ctx context.Context, orderID string, caller store.Session) (models.Order, error)
	UpdateNotes(ctx context.Context, orderID, notes string) error
	SetStatus(ctx context.Context, caller store.Session, status string) (models.Presence, error)
	CurrentQueue(ctx context.Context) ([]string, error)
	ActiveOrderForSession(ctx context.Context, sessionID string) (models.Order, bool, error)
}

type Handler struct {
	engine Engine
	store  store.Store
}

func NewHandler(engine Engine, st store.Store) *Handler {
	return &Handler{engine: engine, store: st}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/orders", h.handleOrders)
	mux.HandleFunc("/api/orders/active", h.handleActiveOrder)
	mux.HandleFunc("/api/orders/", h.handleOrderByID)
	mux.HandleFunc("/api/queue", h.handleQueue)
	mux.HandleFunc("/api/presence", h.handlePresence)
	mux.HandleFunc("/api/attendants", h.handleAttendants)
	mux.HandleFunc("/api/stats", h.handleStats)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
}

type createOrderRequest struct {
	ClientName     string `json:"client_name"`
	Service        string `json:"service"`
	Details        string `json:"details"`
	OrderNumber    string `json:"order_number"`
	TotalValue     string `json:"total_value"`
	AttendanceDate string `json:"attendance_date"`
	AttendantID    string `json:"attendant_id"`
}

type setStatusRequest struct {
	Status string `json:"status"`
}

type notesRequest struct {
	Notes string `json:"notes"`
}

type queueEntry struct {
	AttendantID string `json:"attendant_id"`
	DisplayName string `json:"display_name"`
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleCreateOrder(w, r)
	case http.MethodGet:
		orders, err := h.store.ListOrders(r.Context())
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, orders)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.ClientName = strings.TrimSpace(req.ClientName)
	req.Service = strings.TrimSpace(req.Service)
	req.AttendantID = strings.TrimSpace(req.AttendantID)
	if req.ClientName == "" || req.Service == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "client_name and service are required")
		return
	}

	order, err := h.engine.Assign(r.Context(), dispatch.OrderDraft{
		ClientName:     req.ClientName,
		Service:        req.Service,
		Details:        strings.TrimSpace(req.Details),
		OrderNumber:    strings.TrimSpace(req.OrderNumber),
		TotalValue:     strings.TrimSpace(req.TotalValue),
		AttendanceDate: strings.TrimSpace(req.AttendanceDate),
	}, req.AttendantID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) handleActiveOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	order, found, err := h.engine.ActiveOrderForSession(r.Context(), session.SessionID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) handleOrderByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/orders/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleGetOrder(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "actions":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleOrderAction(w, r, parts[0], parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	if !isValidUUID(orderID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "order_id must be a UUID")
		return
	}
	order, found, err := h.store.GetOrder(r.Context(), orderID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "order_not_found", "order not found")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) handleOrderAction(w http.ResponseWriter, r *http.Request, orderID, action string) {
	if !isValidUUID(orderID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "order_id must be a UUID")
		return
	}
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	var (
		order models.Order
		err   error
	)
	switch action {
	case "start":
		order, err = h.engine.Start(r.Context(), orderID, session)
	case "finish":
		order, err = h.engine.Finish(r.Context(), orderID, session)
	case "force-finish":
		order, err = h.engine.ForceFinish(r.Context(), orderID, session)
	case "notes":
		var req notesRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if decodeErr := decoder.Decode(&req); decodeErr != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		if err := h.engine.UpdateNotes(r.Context(), orderID, req.Notes); err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// handleQueue serves the lobby display: the derived rotation with display
// names resolved from the presence snapshot.
func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ids, err := h.engine.CurrentQueue(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	snapshot, err := h.store.SnapshotPresence(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	entries := make([]queueEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, queueEntry{AttendantID: id, DisplayName: snapshot[id].DisplayName})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		snapshot, err := h.store.SnapshotPresence(r.Context())
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
	case http.MethodPost:
		session, ok := sessionFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
			return
		}
		var req setStatusRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		presence, err := h.engine.SetStatus(r.Context(), session, strings.TrimSpace(req.Status))
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, presence)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleAttendants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	attendants, err := h.store.ListAttendants(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, attendants)
}

// handleStats serves the dashboard header counts for today.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	now := time.Now().UTC()
	since := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	counts, err := h.store.CountOrdersByStatus(r.Context(), since)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"pending":     counts[models.OrderStatusPending],
		"in_progress": counts[models.OrderStatusInProgress],
		"completed":   counts[models.OrderStatusCompleted],
	})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	offset := store.OutboxOffset{LastEventTime: time.Unix(0, 0).UTC(), LastEventID: "00000000-0000-0000-0000-000000000000"}
	if afterRaw := strings.TrimSpace(r.URL.Query().Get("after")); afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "after must be RFC3339 timestamp")
			return
		}
		offset.LastEventTime = parsed
	}

	events, err := h.store.ListOutboxEvents(r.Context(), offset, 100)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrUnknownAttendant):
		return http.StatusNotFound, "unknown_attendant", "attendant not found"
	case errors.Is(err, store.ErrOrderNotFound):
		return http.StatusNotFound, "order_not_found", "order not found"
	case errors.Is(err, store.ErrNoAttendantAvailable):
		return http.StatusConflict, "no_attendant_available", "no attendant in the queue"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "order state does not allow this action"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", "lost a concurrent update, retry"
	case errors.Is(err, store.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied", "caller is not allowed to do this"
	case errors.Is(err, store.ErrInvalidStatus):
		return http.StatusBadRequest, "invalid_status", "status must be offline or available"
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusUnauthorized, "unauthorized", "invalid session"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: responseError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
