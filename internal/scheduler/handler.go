package scheduler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/segurapp/backoffice/internal/domain"
	"github.com/segurapp/backoffice/internal/pkg/httputil"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrNotFound, Status: http.StatusNotFound, Message: "notification not found"},
	{Error: ErrDuplicateActive, Status: http.StatusConflict, Message: "an active notification already exists for this policy, case and type"},
	{Error: ErrStatusConflict, Status: http.StatusConflict, Message: "notification changed concurrently, reload and retry"},
	{Error: ErrNotEditable, Status: http.StatusConflict, Message: "notification is not editable in a terminal state"},
	{Error: ErrAlreadySent, Status: http.StatusConflict, Message: "notification was already sent"},
	{Error: ErrPastDate, Status: http.StatusBadRequest, Message: "scheduled date must be in the future"},
	{Error: ErrInvalidKey, Status: http.StatusBadRequest, Message: "policy number, case number and type are required"},
	{Error: ErrInvalidChannel, Status: http.StatusBadRequest, Message: "target channel is required"},
}

// Handler exposes the scheduling core over HTTP for the surrounding
// back-office layers.
type Handler struct {
	coordinator *Coordinator
	repo        Repository
	validator   *validator.Validate
}

// NewHandler creates a scheduler handler.
func NewHandler(coordinator *Coordinator, repo Repository) *Handler {
	return &Handler{
		coordinator: coordinator,
		repo:        repo,
		validator:   validator.New(),
	}
}

// RegisterRoutes registers the notification routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/notifications", func(r chi.Router) {
		r.Post("/", h.Schedule)
		r.Get("/stats", h.Stats)
		r.Get("/{id}", h.Get)
		r.Patch("/{id}/schedule", h.Edit)
		r.Delete("/{id}", h.Cancel)
	})
}

// ScheduleRequest is the request body for scheduling a notification.
type ScheduleRequest struct {
	PolicyNumber string                     `json:"policy_number" validate:"required"`
	CaseNumber   string                     `json:"case_number" validate:"required"`
	Type         string                     `json:"type" validate:"required,oneof=contacto vencimiento pago"`
	ChannelID    string                     `json:"channel_id" validate:"required"`
	ScheduledAt  time.Time                  `json:"scheduled_at" validate:"required"`
	Payload      domain.NotificationPayload `json:"payload"`
}

// EditRequest is the request body for rescheduling.
type EditRequest struct {
	ScheduledAt time.Time `json:"scheduled_at" validate:"required"`
}

// CancelRequest is the optional request body for cancelling.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// NotificationResponse is the wire representation of a notification.
type NotificationResponse struct {
	ID            string                     `json:"id"`
	PolicyNumber  string                     `json:"policy_number"`
	CaseNumber    string                     `json:"case_number"`
	Type          string                     `json:"type"`
	Status        string                     `json:"status"`
	ChannelID     string                     `json:"channel_id"`
	Payload       domain.NotificationPayload `json:"payload"`
	ScheduledDate time.Time                  `json:"scheduled_date"`
	SentAt        *time.Time                 `json:"sent_at,omitempty"`
	RetryCount    int                        `json:"retry_count,omitempty"`
	LastError     string                     `json:"last_error,omitempty"`
	CancelReason  string                     `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time                  `json:"created_at"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

// EditResponse reports the outcome of a reschedule.
type EditResponse struct {
	Mode         string               `json:"mode"`
	NewID        string               `json:"new_id,omitempty"`
	Notification NotificationResponse `json:"notification"`
}

func toResponse(n *domain.ScheduledNotification) NotificationResponse {
	return NotificationResponse{
		ID:            n.ID,
		PolicyNumber:  n.PolicyNumber,
		CaseNumber:    n.CaseNumber,
		Type:          string(n.Type),
		Status:        string(n.Status),
		ChannelID:     n.TargetChannelID,
		Payload:       n.Payload,
		ScheduledDate: n.ScheduledDate,
		SentAt:        n.SentAt,
		RetryCount:    n.RetryCount,
		LastError:     n.LastError,
		CancelReason:  n.CancelReason,
		CreatedAt:     n.CreatedAt,
		UpdatedAt:     n.UpdatedAt,
	}
}

// Schedule handles POST /notifications.
func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	record, err := h.coordinator.Schedule(r.Context(), ScheduleInput{
		Key: domain.CorrelationKey{
			PolicyNumber: req.PolicyNumber,
			CaseNumber:   req.CaseNumber,
			Type:         domain.NotificationType(req.Type),
		},
		ChannelID:     req.ChannelID,
		ScheduledDate: req.ScheduledAt,
		Payload:       req.Payload,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, toResponse(record))
}

// Get handles GET /notifications/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	record, err := h.repo.Find(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, toResponse(record))
}

// Edit handles PATCH /notifications/{id}/schedule.
func (h *Handler) Edit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req EditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	result, err := h.coordinator.Edit(r.Context(), id, req.ScheduledAt)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, EditResponse{
		Mode:         string(result.Mode),
		NewID:        result.NewID,
		Notification: toResponse(result.Notification),
	})
}

// Cancel handles DELETE /notifications/{id}.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req CancelRequest
	if r.Body != nil {
		// Body is optional; a decode failure just means no reason given.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := h.coordinator.Cancel(r.Context(), id, req.Reason); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// Stats handles GET /notifications/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.repo.CountByStatus(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	byStatus := make(map[string]int, len(counts))
	for status, count := range counts {
		byStatus[string(status)] = count
	}

	httputil.Success(w, http.StatusOK, map[string]interface{}{
		"by_status":    byStatus,
		"armed_timers": h.coordinator.timers.Len(),
	})
}
