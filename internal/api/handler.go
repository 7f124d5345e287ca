package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Processor scores one submission synchronously.
type Processor interface {
	Process(ctx context.Context, sub engine.Submission) *engine.SessionResult
}

// Deps holds the collaborators behind the API. Repository and Processor
// are required; the rest are optional.
type Deps struct {
	Repository domain.Repository
	Profiles   domain.ProfileStore
	Cache      domain.Cache
	Bus        domain.EventBus
	Processor  Processor
	Alerts     *alert.Evaluator
	Version    string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	profiles  domain.ProfileStore
	cache     domain.Cache
	bus       domain.EventBus
	processor Processor
	alerts    *alert.Evaluator
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	h := &Handler{
		repo:      deps.Repository,
		profiles:  deps.Profiles,
		cache:     deps.Cache,
		bus:       deps.Bus,
		processor: deps.Processor,
		alerts:    deps.Alerts,
		version:   deps.Version,
	}
	if h.profiles == nil && h.repo != nil {
		h.profiles = h.repo
	}
	return h
}

// CollectRequest is the request body for POST /api/collect_behavior.
type CollectRequest struct {
	UserID      string `json:"userId"`
	SessionData string `json:"sessionData"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	RiskScore *float64       `json:"risk_score,omitempty"`
	Action    *domain.Action `json:"action,omitempty"`
}

func errorBody(message string) ErrorResponse {
	return ErrorResponse{Status: engine.StatusError, Message: message}
}

// Hello handles GET /.
func (h *Handler) Hello(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Kestrel behavioral authentication engine is running.",
	})
}

// CollectBehavior handles POST /api/collect_behavior.
func (h *Handler) CollectBehavior(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCollectRequest(w, r)
	if !ok {
		return
	}

	result := h.processor.Process(r.Context(), engine.Submission{
		UserID:          req.UserID,
		Payload:         req.SessionData,
		ClientTimestamp: req.Timestamp,
		TraceID:         GetTraceID(r.Context()),
	})

	if !result.Scored {
		score := scoring.NoFeaturesScore
		action := domain.ActionAllow
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Status:    engine.StatusError,
			Message:   engine.MsgNoFeatures,
			RiskScore: &score,
			Action:    &action,
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// SubmitAsync handles POST /api/sessions/async. The session is queued on the
// event bus and scored by a worker.
func (h *Handler) SubmitAsync(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCollectRequest(w, r)
	if !ok {
		return
	}

	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("event bus not available"))
		return
	}

	sub := engine.Submission{
		UserID:          req.UserID,
		SessionID:       uuid.New().String(),
		Payload:         req.SessionData,
		ClientTimestamp: req.Timestamp,
		TraceID:         GetTraceID(r.Context()),
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to encode session"))
		return
	}

	if err := h.bus.Publish(r.Context(), domain.TopicSessionSubmitted, payload); err != nil {
		slog.Error("failed to queue session",
			"session_id", sub.SessionID,
			"user_id", sub.UserID,
			"error", err,
		)
		writeJSON(w, http.StatusServiceUnavailable, errorBody("failed to queue session"))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "accepted",
		"session_id": sub.SessionID,
	})
}

func decodeCollectRequest(w http.ResponseWriter, r *http.Request) (*CollectRequest, bool) {
	var req CollectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("Request must be JSON"))
		return nil, false
	}
	if req.UserID == "" || req.SessionData == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("Missing userId or sessionData"))
		return nil, false
	}
	return &req, true
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": h.version,
	})
}

// Ready reports whether every backend answers a ping.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	ready := true

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			return
		}
		checks[name] = "ok"
	}

	if h.repo != nil {
		check("repository", h.repo.Ping)
	}
	if h.cache != nil {
		check("cache", h.cache.Ping)
	}
	if h.bus != nil {
		check("bus", h.bus.Ping)
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":  ready,
		"checks": checks,
	})
}

// GetProfile returns a user's stored baseline.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	p, err := h.profiles.GetProfile(r.Context(), userID)
	if errors.Is(err, domain.ErrProfileNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody("profile not found"))
		return
	}
	if err != nil {
		slog.Error("failed to get profile", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to load profile"))
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// ListSessions returns a user's most recent session logs.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	logs, err := h.repo.ListSessionLogs(r.Context(), userID, limit)
	if err != nil {
		slog.Error("failed to list sessions", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to list sessions"))
		return
	}
	if logs == nil {
		logs = []*domain.SessionLog{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"userId":   userID,
		"count":    len(logs),
		"sessions": logs,
	})
}

// ListAlerts returns a user's most recent alerts.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	alerts, err := h.repo.ListAlerts(r.Context(), userID, limit)
	if err != nil {
		slog.Error("failed to list alerts", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to list alerts"))
		return
	}
	if alerts == nil {
		alerts = []*domain.AlertRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"userId": userID,
		"count":  len(alerts),
		"alerts": alerts,
	})
}

// ListTriggers returns the active alert triggers in evaluation order.
func (h *Handler) ListTriggers(w http.ResponseWriter, r *http.Request) {
	if h.alerts == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("alerting not configured"))
		return
	}
	triggers := h.alerts.Triggers()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(triggers),
		"triggers": triggers,
	})
}

// ValidateTrigger compiles a candidate trigger without activating it.
func (h *Handler) ValidateTrigger(w http.ResponseWriter, r *http.Request) {
	if h.alerts == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("alerting not configured"))
		return
	}

	var t domain.AlertTrigger
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("Request must be JSON"))
		return
	}
	if t.Expression == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("expression is required"))
		return
	}

	if err := h.alerts.Validate(t); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("limit must be a non-negative integer"))
		return 0, false
	}
	return limit, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
