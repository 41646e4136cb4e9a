package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/worker"
)

const (
	defaultRecentHours = 24
	defaultRecentLimit = 100
	readyTimeout       = 2 * time.Second
)

// Handler holds dependencies for API handlers.
type Handler struct {
	engine   *engine.Engine
	deps     Deps
	validate *validator.Validate
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(eng *engine.Engine, deps Deps, version string) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handler{
		engine:   eng,
		deps:     deps,
		validate: v,
		version:  version,
	}
}

// EventRequest is the request body for POST /entities/{id}/events.
type EventRequest struct {
	ID        string         `json:"id"`
	EventType string         `json:"eventType" validate:"required"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"sessionId,omitempty"`
	DeviceID  string         `json:"deviceId,omitempty"`
	IPAddress string         `json:"ipAddress,omitempty" validate:"omitempty,ip"`
	Location  string         `json:"location,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (r EventRequest) event(entityID string) domain.UserEvent {
	return domain.UserEvent{
		ID:        r.ID,
		EntityID:  entityID,
		EventType: r.EventType,
		Timestamp: r.Timestamp,
		SessionID: r.SessionID,
		DeviceID:  r.DeviceID,
		IPAddress: r.IPAddress,
		Location:  r.Location,
		Metadata:  r.Metadata,
	}
}

// TransactionRequest is the request body for POST /entities/{id}/transactions.
type TransactionRequest struct {
	ID            string         `json:"id"`
	Amount        float64        `json:"amount" validate:"gte=0"`
	Currency      string         `json:"currency,omitempty" validate:"omitempty,max=16"`
	PaymentMethod string         `json:"paymentMethod,omitempty"`
	RecipientID   string         `json:"recipientId,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	SessionID     string         `json:"sessionId,omitempty"`
	DeviceID      string         `json:"deviceId,omitempty"`
	IPAddress     string         `json:"ipAddress,omitempty" validate:"omitempty,ip"`
	Location      string         `json:"location,omitempty"`
	Latitude      *float64       `json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude     *float64       `json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func (r TransactionRequest) transaction(entityID string) domain.Transaction {
	return domain.Transaction{
		ID:            r.ID,
		EntityID:      entityID,
		Amount:        r.Amount,
		Currency:      r.Currency,
		PaymentMethod: r.PaymentMethod,
		RecipientID:   r.RecipientID,
		Timestamp:     r.Timestamp,
		SessionID:     r.SessionID,
		DeviceID:      r.DeviceID,
		IPAddress:     r.IPAddress,
		Location:      r.Location,
		Latitude:      r.Latitude,
		Longitude:     r.Longitude,
		Metadata:      r.Metadata,
	}
}

// BehaviorEventRequest is one in-game action.
type BehaviorEventRequest struct {
	ID         string         `json:"id"`
	Action     string         `json:"action" validate:"required"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMs float64        `json:"durationMs,omitempty" validate:"gte=0"`
	SessionID  string         `json:"sessionId,omitempty"`
	DeviceID   string         `json:"deviceId,omitempty"`
	IPAddress  string         `json:"ipAddress,omitempty" validate:"omitempty,ip"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// BehaviorRequest is the request body for POST /entities/{id}/behavior.
type BehaviorRequest struct {
	Events []BehaviorEventRequest `json:"events" validate:"required,min=1,dive"`
}

func (r BehaviorRequest) events(entityID string) []domain.BehaviorEvent {
	out := make([]domain.BehaviorEvent, len(r.Events))
	for i, ev := range r.Events {
		out[i] = domain.BehaviorEvent{
			ID:         ev.ID,
			EntityID:   entityID,
			Action:     ev.Action,
			Timestamp:  ev.Timestamp,
			DurationMs: ev.DurationMs,
			SessionID:  ev.SessionID,
			DeviceID:   ev.DeviceID,
			IPAddress:  ev.IPAddress,
			Metadata:   ev.Metadata,
		}
	}
	return out
}

// AnalyzeRequest is the optional request body for POST /entities/{id}/analyze.
type AnalyzeRequest struct {
	Events []EventRequest `json:"events" validate:"omitempty,dive"`
}

// ManualFlagRequest is the request body for POST /entities/{id}/flags.
type ManualFlagRequest struct {
	Action       string   `json:"action" validate:"required,oneof=ALLOW REVIEW BLOCK SUSPEND"`
	Reason       string   `json:"reason,omitempty"`
	EntityType   string   `json:"entityType,omitempty" validate:"omitempty,oneof=player transaction behavior"`
	ExpiresHours *float64 `json:"expiresHours,omitempty" validate:"omitempty,gte=0"`
}

// DetectorRequest is the request body for PUT /detectors/{name}.
type DetectorRequest struct {
	Weight  *float64 `json:"weight,omitempty" validate:"omitempty,gte=0"`
	Enabled *bool    `json:"enabled,omitempty"`
}

// AnalysisResponse wraps an analysis result with request metadata.
type AnalysisResponse struct {
	*engine.Result
	Metadata ResponseMetadata `json:"metadata"`
}

// ResponseMetadata carries per-request tracing details.
type ResponseMetadata struct {
	TraceID string `json:"traceId"`
	TotalMs int64  `json:"totalMs"`
	Version string `json:"version"`
}

// Health returns server liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": h.version,
	})
}

// Ready pings every configured backend and returns 503 if any fails.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	checks := map[string]string{}
	ready := true
	probe := func(name string, ping func() error) {
		if err := ping(); err != nil {
			slog.Warn("readiness check failed", "backend", name, "error", err)
			checks[name] = err.Error()
			ready = false
			return
		}
		checks[name] = "ok"
	}

	if h.deps.Repo != nil {
		probe("repository", func() error { return h.deps.Repo.Ping(ctx) })
	}
	if h.deps.Cache != nil {
		probe("cache", func() error { return h.deps.Cache.Ping(ctx) })
	}
	if h.deps.Bus != nil {
		probe("event_bus", func() error { return h.deps.Bus.Ping(ctx) })
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

// SubmitEvent handles POST /entities/{id}/events.
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req EventRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	entityID := chi.URLParam(r, "id")
	res, err := h.engine.SubmitEvent(r.Context(), entityID, req.event(entityID))
	h.writeResult(w, r, start, res, err)
}

// SubmitTransaction handles POST /entities/{id}/transactions.
func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req TransactionRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	entityID := chi.URLParam(r, "id")
	res, err := h.engine.SubmitTransaction(r.Context(), entityID, req.transaction(entityID))
	h.writeResult(w, r, start, res, err)
}

// SubmitBehavior handles POST /entities/{id}/behavior.
func (h *Handler) SubmitBehavior(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req BehaviorRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	entityID := chi.URLParam(r, "id")
	res, err := h.engine.SubmitBehavior(r.Context(), entityID, req.events(entityID)...)
	h.writeResult(w, r, start, res, err)
}

// AnalyzeUser handles POST /entities/{id}/analyze. The body is optional;
// without events the player is re-scored from history.
func (h *Handler) AnalyzeUser(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req AnalyzeRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	entityID := chi.URLParam(r, "id")
	events := make([]domain.UserEvent, len(req.Events))
	for i, ev := range req.Events {
		events[i] = ev.event(entityID)
	}
	res, err := h.engine.AnalyzeUser(r.Context(), entityID, events...)
	h.writeResult(w, r, start, res, err)
}

// RiskHistory handles GET /entities/{id}/risk.
func (h *Handler) RiskHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.RiskHistory(chi.URLParam(r, "id")))
}

// ClearUserData handles DELETE /entities/{id}/data.
func (h *Handler) ClearUserData(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "id")
	if !h.engine.ClearUserData(entityID) {
		writeError(w, http.StatusNotFound, "no history for entity")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entityId": entityID,
		"cleared":  true,
	})
}

// EntityFlags handles GET /entities/{id}/flags.
func (h *Handler) EntityFlags(w http.ResponseWriter, r *http.Request) {
	includeExpired := false
	if v := r.URL.Query().Get("include_expired"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "include_expired must be a boolean")
			return
		}
		includeExpired = b
	}

	flags := h.engine.EntityFlags(chi.URLParam(r, "id"), includeExpired)
	writeJSON(w, http.StatusOK, map[string]any{
		"flags": flags,
		"count": len(flags),
	})
}

// CreateManualFlag handles POST /entities/{id}/flags.
func (h *Handler) CreateManualFlag(w http.ResponseWriter, r *http.Request) {
	var req ManualFlagRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	d, err := h.engine.CreateManualFlag(r.Context(),
		chi.URLParam(r, "id"),
		domain.FlagAction(req.Action),
		req.Reason,
		domain.EntityType(req.EntityType),
		req.ExpiresHours,
	)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// IsBlocked handles GET /entities/{id}/blocked.
func (h *Handler) IsBlocked(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]any{
		"entityId": entityID,
		"blocked":  h.engine.IsBlocked(entityID),
	})
}

// RemoveBlock handles DELETE /entities/{id}/block.
func (h *Handler) RemoveBlock(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "id")
	if !h.engine.RemoveBlock(r.Context(), entityID) {
		writeError(w, http.StatusNotFound, "no active block for entity")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entityId": entityID,
		"removed":  true,
	})
}

// RecentFlags handles GET /flags/recent.
func (h *Handler) RecentFlags(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	hours := float64(defaultRecentHours)
	if v := q.Get("hours"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			writeError(w, http.StatusBadRequest, "hours must be a positive number")
			return
		}
		hours = f
	}
	limit := defaultRecentLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	flags := h.engine.RecentFlags(hours, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"flags": flags,
		"count": len(flags),
	})
}

// ActiveBlocks handles GET /flags/blocks.
func (h *Handler) ActiveBlocks(w http.ResponseWriter, r *http.Request) {
	blocks := h.engine.ActiveBlocks()
	writeJSON(w, http.StatusOK, map[string]any{
		"blocks": blocks,
		"count":  len(blocks),
	})
}

// FlagsByAction handles GET /flags/action/{action}.
func (h *Handler) FlagsByAction(w http.ResponseWriter, r *http.Request) {
	action, err := domain.ParseFlagAction(chi.URLParam(r, "action"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flags := h.engine.Flags().FlagsByAction(action)
	writeJSON(w, http.StatusOK, map[string]any{
		"action": action,
		"flags":  flags,
		"count":  len(flags),
	})
}

// GetFlag handles GET /flags/{id}.
func (h *Handler) GetFlag(w http.ResponseWriter, r *http.Request) {
	d, ok := h.engine.Flags().Get(chi.URLParam(r, "id"))
	if !ok {
		writeEngineError(w, domain.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// SweepExpired handles POST /flags/sweep.
func (h *Handler) SweepExpired(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"removed": h.engine.SweepExpired(r.Context()),
	})
}

// Statistics handles GET /stats.
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Statistics())
}

// ConfigureDetector handles PUT /detectors/{name}.
func (h *Handler) ConfigureDetector(w http.ResponseWriter, r *http.Request) {
	var req DetectorRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	name := chi.URLParam(r, "name")
	if !h.engine.ConfigureDetector(name, req.Weight, req.Enabled) {
		writeEngineError(w, fmt.Errorf("%w: %s", domain.ErrUnknownDetector, name))
		return
	}
	info, _ := h.engine.Detector(name)
	writeJSON(w, http.StatusOK, info)
}

// Ingest handles POST /ingest. The signal is queued for the worker pool.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	if h.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	var env domain.SignalEnvelope
	if !h.decode(w, r, &env, false) {
		return
	}
	if err := worker.Enqueue(r.Context(), h.deps.Bus, &env); err != nil {
		if errors.Is(err, domain.ErrInvalidSignal) {
			writeEngineError(w, err)
			return
		}
		slog.Error("failed to enqueue signal", "entity_id", env.EntityID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to enqueue signal")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "queued",
		"kind":     env.Kind,
		"entityId": env.EntityID,
	})
}

// decode parses the JSON body into v and validates it. It writes the error
// response and returns false on failure. optional allows an empty body.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			writeError(w, http.StatusBadRequest, "invalid JSON request body")
			return false
		}
	}

	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Namespace()] = validationMessage(fe)
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "validation failed",
			"fields": fields,
		})
		return false
	}
	return true
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "min":
		return "must have at least " + fe.Param() + " item(s)"
	case "ip":
		return "must be a valid IP address"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, start time.Time, res *engine.Result, err error) {
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AnalysisResponse{
		Result: res,
		Metadata: ResponseMetadata{
			TraceID: GetTraceID(r.Context()),
			TotalMs: time.Since(start).Milliseconds(),
			Version: h.version,
		},
	})
}

// writeEngineError maps domain sentinels to status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownDetector):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidSignal), errors.Is(err, domain.ErrInvalidAction):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
