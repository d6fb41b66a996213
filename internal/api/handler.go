// Package api exposes the tap pipeline and its back office over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/tapguard/internal/cards"
	"github.com/opensource-finance/tapguard/internal/country"
	"github.com/opensource-finance/tapguard/internal/domain"
	"github.com/opensource-finance/tapguard/internal/offer"
	"github.com/opensource-finance/tapguard/internal/repository"
)

// TapValidator runs a tap through the validation pipeline.
type TapValidator interface {
	Validate(ctx context.Context, req domain.TapRequest) *domain.TapResponse
}

// Config holds HTTP settings.
type Config struct {
	Server  domain.ServerConfig
	Version string
}

// Dependencies are the collaborators the handlers call. Bus and Audit may be nil.
type Dependencies struct {
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Validator TapValidator
	Countries *country.Engine
	Offers    *offer.Engine
	Cards     *cards.Service
	Audit     domain.AuditLogger
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	validator TapValidator
	countries *country.Engine
	offers    *offer.Engine
	cards     *cards.Service
	audit     domain.AuditLogger
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies, version string) *Handler {
	return &Handler{
		repo:      deps.Repo,
		cache:     deps.Cache,
		bus:       deps.Bus,
		validator: deps.Validator,
		countries: deps.Countries,
		offers:    deps.Offers,
		cards:     deps.Cards,
		audit:     deps.Audit,
		version:   version,
	}
}

// ValidateTap handles POST /taps/validate. Every well-formed tap gets a 200
// with an approve or reject decision.
func (h *Handler) ValidateTap(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.TapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.POSReaderID == "" {
		req.POSReaderID = GetReaderID(ctx)
	}

	resp := h.validator.Validate(ctx, req)
	writeJSON(w, http.StatusOK, resp)
}

// GetTap retrieves a tap log by ID.
func (h *Handler) GetTap(w http.ResponseWriter, r *http.Request) {
	tapID := chi.URLParam(r, "id")

	tap, err := h.repo.GetTapLog(r.Context(), tapID)
	if err != nil {
		writeError(w, err, "tap log")
		return
	}
	writeJSON(w, http.StatusOK, tap)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	probe := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}

	if h.repo != nil {
		probe("repository", h.repo.Ping)
	}
	if h.cache != nil {
		probe("cache", h.cache.Ping)
	}
	if h.bus != nil {
		probe("bus", h.bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready reports whether the repository is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps domain errors to status codes. Unknown errors are logged
// and answered with a generic 500.
func writeError(w http.ResponseWriter, err error, entity string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": entity + " not found"})
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidRule):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, repository.ErrConflict), errors.Is(err, cards.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		slog.Error("request failed", "entity", entity, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (h *Handler) logAudit(ctx context.Context, action, entityType, entityID string, details any) {
	if h.audit == nil {
		return
	}
	raw, _ := json.Marshal(details)
	h.audit.LogAudit(ctx, &domain.AuditEvent{
		ID:         uuid.New().String(),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    raw,
		CreatedAt:  time.Now().UTC(),
	})
}
