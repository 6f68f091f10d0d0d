package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/agent-provisioner/internal/errors"
	"github.com/openclaw/agent-provisioner/internal/model"
	"github.com/openclaw/agent-provisioner/internal/provision"
)

// Fleet is the set of engine operations exposed to operators.
type Fleet interface {
	List(ctx context.Context) ([]model.RuntimeInstance, error)
	InspectStatus(ctx context.Context, userID string) (model.InstanceStatus, error)
	Deprovision(ctx context.Context, userID string) (*provision.DeprovisionReport, error)
	Reconcile(ctx context.Context) (*provision.ReconcileReport, error)
}

type AdminHandler struct {
	fleet Fleet
}

func NewAdminHandler(fleet Fleet) *AdminHandler {
	return &AdminHandler{fleet: fleet}
}

func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/instances", h.ListInstances)
	r.Get("/instances/{userId}/status", h.InstanceStatus)
	r.Post("/instances/{userId}/deprovision", h.Deprovision)
	r.Post("/reconcile", h.Reconcile)

	return r
}

func (h *AdminHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		writeError(w, err)
		return
	}

	instances, err := h.fleet.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list instances")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": Page(instances, p),
		"total": len(instances),
	})
}

func (h *AdminHandler) InstanceStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	status, err := h.fleet.InspectStatus(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"userId": userID,
		"status": status,
	})
}

func (h *AdminHandler) Deprovision(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if userID == "" {
		writeError(w, apperrors.ValidationError("userId is required"))
		return
	}

	report, err := h.fleet.Deprovision(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("failed to deprovision instance")
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if report.RuntimeSkipped {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, report)
}

func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.fleet.Reconcile(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("reconcile failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
