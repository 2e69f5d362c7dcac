package handler

import (
	"errors"
	"net/http"

	"github.com/ayo6706/escrow-settlement/internal/api/problem"
	"github.com/ayo6706/escrow-settlement/internal/service"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// SweepHandler runs lifecycle sweeps on demand.
type SweepHandler struct {
	svc *service.SweepService
}

func NewSweepHandler(svc *service.SweepService) *SweepHandler {
	return &SweepHandler{svc: svc}
}

// Run handles POST /v1/admin/sweeps/{name}.
func (h *SweepHandler) Run(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	summary, err := h.svc.Run(r.Context(), name)
	if err != nil {
		if errors.Is(err, service.ErrUnknownSweep) {
			RespondError(w, r, http.StatusNotFound, "sweep/unknown", err.Error())
			return
		}
		zap.L().Error("manual sweep failed", zap.String("sweep", name), zap.Error(err))
		problem.FromError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, summary)
}

// Candidates handles GET /v1/admin/sweeps/{name}/candidates.
func (h *SweepHandler) Candidates(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	escrows, err := h.svc.Candidates(r.Context(), name)
	if err != nil {
		if errors.Is(err, service.ErrUnknownSweep) {
			RespondError(w, r, http.StatusNotFound, "sweep/unknown", err.Error())
			return
		}
		problem.FromError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{
		"sweep": name,
		"items": escrows,
		"count": len(escrows),
	})
}
