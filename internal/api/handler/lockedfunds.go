package handler

import (
	"net/http"

	"github.com/ayo6706/escrow-settlement/internal/api/problem"
	"github.com/ayo6706/escrow-settlement/internal/service"
	"go.uber.org/zap"
)

// LockedFundsHandler exposes the locked-funds audit.
type LockedFundsHandler struct {
	svc *service.LockedFundsService
}

func NewLockedFundsHandler(svc *service.LockedFundsService) *LockedFundsHandler {
	return &LockedFundsHandler{svc: svc}
}

// Report handles GET /v1/admin/locked-funds.
func (h *LockedFundsHandler) Report(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Detect(r.Context())
	if err != nil {
		zap.L().Error("locked funds detection failed", zap.Error(err))
		problem.FromError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, report)
}

// Cleanup handles POST /v1/admin/locked-funds/cleanup.
func (h *LockedFundsHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Cleanup(r.Context())
	if err != nil {
		zap.L().Error("locked funds cleanup failed", zap.Error(err))
		problem.FromError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, result)
}
