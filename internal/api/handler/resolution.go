package handler

import (
	"net/http"

	"github.com/ayo6706/escrow-settlement/internal/api/problem"
	"github.com/ayo6706/escrow-settlement/internal/service"
)

// ResolutionHandler exposes dispute resolution to administrators.
type ResolutionHandler struct {
	svc *service.ResolutionService
}

func NewResolutionHandler(svc *service.ResolutionService) *ResolutionHandler {
	return &ResolutionHandler{svc: svc}
}

type splitRequest struct {
	BuyerPct  *int `json:"buyer_pct"`
	SellerPct *int `json:"seller_pct"`
}

// GetDispute handles GET /v1/admin/disputes/{id}.
func (h *ResolutionHandler) GetDispute(w http.ResponseWriter, r *http.Request) {
	disputeID, err := int64Param(r, "id")
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-dispute-id", err.Error())
		return
	}
	d, e, err := h.svc.GetDispute(r.Context(), disputeID)
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"dispute": d, "escrow": e})
}

// Refund handles POST /v1/admin/disputes/{id}/refund.
func (h *ResolutionHandler) Refund(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, func(disputeID, adminID int64) service.ResolutionResult {
		return h.svc.ResolveRefundToBuyer(r.Context(), disputeID, adminID)
	})
}

// Release handles POST /v1/admin/disputes/{id}/release.
func (h *ResolutionHandler) Release(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, func(disputeID, adminID int64) service.ResolutionResult {
		return h.svc.ResolveReleaseToSeller(r.Context(), disputeID, adminID)
	})
}

// Split handles POST /v1/admin/disputes/{id}/split.
func (h *ResolutionHandler) Split(w http.ResponseWriter, r *http.Request) {
	var req splitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}
	if req.BuyerPct == nil || req.SellerPct == nil {
		RespondError(w, r, http.StatusBadRequest, "request/missing-split", "buyer_pct and seller_pct are required")
		return
	}
	h.resolve(w, r, func(disputeID, adminID int64) service.ResolutionResult {
		return h.svc.ResolveCustomSplit(r.Context(), disputeID, *req.BuyerPct, *req.SellerPct, adminID)
	})
}

func (h *ResolutionHandler) resolve(w http.ResponseWriter, r *http.Request, run func(disputeID, adminID int64) service.ResolutionResult) {
	adminID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	disputeID, err := int64Param(r, "id")
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-dispute-id", err.Error())
		return
	}

	res := run(disputeID, adminID)
	if !res.Success {
		problem.FromError(w, r, res.Err)
		return
	}
	RespondJSON(w, http.StatusOK, res)
}
