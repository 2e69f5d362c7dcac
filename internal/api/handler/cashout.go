package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ayo6706/escrow-settlement/internal/api/problem"
	"github.com/ayo6706/escrow-settlement/internal/domain"
	"github.com/ayo6706/escrow-settlement/internal/models"
	"github.com/ayo6706/escrow-settlement/internal/repository"
	"github.com/ayo6706/escrow-settlement/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WalletReader loads a wallet balance.
type WalletReader interface {
	GetWallet(ctx context.Context, userID int64, currency string) (models.Wallet, error)
}

// CashoutHandler handles wallet balances and cashouts.
type CashoutHandler struct {
	svc     *service.CashoutService
	wallets WalletReader
}

// NewCashoutHandler creates a new CashoutHandler instance.
func NewCashoutHandler(svc *service.CashoutService, wallets WalletReader) *CashoutHandler {
	return &CashoutHandler{svc: svc, wallets: wallets}
}

// CreateCashoutRequest represents the request body for creating a cashout.
type CreateCashoutRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Destination string          `json:"destination"`
}

// CreateCashout handles POST /v1/wallets/{user_id}/cashouts.
// The Idempotency-Key header becomes the cashout reference.
func (h *CashoutHandler) CreateCashout(w http.ResponseWriter, r *http.Request) {
	actorID, userID, ok := h.authorizeWallet(w, r)
	if !ok {
		return
	}
	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idempotencyKey == "" {
		RespondError(w, r, http.StatusBadRequest, "idempotency/missing-key", "Idempotency-Key header is required")
		return
	}

	var req CreateCashoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	resp, err := h.svc.RequestCashout(r.Context(), service.CashoutRequest{
		UserID:      userID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Destination: req.Destination,
		ReferenceID: idempotencyKey,
		ActorID:     actorID,
	})
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusAccepted, resp)
}

// GetCashout handles GET /v1/cashouts/{id}.
func (h *CashoutHandler) GetCashout(w http.ResponseWriter, r *http.Request) {
	actorID, isAdmin, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-cashout-id", "Invalid cashout ID")
		return
	}

	op, err := h.svc.GetCashout(r.Context(), id)
	if err != nil {
		problem.FromError(w, r, err)
		return
	}
	if !isAdmin && op.UserID != actorID {
		// not found rather than forbidden so ids cannot be probed
		RespondError(w, r, http.StatusNotFound, "cashout/not-found", "Cashout not found")
		return
	}
	RespondJSON(w, http.StatusOK, op)
}

// GetWallet handles GET /v1/wallets/{user_id}?currency=USD.
func (h *CashoutHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	_, userID, ok := h.authorizeWallet(w, r)
	if !ok {
		return
	}
	currency := domain.NormalizeCurrency(r.URL.Query().Get("currency"))
	if err := domain.ValidateCurrency(currency); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-currency", err.Error())
		return
	}

	wallet, err := h.wallets.GetWallet(r.Context(), userID, currency)
	if err != nil {
		if errors.Is(err, repository.ErrNoRows) {
			RespondError(w, r, http.StatusNotFound, "wallet/not-found", "Wallet not found")
			return
		}
		problem.FromError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, wallet)
}

// authorizeWallet resolves the wallet owner from the path and checks the caller
// is that owner or an admin.
func (h *CashoutHandler) authorizeWallet(w http.ResponseWriter, r *http.Request) (actorID, userID int64, ok bool) {
	actorID, isAdmin, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return 0, 0, false
	}
	userID, err = int64Param(r, "user_id")
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-user-id", err.Error())
		return 0, 0, false
	}
	if !isAdmin && actorID != userID {
		RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "insufficient permissions")
		return 0, 0, false
	}
	return actorID, userID, true
}
