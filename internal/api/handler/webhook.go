package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/ayo6706/escrow-settlement/internal/api/problem"
	"github.com/ayo6706/escrow-settlement/internal/service"
	"go.uber.org/zap"
)

const signatureHeader = "X-Webhook-Signature"

// WebhookHandler handles incoming webhook events from external systems.
type WebhookHandler struct {
	webhookSvc *service.WebhookService
}

// NewWebhookHandler creates a new WebhookHandler instance.
func NewWebhookHandler(webhookSvc *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{
		webhookSvc: webhookSvc,
	}
}

// HandleDepositWebhook handles POST /v1/webhooks/deposits.
// It verifies the HMAC signature and records the deposit notification.
func (h *WebhookHandler) HandleDepositWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		zap.L().Error("read webhook body failed", zap.Error(err))
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Failed to read request body")
		return
	}

	resp, err := h.webhookSvc.HandleDepositWebhook(r.Context(), body, r.Header.Get(signatureHeader))
	if err != nil {
		if errors.Is(err, service.ErrInvalidSignature) {
			RespondError(w, r, http.StatusUnauthorized, "webhook/invalid-signature", "Invalid signature")
			return
		}
		zap.L().Warn("process deposit webhook failed", zap.Error(err))
		problem.FromError(w, r, err)
		return
	}

	RespondJSON(w, http.StatusOK, resp)
}
