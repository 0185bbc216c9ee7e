package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/meterline/backend/internal/services"
)

// EventApplier applies one gateway event delivery.
type EventApplier interface {
	Apply(ctx context.Context, eventID, eventType string, payload []byte) (services.ApplyResult, error)
}

type WebhookHandler struct {
	events    EventApplier
	validator *services.ValidationHelper
}

func NewWebhookHandler(events EventApplier) *WebhookHandler {
	return &WebhookHandler{
		events:    events,
		validator: services.NewValidationHelper(),
	}
}

type webhookEnvelope struct {
	ID   string          `json:"id" validate:"required,max=255"`
	Type string          `json:"type" validate:"required,max=100"`
	Data json.RawMessage `json:"data" validate:"required"`
}

// PaymentEvent receives payment gateway webhooks
// @Summary Payment gateway webhook
// @Description Applies a gateway event exactly once. A non-2xx status asks the gateway to redeliver.
// @Tags Webhooks
// @Accept json
// @Produce json
// @Param X-Webhook-Signature header string true "hex HMAC-SHA256 of the body"
// @Success 200 {object} services.ApplyResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 500 {object} services.ApplyResult
// @Router /webhooks/payments [post]
func (h *WebhookHandler) PaymentEvent(w http.ResponseWriter, r *http.Request) {
	var env webhookEnvelope
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&env); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.events.Apply(r.Context(), env.ID, env.Type, env.Data)
	if errors.Is(err, services.ErrInvalidEvent) {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err != nil {
		log.Printf("[WEBHOOK] Event %s not recorded: %v", env.ID, err)
		services.SendEngineError(w, err)
		return
	}

	status := http.StatusOK
	if result.Outcome == services.OutcomeFailed {
		status = http.StatusInternalServerError
	}
	services.SendJSONResponse(w, status, result)
}
