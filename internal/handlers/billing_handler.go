package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/meterline/backend/internal/config"
	mW "github.com/meterline/backend/internal/middleware"
	"github.com/meterline/backend/internal/models"
	"github.com/meterline/backend/internal/services"
	"github.com/meterline/backend/internal/telemetry"
)

// Reserver is the part of the reservation coordinator the HTTP layer calls.
type Reserver interface {
	ReserveWithRetry(ctx context.Context, accountID string, units int64, policy config.PolicyConfig) (services.Result, error)
	GetStatus(ctx context.Context, accountID string) (*services.Status, error)
}

// AccountInitializer creates the rows a new account bills against.
type AccountInitializer interface {
	Initialize(ctx context.Context, accountID string) (*models.SubscriptionState, *models.Balance, error)
}

type BillingHandler struct {
	reservations Reserver
	accounts     AccountInitializer
	policy       config.PolicyConfig
	validator    *services.ValidationHelper
}

func NewBillingHandler(reservations Reserver, accounts AccountInitializer, policy config.PolicyConfig) *BillingHandler {
	return &BillingHandler{
		reservations: reservations,
		accounts:     accounts,
		policy:       policy,
		validator:    services.NewValidationHelper(),
	}
}

// Reserve decides whether the caller may run a billable request
// @Summary Reserve usage
// @Description Check quota and commit the usage of one billable request
// @Tags Billing
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{units=int64} true "Reservation request"
// @Success 200 {object} services.Result
// @Failure 400 {object} services.ErrorResponse
// @Failure 429 {object} services.ErrorResponse
// @Failure 503 {object} services.ErrorResponse
// @Router /reservations [post]
func (h *BillingHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	accountID, ok := mW.AccountIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Units int64 `json:"units" validate:"required,gte=1"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.reservations.ReserveWithRetry(r.Context(), accountID, req.Units, h.policy)
	if err != nil {
		services.SendEngineError(w, err)
		return
	}

	if !result.Allowed() {
		services.SendJSONResponse(w, http.StatusTooManyRequests, services.ErrorResponse{
			Error:  "Usage limit reached",
			Reason: result.Reason,
		})
		return
	}
	services.SendJSONResponse(w, http.StatusOK, result)
}

// Status returns the caller's allowance and balances
// @Summary Account billing status
// @Tags Billing
// @Produce json
// @Security BearerAuth
// @Success 200 {object} services.Status
// @Failure 404 {object} services.ErrorResponse
// @Router /status [get]
func (h *BillingHandler) Status(w http.ResponseWriter, r *http.Request) {
	accountID, ok := mW.AccountIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	status, err := h.reservations.GetStatus(r.Context(), accountID)
	if errors.Is(err, services.ErrSubscriptionNotFound) {
		services.SendErrorResponse(w, "Account not initialized", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		services.SendEngineError(w, err)
		return
	}
	services.SendJSONResponse(w, http.StatusOK, status)
}

// InitializeAccount creates the free tier rows for the caller. Repeated calls
// return the existing state.
// @Summary Initialize account billing
// @Tags Billing
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{tier=string,allowance_limit=int64}
// @Router /accounts [post]
func (h *BillingHandler) InitializeAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := mW.AccountIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	sub, balance, err := h.accounts.Initialize(r.Context(), accountID)
	if err != nil {
		log.Printf("[ACCOUNTS] Initialize failed for %s: %v", telemetry.MaskEmails(accountID), err)
		services.SendEngineError(w, err)
		return
	}

	services.SendJSONResponse(w, http.StatusOK, map[string]any{
		"account_id":           accountID,
		"tier":                 sub.Tier,
		"subscription_status":  sub.Status,
		"allowance_used":       balance.MonthlyAllowanceUsed,
		"allowance_limit":      balance.MonthlyAllowanceLimit,
		"allowance_reset_date": balance.AllowanceResetDate,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}
