package services

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type TestStruct struct {
	AccountID string `validate:"required,min=2"`
	Units     int64  `validate:"required,gte=1"`
	Status    string `validate:"omitempty,oneof=active canceled"`
}

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid struct", func(t *testing.T) {
		valid := TestStruct{AccountID: "acct_1", Units: 100, Status: "active"}
		assert.NoError(t, vh.ValidateStruct(&valid))
	})

	t.Run("invalid struct - missing required fields", func(t *testing.T) {
		invalid := TestStruct{
			AccountID: "a", // Too short
			Status:    "paused",
		}

		err := vh.ValidateStruct(&invalid)
		assert.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Len(t, validationErrors, 3) // AccountID, Units, Status errors
	})

	t.Run("invalid enum", func(t *testing.T) {
		invalid := TestStruct{AccountID: "acct_1", Units: 1, Status: "paused"}

		err := vh.ValidateStruct(&invalid)
		validationErrors, ok := err.(validator.ValidationErrors)
		require.True(t, ok)
		assert.Len(t, validationErrors, 1)
		assert.Equal(t, "Status", validationErrors[0].Field())
		assert.Equal(t, "oneof", validationErrors[0].Tag())
	})
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("error response without validation errors", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "Something went wrong", http.StatusInternalServerError, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "Something went wrong", response.Error)
		assert.Nil(t, response.Details)
	})

	t.Run("wrapped validation errors become details", func(t *testing.T) {
		w := httptest.NewRecorder()
		err := NewValidationHelper().ValidateStruct(&TestStruct{AccountID: "acct_1"})

		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, fmt.Errorf("%w: %w", ErrInvalidPayload, err))

		var response ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, response.Details["Units"], "required")
	})

	t.Run("plain errors carry no details", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "Bad request", http.StatusBadRequest, ErrInvalidAmount)

		var response ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Nil(t, response.Details)
	})
}

func TestSendEngineError(t *testing.T) {
	t.Run("transient maps to 503", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendEngineError(w, fmt.Errorf("%w: lock", ErrLockTimeout))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "1", w.Header().Get("Retry-After"))
		var response ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, CodeTransient, response.Code)
	})

	t.Run("consistency error maps to 500", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendEngineError(w, ErrSubscriptionNotFound)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		var response ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, CodeSystem, response.Code)
	})
}
