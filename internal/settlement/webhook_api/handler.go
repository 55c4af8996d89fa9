package webhook_api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"ms-settlement/internal/logger"
	"ms-settlement/internal/settlement"
)

type Handler struct {
	Service *settlement.Service
	Logger  *logger.Logger
}

func NewHandler(service *settlement.Service, log *logger.Logger) *Handler {
	return &Handler{Service: service, Logger: log}
}

// HandleStripeWebhook ingests one processor notification. Signature
// verification gates everything; a duplicate event id short-circuits
// to success without touching business state. Processing failures
// return 500 so the processor's own retry loop redelivers.
func (h *Handler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.Logger.Error("WEBHOOK", fmt.Sprintf("Failed to read webhook payload: %v", err))
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "Invalid payload"})
		return
	}

	event, err := h.Service.VerifyWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		var webhookErr *settlement.WebhookError
		if errors.As(err, &webhookErr) {
			h.writeJSON(w, webhookErr.StatusCode, map[string]interface{}{"error": webhookErr.PublicError})
			return
		}
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "Invalid webhook"})
		return
	}

	duplicate, err := h.Service.ProcessEvent(event)
	if err != nil {
		h.Logger.Error("WEBHOOK", fmt.Sprintf("Processing failed for event %s (%s): %v", event.ID, event.Type, err))
		h.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "Processing failed"})
		return
	}

	response := map[string]interface{}{"received": true}
	if duplicate {
		response["duplicate"] = true
	}
	h.writeJSON(w, http.StatusOK, response)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
