package checkin_api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ms-settlement/internal/auth"
	"ms-settlement/internal/checkin"
	"ms-settlement/internal/checkin/db"
	"ms-settlement/internal/logger"
)

type Handler struct {
	Service *checkin.Service
	Logger  *logger.Logger
}

func NewHandler(service *checkin.Service, log *logger.Logger) *Handler {
	return &Handler{Service: service, Logger: log}
}

// ScanTicket handles POST /ticket-scan. Business rejections come back
// as 200 with a structured body so the scanning device always gets a
// displayable reason; only missing identity fields and infrastructure
// failures are transport errors.
func (h *Handler) ScanTicket(w http.ResponseWriter, r *http.Request) {
	var req checkin.ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.QRToken == "" && req.QRPayload == "" {
		http.Error(w, "qr_token or qr_payload is required", http.StatusBadRequest)
		return
	}

	// Attribute the scan to the caller's token subject when the body
	// doesn't name a scanner.
	if req.ScannedBy == "" {
		if token, err := auth.ExtractTokenFromRequest(r); err == nil {
			if userID, err := auth.ExtractUserIDFromJWT(token); err == nil {
				req.ScannedBy = userID
			}
		}
	}

	result, err := h.Service.Scan(req)
	if err != nil {
		h.Logger.Error("SCAN", fmt.Sprintf("scan processing failed: %v", err))
		http.Error(w, "Scan processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// TicketQR serves the stored QR PNG so wallets can re-fetch a
// credential image.
func (h *Handler) TicketQR(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")

	image, err := h.Service.QRImage(ticketID)
	if err != nil {
		if db.IsNotFound(err) {
			http.Error(w, "Ticket not found", http.StatusNotFound)
			return
		}
		h.Logger.Error("SCAN", fmt.Sprintf("QR image lookup failed for ticket %s: %v", ticketID, err))
		http.Error(w, "Failed to load QR image", http.StatusInternalServerError)
		return
	}
	if len(image) == 0 {
		http.Error(w, "Ticket has no QR image", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(image)
}
