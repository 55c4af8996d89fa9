package checkin_api_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"

	"ms-settlement/internal/checkin"
	"ms-settlement/internal/checkin/checkin_api"
	"ms-settlement/internal/checkin/db"
	"ms-settlement/internal/logger"
	"ms-settlement/internal/models"
	"ms-settlement/internal/qr"
)

func setupRouter(t *testing.T) (*chi.Mux, *checkin.Service, *bun.DB) {
	sqldb, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to connect to in-memory database: %v", err)
	}
	sqldb.SetMaxOpenConns(1)
	bunDB := bun.NewDB(sqldb, sqlitedialect.New())

	tables := []interface{}{
		(*models.Ticket)(nil),
		(*models.TicketType)(nil),
		(*models.CheckinAudit)(nil),
		(*models.User)(nil),
	}
	for _, m := range tables {
		if _, err := bunDB.NewCreateTable().Model(m).Exec(context.Background()); err != nil {
			t.Fatalf("Failed to create table for %T: %v", m, err)
		}
	}

	log := logger.NewLogger()
	svc := checkin.NewService(&db.DB{Bun: bunDB}, qr.NewCodec("test-signing-secret"), nil, log)
	handler := checkin_api.NewHandler(svc, log)

	r := chi.NewRouter()
	r.Post("/ticket-scan", handler.ScanTicket)
	r.Get("/tickets/{ticketID}/qr", handler.TicketQR)
	return r, svc, bunDB
}

func insertTicket(t *testing.T, svc *checkin.Service, bunDB *bun.DB, eventID int64) models.Ticket {
	user := models.User{ID: "user1", Username: "alice", Name: "Alice Wonderland"}
	_, err := bunDB.NewInsert().Model(&user).Exec(context.Background())
	assert.NoError(t, err)

	tier := models.TicketType{EventID: eventID, Name: "GA"}
	_, err = bunDB.NewInsert().Model(&tier).Exec(context.Background())
	assert.NoError(t, err)

	ticketID := uuid.New().String()
	encoded, err := svc.Codec.Encode(ticketID, eventID)
	assert.NoError(t, err)

	image, err := qr.RenderPNG(encoded.QRPayload)
	assert.NoError(t, err)

	ticket := models.Ticket{
		ID:           ticketID,
		EventID:      eventID,
		TicketTypeID: tier.ID,
		UserID:       user.ID,
		Status:       models.TicketActive,
		QRToken:      encoded.QRToken,
		QRPayload:    encoded.QRPayload,
		QRImage:      image,
		CreatedAt:    time.Now(),
	}
	_, err = bunDB.NewInsert().Model(&ticket).Exec(context.Background())
	assert.NoError(t, err)
	return ticket
}

func TestScanEndpointValidTicket(t *testing.T) {
	router, svc, bunDB := setupRouter(t)
	defer bunDB.Close()

	ticket := insertTicket(t, svc, bunDB, 42)

	body, _ := json.Marshal(map[string]interface{}{
		"qr_payload": ticket.QRPayload,
		"scanned_by": "gate-staff-1",
		"event_id":   42,
	})
	req := httptest.NewRequest(http.MethodPost, "/ticket-scan", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var result checkin.ScanResult
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Valid)
	assert.Equal(t, ticket.ID, result.Ticket.ID)
}

func TestScanEndpointWrongEventIsBusinessOutcome(t *testing.T) {
	router, svc, bunDB := setupRouter(t)
	defer bunDB.Close()

	ticket := insertTicket(t, svc, bunDB, 42)

	body, _ := json.Marshal(map[string]interface{}{
		"qr_payload": ticket.QRPayload,
		"event_id":   99,
	})
	req := httptest.NewRequest(http.MethodPost, "/ticket-scan", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// Business rejections still come back 200 so the device shows the
	// reason instead of a transport error
	assert.Equal(t, http.StatusOK, rec.Code)
	var result checkin.ScanResult
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Valid)
	assert.Equal(t, string(models.ScanWrongEvent), result.Reason)
}

func TestScanEndpointMissingCredential(t *testing.T) {
	router, _, bunDB := setupRouter(t)
	defer bunDB.Close()

	body, _ := json.Marshal(map[string]interface{}{"scanned_by": "gate-staff-1"})
	req := httptest.NewRequest(http.MethodPost, "/ticket-scan", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScanEndpointRejectsBadJSON(t *testing.T) {
	router, _, bunDB := setupRouter(t)
	defer bunDB.Close()

	req := httptest.NewRequest(http.MethodPost, "/ticket-scan", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScanEndpointMethodNotAllowed(t *testing.T) {
	router, _, bunDB := setupRouter(t)
	defer bunDB.Close()

	req := httptest.NewRequest(http.MethodGet, "/ticket-scan", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTicketQREndpoint(t *testing.T) {
	router, svc, bunDB := setupRouter(t)
	defer bunDB.Close()

	ticket := insertTicket(t, svc, bunDB, 42)

	req := httptest.NewRequest(http.MethodGet, "/tickets/"+ticket.ID+"/qr", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, rec.Body.Bytes()[:4])
}

func TestTicketQREndpointNotFound(t *testing.T) {
	router, _, bunDB := setupRouter(t)
	defer bunDB.Close()

	req := httptest.NewRequest(http.MethodGet, "/tickets/"+uuid.New().String()+"/qr", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
