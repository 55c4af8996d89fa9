package checkin_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"

	"ms-settlement/internal/checkin"
	"ms-settlement/internal/checkin/db"
	"ms-settlement/internal/logger"
	"ms-settlement/internal/models"
	"ms-settlement/internal/qr"
)

func setupService(t *testing.T) (*checkin.Service, *bun.DB) {
	sqldb, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to connect to in-memory database: %v", err)
	}
	// Each pooled sqlite :memory: connection is its own empty database,
	// so everything must go through one connection.
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

	store := &db.DB{Bun: bunDB}
	codec := qr.NewCodec("test-signing-secret")
	return checkin.NewService(store, codec, nil, logger.NewLogger()), bunDB
}

// seedTicket inserts an active ticket with a freshly signed payload
// plus the user and tier rows the success path joins against.
func seedTicket(t *testing.T, svc *checkin.Service, bunDB *bun.DB, eventID int64) models.Ticket {
	user := models.User{ID: "user1", Username: "alice", Name: "Alice Wonderland"}
	_, err := bunDB.NewInsert().Model(&user).Exec(context.Background())
	assert.NoError(t, err)

	tier := models.TicketType{EventID: eventID, Name: "VIP"}
	_, err = bunDB.NewInsert().Model(&tier).Exec(context.Background())
	assert.NoError(t, err)

	ticketID := uuid.New().String()
	encoded, err := svc.Codec.Encode(ticketID, eventID)
	assert.NoError(t, err)

	ticket := models.Ticket{
		ID:           ticketID,
		EventID:      eventID,
		TicketTypeID: tier.ID,
		UserID:       user.ID,
		Status:       models.TicketActive,
		QRToken:      encoded.QRToken,
		QRPayload:    encoded.QRPayload,
		QRImage:      []byte{0x89, 'P', 'N', 'G'},
		CreatedAt:    time.Now(),
	}
	_, err = bunDB.NewInsert().Model(&ticket).Exec(context.Background())
	assert.NoError(t, err)
	return ticket
}

func auditCount(t *testing.T, bunDB *bun.DB, ticketID string) int {
	count, err := bunDB.NewSelect().
		Model((*models.CheckinAudit)(nil)).
		Where("ticket_id = ?", ticketID).
		Count(context.Background())
	assert.NoError(t, err)
	return count
}

func TestScanSignedPayloadSucceeds(t *testing.T) {
	svc, bunDB := setupService(t)
	defer bunDB.Close()

	ticket := seedTicket(t, svc, bunDB, 42)

	result, err := svc.Scan(checkin.ScanRequest{
		QRPayload: ticket.QRPayload,
		ScannedBy: "gate-staff-1",
		DeviceID:  "gate-7",
		EventID:   42,
	})
	assert.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, ticket.ID, result.Ticket.ID)
	assert.Equal(t, models.TicketScanned, result.Ticket.Status)
	assert.NotNil(t, result.Ticket.CheckedInAt)
	assert.Equal(t, "gate-staff-1", result.Ticket.CheckedInBy)
	assert.Equal(t, "alice", result.Ticket.Username)
	assert.Equal(t, "VIP", result.Ticket.TierName)

	assert.Equal(t, 1, auditCount(t, bunDB, ticket.ID))
}

func TestRepeatedScansRedeemExactlyOnce(t *testing.T) {
	svc, bunDB := setupService(t)
	defer bunDB.Close()

	ticket := seedTicket(t, svc, bunDB, 42)
	req := checkin.ScanRequest{QRPayload: ticket.QRPayload, ScannedBy: "gate-staff-1"}

	const attempts = 5
	valid, replayed := 0, 0
	for i := 0; i < attempts; i++ {
		result, err := svc.Scan(req)
		assert.NoError(t, err)
		if result.Valid {
			valid++
		} else {
			assert.Equal(t, string(models.ScanAlreadyScanned), result.Reason)
			assert.Equal(t, models.TicketScanned, result.Status)
			assert.NotNil(t, result.CheckedInAt)
			replayed++
		}
	}

	assert.Equal(t, 1, valid)
	assert.Equal(t, attempts-1, replayed)

	// Every attempt left an audit row
	assert.Equal(t, attempts, auditCount(t, bunDB, ticket.ID))
}

func TestConcurrentScansRedeemExactlyOnce(t *testing.T) {
	svc, bunDB := setupService(t)
	defer bunDB.Close()

	ticket := seedTicket(t, svc, bunDB, 42)

	const gates = 8
	results := make([]*checkin.ScanResult, gates)
	errs := make([]error, gates)

	var wg sync.WaitGroup
	for i := 0; i < gates; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Scan(checkin.ScanRequest{
				QRPayload: ticket.QRPayload,
				ScannedBy: fmt.Sprintf("gate-staff-%d", i),
			})
		}(i)
	}
	wg.Wait()

	valid, replayed := 0, 0
	for i := 0; i < gates; i++ {
		assert.NoError(t, errs[i])
		if results[i].Valid {
			valid++
		} else {
			assert.Equal(t, string(models.ScanAlreadyScanned), results[i].Reason)
			replayed++
		}
	}

	// The conditional update admits exactly one of the racing gates.
	assert.Equal(t, 1, valid)
	assert.Equal(t, gates-1, replayed)
	assert.Equal(t, gates, auditCount(t, bunDB, ticket.ID))
}

func TestScanRefundedTicket(t *testing.T) {
	svc, bunDB := setupService(t)
	defer bunDB.Close()

	ticket := seedTicket(t, svc, bunDB, 42)
	_, err := bunDB.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("status = ?", models.TicketRefunded).
		Where("id = ?", ticket.ID).
		Exec(context.Background())
	assert.NoError(t, err)

	result, err := svc.Scan(checkin.ScanRequest{QRPayload: ticket.QRPayload})
	assert.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, string(models.ScanRefunded), result.Reason)
	assert.Equal(t, models.TicketRefunded, result.Status)

	// The refunded ticket was not redeemed
	var got models.Ticket
	err = bunDB.NewSelect().Model(&got).Where("id = ?", ticket.ID).Scan(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, models.TicketRefunded, got.Status)
	assert.Nil(t, got.CheckedInAt)
}

func TestScanWrongEventGate(t *testing.T) {
	svc, bunDB := setupService(t)
	defer bunDB.Close()

	ticket := seedTicket(t, svc, bunDB, 42)

	result, err := svc.Scan(checkin.ScanRequest{QRPayload: ticket.QRPayload, EventID: 99})
	assert.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, string(models.ScanWrongEvent), result.Reason)

	// The ticket remains redeemable at the right gate
	var got models.Ticket
	err = bunDB.NewSelect().Model(&got).Where("id = ?", ticket.ID).Scan(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, models.TicketActive, got.Status)

	assert.Equal(t, 1, auditCount(t, bunDB, ticket.ID))
}

func TestScanForgedPayloadLeavesNoAudit(t *testing.T) {
	svc, bunDB := setupService(t)
	defer bunDB.Close()

	other := qr.NewCodec("some-other-secret")
	forged, err := other.Encode(uuid.New().String(), 42)
	assert.NoError(t, err)

	result, err := svc.Scan(checkin.ScanRequest{QRPayload: forged.QRPayload})
	assert.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, qr.ReasonInvalidSignature, result.Reason)

	// An unverifiable credential has no identity worth auditing
	count, err := bunDB.NewSelect().Model((*models.CheckinAudit)(nil)).Count(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestScanValidSignatureUnknownTicket(t *testing.T) {
	svc, bunDB := setupService(t)
	defer bunDB.Close()

	// Correctly signed but for a ticket this store never issued
	encoded, err := svc.Codec.Encode(uuid.New().String(), 42)
	assert.NoError(t, err)

	result, err := svc.Scan(checkin.ScanRequest{QRPayload: encoded.QRPayload})
	assert.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, string(models.ScanNotFound), result.Reason)

	count, err := bunDB.NewSelect().Model((*models.CheckinAudit)(nil)).Count(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestScanLegacyToken(t *testing.T) {
	svc, bunDB := setupService(t)
	defer bunDB.Close()

	ticket := seedTicket(t, svc, bunDB, 42)

	result, err := svc.Scan(checkin.ScanRequest{QRToken: ticket.QRToken, ScannedBy: "gate-staff-2"})
	assert.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, ticket.ID, result.Ticket.ID)

	// Replay via the token path reports already_scanned
	result, err = svc.Scan(checkin.ScanRequest{QRToken: ticket.QRToken})
	assert.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, string(models.ScanAlreadyScanned), result.Reason)
}

func TestScanLegacyTokenWrongEventGate(t *testing.T) {
	svc, bunDB := setupService(t)
	defer bunDB.Close()

	ticket := seedTicket(t, svc, bunDB, 42)

	result, err := svc.Scan(checkin.ScanRequest{QRToken: ticket.QRToken, EventID: 99})
	assert.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, string(models.ScanWrongEvent), result.Reason)

	// The token still admits at its own event's gate
	var got models.Ticket
	err = bunDB.NewSelect().Model(&got).Where("id = ?", ticket.ID).Scan(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, models.TicketActive, got.Status)

	result, err = svc.Scan(checkin.ScanRequest{QRToken: ticket.QRToken, EventID: 42})
	assert.NoError(t, err)
	assert.True(t, result.Valid)

	assert.Equal(t, 2, auditCount(t, bunDB, ticket.ID))
}

func TestOfflineReplayFirstWriteWins(t *testing.T) {
	svc, bunDB := setupService(t)
	defer bunDB.Close()

	ticket := seedTicket(t, svc, bunDB, 42)

	// Online scan wins first
	result, err := svc.Scan(checkin.ScanRequest{QRPayload: ticket.QRPayload, ScannedBy: "gate-staff-1"})
	assert.NoError(t, err)
	assert.True(t, result.Valid)

	// An offline replay of the same credential arrives later and loses
	result, err = svc.Scan(checkin.ScanRequest{
		QRPayload: ticket.QRPayload,
		ScannedBy: "gate-staff-2",
		Offline:   true,
	})
	assert.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, string(models.ScanAlreadyScanned), result.Reason)

	// The winning scanner's attribution stays
	var got models.Ticket
	err = bunDB.NewSelect().Model(&got).Where("id = ?", ticket.ID).Scan(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "gate-staff-1", got.CheckedInBy)

	// The losing replay is still audited, flagged offline
	var audits []models.CheckinAudit
	err = bunDB.NewSelect().
		Model(&audits).
		Where("ticket_id = ?", ticket.ID).
		Order("id ASC").
		Scan(context.Background())
	assert.NoError(t, err)
	assert.Len(t, audits, 2)
	assert.False(t, audits[0].Offline)
	assert.True(t, audits[1].Offline)
	assert.Equal(t, models.ScanAlreadyScanned, audits[1].Result)
}
