package models

import (
	"time"

	"github.com/uptrace/bun"
)

type ScanResultType string

const (
	ScanValid            ScanResultType = "valid"
	ScanAlreadyScanned   ScanResultType = "already_scanned"
	ScanRefunded         ScanResultType = "refunded"
	ScanInvalidStatus    ScanResultType = "invalid_status"
	ScanWrongEvent       ScanResultType = "wrong_event"
	ScanNotFound         ScanResultType = "not_found"
	ScanInvalidSignature ScanResultType = "invalid_signature"
)

// CheckinAudit records one scan attempt, successful or not. Rows are
// insert-only. Offline marks attempts a scanner queued while
// disconnected and replayed later.
type CheckinAudit struct {
	bun.BaseModel `bun:"table:checkins"`

	ID        int64          `bun:"id,pk,autoincrement" json:"id"`
	TicketID  string         `bun:"ticket_id,nullzero" json:"ticket_id,omitempty"`
	EventID   int64          `bun:"event_id,nullzero" json:"event_id,omitempty"`
	ScannedBy string         `bun:"scanned_by,nullzero" json:"scanned_by,omitempty"`
	DeviceID  string         `bun:"device_id,nullzero" json:"device_id,omitempty"`
	Result    ScanResultType `bun:"result" json:"result"`
	Offline   bool           `bun:"offline" json:"offline"`
	CreatedAt time.Time      `bun:"created_at" json:"created_at"`
}
