package models

import (
	"time"

	"github.com/uptrace/bun"
)

type TicketStatus string

const (
	TicketActive   TicketStatus = "active"
	TicketScanned  TicketStatus = "scanned"
	TicketRefunded TicketStatus = "refunded"
)

// Ticket is one admission credential. The UUID primary key doubles as
// the cryptographic subject of the signed QR payload. Status moves
// active → scanned via check-in or active → refunded via a refund
// webhook; scanned and refunded are terminal.
type Ticket struct {
	bun.BaseModel `bun:"table:tickets"`

	ID              string       `bun:"id,pk" json:"id"`
	EventID         int64        `bun:"event_id" json:"event_id"`
	TicketTypeID    int64        `bun:"ticket_type_id" json:"ticket_type_id"`
	UserID          string       `bun:"user_id" json:"user_id"`
	Status          TicketStatus `bun:"status" json:"status"`
	QRToken         string       `bun:"qr_token" json:"qr_token"`
	QRPayload       string       `bun:"qr_payload,nullzero" json:"qr_payload,omitempty"`
	QRImage         []byte       `bun:"qr_image,nullzero" json:"-"`
	PaymentIntentID string       `bun:"payment_intent_id,nullzero" json:"payment_intent_id,omitempty"`
	PurchaseAmount  int64        `bun:"purchase_amount" json:"purchase_amount"`
	CheckedInAt     *time.Time   `bun:"checked_in_at,nullzero" json:"checked_in_at,omitempty"`
	CheckedInBy     string       `bun:"checked_in_by,nullzero" json:"checked_in_by,omitempty"`
	CreatedAt       time.Time    `bun:"created_at" json:"created_at"`
}

// TicketType is the inventory definition for one event tier.
// QuantitySold is only ever incremented, by the issued quantity of one
// settled payment.
type TicketType struct {
	bun.BaseModel `bun:"table:ticket_types"`

	ID           int64  `bun:"id,pk,autoincrement" json:"id"`
	EventID      int64  `bun:"event_id" json:"event_id"`
	Name         string `bun:"name" json:"name"`
	QuantitySold int    `bun:"quantity_sold" json:"quantity_sold"`
}

type HoldStatus string

const (
	HoldActive    HoldStatus = "active"
	HoldConverted HoldStatus = "converted"
	HoldExpired   HoldStatus = "expired"
)

// TicketHold is a short-lived checkout reservation. The checkout flow
// creates it active; settlement converts it on payment success and
// expires it on payment failure or TTL lapse, whichever fires first.
type TicketHold struct {
	bun.BaseModel `bun:"table:ticket_holds"`

	ID              string     `bun:"id,pk" json:"id"`
	EventID         int64      `bun:"event_id" json:"event_id"`
	TicketTypeID    int64      `bun:"ticket_type_id" json:"ticket_type_id"`
	UserID          string     `bun:"user_id" json:"user_id"`
	Quantity        int        `bun:"quantity" json:"quantity"`
	Status          HoldStatus `bun:"status" json:"status"`
	PaymentIntentID string     `bun:"payment_intent_id,nullzero" json:"payment_intent_id,omitempty"`
	ExpiresAt       time.Time  `bun:"expires_at" json:"expires_at"`
	CreatedAt       time.Time  `bun:"created_at" json:"created_at"`
}
