package models

import (
	"time"

	"github.com/uptrace/bun"
)

type OrderType string

const (
	OrderTypeEventTicket  OrderType = "event_ticket"
	OrderTypeSneakyAccess OrderType = "sneaky_access"
)

type OrderStatus string

const (
	OrderPaymentPending    OrderStatus = "payment_pending"
	OrderPaymentFailed     OrderStatus = "payment_failed"
	OrderPaid              OrderStatus = "paid"
	OrderRefunded          OrderStatus = "refunded"
	OrderPartiallyRefunded OrderStatus = "partially_refunded"
	OrderDisputed          OrderStatus = "disputed"
)

// Order is one purchase transaction. Status only moves forward through
// the settlement state machine; refunded/disputed orders never return
// to paid. Rows are kept forever for audit.
type Order struct {
	bun.BaseModel `bun:"table:orders"`

	ID                string      `bun:"id,pk" json:"id"`
	UserID            string      `bun:"user_id" json:"user_id"`
	Type              OrderType   `bun:"type" json:"type"`
	Status            OrderStatus `bun:"status" json:"status"`
	Subtotal          int64       `bun:"subtotal" json:"subtotal"`
	Total             int64       `bun:"total" json:"total"`
	Currency          string      `bun:"currency" json:"currency"`
	CardBrand         string      `bun:"card_brand,nullzero" json:"card_brand,omitempty"`
	CardLast4         string      `bun:"card_last4,nullzero" json:"card_last4,omitempty"`
	CheckoutSessionID string      `bun:"checkout_session_id,nullzero" json:"checkout_session_id,omitempty"`
	PaymentIntentID   string      `bun:"payment_intent_id,nullzero" json:"payment_intent_id,omitempty"`
	PaidAt            *time.Time  `bun:"paid_at,nullzero" json:"paid_at,omitempty"`
	RefundedAt        *time.Time  `bun:"refunded_at,nullzero" json:"refunded_at,omitempty"`
	CreatedAt         time.Time   `bun:"created_at" json:"created_at"`
	UpdatedAt         time.Time   `bun:"updated_at" json:"updated_at"`
}

type TimelineEventType string

const (
	TimelineCreated           TimelineEventType = "created"
	TimelinePaymentAuthorized TimelineEventType = "payment_authorized"
	TimelinePaymentCaptured   TimelineEventType = "payment_captured"
	TimelineReceiptGenerated  TimelineEventType = "receipt_generated"
	TimelineRefundRequested   TimelineEventType = "refund_requested"
	TimelineRefundProcessed   TimelineEventType = "refund_processed"
	TimelineDisputeOpened     TimelineEventType = "dispute_opened"
	TimelineDisputeResolved   TimelineEventType = "dispute_resolved"
)

// OrderTimelineEvent is an append-only log entry attached to an order.
// Insertion order is chronological order; rows are never updated.
type OrderTimelineEvent struct {
	bun.BaseModel `bun:"table:order_timeline"`

	ID        int64             `bun:"id,pk,autoincrement" json:"id"`
	OrderID   string            `bun:"order_id" json:"order_id"`
	Type      TimelineEventType `bun:"type" json:"type"`
	Label     string            `bun:"label" json:"label"`
	Detail    string            `bun:"detail,nullzero" json:"detail,omitempty"`
	CreatedAt time.Time         `bun:"created_at" json:"created_at"`
}

type RefundRequestStatus string

const (
	RefundRequestPending   RefundRequestStatus = "pending"
	RefundRequestProcessed RefundRequestStatus = "processed"
)

type RefundRequest struct {
	bun.BaseModel `bun:"table:refund_requests"`

	ID        int64               `bun:"id,pk,autoincrement" json:"id"`
	OrderID   string              `bun:"order_id" json:"order_id"`
	Reason    string              `bun:"reason,nullzero" json:"reason,omitempty"`
	Status    RefundRequestStatus `bun:"status" json:"status"`
	CreatedAt time.Time           `bun:"created_at" json:"created_at"`
}
