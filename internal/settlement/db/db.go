package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"ms-settlement/internal/models"
)

type DB struct {
	Bun *bun.DB
}

// ---------------- DEDUP LEDGER ----------------

// InsertProcessedEvent records a webhook event id in the dedup ledger.
// The conditional insert is the atomic test-and-set: it returns false
// when the event id was already recorded by any replica, which is the
// duplicate-delivery signal. No other locking is involved.
func (d *DB) InsertProcessedEvent(eventID, eventType string) (bool, error) {
	ev := models.ProcessedWebhookEvent{
		EventID:    eventID,
		EventType:  eventType,
		ReceivedAt: time.Now(),
	}
	res, err := d.Bun.NewInsert().
		Model(&ev).
		On("CONFLICT DO NOTHING").
		Exec(context.Background())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DeleteProcessedEvent releases an event id back to the ledger after a
// failed mutation, so the processor's redelivery of that id is handled
// again instead of short-circuiting as a duplicate.
func (d *DB) DeleteProcessedEvent(eventID string) error {
	_, err := d.Bun.NewDelete().
		Model((*models.ProcessedWebhookEvent)(nil)).
		Where("event_id = ?", eventID).
		Exec(context.Background())
	return err
}

// ---------------- ORDERS ----------------

func (d *DB) GetOrderByID(id string) (*models.Order, error) {
	var order models.Order
	err := d.Bun.NewSelect().
		Model(&order).
		Where("id = ?", id).
		Limit(1).
		Scan(context.Background())
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (d *DB) GetOrderByCheckoutSession(sessionID string) (*models.Order, error) {
	var order models.Order
	err := d.Bun.NewSelect().
		Model(&order).
		Where("checkout_session_id = ?", sessionID).
		Limit(1).
		Scan(context.Background())
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (d *DB) GetOrderByPaymentIntent(paymentIntentID string) (*models.Order, error) {
	var order models.Order
	err := d.Bun.NewSelect().
		Model(&order).
		Where("payment_intent_id = ?", paymentIntentID).
		Limit(1).
		Scan(context.Background())
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (d *DB) CreateOrder(order models.Order) error {
	_, err := d.Bun.NewInsert().Model(&order).Exec(context.Background())
	return err
}

// ErrNotPending distinguishes the settle precondition miss (the order
// already left payment_pending) from infrastructure failures, which
// callers must treat as retryable.
var ErrNotPending = errors.New("order is not payment_pending")

// MarkOrderPaid settles an order: payment_pending → paid, stamping the
// payment reference, card details and paid_at in one statement.
func (d *DB) MarkOrderPaid(orderID, paymentIntentID, cardBrand, cardLast4 string) error {
	now := time.Now()
	res, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("status = ?", models.OrderPaid).
		Set("payment_intent_id = ?", paymentIntentID).
		Set("card_brand = ?", cardBrand).
		Set("card_last4 = ?", cardLast4).
		Set("paid_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", orderID).
		Where("status = ?", models.OrderPaymentPending).
		Exec(context.Background())
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("order %s: %w", orderID, ErrNotPending)
	}
	return nil
}

func (d *DB) UpdateOrderStatus(orderID string, status models.OrderStatus) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now()).
		Where("id = ?", orderID).
		Exec(context.Background())
	return err
}

func (d *DB) MarkOrderRefunded(orderID string, status models.OrderStatus) error {
	now := time.Now()
	_, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("status = ?", status).
		Set("refunded_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", orderID).
		Exec(context.Background())
	return err
}

// AppendTimeline adds one append-only event to an order's timeline.
func (d *DB) AppendTimeline(orderID string, eventType models.TimelineEventType, label, detail string) error {
	entry := models.OrderTimelineEvent{
		OrderID:   orderID,
		Type:      eventType,
		Label:     label,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	_, err := d.Bun.NewInsert().Model(&entry).Exec(context.Background())
	return err
}

// ---------------- TICKETS ----------------

func (d *DB) CreateTickets(tickets []models.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	_, err := d.Bun.NewInsert().Model(&tickets).Exec(context.Background())
	return err
}

// CountTicketsByPaymentIntent is the natural-key idempotency guard for
// ticket issuance: a payment reference that already produced tickets
// is never issued again, whatever event type delivered it.
func (d *DB) CountTicketsByPaymentIntent(paymentIntentID string) (int, error) {
	return d.Bun.NewSelect().
		Model((*models.Ticket)(nil)).
		Where("payment_intent_id = ?", paymentIntentID).
		Count(context.Background())
}

func (d *DB) GetTicketByPaymentIntent(paymentIntentID string) (*models.Ticket, error) {
	var ticket models.Ticket
	err := d.Bun.NewSelect().
		Model(&ticket).
		Where("payment_intent_id = ?", paymentIntentID).
		Limit(1).
		Scan(context.Background())
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// RefundActiveTicketsByPaymentIntent flips every still-active ticket of
// a payment to refunded. Scanned tickets are deliberately untouched:
// a used credential is not returned to circulation by a refund.
func (d *DB) RefundActiveTicketsByPaymentIntent(paymentIntentID string) (int64, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("status = ?", models.TicketRefunded).
		Where("payment_intent_id = ?", paymentIntentID).
		Where("status = ?", models.TicketActive).
		Exec(context.Background())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---------------- TICKET TYPES ----------------

// IncrementQuantitySold bumps the sold counter as a single atomic
// statement. Concurrent settlements of the same tier must not lose
// updates, so this is never read-modify-write.
func (d *DB) IncrementQuantitySold(ticketTypeID int64, n int) error {
	res, err := d.Bun.NewUpdate().
		Model((*models.TicketType)(nil)).
		Set("quantity_sold = quantity_sold + ?", n).
		Where("id = ?", ticketTypeID).
		Exec(context.Background())
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("ticket type %d not found", ticketTypeID)
	}
	return nil
}

func (d *DB) GetTicketType(id int64) (*models.TicketType, error) {
	var tt models.TicketType
	err := d.Bun.NewSelect().
		Model(&tt).
		Where("id = ?", id).
		Limit(1).
		Scan(context.Background())
	if err != nil {
		return nil, err
	}
	return &tt, nil
}

// ---------------- HOLDS ----------------

// ConvertHoldByPaymentIntent moves the matching active hold to
// converted. The status predicate makes conversion and expiry mutually
// exclusive under races with the TTL watcher.
func (d *DB) ConvertHoldByPaymentIntent(paymentIntentID string) (bool, error) {
	return d.transitionHold("payment_intent_id = ?", paymentIntentID, models.HoldConverted)
}

func (d *DB) ExpireHoldByPaymentIntent(paymentIntentID string) (bool, error) {
	return d.transitionHold("payment_intent_id = ?", paymentIntentID, models.HoldExpired)
}

func (d *DB) ExpireHoldByID(holdID string) (bool, error) {
	return d.transitionHold("id = ?", holdID, models.HoldExpired)
}

func (d *DB) GetHoldByID(holdID string) (*models.TicketHold, error) {
	var hold models.TicketHold
	err := d.Bun.NewSelect().
		Model(&hold).
		Where("id = ?", holdID).
		Scan(context.Background())
	if err != nil {
		return nil, err
	}
	return &hold, nil
}

func (d *DB) transitionHold(where string, arg interface{}, to models.HoldStatus) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.TicketHold)(nil)).
		Set("status = ?", to).
		Where(where, arg).
		Where("status = ?", models.HoldActive).
		Exec(context.Background())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ---------------- EVENTS / PAYOUT ----------------

func (d *DB) GetEvent(eventID int64) (*models.Event, error) {
	var event models.Event
	err := d.Bun.NewSelect().
		Model(&event).
		Where("id = ?", eventID).
		Limit(1).
		Scan(context.Background())
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (d *DB) SetEventPayoutRelease(eventID int64, releaseAt time.Time) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Event)(nil)).
		Set("payout_release_at = ?", releaseAt).
		Where("id = ?", eventID).
		Exec(context.Background())
	return err
}

// HoldEventPayout freezes the organizer payout while a dispute is open.
func (d *DB) HoldEventPayout(eventID int64) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Event)(nil)).
		Set("payout_status = ?", models.PayoutOnHold).
		Where("id = ?", eventID).
		Exec(context.Background())
	return err
}

// ---------------- ORGANIZER / ACCESS / REFUND REQUESTS ----------------

func (d *DB) UpsertOrganizerAccount(acct models.OrganizerAccount) error {
	acct.UpdatedAt = time.Now()
	_, err := d.Bun.NewInsert().
		Model(&acct).
		On("CONFLICT (stripe_account_id) DO UPDATE").
		Set("charges_enabled = EXCLUDED.charges_enabled").
		Set("payouts_enabled = EXCLUDED.payouts_enabled").
		Set("details_submitted = EXCLUDED.details_submitted").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(context.Background())
	return err
}

func (d *DB) UpsertSneakyAccess(sessionID, userID string) error {
	grant := models.SneakyAccess{
		CheckoutSessionID: sessionID,
		UserID:            userID,
		GrantedAt:         time.Now(),
	}
	_, err := d.Bun.NewInsert().
		Model(&grant).
		On("CONFLICT (checkout_session_id) DO UPDATE").
		Set("user_id = EXCLUDED.user_id").
		Exec(context.Background())
	return err
}

func (d *DB) MarkRefundRequestsProcessed(orderID string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.RefundRequest)(nil)).
		Set("status = ?", models.RefundRequestProcessed).
		Where("order_id = ?", orderID).
		Where("status = ?", models.RefundRequestPending).
		Exec(context.Background())
	return err
}

// IsNotFound reports whether err is the store's no-rows result.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
