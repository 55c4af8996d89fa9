package settlement

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"

	"ms-settlement/internal/logger"
	"ms-settlement/internal/models"
	"ms-settlement/internal/payout"
	"ms-settlement/internal/qr"
	"ms-settlement/internal/settlement/db"
)

type DBLayer interface {
	InsertProcessedEvent(eventID, eventType string) (bool, error)
	DeleteProcessedEvent(eventID string) error
	GetOrderByCheckoutSession(sessionID string) (*models.Order, error)
	GetOrderByPaymentIntent(paymentIntentID string) (*models.Order, error)
	CreateOrder(order models.Order) error
	MarkOrderPaid(orderID, paymentIntentID, cardBrand, cardLast4 string) error
	UpdateOrderStatus(orderID string, status models.OrderStatus) error
	MarkOrderRefunded(orderID string, status models.OrderStatus) error
	AppendTimeline(orderID string, eventType models.TimelineEventType, label, detail string) error
	CreateTickets(tickets []models.Ticket) error
	CountTicketsByPaymentIntent(paymentIntentID string) (int, error)
	GetTicketByPaymentIntent(paymentIntentID string) (*models.Ticket, error)
	RefundActiveTicketsByPaymentIntent(paymentIntentID string) (int64, error)
	IncrementQuantitySold(ticketTypeID int64, n int) error
	ConvertHoldByPaymentIntent(paymentIntentID string) (bool, error)
	ExpireHoldByPaymentIntent(paymentIntentID string) (bool, error)
	GetEvent(eventID int64) (*models.Event, error)
	SetEventPayoutRelease(eventID int64, releaseAt time.Time) error
	HoldEventPayout(eventID int64) error
	UpsertOrganizerAccount(acct models.OrganizerAccount) error
	UpsertSneakyAccess(sessionID, userID string) error
	MarkRefundRequestsProcessed(orderID string) error
}

type KafkaPublisher interface {
	PublishOrderPaid(order models.Order) error
	PublishOrderRefunded(order models.Order) error
}

// Service drives the settlement state machine: the only writer of
// order, ticket and hold state downstream of the payment processor.
type Service struct {
	DB            DBLayer
	Codec         *qr.Codec
	Cards         CardLookup
	Kafka         KafkaPublisher
	Logger        *logger.Logger
	WebhookSecret string
	PayoutDays    int
}

func NewService(dbLayer DBLayer, codec *qr.Codec, cards CardLookup, kafka KafkaPublisher, log *logger.Logger, webhookSecret string, payoutDays int) *Service {
	return &Service{
		DB:            dbLayer,
		Codec:         codec,
		Cards:         cards,
		Kafka:         kafka,
		Logger:        log,
		WebhookSecret: webhookSecret,
		PayoutDays:    payoutDays,
	}
}

// ProcessEvent runs one verified webhook event through the dedup
// ledger and the state machine. The ledger row only survives a
// successful mutation: on failure the id is released again, so the
// processor's retry of the same event id is processed, not swallowed
// as a duplicate. Issuance additionally carries a natural-key check on
// the payment reference, so even a release that itself fails cannot
// double-issue.
func (s *Service) ProcessEvent(event stripe.Event) (duplicate bool, err error) {
	fresh, err := s.DB.InsertProcessedEvent(event.ID, string(event.Type))
	if err != nil {
		return false, fmt.Errorf("dedup ledger insert failed: %w", err)
	}
	if !fresh {
		s.Logger.LogWebhook(string(event.Type), event.ID, "duplicate delivery, skipping")
		return true, nil
	}

	if err := s.handleEvent(event); err != nil {
		if delErr := s.DB.DeleteProcessedEvent(event.ID); delErr != nil {
			s.Logger.Error("WEBHOOK", fmt.Sprintf("failed to release event %s from dedup ledger: %v", event.ID, delErr))
		}
		return false, err
	}
	return false, nil
}

func (s *Service) handleEvent(event stripe.Event) error {
	s.Logger.LogWebhook(string(event.Type), event.ID, "processing")

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("failed to unmarshal checkout session: %w", err)
		}
		switch session.Metadata["type"] {
		case string(models.OrderTypeSneakyAccess):
			return s.handleSneakyAccess(session)
		case string(models.OrderTypeEventTicket):
			return s.handleCheckoutSettled(session)
		default:
			// Other products on the same processor account settle
			// elsewhere
			s.Logger.LogWebhook(string(event.Type), event.ID, "checkout session is not a ticket purchase, ignoring")
			return nil
		}

	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return fmt.Errorf("failed to unmarshal payment intent: %w", err)
		}
		return s.handlePaymentSheetSettled(pi)

	case "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return fmt.Errorf("failed to unmarshal payment intent: %w", err)
		}
		return s.handlePaymentFailed(pi)

	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return fmt.Errorf("failed to unmarshal charge: %w", err)
		}
		return s.handleChargeRefunded(charge)

	case "charge.dispute.created":
		var dispute stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
			return fmt.Errorf("failed to unmarshal dispute: %w", err)
		}
		return s.handleDisputeCreated(dispute)

	case "account.updated":
		var acct stripe.Account
		if err := json.Unmarshal(event.Data.Raw, &acct); err != nil {
			return fmt.Errorf("failed to unmarshal account: %w", err)
		}
		return s.handleAccountUpdated(acct)

	default:
		// Unrecognized event types are accepted and ignored
		s.Logger.LogWebhook(string(event.Type), event.ID, "unhandled event type, ignoring")
		return nil
	}
}

// handleCheckoutSettled issues tickets for a settled hosted-checkout
// purchase and moves the matching order to paid.
func (s *Service) handleCheckoutSettled(session stripe.CheckoutSession) error {
	paymentIntentID := ""
	if session.PaymentIntent != nil {
		paymentIntentID = session.PaymentIntent.ID
	}

	eventID, err := metaInt64(session.Metadata, "event_id")
	if err != nil {
		return err
	}
	ticketTypeID, err := metaInt64(session.Metadata, "ticket_type_id")
	if err != nil {
		return err
	}
	quantity, err := metaInt(session.Metadata, "quantity")
	if err != nil {
		return err
	}
	userID := session.Metadata["user_id"]

	// Natural-key idempotency guard: the same purchase can arrive via
	// two different event types, so the ledger alone is not enough.
	if paymentIntentID != "" {
		existing, err := s.DB.CountTicketsByPaymentIntent(paymentIntentID)
		if err != nil {
			return fmt.Errorf("ticket existence check failed: %w", err)
		}
		if existing > 0 {
			s.Logger.LogSettlement(session.ID, fmt.Sprintf("tickets already issued for payment %s, skipping", paymentIntentID))
			return nil
		}
	}

	if err := s.issueTickets(eventID, ticketTypeID, userID, paymentIntentID, quantity, session.AmountTotal); err != nil {
		return err
	}

	if err := s.settleOrderBySession(session.ID, paymentIntentID); err != nil {
		return err
	}

	s.stampPayoutRelease(eventID)
	return nil
}

// handlePaymentSheetSettled is the native payment-sheet path: same
// issuance, plus converting the checkout hold that reserved inventory.
func (s *Service) handlePaymentSheetSettled(pi stripe.PaymentIntent) error {
	if pi.Metadata["type"] != string(models.OrderTypeEventTicket) {
		s.Logger.LogSettlement(pi.ID, "payment intent is not an event ticket purchase, ignoring")
		return nil
	}

	eventID, err := metaInt64(pi.Metadata, "event_id")
	if err != nil {
		return err
	}
	ticketTypeID, err := metaInt64(pi.Metadata, "ticket_type_id")
	if err != nil {
		return err
	}
	quantity, err := metaInt(pi.Metadata, "quantity")
	if err != nil {
		return err
	}
	userID := pi.Metadata["user_id"]

	existing, err := s.DB.CountTicketsByPaymentIntent(pi.ID)
	if err != nil {
		return fmt.Errorf("ticket existence check failed: %w", err)
	}
	if existing > 0 {
		s.Logger.LogSettlement(pi.ID, "tickets already issued for this payment intent, skipping")
		return nil
	}

	if err := s.issueTickets(eventID, ticketTypeID, userID, pi.ID, quantity, pi.Amount); err != nil {
		return err
	}

	converted, err := s.DB.ConvertHoldByPaymentIntent(pi.ID)
	if err != nil {
		return fmt.Errorf("failed to convert ticket hold: %w", err)
	}
	if !converted {
		s.Logger.Warn("SETTLEMENT", fmt.Sprintf("no active hold found for payment intent %s", pi.ID))
	}

	order, err := s.DB.GetOrderByPaymentIntent(pi.ID)
	if err != nil {
		if db.IsNotFound(err) {
			s.Logger.Warn("SETTLEMENT", fmt.Sprintf("no order found for payment intent %s", pi.ID))
			return nil
		}
		return err
	}

	if err := s.markPaid(order.ID, pi.ID); err != nil {
		return err
	}
	s.stampPayoutRelease(eventID)
	return nil
}

func (s *Service) handlePaymentFailed(pi stripe.PaymentIntent) error {
	expired, err := s.DB.ExpireHoldByPaymentIntent(pi.ID)
	if err != nil {
		return fmt.Errorf("failed to expire ticket hold: %w", err)
	}
	if expired {
		s.Logger.LogSettlement(pi.ID, "ticket hold expired after payment failure")
	}

	order, err := s.DB.GetOrderByPaymentIntent(pi.ID)
	if err != nil {
		if db.IsNotFound(err) {
			s.Logger.Warn("SETTLEMENT", fmt.Sprintf("no order found for failed payment intent %s", pi.ID))
			return nil
		}
		return err
	}
	if order.Status != models.OrderPaymentPending {
		s.Logger.LogSettlement(order.ID, fmt.Sprintf("order status is %s, not marking payment_failed", order.Status))
		return nil
	}
	if err := s.DB.UpdateOrderStatus(order.ID, models.OrderPaymentFailed); err != nil {
		return fmt.Errorf("failed to mark order payment_failed: %w", err)
	}
	s.Logger.LogSettlement(order.ID, "order marked payment_failed")
	return nil
}

func (s *Service) handleChargeRefunded(charge stripe.Charge) error {
	paymentIntentID := ""
	if charge.PaymentIntent != nil {
		paymentIntentID = charge.PaymentIntent.ID
	}
	if paymentIntentID == "" {
		s.Logger.Warn("SETTLEMENT", fmt.Sprintf("refunded charge %s has no payment intent reference", charge.ID))
		return nil
	}

	order, err := s.DB.GetOrderByPaymentIntent(paymentIntentID)
	if err != nil {
		if db.IsNotFound(err) {
			s.Logger.Warn("SETTLEMENT", fmt.Sprintf("no order found for refunded payment intent %s", paymentIntentID))
			return nil
		}
		return err
	}

	refunded, err := s.DB.RefundActiveTicketsByPaymentIntent(paymentIntentID)
	if err != nil {
		return fmt.Errorf("failed to refund tickets: %w", err)
	}
	s.Logger.LogSettlement(order.ID, fmt.Sprintf("%d active tickets refunded", refunded))

	status := models.OrderPartiallyRefunded
	if charge.AmountRefunded >= charge.Amount {
		status = models.OrderRefunded
	}
	if err := s.DB.MarkOrderRefunded(order.ID, status); err != nil {
		return fmt.Errorf("failed to mark order %s: %w", status, err)
	}

	detail := fmt.Sprintf("amount_refunded=%d %s", charge.AmountRefunded, order.Currency)
	if err := s.DB.AppendTimeline(order.ID, models.TimelineRefundProcessed, "Refund processed", detail); err != nil {
		return fmt.Errorf("failed to append timeline: %w", err)
	}

	if err := s.DB.MarkRefundRequestsProcessed(order.ID); err != nil {
		return fmt.Errorf("failed to mark refund requests processed: %w", err)
	}

	order.Status = status
	if s.Kafka != nil {
		if err := s.Kafka.PublishOrderRefunded(*order); err != nil {
			s.Logger.Error("KAFKA", fmt.Sprintf("Failed to publish refund event: %v", err))
		}
	}
	return nil
}

func (s *Service) handleDisputeCreated(dispute stripe.Dispute) error {
	paymentIntentID := ""
	if dispute.PaymentIntent != nil {
		paymentIntentID = dispute.PaymentIntent.ID
	} else if dispute.Charge != nil && dispute.Charge.PaymentIntent != nil {
		paymentIntentID = dispute.Charge.PaymentIntent.ID
	}
	if paymentIntentID == "" {
		s.Logger.Warn("SETTLEMENT", fmt.Sprintf("dispute %s has no payment intent reference", dispute.ID))
		return nil
	}

	// The ticket row links the disputed payment to its event, whose
	// payout gets frozen until the dispute resolves.
	ticket, err := s.DB.GetTicketByPaymentIntent(paymentIntentID)
	if err == nil {
		if err := s.DB.HoldEventPayout(ticket.EventID); err != nil {
			return fmt.Errorf("failed to hold event payout: %w", err)
		}
		s.Logger.LogSettlement(paymentIntentID, fmt.Sprintf("payout for event %d placed on hold", ticket.EventID))
	} else if !db.IsNotFound(err) {
		return err
	}

	order, err := s.DB.GetOrderByPaymentIntent(paymentIntentID)
	if err != nil {
		if db.IsNotFound(err) {
			s.Logger.Warn("SETTLEMENT", fmt.Sprintf("no order found for disputed payment intent %s", paymentIntentID))
			return nil
		}
		return err
	}
	if err := s.DB.UpdateOrderStatus(order.ID, models.OrderDisputed); err != nil {
		return fmt.Errorf("failed to mark order disputed: %w", err)
	}
	return s.DB.AppendTimeline(order.ID, models.TimelineDisputeOpened, "Dispute opened", string(dispute.Reason))
}

func (s *Service) handleAccountUpdated(acct stripe.Account) error {
	err := s.DB.UpsertOrganizerAccount(models.OrganizerAccount{
		StripeAccountID:  acct.ID,
		ChargesEnabled:   acct.ChargesEnabled,
		PayoutsEnabled:   acct.PayoutsEnabled,
		DetailsSubmitted: acct.DetailsSubmitted,
	})
	if err != nil {
		return fmt.Errorf("failed to sync organizer account %s: %w", acct.ID, err)
	}
	s.Logger.LogSettlement(acct.ID, fmt.Sprintf("organizer account synced (charges=%t payouts=%t details=%t)",
		acct.ChargesEnabled, acct.PayoutsEnabled, acct.DetailsSubmitted))
	return nil
}

func (s *Service) handleSneakyAccess(session stripe.CheckoutSession) error {
	userID := session.Metadata["user_id"]
	if err := s.DB.UpsertSneakyAccess(session.ID, userID); err != nil {
		return fmt.Errorf("failed to upsert access grant: %w", err)
	}

	// The access purchase has no pending order; one is created already
	// settled, unless a retry got here first.
	if _, err := s.DB.GetOrderByCheckoutSession(session.ID); err == nil {
		s.Logger.LogSettlement(session.ID, "access order already exists, skipping")
		return nil
	} else if !db.IsNotFound(err) {
		return err
	}

	paymentIntentID := ""
	if session.PaymentIntent != nil {
		paymentIntentID = session.PaymentIntent.ID
	}
	now := time.Now()
	order := models.Order{
		ID:                uuid.NewString(),
		UserID:            userID,
		Type:              models.OrderTypeSneakyAccess,
		Status:            models.OrderPaid,
		Subtotal:          session.AmountTotal,
		Total:             session.AmountTotal,
		Currency:          string(session.Currency),
		CheckoutSessionID: session.ID,
		PaymentIntentID:   paymentIntentID,
		PaidAt:            &now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.DB.CreateOrder(order); err != nil {
		return fmt.Errorf("failed to create access order: %w", err)
	}
	s.Logger.LogSettlement(order.ID, "access grant settled")
	return nil
}

// ---------------- settlement helpers ----------------

// issueTickets creates one active ticket row per purchased seat, each
// bound to a fresh UUID run through the signing codec, then bumps the
// tier's sold counter by the issued quantity.
func (s *Service) issueTickets(eventID, ticketTypeID int64, userID, paymentIntentID string, quantity int, totalAmount int64) error {
	if quantity <= 0 {
		return fmt.Errorf("invalid ticket quantity %d", quantity)
	}

	perTicket := totalAmount / int64(quantity)
	now := time.Now()
	tickets := make([]models.Ticket, 0, quantity)
	for i := 0; i < quantity; i++ {
		ticketID := uuid.NewString()
		encoded, err := s.Codec.Encode(ticketID, eventID)
		if err != nil {
			return fmt.Errorf("failed to sign ticket %s: %w", ticketID, err)
		}
		image, err := qr.RenderPNG(encoded.QRPayload)
		if err != nil {
			return fmt.Errorf("failed to render QR for ticket %s: %w", ticketID, err)
		}
		tickets = append(tickets, models.Ticket{
			ID:              ticketID,
			EventID:         eventID,
			TicketTypeID:    ticketTypeID,
			UserID:          userID,
			Status:          models.TicketActive,
			QRToken:         encoded.QRToken,
			QRPayload:       encoded.QRPayload,
			QRImage:         image,
			PaymentIntentID: paymentIntentID,
			PurchaseAmount:  perTicket,
			CreatedAt:       now,
		})
	}

	if err := s.DB.CreateTickets(tickets); err != nil {
		return fmt.Errorf("failed to insert tickets: %w", err)
	}
	if err := s.DB.IncrementQuantitySold(ticketTypeID, quantity); err != nil {
		return fmt.Errorf("failed to increment quantity_sold: %w", err)
	}
	s.Logger.LogSettlement(paymentIntentID, fmt.Sprintf("%d tickets issued for event %d", quantity, eventID))
	return nil
}

func (s *Service) settleOrderBySession(sessionID, paymentIntentID string) error {
	order, err := s.DB.GetOrderByCheckoutSession(sessionID)
	if err != nil {
		if db.IsNotFound(err) {
			s.Logger.Warn("SETTLEMENT", fmt.Sprintf("no order found for checkout session %s", sessionID))
			return nil
		}
		return err
	}
	return s.markPaid(order.ID, paymentIntentID)
}

// markPaid finalizes the order side of a settlement. Card details are
// best effort: a processor API outage must not fail the settlement.
func (s *Service) markPaid(orderID, paymentIntentID string) error {
	brand, last4 := "", ""
	if s.Cards != nil && paymentIntentID != "" {
		var err error
		brand, last4, err = s.Cards.CardDetails(paymentIntentID)
		if err != nil {
			s.Logger.Warn("SETTLEMENT", fmt.Sprintf("card detail fetch failed for %s: %v", paymentIntentID, err))
		}
	}

	if err := s.DB.MarkOrderPaid(orderID, paymentIntentID, brand, last4); err != nil {
		if errors.Is(err, db.ErrNotPending) {
			s.Logger.Warn("SETTLEMENT", fmt.Sprintf("order %s not settled: %v", orderID, err))
			return nil
		}
		return fmt.Errorf("failed to settle order %s: %w", orderID, err)
	}

	if err := s.DB.AppendTimeline(orderID, models.TimelinePaymentAuthorized, "Payment authorized", ""); err != nil {
		s.Logger.Error("SETTLEMENT", fmt.Sprintf("failed to append timeline for order %s: %v", orderID, err))
	}
	if err := s.DB.AppendTimeline(orderID, models.TimelinePaymentCaptured, "Payment captured", ""); err != nil {
		s.Logger.Error("SETTLEMENT", fmt.Sprintf("failed to append timeline for order %s: %v", orderID, err))
	}
	s.Logger.LogSettlement(orderID, "order settled as paid")

	if s.Kafka != nil {
		order, err := s.DB.GetOrderByPaymentIntent(paymentIntentID)
		if err == nil {
			if err := s.Kafka.PublishOrderPaid(*order); err != nil {
				s.Logger.Error("KAFKA", fmt.Sprintf("Failed to publish order paid event: %v", err))
			}
		}
	}
	return nil
}

// stampPayoutRelease schedules the organizer payout from the event's
// end time. Missing event rows or end times are logged, not fatal.
func (s *Service) stampPayoutRelease(eventID int64) {
	event, err := s.DB.GetEvent(eventID)
	if err != nil {
		s.Logger.Warn("PAYOUT", fmt.Sprintf("event %d not found, payout release not scheduled: %v", eventID, err))
		return
	}
	if event.EndTime == nil {
		s.Logger.Warn("PAYOUT", fmt.Sprintf("event %d has no end time, payout release not scheduled", eventID))
		return
	}
	releaseAt := payout.AddBusinessDays(*event.EndTime, s.PayoutDays)
	if err := s.DB.SetEventPayoutRelease(eventID, releaseAt); err != nil {
		s.Logger.Error("PAYOUT", fmt.Sprintf("failed to schedule payout release for event %d: %v", eventID, err))
		return
	}
	s.Logger.Info("PAYOUT", fmt.Sprintf("event %d payout release scheduled for %s", eventID, releaseAt.Format(time.RFC3339)))
}

func metaInt64(metadata map[string]string, key string) (int64, error) {
	raw, ok := metadata[key]
	if !ok {
		return 0, fmt.Errorf("metadata is missing %s", key)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("metadata %s is not an integer: %w", key, err)
	}
	return v, nil
}

func metaInt(metadata map[string]string, key string) (int, error) {
	v, err := metaInt64(metadata, key)
	return int(v), err
}
