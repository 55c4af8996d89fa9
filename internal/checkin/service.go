package checkin

import (
	"fmt"
	"time"

	"ms-settlement/internal/checkin/db"
	"ms-settlement/internal/logger"
	"ms-settlement/internal/models"
	"ms-settlement/internal/qr"
)

type DBLayer interface {
	RedeemByID(ticketID, scanner string) (bool, error)
	RedeemByToken(qrToken, scanner string) (bool, error)
	GetTicketByID(ticketID string) (*models.Ticket, error)
	GetTicketByToken(qrToken string) (*models.Ticket, error)
	GetScanDetail(ticketID string) (*db.ScanDetail, error)
	InsertAudit(audit models.CheckinAudit) error
	GetQRImage(ticketID string) ([]byte, error)
}

type KafkaPublisher interface {
	PublishTicketScanned(ticket models.Ticket) error
}

// Service is the redemption gate: it converts exactly one active
// ticket to scanned per credential and logs every attempt.
type Service struct {
	DB     DBLayer
	Codec  *qr.Codec
	Kafka  KafkaPublisher
	Logger *logger.Logger
}

func NewService(dbLayer DBLayer, codec *qr.Codec, kafka KafkaPublisher, log *logger.Logger) *Service {
	return &Service{DB: dbLayer, Codec: codec, Kafka: kafka, Logger: log}
}

type ScanRequest struct {
	QRToken   string `json:"qr_token,omitempty"`
	QRPayload string `json:"qr_payload,omitempty"`
	ScannedBy string `json:"scanned_by,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	EventID   int64  `json:"event_id,omitempty"` // expected event for the gate, 0 = no cross-check
	Offline   bool   `json:"offline,omitempty"`  // replay of an attempt queued while disconnected
}

type ScannedTicket struct {
	ID           string              `json:"id"`
	EventID      int64               `json:"event_id"`
	TicketTypeID int64               `json:"ticket_type_id"`
	Status       models.TicketStatus `json:"status"`
	CheckedInAt  *time.Time          `json:"checked_in_at,omitempty"`
	CheckedInBy  string              `json:"checked_in_by,omitempty"`
	Username     string              `json:"username,omitempty"`
	Name         string              `json:"name,omitempty"`
	TierName     string              `json:"tier_name,omitempty"`
}

// ScanResult is always a business outcome: rejections carry one of a
// small fixed set of reasons the gate UI can render directly.
type ScanResult struct {
	Valid       bool                `json:"valid"`
	Reason      string              `json:"reason,omitempty"`
	Status      models.TicketStatus `json:"status,omitempty"`
	CheckedInAt *time.Time          `json:"checked_in_at,omitempty"`
	Ticket      *ScannedTicket      `json:"ticket,omitempty"`
}

// Scan processes one check-in attempt. Offline replays take exactly
// this path too: the conditional update means first write wins and a
// late replay of an already-redeemed ticket reports already_scanned.
func (s *Service) Scan(req ScanRequest) (*ScanResult, error) {
	if req.QRPayload != "" {
		return s.scanSignedPayload(req)
	}
	return s.scanLegacyToken(req)
}

// scanSignedPayload verifies the credential locally before touching
// ticket state. A failed verification has no trustworthy ticket
// identity, so nothing is audited for it.
func (s *Service) scanSignedPayload(req ScanRequest) (*ScanResult, error) {
	verified := s.Codec.Verify(req.QRPayload)
	if !verified.Valid {
		s.Logger.LogScan("-", verified.Reason, "signed payload rejected")
		return &ScanResult{Valid: false, Reason: verified.Reason}, nil
	}

	// A valid ticket for event A must not open event B's gate.
	if req.EventID != 0 && req.EventID != verified.EventID {
		s.audit(verified.TicketID, verified.EventID, req, models.ScanWrongEvent)
		s.Logger.LogScan(verified.TicketID, string(models.ScanWrongEvent),
			fmt.Sprintf("ticket is for event %d, gate expects %d", verified.EventID, req.EventID))
		return &ScanResult{Valid: false, Reason: string(models.ScanWrongEvent)}, nil
	}

	redeemed, err := s.DB.RedeemByID(verified.TicketID, req.ScannedBy)
	if err != nil {
		return nil, fmt.Errorf("redemption update failed: %w", err)
	}
	if !redeemed {
		return s.classifyFailure(verified.TicketID, verified.EventID, req, s.DB.GetTicketByID)
	}
	return s.success(verified.TicketID, req)
}

func (s *Service) scanLegacyToken(req ScanRequest) (*ScanResult, error) {
	// The bare token carries no event identity, so the gate cross-check
	// needs a store read. Event assignment is immutable after issuance.
	if req.EventID != 0 {
		ticket, err := s.DB.GetTicketByToken(req.QRToken)
		if err != nil && !db.IsNotFound(err) {
			return nil, fmt.Errorf("gate cross-check read failed: %w", err)
		}
		if err == nil && ticket.EventID != req.EventID {
			s.audit(ticket.ID, ticket.EventID, req, models.ScanWrongEvent)
			s.Logger.LogScan(ticket.ID, string(models.ScanWrongEvent),
				fmt.Sprintf("ticket is for event %d, gate expects %d", ticket.EventID, req.EventID))
			return &ScanResult{Valid: false, Reason: string(models.ScanWrongEvent)}, nil
		}
	}

	redeemed, err := s.DB.RedeemByToken(req.QRToken, req.ScannedBy)
	if err != nil {
		return nil, fmt.Errorf("redemption update failed: %w", err)
	}
	if !redeemed {
		return s.classifyFailure(req.QRToken, 0, req, s.DB.GetTicketByToken)
	}

	ticket, err := s.DB.GetTicketByToken(req.QRToken)
	if err != nil {
		return nil, fmt.Errorf("failed to load redeemed ticket: %w", err)
	}
	return s.success(ticket.ID, req)
}

// classifyFailure re-reads the ticket after a zero-row redemption to
// tell the operator why: replayed, refunded, stale or missing. Each
// outcome is audited. A signature-valid ticket missing from the store
// reports not_found, which distinguishes "forged" from "stale" when
// diagnosing a gate.
func (s *Service) classifyFailure(identity string, eventID int64, req ScanRequest, lookup func(string) (*models.Ticket, error)) (*ScanResult, error) {
	ticket, err := lookup(identity)
	if err != nil {
		if db.IsNotFound(err) {
			s.audit("", eventID, req, models.ScanNotFound)
			s.Logger.LogScan(identity, string(models.ScanNotFound), "no ticket for credential")
			return &ScanResult{Valid: false, Reason: string(models.ScanNotFound)}, nil
		}
		return nil, fmt.Errorf("failure classification read failed: %w", err)
	}

	var result models.ScanResultType
	switch ticket.Status {
	case models.TicketScanned:
		result = models.ScanAlreadyScanned
	case models.TicketRefunded:
		result = models.ScanRefunded
	default:
		result = models.ScanInvalidStatus
	}

	s.audit(ticket.ID, ticket.EventID, req, result)
	s.Logger.LogScan(ticket.ID, string(result), fmt.Sprintf("ticket status is %s", ticket.Status))
	return &ScanResult{
		Valid:       false,
		Reason:      string(result),
		Status:      ticket.Status,
		CheckedInAt: ticket.CheckedInAt,
	}, nil
}

func (s *Service) success(ticketID string, req ScanRequest) (*ScanResult, error) {
	ticket, err := s.DB.GetTicketByID(ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to load redeemed ticket: %w", err)
	}

	scanned := &ScannedTicket{
		ID:           ticket.ID,
		EventID:      ticket.EventID,
		TicketTypeID: ticket.TicketTypeID,
		Status:       ticket.Status,
		CheckedInAt:  ticket.CheckedInAt,
		CheckedInBy:  ticket.CheckedInBy,
	}
	if detail, err := s.DB.GetScanDetail(ticket.ID); err == nil {
		scanned.Username = detail.Username
		scanned.Name = detail.Name
		scanned.TierName = detail.TierName
	} else {
		s.Logger.Warn("SCAN", fmt.Sprintf("enrichment lookup failed for ticket %s: %v", ticket.ID, err))
	}

	s.audit(ticket.ID, ticket.EventID, req, models.ScanValid)
	s.Logger.LogScan(ticket.ID, string(models.ScanValid), fmt.Sprintf("checked in by %s", req.ScannedBy))

	if s.Kafka != nil {
		if err := s.Kafka.PublishTicketScanned(*ticket); err != nil {
			s.Logger.Error("KAFKA", fmt.Sprintf("Failed to publish scan event: %v", err))
		}
	}

	return &ScanResult{Valid: true, Ticket: scanned}, nil
}

func (s *Service) audit(ticketID string, eventID int64, req ScanRequest, result models.ScanResultType) {
	err := s.DB.InsertAudit(models.CheckinAudit{
		TicketID:  ticketID,
		EventID:   eventID,
		ScannedBy: req.ScannedBy,
		DeviceID:  req.DeviceID,
		Result:    result,
		Offline:   req.Offline,
	})
	if err != nil {
		s.Logger.Error("SCAN", fmt.Sprintf("failed to write audit record for ticket %s: %v", ticketID, err))
	}
}

// QRImage returns the stored QR PNG for a ticket.
func (s *Service) QRImage(ticketID string) ([]byte, error) {
	return s.DB.GetQRImage(ticketID)
}
