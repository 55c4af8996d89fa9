package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"ms-settlement/internal/models"
)

type DB struct {
	Bun *bun.DB
}

// RedeemByID flips one active ticket to scanned. The status predicate
// lives in the same statement as the mutation, so the storage engine's
// single-row atomicity is the whole concurrency story: under N
// simultaneous scans exactly one update reports an affected row and
// the rest report zero. No application lock exists or is needed.
func (d *DB) RedeemByID(ticketID, scanner string) (bool, error) {
	return d.redeem("id = ?", ticketID, scanner)
}

// RedeemByToken is the legacy opaque-token path through the same gate.
func (d *DB) RedeemByToken(qrToken, scanner string) (bool, error) {
	return d.redeem("qr_token = ?", qrToken, scanner)
}

func (d *DB) redeem(where string, arg interface{}, scanner string) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("status = ?", models.TicketScanned).
		Set("checked_in_at = ?", time.Now()).
		Set("checked_in_by = ?", scanner).
		Where(where, arg).
		Where("status = ?", models.TicketActive).
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

func (d *DB) GetTicketByID(ticketID string) (*models.Ticket, error) {
	return d.getTicket("id = ?", ticketID)
}

func (d *DB) GetTicketByToken(qrToken string) (*models.Ticket, error) {
	return d.getTicket("qr_token = ?", qrToken)
}

func (d *DB) getTicket(where string, arg interface{}) (*models.Ticket, error) {
	var ticket models.Ticket
	err := d.Bun.NewSelect().
		Model(&ticket).
		Where(where, arg).
		Limit(1).
		Scan(context.Background())
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// InsertAudit appends one scan-attempt record. Every attempt that
// reached a ticket identity gets exactly one row, whatever the result.
func (d *DB) InsertAudit(audit models.CheckinAudit) error {
	audit.CreatedAt = time.Now()
	_, err := d.Bun.NewInsert().Model(&audit).Exec(context.Background())
	return err
}

// ScanDetail carries the read-only joins shown to the gate operator on
// a successful scan.
type ScanDetail struct {
	Username string `bun:"username"`
	Name     string `bun:"name"`
	TierName string `bun:"tier_name"`
}

func (d *DB) GetScanDetail(ticketID string) (*ScanDetail, error) {
	var detail ScanDetail
	err := d.Bun.NewSelect().
		ColumnExpr("u.username AS username").
		ColumnExpr("u.name AS name").
		ColumnExpr("tt.name AS tier_name").
		TableExpr("tickets AS t").
		Join("LEFT JOIN users AS u ON u.id = t.user_id").
		Join("LEFT JOIN ticket_types AS tt ON tt.id = t.ticket_type_id").
		Where("t.id = ?", ticketID).
		Limit(1).
		Scan(context.Background(), &detail)
	if err != nil {
		return nil, err
	}
	return &detail, nil
}

func (d *DB) GetQRImage(ticketID string) ([]byte, error) {
	var image []byte
	err := d.Bun.NewSelect().
		Model((*models.Ticket)(nil)).
		Column("qr_image").
		Where("id = ?", ticketID).
		Limit(1).
		Scan(context.Background(), &image)
	if err != nil {
		return nil, err
	}
	return image, nil
}

// IsNotFound reports whether err is the store's no-rows result.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
