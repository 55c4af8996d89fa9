package models

import (
	"time"

	"github.com/uptrace/bun"
)

type PayoutStatus string

const (
	PayoutPending  PayoutStatus = "pending"
	PayoutOnHold   PayoutStatus = "on_hold"
	PayoutReleased PayoutStatus = "released"
)

type Event struct {
	bun.BaseModel `bun:"table:events"`

	ID                 int64        `bun:"id,pk,autoincrement" json:"id"`
	Name               string       `bun:"name" json:"name"`
	OrganizerAccountID string       `bun:"organizer_account_id,nullzero" json:"organizer_account_id,omitempty"`
	EndTime            *time.Time   `bun:"end_time,nullzero" json:"end_time,omitempty"`
	PayoutStatus       PayoutStatus `bun:"payout_status" json:"payout_status"`
	PayoutReleaseAt    *time.Time   `bun:"payout_release_at,nullzero" json:"payout_release_at,omitempty"`
}

// OrganizerAccount mirrors the capability flags of a connected payout
// account, synced from account.updated notifications.
type OrganizerAccount struct {
	bun.BaseModel `bun:"table:organizer_accounts"`

	StripeAccountID  string    `bun:"stripe_account_id,pk" json:"stripe_account_id"`
	ChargesEnabled   bool      `bun:"charges_enabled" json:"charges_enabled"`
	PayoutsEnabled   bool      `bun:"payouts_enabled" json:"payouts_enabled"`
	DetailsSubmitted bool      `bun:"details_submitted" json:"details_submitted"`
	UpdatedAt        time.Time `bun:"updated_at" json:"updated_at"`
}

// SneakyAccess is an access grant purchased outside the ticket flow,
// keyed by checkout session so settlement retries upsert cleanly.
type SneakyAccess struct {
	bun.BaseModel `bun:"table:sneaky_access"`

	CheckoutSessionID string    `bun:"checkout_session_id,pk" json:"checkout_session_id"`
	UserID            string    `bun:"user_id" json:"user_id"`
	GrantedAt         time.Time `bun:"granted_at" json:"granted_at"`
}

type User struct {
	bun.BaseModel `bun:"table:users"`

	ID       string `bun:"id,pk" json:"id"`
	Username string `bun:"username" json:"username"`
	Name     string `bun:"name" json:"name"`
}
