package models

import (
	"time"

	"github.com/uptrace/bun"
)

// ProcessedWebhookEvent is the dedup ledger row. The unique constraint
// on event_id is the atomic test-and-set: a conflicting insert means
// the event was already handled by some replica.
type ProcessedWebhookEvent struct {
	bun.BaseModel `bun:"table:stripe_events"`

	EventID    string    `bun:"event_id,pk" json:"event_id"`
	EventType  string    `bun:"event_type" json:"event_type"`
	ReceivedAt time.Time `bun:"received_at" json:"received_at"`
}
