package presence

import (
	"context"
	"time"
)

// Collection is the store collection and realtime channel name for
// presence records.
const Collection = "user_presence"

// Record is a user's best-known liveness state: one per user, upserted by
// the owning session and never deleted. Staleness is judged by readers, not
// enforced by the writer.
type Record struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// Store is the data-store collaborator for presence records.
// Implementations publish a realtime change event after every upsert.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	ByUserIDs(ctx context.Context, ids []string) ([]Record, error)
}
