package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists and queries outbox messages. It holds no business logic: every status change
// goes through Queue.
type Store interface {
	// Insert appends a new message.
	Insert(ctx context.Context, msg Message) error
	// FindByID returns the message or ErrNotFound.
	FindByID(ctx context.Context, id uuid.UUID) (Message, error)
	// QueryPendingEligible returns Pending messages with attempts left whose next attempt is due,
	// ordered by priority DESC, created_at ASC and capped at limit.
	QueryPendingEligible(ctx context.Context, now time.Time, limit int) ([]Message, error)
	// Update persists a full-row update, ErrNotFound when the row is gone.
	Update(ctx context.Context, msg Message) error
	// CompareAndSwap persists msg only if the stored row still has the expected status and
	// attempt count. It reports whether the row was updated.
	CompareAndSwap(ctx context.Context, msg Message, expected Status, expectedAttempts int) (bool, error)
	// DeleteSentOlderThan removes Sent messages with sent_at before cutoff.
	DeleteSentOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	// CountPendingRetryable counts Pending messages with attempts left.
	CountPendingRetryable(ctx context.Context) (int, error)
	// CountByStatus counts messages per status.
	CountByStatus(ctx context.Context) (map[Status]int, error)
	// ListByStatus lists messages in the given status using the dispatch ordering.
	ListByStatus(ctx context.Context, status Status, limit int) ([]Message, error)
	// QueryStuck returns Processing messages whose last attempt started before the cutoff.
	QueryStuck(ctx context.Context, before time.Time, limit int) ([]Message, error)
}

// Claimer is implemented by stores that select and transition eligible rows in a single
// transaction. Claim must increment attempt_count, set status Processing and last_attempt_at=now
// for every returned row, and never return a row another claimer holds.
type Claimer interface {
	Claim(ctx context.Context, now time.Time, limit int) ([]Message, error)
}
