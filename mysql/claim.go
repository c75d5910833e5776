package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/velmie/edgeagent/outbox"
)

// Claim implements outbox.Claimer. Eligible rows are locked with SKIP LOCKED, moved to
// Processing and returned in dispatch order, so concurrent agents never share a row.
func (s *Store) Claim(ctx context.Context, now time.Time, limit int) (_ []outbox.Message, err error) {
	if limit <= 0 {
		return nil, outbox.ErrInvalidBatchSize
	}
	now = now.UTC()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("outbox mysql: begin tx failed: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	messages, err := s.queryMessages(ctx, tx, s.queries.claimEligible, limit, outbox.StatusPending, now, limit)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		if err = tx.Commit(); err != nil {
			return nil, fmt.Errorf("outbox mysql: commit failed: %w", err)
		}

		return nil, nil
	}

	args := make([]any, 0, len(messages)+2)
	args = append(args, outbox.StatusProcessing, now)
	for _, msg := range messages {
		args = append(args, msg.ID[:])
	}
	query := s.queries.claimUpdatePrefix + "(" + makePlaceholders(len(messages)) + ")"
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("outbox mysql: claim update failed: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("outbox mysql: commit failed: %w", err)
	}

	for i := range messages {
		attemptAt := now
		messages[i].Status = outbox.StatusProcessing
		messages[i].AttemptCount++
		messages[i].LastAttemptAt = &attemptAt
	}

	return messages, nil
}
