package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/velmie/edgeagent/outbox"
)

const claimAlias = "o"

// Claim implements outbox.Claimer. Eligible rows are locked with SKIP LOCKED and moved to
// Processing in one statement; the returned batch is in dispatch order.
func (s *Store) Claim(ctx context.Context, now time.Time, limit int) ([]outbox.Message, error) {
	if limit <= 0 {
		return nil, outbox.ErrInvalidBatchSize
	}

	query, args, err := s.claimQuery(now.UTC(), limit).ToSql()
	if err != nil {
		return nil, fmt.Errorf("outbox postgres: build claim: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox postgres: claim failed: %w", err)
	}
	messages, err := collectMessages(rows, limit)
	if err != nil {
		return nil, err
	}
	sortMessages(messages)

	return messages, nil
}

func (s *Store) claimQuery(now time.Time, limit int) sq.UpdateBuilder {
	locked := s.eligibleQuery(s.sb.Select("id").From(s.table), now, limit).
		Suffix("FOR UPDATE SKIP LOCKED")

	returning := make([]string, len(messageColumns))
	for i, column := range messageColumns {
		returning[i] = claimAlias + "." + column
	}

	return s.sb.Update(s.table+" AS "+claimAlias).
		Set("status", int16(outbox.StatusProcessing)).
		Set("attempt_count", sq.Expr(claimAlias+".attempt_count + 1")).
		Set("last_attempt_at", now).
		FromSelect(locked, "claimed").
		Where(claimAlias + ".id = claimed.id").
		Suffix("RETURNING " + strings.Join(returning, ", "))
}
