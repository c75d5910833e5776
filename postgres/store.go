package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velmie/edgeagent/outbox"
)

var messageColumns = []string{
	"id",
	"entity_type",
	"operation",
	"entity_id",
	"payload",
	"endpoint",
	"http_method",
	"status",
	"attempt_count",
	"max_attempts",
	"last_error",
	"last_status_code",
	"created_at",
	"last_attempt_at",
	"sent_at",
	"next_attempt_at",
	"priority",
}

var dispatchOrder = []string{"priority DESC", "created_at ASC", "id ASC"}

// Executor allows inserting within an existing transaction. pgx.Tx, *pgx.Conn and *pgxpool.Pool
// satisfy it.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store implements outbox.Store and outbox.Claimer on PostgreSQL.
type Store struct {
	pool  *pgxpool.Pool
	sb    sq.StatementBuilderType
	table string
}

var (
	_ outbox.Store   = (*Store)(nil)
	_ outbox.Claimer = (*Store)(nil)
)

// NewStore constructs a PostgreSQL store over pool.
func NewStore(pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	if pool == nil {
		return nil, ErrPoolRequired
	}

	return newStore(pool, opts...)
}

func newStore(pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	table, err := sanitizeTableName(cfg.Table)
	if err != nil {
		return nil, err
	}

	return &Store{
		pool:  pool,
		sb:    sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		table: table,
	}, nil
}

// Insert implements outbox.Store.
func (s *Store) Insert(ctx context.Context, msg outbox.Message) error {
	return s.InsertTx(ctx, s.pool, msg)
}

// InsertTx inserts msg using exec, typically the caller's pgx.Tx, so the message commits or rolls
// back together with the caller's own writes. Build msg with outbox.Queue.Prepare.
func (s *Store) InsertTx(ctx context.Context, exec Executor, msg outbox.Message) error {
	if exec == nil {
		return ErrExecutorRequired
	}

	query, args, err := s.insertQuery(msg).ToSql()
	if err != nil {
		return fmt.Errorf("outbox postgres: build insert: %w", err)
	}
	if _, err := exec.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("outbox postgres: insert failed: %w", err)
	}

	return nil
}

// FindByID implements outbox.Store.
func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (outbox.Message, error) {
	query, args, err := s.selectMessages().Where(sq.Eq{"id": uuidArg(id)}).ToSql()
	if err != nil {
		return outbox.Message{}, fmt.Errorf("outbox postgres: build find: %w", err)
	}

	msg, err := scanMessage(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return outbox.Message{}, outbox.ErrNotFound
	}
	if err != nil {
		return outbox.Message{}, fmt.Errorf("outbox postgres: find failed: %w", err)
	}

	return msg, nil
}

// QueryPendingEligible implements outbox.Store.
func (s *Store) QueryPendingEligible(ctx context.Context, now time.Time, limit int) ([]outbox.Message, error) {
	if limit <= 0 {
		return nil, outbox.ErrInvalidBatchSize
	}

	return s.queryMessages(ctx, s.eligibleQuery(s.selectMessages(), now, limit), limit)
}

// Update implements outbox.Store.
func (s *Store) Update(ctx context.Context, msg outbox.Message) error {
	tag, err := s.exec(ctx, s.sb.Update(s.table).SetMap(mutableColumns(msg)).Where(sq.Eq{"id": uuidArg(msg.ID)}))
	if err != nil {
		return fmt.Errorf("outbox postgres: update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return outbox.ErrNotFound
	}

	return nil
}

// CompareAndSwap implements outbox.Store.
func (s *Store) CompareAndSwap(
	ctx context.Context,
	msg outbox.Message,
	expected outbox.Status,
	expectedAttempts int,
) (bool, error) {
	update := s.sb.Update(s.table).
		SetMap(mutableColumns(msg)).
		Where(sq.Eq{
			"id":            uuidArg(msg.ID),
			"status":        int16(expected),
			"attempt_count": expectedAttempts,
		})

	tag, err := s.exec(ctx, update)
	if err != nil {
		return false, fmt.Errorf("outbox postgres: compare-and-swap failed: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// DeleteSentOlderThan implements outbox.Store.
func (s *Store) DeleteSentOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.exec(ctx, s.sb.Delete(s.table).
		Where(sq.Eq{"status": int16(outbox.StatusSent)}).
		Where(sq.Lt{"sent_at": cutoff.UTC()}))
	if err != nil {
		return 0, fmt.Errorf("outbox postgres: purge failed: %w", err)
	}

	return tag.RowsAffected(), nil
}

// CountPendingRetryable implements outbox.Store.
func (s *Store) CountPendingRetryable(ctx context.Context) (int, error) {
	query, args, err := s.sb.Select("COUNT(*)").
		From(s.table).
		Where(sq.Eq{"status": int16(outbox.StatusPending)}).
		Where("attempt_count < max_attempts").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("outbox postgres: build count: %w", err)
	}

	var count int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("outbox postgres: pending count failed: %w", err)
	}

	return count, nil
}

// CountByStatus implements outbox.Store.
func (s *Store) CountByStatus(ctx context.Context) (map[outbox.Status]int, error) {
	query, args, err := s.sb.Select("status", "COUNT(*)").From(s.table).GroupBy("status").ToSql()
	if err != nil {
		return nil, fmt.Errorf("outbox postgres: build status count: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox postgres: status count failed: %w", err)
	}
	defer rows.Close()

	counts := make(map[outbox.Status]int, len(outbox.Statuses))
	for rows.Next() {
		var (
			status int16
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("outbox postgres: scan failed: %w", err)
		}
		counts[outbox.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox postgres: rows failed: %w", err)
	}

	return counts, nil
}

// ListByStatus implements outbox.Store.
func (s *Store) ListByStatus(ctx context.Context, status outbox.Status, limit int) ([]outbox.Message, error) {
	if limit <= 0 {
		return nil, outbox.ErrInvalidBatchSize
	}

	q := s.selectMessages().
		Where(sq.Eq{"status": int16(status)}).
		OrderBy(dispatchOrder...).
		Limit(uint64(limit))

	return s.queryMessages(ctx, q, limit)
}

// QueryStuck implements outbox.Store.
func (s *Store) QueryStuck(ctx context.Context, before time.Time, limit int) ([]outbox.Message, error) {
	if limit <= 0 {
		return nil, outbox.ErrInvalidBatchSize
	}

	q := s.selectMessages().
		Where(sq.Eq{"status": int16(outbox.StatusProcessing)}).
		Where(sq.Lt{"last_attempt_at": before.UTC()}).
		OrderBy("last_attempt_at ASC").
		Limit(uint64(limit))

	return s.queryMessages(ctx, q, limit)
}

func (s *Store) selectMessages() sq.SelectBuilder {
	return s.sb.Select(messageColumns...).From(s.table)
}

func (s *Store) eligibleQuery(q sq.SelectBuilder, now time.Time, limit int) sq.SelectBuilder {
	return q.
		Where(sq.Eq{"status": int16(outbox.StatusPending)}).
		Where("attempt_count < max_attempts").
		Where(sq.Or{
			sq.Eq{"next_attempt_at": nil},
			sq.LtOrEq{"next_attempt_at": now.UTC()},
		}).
		OrderBy(dispatchOrder...).
		Limit(uint64(limit))
}

func (s *Store) insertQuery(msg outbox.Message) sq.InsertBuilder {
	return s.sb.Insert(s.table).
		Columns(messageColumns...).
		Values(
			uuidArg(msg.ID),
			msg.EntityType,
			msg.Operation,
			msg.EntityID,
			[]byte(msg.Payload),
			msg.Endpoint,
			msg.HTTPMethod,
			int16(msg.Status),
			msg.AttemptCount,
			msg.MaxAttempts,
			textArg(msg.LastError),
			int4Arg(msg.LastStatusCode),
			msg.CreatedAt.UTC(),
			timeArg(msg.LastAttemptAt),
			timeArg(msg.SentAt),
			timeArg(msg.NextAttemptAt),
			msg.Priority,
		)
}

func (s *Store) exec(ctx context.Context, q sq.Sqlizer) (pgconn.CommandTag, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return pgconn.CommandTag{}, fmt.Errorf("build statement: %w", err)
	}

	return s.pool.Exec(ctx, query, args...)
}

func (s *Store) queryMessages(ctx context.Context, q sq.Sqlizer, capacity int) ([]outbox.Message, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("outbox postgres: build select: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox postgres: select failed: %w", err)
	}

	return collectMessages(rows, capacity)
}

func collectMessages(rows pgx.Rows, capacity int) ([]outbox.Message, error) {
	defer rows.Close()

	messages := make([]outbox.Message, 0, capacity)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("outbox postgres: scan failed: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox postgres: rows failed: %w", err)
	}

	return messages, nil
}

func mutableColumns(msg outbox.Message) map[string]any {
	return map[string]any{
		"status":           int16(msg.Status),
		"attempt_count":    msg.AttemptCount,
		"max_attempts":     msg.MaxAttempts,
		"last_error":       textArg(msg.LastError),
		"last_status_code": int4Arg(msg.LastStatusCode),
		"last_attempt_at":  timeArg(msg.LastAttemptAt),
		"sent_at":          timeArg(msg.SentAt),
		"next_attempt_at":  timeArg(msg.NextAttemptAt),
		"priority":         msg.Priority,
	}
}

func scanMessage(row pgx.Row) (outbox.Message, error) {
	var (
		msg            outbox.Message
		id             pgtype.UUID
		payload        []byte
		status         int16
		lastError      pgtype.Text
		lastStatusCode pgtype.Int4
		lastAttemptAt  pgtype.Timestamptz
		sentAt         pgtype.Timestamptz
		nextAttemptAt  pgtype.Timestamptz
	)

	err := row.Scan(
		&id,
		&msg.EntityType,
		&msg.Operation,
		&msg.EntityID,
		&payload,
		&msg.Endpoint,
		&msg.HTTPMethod,
		&status,
		&msg.AttemptCount,
		&msg.MaxAttempts,
		&lastError,
		&lastStatusCode,
		&msg.CreatedAt,
		&lastAttemptAt,
		&sentAt,
		&nextAttemptAt,
		&msg.Priority,
	)
	if err != nil {
		return outbox.Message{}, err
	}

	msg.ID = uuid.UUID(id.Bytes)
	msg.Payload = payload
	msg.Status = outbox.Status(status)
	msg.LastError = lastError.String
	msg.LastStatusCode = int(lastStatusCode.Int32)
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.LastAttemptAt = fromTimestamptz(lastAttemptAt)
	msg.SentAt = fromTimestamptz(sentAt)
	msg.NextAttemptAt = fromTimestamptz(nextAttemptAt)

	return msg, nil
}

func sortMessages(messages []outbox.Message) {
	slices.SortFunc(messages, func(a, b outbox.Message) int {
		switch {
		case outbox.Less(a, b):
			return -1
		case outbox.Less(b, a):
			return 1
		default:
			return 0
		}
	})
}

func uuidArg(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func textArg(v string) pgtype.Text {
	return pgtype.Text{String: v, Valid: v != ""}
}

func int4Arg(v int) pgtype.Int4 {
	return pgtype.Int4{Int32: int32(v), Valid: v != 0}
}

func timeArg(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}

	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

func fromTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()

	return &v
}
