package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/velmie/edgeagent/outbox"
)

const placeholderGrowth = 2

// Executor allows inserting within an existing transaction.
type Executor interface {
	// ExecContext executes a statement with the provided context.
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Store implements outbox.Store and outbox.Claimer on MySQL.
type Store struct {
	db      *sql.DB
	cfg     Config
	queries queries
	table   string
}

var (
	_ outbox.Store   = (*Store)(nil)
	_ outbox.Claimer = (*Store)(nil)
)

// NewStore constructs a MySQL store with validated configuration.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()
	if cfg.PurgeLimit < 0 {
		return nil, ErrPurgeLimitInvalid
	}

	table, err := quoteTableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	if cfg.PurgeLockName == "" {
		cfg.PurgeLockName = defaultLockPrefix + cfg.Table
	}

	return &Store{
		db:      db,
		cfg:     cfg,
		queries: newQueries(table),
		table:   table,
	}, nil
}

// MustNewStore constructs a MySQL store or panics on error.
func MustNewStore(db *sql.DB, opts ...Option) *Store {
	store, err := NewStore(db, opts...)
	if err != nil {
		panic(err)
	}

	return store
}

// Insert implements outbox.Store.
func (s *Store) Insert(ctx context.Context, msg outbox.Message) error {
	return s.InsertTx(ctx, s.db, msg)
}

// InsertTx inserts msg using exec, typically the caller's *sql.Tx, so the message commits or rolls
// back together with the caller's own writes. Build msg with outbox.Queue.Prepare.
func (s *Store) InsertTx(ctx context.Context, exec Executor, msg outbox.Message) error {
	if exec == nil {
		return ErrExecutorRequired
	}

	_, err := exec.ExecContext(ctx, s.queries.insert, insertArgs(msg)...)
	if err != nil {
		return fmt.Errorf("outbox mysql: insert failed: %w", err)
	}

	return nil
}

// FindByID implements outbox.Store.
func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (outbox.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, s.queries.selectByID, id[:]))
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.Message{}, outbox.ErrNotFound
	}
	if err != nil {
		return outbox.Message{}, fmt.Errorf("outbox mysql: find failed: %w", err)
	}

	return msg, nil
}

// QueryPendingEligible implements outbox.Store.
func (s *Store) QueryPendingEligible(ctx context.Context, now time.Time, limit int) ([]outbox.Message, error) {
	if limit <= 0 {
		return nil, outbox.ErrInvalidBatchSize
	}

	return s.queryMessages(ctx, s.db, s.queries.selectEligible, limit, outbox.StatusPending, now.UTC(), limit)
}

// Update implements outbox.Store.
func (s *Store) Update(ctx context.Context, msg outbox.Message) error {
	args := append(mutableArgs(msg), msg.ID[:])
	res, err := s.db.ExecContext(ctx, s.queries.update, args...)
	if err != nil {
		return fmt.Errorf("outbox mysql: update failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("outbox mysql: update rows failed: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// MySQL reports zero affected rows when the values did not change.
	var count int
	if err := s.db.QueryRowContext(ctx, s.queries.exists, msg.ID[:]).Scan(&count); err != nil {
		return fmt.Errorf("outbox mysql: update lookup failed: %w", err)
	}
	if count == 0 {
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
	args := append(mutableArgs(msg), msg.ID[:], expected, expectedAttempts)
	res, err := s.db.ExecContext(ctx, s.queries.compareAndSwap, args...)
	if err != nil {
		return false, fmt.Errorf("outbox mysql: compare-and-swap failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("outbox mysql: compare-and-swap rows failed: %w", err)
	}

	return affected == 1, nil
}

// CountPendingRetryable implements outbox.Store.
func (s *Store) CountPendingRetryable(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, s.queries.countRetryable, outbox.StatusPending).Scan(&count); err != nil {
		return 0, fmt.Errorf("outbox mysql: pending count failed: %w", err)
	}

	return count, nil
}

// CountByStatus implements outbox.Store.
func (s *Store) CountByStatus(ctx context.Context) (map[outbox.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, s.queries.countByStatus)
	if err != nil {
		return nil, fmt.Errorf("outbox mysql: status count failed: %w", err)
	}
	defer rows.Close()

	counts := make(map[outbox.Status]int, len(outbox.Statuses))
	for rows.Next() {
		var (
			status outbox.Status
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("outbox mysql: scan failed: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox mysql: rows failed: %w", err)
	}

	return counts, nil
}

// ListByStatus implements outbox.Store.
func (s *Store) ListByStatus(ctx context.Context, status outbox.Status, limit int) ([]outbox.Message, error) {
	if limit <= 0 {
		return nil, outbox.ErrInvalidBatchSize
	}

	return s.queryMessages(ctx, s.db, s.queries.selectByStatus, limit, status, limit)
}

// QueryStuck implements outbox.Store.
func (s *Store) QueryStuck(ctx context.Context, before time.Time, limit int) ([]outbox.Message, error) {
	if limit <= 0 {
		return nil, outbox.ErrInvalidBatchSize
	}

	return s.queryMessages(ctx, s.db, s.queries.selectStuck, limit, outbox.StatusProcessing, before.UTC(), limit)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) queryMessages(
	ctx context.Context,
	q querier,
	query string,
	capacity int,
	args ...any,
) ([]outbox.Message, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox mysql: select failed: %w", err)
	}
	defer rows.Close()

	messages := make([]outbox.Message, 0, capacity)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("outbox mysql: scan failed: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox mysql: rows failed: %w", err)
	}

	return messages, nil
}

func scanMessage(row rowScanner) (outbox.Message, error) {
	var (
		msg            outbox.Message
		payload        []byte
		lastError      sql.NullString
		lastStatusCode sql.NullInt64
		lastAttemptAt  sql.NullTime
		sentAt         sql.NullTime
		nextAttemptAt  sql.NullTime
	)

	err := row.Scan(
		&msg.ID,
		&msg.EntityType,
		&msg.Operation,
		&msg.EntityID,
		&payload,
		&msg.Endpoint,
		&msg.HTTPMethod,
		&msg.Status,
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

	msg.Payload = json.RawMessage(payload)
	msg.LastError = lastError.String
	msg.LastStatusCode = int(lastStatusCode.Int64)
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.LastAttemptAt = fromNullTime(lastAttemptAt)
	msg.SentAt = fromNullTime(sentAt)
	msg.NextAttemptAt = fromNullTime(nextAttemptAt)

	return msg, nil
}

func insertArgs(msg outbox.Message) []any {
	return []any{
		msg.ID[:],
		msg.EntityType,
		msg.Operation,
		msg.EntityID,
		[]byte(msg.Payload),
		msg.Endpoint,
		msg.HTTPMethod,
		msg.Status,
		msg.AttemptCount,
		msg.MaxAttempts,
		nullString(msg.LastError),
		nullInt(msg.LastStatusCode),
		msg.CreatedAt.UTC(),
		nullTime(msg.LastAttemptAt),
		nullTime(msg.SentAt),
		nullTime(msg.NextAttemptAt),
		msg.Priority,
	}
}

func mutableArgs(msg outbox.Message) []any {
	return []any{
		msg.Status,
		msg.AttemptCount,
		msg.MaxAttempts,
		nullString(msg.LastError),
		nullInt(msg.LastStatusCode),
		nullTime(msg.LastAttemptAt),
		nullTime(msg.SentAt),
		nullTime(msg.NextAttemptAt),
		msg.Priority,
	}
}

func nullString(v string) any {
	if v == "" {
		return nil
	}

	return v
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}

	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}

	return t.UTC()
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()

	return &v
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}

	buf := make([]byte, 0, count*placeholderGrowth)
	for i := 0; i < count; i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '?')
	}

	return string(buf)
}
