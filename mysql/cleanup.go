package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/velmie/edgeagent/outbox"
)

// DeleteSentOlderThan implements outbox.Store. Rows are removed in PurgeLimit chunks while holding
// a named advisory lock; when another session holds the lock the call removes nothing.
func (s *Store) DeleteSentOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox mysql: purge conn failed: %w", err)
	}
	defer conn.Close()

	locked, err := s.tryLock(ctx, conn)
	if err != nil {
		return 0, err
	}
	if !locked {
		s.cfg.Logger.Debug("outbox purge lock held by another session", "lock", s.cfg.PurgeLockName)

		return 0, nil
	}
	defer s.releaseLock(ctx, conn)

	cutoff = cutoff.UTC()
	var total int64
	for {
		deleted, err := s.deleteChunk(ctx, conn, cutoff)
		total += deleted
		if err != nil {
			return total, err
		}
		if deleted < int64(s.cfg.PurgeLimit) {
			return total, nil
		}
	}
}

func (s *Store) deleteChunk(ctx context.Context, conn *sql.Conn, cutoff time.Time) (int64, error) {
	res, err := conn.ExecContext(ctx, s.queries.deleteSent, outbox.StatusSent, cutoff, s.cfg.PurgeLimit)
	if err != nil {
		return 0, fmt.Errorf("outbox mysql: purge delete failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("outbox mysql: purge rows failed: %w", err)
	}

	return affected, nil
}

func (s *Store) tryLock(ctx context.Context, conn *sql.Conn) (bool, error) {
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", s.cfg.PurgeLockName).Scan(&got); err != nil {
		return false, fmt.Errorf("outbox mysql: acquire purge lock failed: %w", err)
	}
	if !got.Valid || got.Int64 == 0 {
		return false, nil
	}

	return true, nil
}

func (s *Store) releaseLock(ctx context.Context, conn *sql.Conn) {
	var released sql.NullInt64
	if err := conn.QueryRowContext(context.WithoutCancel(ctx), "SELECT RELEASE_LOCK(?)", s.cfg.PurgeLockName).
		Scan(&released); err != nil {
		s.cfg.Logger.Warn("outbox purge release lock failed", "err", err)
	}
}
