package mysql

import "fmt"

const messageColumns = "id, entity_type, operation, entity_id, payload, endpoint, http_method, status, " +
	"attempt_count, max_attempts, last_error, last_status_code, created_at, last_attempt_at, sent_at, " +
	"next_attempt_at, priority"

const dispatchOrder = "ORDER BY priority DESC, created_at ASC, id ASC"

type queries struct {
	insert            string
	selectByID        string
	selectEligible    string
	claimEligible     string
	claimUpdatePrefix string
	update            string
	compareAndSwap    string
	exists            string
	deleteSent        string
	countRetryable    string
	countByStatus     string
	selectByStatus    string
	selectStuck       string
}

func newQueries(table string) queries {
	eligible := fmt.Sprintf(
		"SELECT %s FROM %s WHERE status = ? AND attempt_count < max_attempts "+
			"AND (next_attempt_at IS NULL OR next_attempt_at <= ?) %s LIMIT ?",
		messageColumns,
		table,
		dispatchOrder,
	)
	mutable := "status = ?, attempt_count = ?, max_attempts = ?, last_error = ?, last_status_code = ?, " +
		"last_attempt_at = ?, sent_at = ?, next_attempt_at = ?, priority = ?"

	return queries{
		insert: fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			table,
			messageColumns,
		),
		selectByID:     fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", messageColumns, table),
		selectEligible: eligible,
		claimEligible:  eligible + " FOR UPDATE SKIP LOCKED",
		update:         fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, mutable),
		compareAndSwap: fmt.Sprintf(
			"UPDATE %s SET %s WHERE id = ? AND status = ? AND attempt_count = ?",
			table,
			mutable,
		),
		exists: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = ?", table),
		deleteSent: fmt.Sprintf(
			"DELETE FROM %s WHERE status = ? AND sent_at IS NOT NULL AND sent_at < ? ORDER BY sent_at LIMIT ?",
			table,
		),
		countRetryable: fmt.Sprintf(
			"SELECT COUNT(*) FROM %s WHERE status = ? AND attempt_count < max_attempts",
			table,
		),
		countByStatus: fmt.Sprintf("SELECT status, COUNT(*) FROM %s GROUP BY status", table),
		selectByStatus: fmt.Sprintf(
			"SELECT %s FROM %s WHERE status = ? %s LIMIT ?",
			messageColumns,
			table,
			dispatchOrder,
		),
		selectStuck: fmt.Sprintf(
			"SELECT %s FROM %s WHERE status = ? AND last_attempt_at < ? ORDER BY last_attempt_at ASC LIMIT ?",
			messageColumns,
			table,
		),
		claimUpdatePrefix: fmt.Sprintf(
			"UPDATE %s SET status = ?, attempt_count = attempt_count + 1, last_attempt_at = ? WHERE id IN ",
			table,
		),
	}
}
