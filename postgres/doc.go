// Package postgres provides a PostgreSQL outbox.Store on pgx/v5.
//
// Claims run as one statement:
//
//	UPDATE outbox_messages AS o SET status = 1, attempt_count = o.attempt_count + 1, ...
//	FROM (SELECT id ... ORDER BY priority DESC, created_at ASC, id ASC LIMIT n FOR UPDATE SKIP LOCKED) AS claimed
//	WHERE o.id = claimed.id RETURNING ...
//
// so concurrent agents never claim the same message. Migrate applies the embedded schema with
// golang-migrate; InsertTx co-commits a message with the caller's pgx.Tx.
package postgres
