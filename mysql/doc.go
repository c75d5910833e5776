// Package mysql provides a MySQL 8.0+ outbox.Store.
//
// The claim path uses:
//   - READ COMMITTED isolation (to avoid gap locks)
//   - SELECT ... FOR UPDATE SKIP LOCKED
//   - ORDER BY priority DESC, created_at ASC, id ASC
//   - LIMIT for batching
//
// followed by a single UPDATE of the locked rows in the same transaction, so concurrent agents never
// claim the same message. Connections must be opened with parseTime=true.
//
// See Schema (JSON payloads) or SchemaBinary (byte-exact payloads), InsertTx for co-committing a
// message with a domain write, and BindingStore for the tenant binding row.
package mysql
