// Package memory provides an in-process outbox.Store.
//
// The store keeps messages in a mutex-guarded map. It does not implement outbox.Claimer, so the
// queue claims rows through CompareAndSwap. Contents are lost when the process exits; use it for
// tests and single-process development runs.
package memory
