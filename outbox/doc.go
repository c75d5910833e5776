// Package outbox provides the durable delivery engine of the edge agent.
//
// Typical flow:
//  1. A domain service commits a local change and calls Queue.Enqueue (or Queue.Prepare plus a
//     storage-specific InsertTx to co-commit the row with its own transaction).
//  2. A Dispatcher claims eligible messages on a timer, sends each one through a Sender and
//     reports the outcome back to the Queue.
//  3. On success the message becomes Sent; on failure it returns to Pending with exponential
//     backoff until it reaches its attempt ceiling and is moved to Error.
//
// Storage backends live in the memory, mysql and postgres packages. The HTTP sender lives in
// the httpsender package.
package outbox
