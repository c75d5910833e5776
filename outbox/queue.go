package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	maxErrorLen      = 1024
	stuckPageSize    = 100
	defaultListLimit = 100
)

// Stats summarizes the outbox by status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Sent       int `json:"sent"`
	Error      int `json:"error"`
	// Retryable counts Pending messages with attempts left.
	Retryable int `json:"retryable"`
	Total     int `json:"total"`
}

// Queue owns the message state machine and the retry policy. It is the only component that
// changes message status; it is safe for concurrent use when the Store is.
type Queue struct {
	store Store
	cfg   QueueConfig
}

// NewQueue constructs a Queue over store with defaults and optional settings.
func NewQueue(store Store, opts ...QueueOption) *Queue {
	if store == nil {
		panic("outbox: nil Store")
	}

	var cfg QueueConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Queue{
		store: store,
		cfg:   cfg.withDefaults(),
	}
}

// Prepare validates req and builds the Pending message Enqueue would insert, without writing it.
// Stores that support transactional inserts use it to co-commit the message with a domain write.
func (q *Queue) Prepare(req EnqueueRequest) (Message, error) {
	if err := req.Validate(); err != nil {
		return Message{}, err
	}
	payload, err := encodePayload(req.Payload)
	if err != nil {
		return Message{}, err
	}
	id, err := q.cfg.IDGenerator()
	if err != nil {
		return Message{}, fmt.Errorf("outbox id generation failed: %w", err)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	now := utcNow(q.cfg.Clock)

	return Message{
		ID:            id,
		EntityType:    req.EntityType,
		Operation:     req.Operation,
		EntityID:      req.EntityID,
		Payload:       payload,
		Endpoint:      req.Endpoint,
		HTTPMethod:    req.method(),
		Status:        StatusPending,
		MaxAttempts:   maxAttempts,
		CreatedAt:     now,
		NextAttemptAt: timePtr(now),
		Priority:      req.Priority,
	}, nil
}

// Enqueue persists a new Pending message, eligible immediately. It never touches the network.
// A store failure is returned as *StorageError and the caller decides how to react.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (Message, error) {
	msg, err := q.Prepare(req)
	if err != nil {
		return Message{}, err
	}
	if err := q.store.Insert(ctx, msg); err != nil {
		return Message{}, storageError("insert", err)
	}

	q.cfg.Metrics.AddEnqueued(1)
	q.cfg.Logger.Debug("outbox message enqueued",
		"id", msg.ID.String(), "entity_type", msg.EntityType, "operation", msg.Operation)

	return msg, nil
}

// ClaimBatch moves up to limit eligible messages to Processing and returns them in dispatch order.
// Each claimed message has its attempt count incremented and last_attempt_at set to now.
// When the store fails part way through a fallback claim, the rows claimed so far are returned
// together with the error.
func (q *Queue) ClaimBatch(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, ErrInvalidBatchSize
	}

	now := utcNow(q.cfg.Clock)
	if claimer, ok := q.store.(Claimer); ok {
		claimed, err := claimer.Claim(ctx, now, limit)
		if err != nil {
			return nil, storageError("claim", err)
		}

		return claimed, nil
	}

	candidates, err := q.store.QueryPendingEligible(ctx, now, limit)
	if err != nil {
		return nil, storageError("query eligible", err)
	}

	claimed := make([]Message, 0, len(candidates))
	for _, candidate := range candidates {
		next := candidate
		next.AttemptCount++
		next.Status = StatusProcessing
		next.LastAttemptAt = timePtr(now)

		ok, err := q.store.CompareAndSwap(ctx, next, StatusPending, candidate.AttemptCount)
		if err != nil {
			return claimed, storageError("claim", err)
		}
		if !ok {
			q.cfg.Logger.Debug("outbox message claimed elsewhere", "id", candidate.ID.String())

			continue
		}
		claimed = append(claimed, next)
	}

	return claimed, nil
}

// MarkSent records a successful delivery. Calling it again for a Sent message is a no-op.
func (q *Queue) MarkSent(ctx context.Context, id uuid.UUID, statusCode int) error {
	current, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == StatusSent {
		q.cfg.Logger.Warn("outbox message already sent", "id", id.String())

		return nil
	}
	if current.Status != StatusProcessing {
		return fmt.Errorf("%w: %s is %s, cannot mark sent", ErrInvalidTransition, id, current.Status)
	}

	now := utcNow(q.cfg.Clock)
	next := current
	next.Status = StatusSent
	next.SentAt = timePtr(now)
	next.LastStatusCode = statusCode
	next.LastError = ""
	next.NextAttemptAt = nil

	if err := q.swap(ctx, next, current); err != nil {
		return err
	}

	q.cfg.Metrics.AddSent(1)
	q.cfg.Metrics.ObserveDeliveryLag(now.Sub(current.CreatedAt))

	return nil
}

// MarkFailed records a failed delivery. The message returns to Pending with an exponential
// backoff while attempts remain, otherwise (or when the failure classifier says so) it moves to
// Error. statusCode is zero when no response was received.
func (q *Queue) MarkFailed(ctx context.Context, id uuid.UUID, cause error, statusCode int) error {
	current, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	if current.Status != StatusProcessing {
		return fmt.Errorf("%w: %s is %s, cannot mark failed", ErrInvalidTransition, id, current.Status)
	}

	next := q.failed(current, cause, statusCode, utcNow(q.cfg.Clock))
	if err := q.swap(ctx, next, current); err != nil {
		return err
	}
	q.recordFailure(next, cause)

	return nil
}

// Release returns a claimed message that was never sent back to Pending, eligible immediately.
// The attempt it consumed is kept; a message at its ceiling moves to Error.
func (q *Queue) Release(ctx context.Context, id uuid.UUID) error {
	current, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	if current.Status != StatusProcessing {
		return fmt.Errorf("%w: %s is %s, cannot release", ErrInvalidTransition, id, current.Status)
	}

	now := utcNow(q.cfg.Clock)
	next := current
	if next.AttemptCount >= next.MaxAttempts {
		next.Status = StatusError
		next.LastError = ErrDeliveryInterrupted.Error()
		next.NextAttemptAt = nil
	} else {
		next.Status = StatusPending
		next.NextAttemptAt = timePtr(now)
	}

	if err := q.swap(ctx, next, current); err != nil {
		return err
	}
	if next.Status == StatusError {
		q.cfg.Metrics.AddDead(1)
	}

	return nil
}

// RecoverStuck fails every message that has been Processing for longer than threshold, as if its
// delivery had been interrupted. It returns the number of recovered messages.
func (q *Queue) RecoverStuck(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		return 0, fmt.Errorf("outbox stuck threshold must be positive: %s", threshold)
	}

	recovered := 0
	for {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}

		now := utcNow(q.cfg.Clock)
		stuck, err := q.store.QueryStuck(ctx, now.Add(-threshold), stuckPageSize)
		if err != nil {
			return recovered, storageError("query stuck", err)
		}

		for _, current := range stuck {
			next := q.failed(current, ErrDeliveryInterrupted, 0, now)
			ok, err := q.store.CompareAndSwap(ctx, next, current.Status, current.AttemptCount)
			if err != nil {
				return recovered, storageError("recover", err)
			}
			if !ok {
				continue
			}
			recovered++
			q.recordFailure(next, ErrDeliveryInterrupted)
			q.cfg.Logger.Warn("outbox stuck message recovered",
				"id", current.ID.String(), "attempt", current.AttemptCount, "status", next.Status.String())
		}

		if len(stuck) < stuckPageSize {
			break
		}
	}

	if recovered > 0 {
		q.cfg.Metrics.AddRecovered(recovered)
	}

	return recovered, nil
}

// PendingCount returns the number of Pending messages with attempts left.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	count, err := q.store.CountPendingRetryable(ctx)
	if err != nil {
		return 0, storageError("count pending", err)
	}

	return count, nil
}

// ListPending lists Pending messages in dispatch order.
func (q *Queue) ListPending(ctx context.Context, limit int) ([]Message, error) {
	return q.ListByStatus(ctx, StatusPending, limit)
}

// ListByStatus lists messages in status in dispatch order. A non-positive limit uses a default.
func (q *Queue) ListByStatus(ctx context.Context, status Status, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	messages, err := q.store.ListByStatus(ctx, status, limit)
	if err != nil {
		return nil, storageError("list", err)
	}

	return messages, nil
}

// Get returns a single message.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (Message, error) {
	return q.load(ctx, id)
}

// Stats returns message counts per status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, storageError("count", err)
	}
	retryable, err := q.store.CountPendingRetryable(ctx)
	if err != nil {
		return Stats{}, storageError("count pending", err)
	}

	stats := Stats{
		Pending:    counts[StatusPending],
		Processing: counts[StatusProcessing],
		Sent:       counts[StatusSent],
		Error:      counts[StatusError],
		Retryable:  retryable,
	}
	stats.Total = stats.Pending + stats.Processing + stats.Sent + stats.Error

	return stats, nil
}

// PurgeOld deletes Sent messages whose sent_at is older than retentionDays.
func (q *Queue) PurgeOld(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, ErrRetentionInvalid
	}

	cutoff := utcNow(q.cfg.Clock).AddDate(0, 0, -retentionDays)
	deleted, err := q.store.DeleteSentOlderThan(ctx, cutoff)
	if err != nil {
		return 0, storageError("purge", err)
	}
	if deleted > 0 {
		q.cfg.Metrics.AddPurged(int(deleted))
		q.cfg.Logger.Info("outbox purged sent messages", "deleted", deleted, "retention_days", retentionDays)
	}

	return deleted, nil
}

func (q *Queue) load(ctx context.Context, id uuid.UUID) (Message, error) {
	msg, err := q.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Message{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		return Message{}, storageError("find", err)
	}

	return msg, nil
}

func (q *Queue) swap(ctx context.Context, next, current Message) error {
	ok, err := q.store.CompareAndSwap(ctx, next, current.Status, current.AttemptCount)
	if err != nil {
		return storageError("update", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, current.ID)
	}

	return nil
}

func (q *Queue) failed(msg Message, cause error, statusCode int, now time.Time) Message {
	if cause == nil {
		cause = errors.New("delivery failed")
	}
	msg.LastError = truncateError(cause)
	msg.LastStatusCode = statusCode

	if msg.AttemptCount >= msg.MaxAttempts || q.cfg.FailureClassifier(msg, cause, statusCode) == FailureDead {
		msg.Status = StatusError
		msg.NextAttemptAt = nil

		return msg
	}

	msg.Status = StatusPending
	msg.NextAttemptAt = timePtr(now.Add(q.cfg.Backoff(msg.AttemptCount)))

	return msg
}

func (q *Queue) recordFailure(msg Message, cause error) {
	if msg.Status == StatusError {
		q.cfg.Metrics.AddDead(1)
		q.cfg.Logger.Error("outbox message failed permanently",
			"id", msg.ID.String(), "attempts", msg.AttemptCount, "status_code", msg.LastStatusCode, "err", cause)

		return
	}

	q.cfg.Metrics.AddRetries(1)
	q.cfg.Logger.Warn("outbox message scheduled for retry",
		"id", msg.ID.String(), "attempt", msg.AttemptCount, "next_attempt_at", msg.NextAttemptAt, "err", cause)
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	if utf8.RuneCountInString(msg) <= maxErrorLen {
		return msg
	}

	return string([]rune(msg)[:maxErrorLen])
}
