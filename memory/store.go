package memory

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/velmie/edgeagent/outbox"
)

// ErrDuplicateID is returned by Insert when a message with the same id exists.
var ErrDuplicateID = errors.New("memory: duplicate message id")

// Store is a mutex-guarded outbox.Store.
type Store struct {
	mu       sync.RWMutex
	messages map[uuid.UUID]outbox.Message
}

var _ outbox.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{messages: make(map[uuid.UUID]outbox.Message)}
}

// Insert implements outbox.Store.
func (s *Store) Insert(ctx context.Context, msg outbox.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msg.ID]; ok {
		return ErrDuplicateID
	}
	s.messages[msg.ID] = clone(msg)

	return nil
}

// FindByID implements outbox.Store.
func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (outbox.Message, error) {
	if err := ctx.Err(); err != nil {
		return outbox.Message{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return outbox.Message{}, outbox.ErrNotFound
	}

	return clone(msg), nil
}

// QueryPendingEligible implements outbox.Store.
func (s *Store) QueryPendingEligible(ctx context.Context, now time.Time, limit int) ([]outbox.Message, error) {
	return s.query(ctx, limit, func(msg outbox.Message) bool {
		return msg.Eligible(now)
	})
}

// Update implements outbox.Store.
func (s *Store) Update(ctx context.Context, msg outbox.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msg.ID]; !ok {
		return outbox.ErrNotFound
	}
	s.messages[msg.ID] = clone(msg)

	return nil
}

// CompareAndSwap implements outbox.Store.
func (s *Store) CompareAndSwap(
	ctx context.Context,
	msg outbox.Message,
	expected outbox.Status,
	expectedAttempts int,
) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.messages[msg.ID]
	if !ok || current.Status != expected || current.AttemptCount != expectedAttempts {
		return false, nil
	}
	s.messages[msg.ID] = clone(msg)

	return true, nil
}

// DeleteSentOlderThan implements outbox.Store.
func (s *Store) DeleteSentOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, msg := range s.messages {
		if msg.Status == outbox.StatusSent && msg.SentAt != nil && msg.SentAt.Before(cutoff) {
			delete(s.messages, id)
			deleted++
		}
	}

	return deleted, nil
}

// CountPendingRetryable implements outbox.Store.
func (s *Store) CountPendingRetryable(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, msg := range s.messages {
		if msg.Retryable() {
			count++
		}
	}

	return count, nil
}

// CountByStatus implements outbox.Store.
func (s *Store) CountByStatus(ctx context.Context) (map[outbox.Status]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[outbox.Status]int, len(outbox.Statuses))
	for _, msg := range s.messages {
		counts[msg.Status]++
	}

	return counts, nil
}

// ListByStatus implements outbox.Store.
func (s *Store) ListByStatus(ctx context.Context, status outbox.Status, limit int) ([]outbox.Message, error) {
	return s.query(ctx, limit, func(msg outbox.Message) bool {
		return msg.Status == status
	})
}

// QueryStuck implements outbox.Store.
func (s *Store) QueryStuck(ctx context.Context, before time.Time, limit int) ([]outbox.Message, error) {
	return s.query(ctx, limit, func(msg outbox.Message) bool {
		return msg.Status == outbox.StatusProcessing && msg.LastAttemptAt != nil && msg.LastAttemptAt.Before(before)
	})
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.messages)
}

func (s *Store) query(ctx context.Context, limit int, match func(outbox.Message) bool) ([]outbox.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, outbox.ErrInvalidBatchSize
	}

	s.mu.RLock()
	out := make([]outbox.Message, 0)
	for _, msg := range s.messages {
		if match(msg) {
			out = append(out, clone(msg))
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b outbox.Message) int {
		switch {
		case outbox.Less(a, b):
			return -1
		case outbox.Less(b, a):
			return 1
		default:
			return 0
		}
	})
	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func clone(msg outbox.Message) outbox.Message {
	if msg.Payload != nil {
		msg.Payload = slices.Clone(msg.Payload)
	}
	msg.LastAttemptAt = cloneTime(msg.LastAttemptAt)
	msg.SentAt = cloneTime(msg.SentAt)
	msg.NextAttemptAt = cloneTime(msg.NextAttemptAt)

	return msg
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t

	return &v
}
