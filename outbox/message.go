package outbox

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts is the attempt ceiling applied when neither the queue nor the request sets one.
const DefaultMaxAttempts = 5

// Message is one durable record per pending or attempted cloud write.
type Message struct {
	ID uuid.UUID `json:"id"`
	// EntityType tags the domain entity (e.g., "Sale", "CashSession").
	EntityType string `json:"entity_type"`
	// Operation tags the action (e.g., "Create", "Finalize").
	Operation string `json:"operation"`
	// EntityID identifies the domain entity, one entity may own many messages.
	EntityID string `json:"entity_id"`
	// Payload is the JSON body sent as-is to the remote API.
	Payload    json.RawMessage `json:"payload,omitempty"`
	Endpoint   string          `json:"endpoint"`
	HTTPMethod string          `json:"http_method"`

	Status       Status `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	MaxAttempts  int    `json:"max_attempts"`
	// LastError is empty until a delivery attempt fails.
	LastError string `json:"last_error,omitempty"`
	// LastStatusCode is zero when no response was received.
	LastStatusCode int `json:"last_status_code,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	Priority int `json:"priority"`
}

// Eligible reports whether the message may be claimed at now.
func (m Message) Eligible(now time.Time) bool {
	if m.Status != StatusPending || m.AttemptCount >= m.MaxAttempts {
		return false
	}

	return m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)
}

// Retryable reports whether the message is Pending with attempts left, regardless of backoff.
func (m Message) Retryable() bool {
	return m.Status == StatusPending && m.AttemptCount < m.MaxAttempts
}

// Less orders messages by priority DESC, created_at ASC, id ASC.
func Less(a, b Message) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}

	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

func timePtr(t time.Time) *time.Time {
	return &t
}
