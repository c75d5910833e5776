package outbox

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// EnqueueRequest describes a new outbox message to be persisted.
type EnqueueRequest struct {
	// EntityType tags the domain entity (e.g., "Sale").
	EntityType string
	// Operation tags the action (e.g., "Create").
	Operation string
	// EntityID optionally identifies the entity instance.
	EntityID string
	// Payload is json.RawMessage, []byte or string holding JSON text, or any value
	// that encoding/json can marshal.
	Payload any
	// Endpoint is resolved against the sender base address.
	Endpoint string
	// Method defaults to POST.
	Method string
	// Priority orders dispatch, higher first.
	Priority int
	// MaxAttempts overrides the queue default when positive.
	MaxAttempts int
}

// Validate checks required fields and payload serializability.
func (r EnqueueRequest) Validate() error {
	if strings.TrimSpace(r.EntityType) == "" {
		return ErrEntityTypeRequired
	}
	if strings.TrimSpace(r.Operation) == "" {
		return ErrOperationRequired
	}
	if strings.TrimSpace(r.Endpoint) == "" {
		return ErrEndpointRequired
	}
	_, err := encodePayload(r.Payload)

	return err
}

func (r EnqueueRequest) method() string {
	method := strings.ToUpper(strings.TrimSpace(r.Method))
	if method == "" {
		return http.MethodPost
	}

	return method
}

func encodePayload(payload any) (json.RawMessage, error) {
	var raw []byte
	switch p := payload.(type) {
	case nil:
		return nil, ErrPayloadRequired
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	case string:
		raw = []byte(p)
	default:
		encoded, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		raw = encoded
	}

	if len(raw) == 0 {
		return nil, ErrPayloadRequired
	}
	if !json.Valid(raw) {
		return nil, ErrInvalidPayload
	}

	out := make(json.RawMessage, len(raw))
	copy(out, raw)

	return out, nil
}

// SupportedMethod reports whether method is one of the verbs the outbox delivers.
func SupportedMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}
