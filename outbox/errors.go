package outbox

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidBatchSize indicates that the requested batch size is not positive.
	ErrInvalidBatchSize = errors.New("outbox batch size must be positive")
	// ErrNotFound is returned when a message does not exist.
	ErrNotFound = errors.New("outbox message not found")
	// ErrInvalidTransition is returned when a status change is not allowed from the current status.
	ErrInvalidTransition = errors.New("outbox invalid status transition")
	// ErrInvalidStatus is returned when a status name cannot be parsed.
	ErrInvalidStatus = errors.New("outbox status is invalid")
	// ErrEntityTypeRequired is returned when EnqueueRequest.EntityType is empty.
	ErrEntityTypeRequired = errors.New("outbox entity type is required")
	// ErrOperationRequired is returned when EnqueueRequest.Operation is empty.
	ErrOperationRequired = errors.New("outbox operation is required")
	// ErrEndpointRequired is returned when EnqueueRequest.Endpoint is empty.
	ErrEndpointRequired = errors.New("outbox endpoint is required")
	// ErrPayloadRequired is returned when EnqueueRequest.Payload is empty.
	ErrPayloadRequired = errors.New("outbox payload is required")
	// ErrInvalidPayload is returned when the payload is not valid JSON or cannot be serialized.
	ErrInvalidPayload = errors.New("outbox payload must be valid JSON")
	// ErrUnsupportedMethod is returned for HTTP methods the outbox never sends.
	ErrUnsupportedMethod = errors.New("outbox http method is not supported")
	// ErrRetentionInvalid is returned when the retention window is not positive.
	ErrRetentionInvalid = errors.New("outbox retention days must be positive")
	// ErrDeliveryInterrupted is recorded on messages recovered from the Processing state.
	ErrDeliveryInterrupted = errors.New("outbox delivery interrupted")
	// ErrDispatcherPanic indicates a dispatcher or sender panic.
	ErrDispatcherPanic = errors.New("outbox dispatcher panic")
	// ErrDispatcherRunning is returned when Run is called on a dispatcher that is already running.
	ErrDispatcherRunning = errors.New("outbox dispatcher already running")
)

// StorageError reports a durable store failure (unavailable store, constraint violation).
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("outbox storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}

	return &StorageError{Op: op, Err: err}
}

// DeliveryKind classifies a failed delivery attempt.
type DeliveryKind int

const (
	// DeliveryRejected means the remote answered with a non-2xx status.
	DeliveryRejected DeliveryKind = iota + 1
	// DeliveryTimeout means no response arrived before the request timeout.
	DeliveryTimeout
	// DeliveryConnection means the request could not reach the remote.
	DeliveryConnection
)

func (k DeliveryKind) String() string {
	switch k {
	case DeliveryRejected:
		return "remote rejected"
	case DeliveryTimeout:
		return "timeout"
	case DeliveryConnection:
		return "connection error"
	default:
		return "unknown delivery failure"
	}
}

// DeliveryError is returned by a Sender when the remote did not accept a message.
type DeliveryError struct {
	Kind       DeliveryKind
	StatusCode int
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Kind == DeliveryRejected && e.Body != "":
		return fmt.Sprintf("%s: status %d: %s", e.Kind, e.StatusCode, e.Body)
	case e.Kind == DeliveryRejected:
		return fmt.Sprintf("%s: status %d", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Permanent reports whether the remote rejected the payload in a way a retry cannot fix.
// 408 and 429 are treated as transient.
func (e *DeliveryError) Permanent() bool {
	if e.Kind != DeliveryRejected {
		return false
	}
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}

	return e.StatusCode >= http.StatusBadRequest && e.StatusCode < http.StatusInternalServerError
}

// ConfigurationError is a local defect in a message (e.g., unsupported HTTP method).
// It still consumes attempts like any other failure.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("outbox configuration error: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
