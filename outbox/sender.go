package outbox

import "context"

// Sender delivers a single message to the remote API.
// It returns the response status code on success. On failure it returns a *DeliveryError,
// a *ConfigurationError, or any other error, together with the status code (zero when no
// response was received).
type Sender interface {
	Send(ctx context.Context, msg Message) (int, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) (int, error)

// Send implements Sender.
func (fn SenderFunc) Send(ctx context.Context, msg Message) (int, error) {
	return fn(ctx, msg)
}
