package outbox

import (
	"fmt"
	"strings"
)

// Status represents the lifecycle state of an outbox message.
//
//nolint:recvcheck // UnmarshalText requires a pointer receiver.
type Status int16

const (
	// StatusPending indicates the message waits for (re)delivery.
	StatusPending Status = 0
	// StatusProcessing indicates the message is claimed by a dispatcher and in flight.
	StatusProcessing Status = 1
	// StatusSent indicates the remote API accepted the message. Terminal.
	StatusSent Status = 2
	// StatusError indicates the message exhausted its attempts or was rejected permanently. Terminal.
	StatusError Status = -1
)

// Statuses lists every known status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusSent, StatusError}

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusProcessing:
		return "Processing"
	case StatusSent:
		return "Sent"
	case StatusError:
		return "Error"
	default:
		return fmt.Sprintf("Status(%d)", int16(s))
	}
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusError
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed

	return nil
}

// ParseStatus parses a status name, case-insensitively.
func ParseStatus(value string) (Status, error) {
	for _, status := range Statuses {
		if strings.EqualFold(value, status.String()) {
			return status, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrInvalidStatus, value)
}
