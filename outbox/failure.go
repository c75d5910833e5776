package outbox

import "errors"

// FailureAction defines how a failed message should be handled.
type FailureAction int

const (
	// FailureRetry returns the message to Pending while attempts remain.
	FailureRetry FailureAction = iota
	// FailureDead moves the message to Error immediately.
	FailureDead
)

// FailureClassifier decides whether a failure is retryable.
// statusCode is zero when no response was received.
type FailureClassifier func(msg Message, err error, statusCode int) FailureAction

// RetryAllClassifier treats every failure as retryable, bounded only by MaxAttempts.
func RetryAllClassifier(Message, error, int) FailureAction {
	return FailureRetry
}

// ClientErrorClassifier dead-letters messages the remote rejected with a 4xx status
// (except 408 and 429) and retries everything else.
func ClientErrorClassifier(_ Message, err error, _ int) FailureAction {
	var de *DeliveryError
	if errors.As(err, &de) && de.Permanent() {
		return FailureDead
	}

	return FailureRetry
}
