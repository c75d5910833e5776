package outbox

import "time"

// Metrics captures queue and dispatcher telemetry.
type Metrics interface {
	// ObserveBatchDuration records the time to process a claimed batch.
	ObserveBatchDuration(duration time.Duration)
	// ObserveSendDuration records the time spent on a single delivery attempt.
	ObserveSendDuration(duration time.Duration)
	// ObserveDeliveryLag records the time between enqueue and successful delivery.
	ObserveDeliveryLag(lag time.Duration)
	// AddEnqueued increments the count of enqueued messages.
	AddEnqueued(count int)
	// AddSent increments the count of delivered messages.
	AddSent(count int)
	// AddRetries increments the count of failures scheduled for retry.
	AddRetries(count int)
	// AddDead increments the count of messages moved to Error.
	AddDead(count int)
	// AddPurged increments the count of purged Sent messages.
	AddPurged(count int)
	// AddRecovered increments the count of messages recovered from Processing.
	AddRecovered(count int)
	// SetPending updates the current retryable pending count.
	SetPending(count int)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// ObserveBatchDuration implements Metrics.
func (NopMetrics) ObserveBatchDuration(time.Duration) {}

// ObserveSendDuration implements Metrics.
func (NopMetrics) ObserveSendDuration(time.Duration) {}

// ObserveDeliveryLag implements Metrics.
func (NopMetrics) ObserveDeliveryLag(time.Duration) {}

// AddEnqueued implements Metrics.
func (NopMetrics) AddEnqueued(int) {}

// AddSent implements Metrics.
func (NopMetrics) AddSent(int) {}

// AddRetries implements Metrics.
func (NopMetrics) AddRetries(int) {}

// AddDead implements Metrics.
func (NopMetrics) AddDead(int) {}

// AddPurged implements Metrics.
func (NopMetrics) AddPurged(int) {}

// AddRecovered implements Metrics.
func (NopMetrics) AddRecovered(int) {}

// SetPending implements Metrics.
func (NopMetrics) SetPending(int) {}
