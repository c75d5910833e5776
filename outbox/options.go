package outbox

import (
	"time"

	"github.com/google/uuid"
)

const (
	defaultBatchLimit      = 50
	defaultPollInterval    = 10 * time.Second
	defaultStartupDelay    = 10 * time.Second
	defaultSendTimeout     = 30 * time.Second
	defaultRetentionDays   = 30
	defaultPurgeEvery      = 100
	defaultStuckAfter      = 5 * time.Minute
	defaultPendingInterval = 0
)

// IDGenerator creates message identifiers.
type IDGenerator func() (uuid.UUID, error)

// QueueConfig defines queue policy.
type QueueConfig struct {
	MaxAttempts       int
	Clock             Clock
	Logger            Logger
	Metrics           Metrics
	Backoff           Backoff
	FailureClassifier FailureClassifier
	IDGenerator       IDGenerator
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.Backoff == nil {
		c.Backoff = DefaultBackoff
	}
	if c.FailureClassifier == nil {
		c.FailureClassifier = RetryAllClassifier
	}
	if c.IDGenerator == nil {
		c.IDGenerator = uuid.NewV7
	}

	return c
}

// QueueOption configures Queue behavior.
type QueueOption func(*QueueConfig)

// WithMaxAttempts sets the default attempt ceiling for new messages.
func WithMaxAttempts(attempts int) QueueOption {
	return func(c *QueueConfig) {
		c.MaxAttempts = attempts
	}
}

// WithClock sets the queue clock.
func WithClock(clock Clock) QueueOption {
	return func(c *QueueConfig) {
		c.Clock = clock
	}
}

// WithLogger sets the queue logger.
func WithLogger(logger Logger) QueueOption {
	return func(c *QueueConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the queue metrics recorder.
func WithMetrics(metrics Metrics) QueueOption {
	return func(c *QueueConfig) {
		c.Metrics = metrics
	}
}

// WithBackoff sets the retry delay policy.
func WithBackoff(backoff Backoff) QueueOption {
	return func(c *QueueConfig) {
		c.Backoff = backoff
	}
}

// WithFailureClassifier sets the classifier for retry/error decisions.
func WithFailureClassifier(classifier FailureClassifier) QueueOption {
	return func(c *QueueConfig) {
		c.FailureClassifier = classifier
	}
}

// WithIDGenerator sets the message id generator.
func WithIDGenerator(gen IDGenerator) QueueOption {
	return func(c *QueueConfig) {
		c.IDGenerator = gen
	}
}

// DispatcherConfig defines how the Dispatcher polls and delivers messages.
type DispatcherConfig struct {
	BatchLimit      int
	PollInterval    time.Duration
	StartupDelay    time.Duration
	SendTimeout     time.Duration
	RetentionDays   int
	PurgeEvery      int
	StuckAfter      time.Duration
	PendingInterval time.Duration
	Clock           Clock
	Logger          Logger
	Metrics         Metrics

	startupDelaySet bool
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.BatchLimit <= 0 {
		c.BatchLimit = defaultBatchLimit
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if !c.startupDelaySet || c.StartupDelay < 0 {
		c.StartupDelay = defaultStartupDelay
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = defaultRetentionDays
	}
	if c.PurgeEvery <= 0 {
		c.PurgeEvery = defaultPurgeEvery
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = defaultStuckAfter
	}
	if c.PendingInterval < 0 {
		c.PendingInterval = defaultPendingInterval
	}
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}

	return c
}

// DispatcherOption configures Dispatcher behavior.
type DispatcherOption func(*DispatcherConfig)

// WithBatchLimit sets the maximum number of messages claimed per tick.
func WithBatchLimit(limit int) DispatcherOption {
	return func(c *DispatcherConfig) {
		c.BatchLimit = limit
	}
}

// WithPollInterval sets the tick cadence.
func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(c *DispatcherConfig) {
		c.PollInterval = interval
	}
}

// WithStartupDelay sets the delay before the first tick. Zero starts immediately.
func WithStartupDelay(delay time.Duration) DispatcherOption {
	return func(c *DispatcherConfig) {
		c.StartupDelay = delay
		c.startupDelaySet = true
	}
}

// WithSendTimeout bounds a single delivery attempt.
func WithSendTimeout(timeout time.Duration) DispatcherOption {
	return func(c *DispatcherConfig) {
		c.SendTimeout = timeout
	}
}

// WithRetentionDays sets the age cutoff used by periodic purges.
func WithRetentionDays(days int) DispatcherOption {
	return func(c *DispatcherConfig) {
		c.RetentionDays = days
	}
}

// WithPurgeEvery runs the purge and stuck-message recovery every n ticks.
func WithPurgeEvery(ticks int) DispatcherOption {
	return func(c *DispatcherConfig) {
		c.PurgeEvery = ticks
	}
}

// WithStuckAfter sets how long a message may stay Processing before recovery re-queues it.
func WithStuckAfter(threshold time.Duration) DispatcherOption {
	return func(c *DispatcherConfig) {
		c.StuckAfter = threshold
	}
}

// WithPendingInterval sets the minimum interval between pending count samples.
// Use a positive value to enable sampling or zero to keep it disabled.
// The default is disabled.
func WithPendingInterval(interval time.Duration) DispatcherOption {
	return func(c *DispatcherConfig) {
		c.PendingInterval = interval
	}
}

// WithDispatcherClock sets the dispatcher clock.
func WithDispatcherClock(clock Clock) DispatcherOption {
	return func(c *DispatcherConfig) {
		c.Clock = clock
	}
}

// WithDispatcherLogger sets the dispatcher logger.
func WithDispatcherLogger(logger Logger) DispatcherOption {
	return func(c *DispatcherConfig) {
		c.Logger = logger
	}
}

// WithDispatcherMetrics sets the dispatcher metrics recorder.
func WithDispatcherMetrics(metrics Metrics) DispatcherOption {
	return func(c *DispatcherConfig) {
		c.Metrics = metrics
	}
}
