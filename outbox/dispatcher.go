package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// BatchReport summarizes one dispatcher tick.
type BatchReport struct {
	Claimed  int
	Sent     int
	Failed   int
	Released int
}

// Dispatcher drains the queue on a timer: it claims a batch, delivers each message through the
// Sender in claim order and reports every outcome back to the Queue.
type Dispatcher struct {
	queue  *Queue
	sender Sender
	cfg    DispatcherConfig

	running atomic.Bool
	tickMu  sync.Mutex
	ticks   int

	pendingMu sync.Mutex
	pendingAt time.Time
}

// NewDispatcher constructs a Dispatcher with defaults and optional settings.
func NewDispatcher(queue *Queue, sender Sender, opts ...DispatcherOption) *Dispatcher {
	if queue == nil {
		panic("outbox: nil Queue")
	}
	if sender == nil {
		panic("outbox: nil Sender")
	}

	var cfg DispatcherConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Dispatcher{
		queue:  queue,
		sender: sender,
		cfg:    cfg.withDefaults(),
	}
}

// Run waits for the startup delay, recovers stuck messages and then processes a batch every poll
// interval until ctx is canceled. A send in flight at cancellation runs to its own timeout; claimed
// messages not yet sent are released. Run returns nil on cancellation.
func (d *Dispatcher) Run(ctx context.Context) (err error) {
	if !d.running.CompareAndSwap(false, true) {
		return ErrDispatcherRunning
	}
	defer d.running.Store(false)
	defer func() {
		if rec := recover(); rec != nil {
			d.cfg.Logger.Error("outbox dispatcher panic", "panic", rec)
			err = fmt.Errorf("%w: %v", ErrDispatcherPanic, rec)
		}
	}()

	if d.cfg.StartupDelay > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-d.cfg.Clock.After(d.cfg.StartupDelay):
		}
	}

	d.cfg.Logger.Info("outbox dispatcher started",
		"poll_interval", d.cfg.PollInterval.String(), "batch_limit", d.cfg.BatchLimit)
	d.recoverStuck(ctx)

	ticker := d.cfg.Clock.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			break
		}
		d.tick(ctx)

		select {
		case <-ctx.Done():
		case <-ticker.Chan():
		}
	}

	d.cfg.Logger.Info("outbox dispatcher stopped")

	return nil
}

// ProcessOnce claims and delivers a single batch. Calls are serialized.
func (d *Dispatcher) ProcessOnce(ctx context.Context) (BatchReport, error) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	var report BatchReport
	if err := ctx.Err(); err != nil {
		return report, err
	}

	batch, claimErr := d.queue.ClaimBatch(ctx, d.cfg.BatchLimit)
	if claimErr != nil {
		d.cfg.Logger.Error("outbox claim failed", "claimed", len(batch), "err", claimErr)
	}
	report.Claimed = len(batch)
	if len(batch) == 0 {
		d.maybeRecordPending(ctx)

		return report, claimErr
	}

	start := d.cfg.Clock.Now()
	defer func() {
		d.cfg.Metrics.ObserveBatchDuration(d.cfg.Clock.Since(start))
	}()

	for i, msg := range batch {
		if err := ctx.Err(); err != nil {
			report.Released = d.release(ctx, batch[i:])

			return report, err
		}
		if d.deliver(ctx, msg) {
			report.Sent++
		} else {
			report.Failed++
		}
	}

	d.maybeRecordPending(ctx)

	return report, claimErr
}

func (d *Dispatcher) tick(ctx context.Context) {
	d.ticks++

	report, err := d.ProcessOnce(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		d.cfg.Logger.Error("outbox tick failed", "err", err)
	}
	if report.Claimed > 0 {
		d.cfg.Logger.Info("outbox batch processed",
			"claimed", report.Claimed, "sent", report.Sent, "failed", report.Failed, "released", report.Released)
	}

	if d.ticks%d.cfg.PurgeEvery == 0 && ctx.Err() == nil {
		d.maintain(ctx)
	}
}

func (d *Dispatcher) maintain(ctx context.Context) {
	if _, err := d.queue.PurgeOld(ctx, d.cfg.RetentionDays); err != nil {
		d.cfg.Logger.Error("outbox purge failed", "err", err)
	}
	d.recoverStuck(ctx)
}

func (d *Dispatcher) recoverStuck(ctx context.Context) {
	if _, err := d.queue.RecoverStuck(ctx, d.cfg.StuckAfter); err != nil && !errors.Is(err, context.Canceled) {
		d.cfg.Logger.Error("outbox stuck recovery failed", "err", err)
	}
}

// deliver sends msg and records the outcome. It reports whether the remote accepted the message.
func (d *Dispatcher) deliver(ctx context.Context, msg Message) bool {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SendTimeout)
	start := d.cfg.Clock.Now()
	statusCode, err := d.send(sendCtx, msg)
	cancel()
	d.cfg.Metrics.ObserveSendDuration(d.cfg.Clock.Since(start))

	stateCtx := context.WithoutCancel(ctx)
	if err == nil {
		if markErr := d.queue.MarkSent(stateCtx, msg.ID, statusCode); markErr != nil {
			d.cfg.Logger.Error("outbox mark sent failed", "id", msg.ID.String(), "err", markErr)
		}

		return true
	}

	var deliveryErr *DeliveryError
	if statusCode == 0 && errors.As(err, &deliveryErr) {
		statusCode = deliveryErr.StatusCode
	}

	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		d.cfg.Logger.Error("outbox message misconfigured",
			"id", msg.ID.String(), "endpoint", msg.Endpoint, "method", msg.HTTPMethod, "err", err)
	} else {
		d.cfg.Logger.Warn("outbox delivery failed",
			"id", msg.ID.String(), "attempt", msg.AttemptCount, "status_code", statusCode, "err", err)
	}

	if markErr := d.queue.MarkFailed(stateCtx, msg.ID, err, statusCode); markErr != nil {
		d.cfg.Logger.Error("outbox mark failed failed", "id", msg.ID.String(), "err", markErr)
	}

	return false
}

func (d *Dispatcher) send(ctx context.Context, msg Message) (statusCode int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			d.cfg.Logger.Error("outbox sender panic", "id", msg.ID.String(), "panic", rec)
			statusCode = 0
			err = fmt.Errorf("%w: %v", ErrDispatcherPanic, rec)
		}
	}()

	return d.sender.Send(ctx, msg)
}

func (d *Dispatcher) release(ctx context.Context, pending []Message) int {
	releaseCtx := context.WithoutCancel(ctx)
	released := 0
	for _, msg := range pending {
		if err := d.queue.Release(releaseCtx, msg.ID); err != nil {
			d.cfg.Logger.Error("outbox release failed", "id", msg.ID.String(), "err", err)

			continue
		}
		released++
	}

	return released
}

func (d *Dispatcher) maybeRecordPending(ctx context.Context) {
	if d.cfg.PendingInterval <= 0 {
		return
	}
	if ctx.Err() != nil {
		return
	}

	now := d.cfg.Clock.Now()
	d.pendingMu.Lock()
	nextAllowed := d.pendingAt.Add(d.cfg.PendingInterval)
	if !d.pendingAt.IsZero() && now.Before(nextAllowed) {
		d.pendingMu.Unlock()

		return
	}
	d.pendingAt = now
	d.pendingMu.Unlock()

	count, err := d.queue.PendingCount(ctx)
	if err != nil {
		d.cfg.Logger.Warn("outbox pending count failed", "err", err)

		return
	}

	d.cfg.Metrics.SetPending(count)
}
