package outbox_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/velmie/edgeagent/memory"
	"github.com/velmie/edgeagent/outbox"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T, opts ...outbox.QueueOption) (*outbox.Queue, *memory.Store, *clockwork.FakeClock) {
	t.Helper()

	store := memory.New()
	clock := clockwork.NewFakeClockAt(baseTime)
	opts = append([]outbox.QueueOption{outbox.WithClock(clock)}, opts...)

	return outbox.NewQueue(store, opts...), store, clock
}

func saleRequest(priority int) outbox.EnqueueRequest {
	return outbox.EnqueueRequest{
		EntityType: "Sale",
		Operation:  "Create",
		EntityID:   "sale-1",
		Payload:    map[string]any{"total": 10},
		Endpoint:   "/api/sales",
		Priority:   priority,
	}
}

func mustEnqueue(t *testing.T, q *outbox.Queue, req outbox.EnqueueRequest) outbox.Message {
	t.Helper()

	msg, err := q.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	return msg
}

func mustGet(t *testing.T, q *outbox.Queue, id uuid.UUID) outbox.Message {
	t.Helper()

	msg, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}

	return msg
}

func mustClaim(t *testing.T, q *outbox.Queue, limit int) []outbox.Message {
	t.Helper()

	claimed, err := q.ClaimBatch(context.Background(), limit)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	return claimed
}

func TestQueueEnqueueDefaults(t *testing.T) {
	q, _, _ := newTestQueue(t)

	msg := mustEnqueue(t, q, saleRequest(0))
	stored := mustGet(t, q, msg.ID)

	if stored.Status != outbox.StatusPending {
		t.Fatalf("expected Pending, got %s", stored.Status)
	}
	if stored.AttemptCount != 0 || stored.MaxAttempts != outbox.DefaultMaxAttempts {
		t.Fatalf("unexpected attempts %d/%d", stored.AttemptCount, stored.MaxAttempts)
	}
	if stored.HTTPMethod != "POST" {
		t.Fatalf("expected POST default, got %s", stored.HTTPMethod)
	}
	if string(stored.Payload) != `{"total":10}` {
		t.Fatalf("unexpected payload %s", stored.Payload)
	}
	if !stored.CreatedAt.Equal(baseTime) || stored.NextAttemptAt == nil || !stored.NextAttemptAt.Equal(baseTime) {
		t.Fatalf("expected message eligible immediately at %s", baseTime)
	}
	if stored.ID.Version() != 7 {
		t.Fatalf("expected uuid v7, got v%d", stored.ID.Version())
	}
}

func TestQueueEnqueueOverrides(t *testing.T) {
	q, _, _ := newTestQueue(t, outbox.WithMaxAttempts(8))

	msg := mustEnqueue(t, q, saleRequest(0))
	if msg.MaxAttempts != 8 {
		t.Fatalf("expected queue default 8, got %d", msg.MaxAttempts)
	}

	req := saleRequest(0)
	req.MaxAttempts = 2
	req.Method = "put"
	msg = mustEnqueue(t, q, req)
	if msg.MaxAttempts != 2 || msg.HTTPMethod != "PUT" {
		t.Fatalf("expected per-message overrides, got %d %s", msg.MaxAttempts, msg.HTTPMethod)
	}
}

func TestQueueEnqueueValidation(t *testing.T) {
	q, store, _ := newTestQueue(t)

	req := saleRequest(0)
	req.Endpoint = ""
	if _, err := q.Enqueue(context.Background(), req); !errors.Is(err, outbox.ErrEndpointRequired) {
		t.Fatalf("expected ErrEndpointRequired, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("invalid request must not be stored")
	}
}

func TestQueueEnqueueStorageErrorSurfaces(t *testing.T) {
	cause := errors.New("database is locked")
	store := &faultyStore{Store: memory.New(), insertErr: cause}
	q := outbox.NewQueue(store)

	_, err := q.Enqueue(context.Background(), saleRequest(0))

	var se *outbox.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if se.Op != "insert" || !errors.Is(err, cause) {
		t.Fatalf("unexpected storage error %v", err)
	}
}

func TestQueuePrepareDoesNotWrite(t *testing.T) {
	q, store, _ := newTestQueue(t)

	msg, err := q.Prepare(saleRequest(0))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if msg.Status != outbox.StatusPending || msg.ID == uuid.Nil {
		t.Fatalf("unexpected prepared message %+v", msg)
	}
	if store.Len() != 0 {
		t.Fatalf("prepare must not insert")
	}
}

func TestQueueClaimOrdering(t *testing.T) {
	q, _, clock := newTestQueue(t)

	c := mustEnqueue(t, q, saleRequest(5))
	clock.Advance(time.Second)
	a := mustEnqueue(t, q, saleRequest(10))
	clock.Advance(time.Second)
	b := mustEnqueue(t, q, saleRequest(10))

	claimed := mustClaim(t, q, 3)
	if len(claimed) != 3 {
		t.Fatalf("expected 3 claimed, got %d", len(claimed))
	}
	want := []uuid.UUID{a.ID, b.ID, c.ID}
	for i, msg := range claimed {
		if msg.ID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], msg.ID)
		}
		if msg.Status != outbox.StatusProcessing || msg.AttemptCount != 1 {
			t.Fatalf("expected claimed row Processing with 1 attempt, got %s/%d", msg.Status, msg.AttemptCount)
		}
		if msg.LastAttemptAt == nil || !msg.LastAttemptAt.Equal(clock.Now()) {
			t.Fatalf("expected last_attempt_at set to now")
		}
	}
}

func TestQueueClaimedNotReclaimed(t *testing.T) {
	q, _, _ := newTestQueue(t)
	msg := mustEnqueue(t, q, saleRequest(0))

	first := mustClaim(t, q, 10)
	if len(first) != 1 || first[0].ID != msg.ID {
		t.Fatalf("expected message to be claimed")
	}
	if again := mustClaim(t, q, 10); len(again) != 0 {
		t.Fatalf("claimed message returned again")
	}

	if err := q.MarkFailed(context.Background(), msg.ID, errors.New("boom"), 500); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if again := mustClaim(t, q, 10); len(again) != 0 {
		t.Fatalf("message must wait out its backoff")
	}
}

func TestQueueClaimInvalidLimit(t *testing.T) {
	q, _, _ := newTestQueue(t)

	if _, err := q.ClaimBatch(context.Background(), 0); !errors.Is(err, outbox.ErrInvalidBatchSize) {
		t.Fatalf("expected ErrInvalidBatchSize, got %v", err)
	}
}

func TestQueueBackoffProgression(t *testing.T) {
	q, _, clock := newTestQueue(t, outbox.WithMaxAttempts(10))
	msg := mustEnqueue(t, q, saleRequest(0))

	for k := 1; k <= 5; k++ {
		claimed := mustClaim(t, q, 1)
		if len(claimed) != 1 {
			t.Fatalf("failure %d: expected message to be eligible", k)
		}

		failedAt := clock.Now()
		if err := q.MarkFailed(context.Background(), msg.ID, errors.New("status 503"), 503); err != nil {
			t.Fatalf("mark failed: %v", err)
		}

		stored := mustGet(t, q, msg.ID)
		if stored.AttemptCount != k {
			t.Fatalf("expected attempt_count %d, got %d", k, stored.AttemptCount)
		}
		want := failedAt.Add(time.Duration(1<<(k-1)) * time.Minute)
		if stored.NextAttemptAt == nil || !stored.NextAttemptAt.Equal(want) {
			t.Fatalf("failure %d: expected next attempt at %s, got %v", k, want, stored.NextAttemptAt)
		}
		if stored.LastError != "status 503" || stored.LastStatusCode != 503 {
			t.Fatalf("expected diagnostics recorded, got %q/%d", stored.LastError, stored.LastStatusCode)
		}

		clock.Advance(time.Duration(1<<(k-1))*time.Minute - time.Second)
		if early := mustClaim(t, q, 1); len(early) != 0 {
			t.Fatalf("failure %d: claimed before next_attempt_at", k)
		}
		clock.Advance(time.Second)
	}
}

func TestQueueExhaustionMovesToError(t *testing.T) {
	q, store, clock := newTestQueue(t)
	req := saleRequest(0)
	req.MaxAttempts = 3
	msg := mustEnqueue(t, q, req)

	for i := 0; i < 3; i++ {
		if claimed := mustClaim(t, q, 1); len(claimed) != 1 {
			t.Fatalf("attempt %d: expected claim", i+1)
		}
		if err := q.MarkFailed(context.Background(), msg.ID, errors.New("timeout"), 0); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
		clock.Advance(time.Hour)
	}

	stored := mustGet(t, q, msg.ID)
	if stored.Status != outbox.StatusError || stored.AttemptCount != 3 {
		t.Fatalf("expected Error after 3 attempts, got %s/%d", stored.Status, stored.AttemptCount)
	}
	if stored.NextAttemptAt != nil {
		t.Fatalf("terminal message must not keep next_attempt_at")
	}

	eligible, err := store.QueryPendingEligible(context.Background(), clock.Now().Add(24*time.Hour), 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(eligible) != 0 {
		t.Fatalf("errored message must not be eligible")
	}
	pending, err := q.ListPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("errored message must not be listed as pending")
	}
	count, err := q.PendingCount(context.Background())
	if err != nil || count != 0 {
		t.Fatalf("expected no pending, got %d (%v)", count, err)
	}
}

func TestQueueClientErrorClassifierFailsFast(t *testing.T) {
	q, _, _ := newTestQueue(t, outbox.WithFailureClassifier(outbox.ClientErrorClassifier))
	msg := mustEnqueue(t, q, saleRequest(0))
	mustClaim(t, q, 1)

	cause := &outbox.DeliveryError{Kind: outbox.DeliveryRejected, StatusCode: 422, Body: "invalid total"}
	if err := q.MarkFailed(context.Background(), msg.ID, cause, 422); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	stored := mustGet(t, q, msg.ID)
	if stored.Status != outbox.StatusError || stored.AttemptCount != 1 {
		t.Fatalf("expected immediate Error, got %s/%d", stored.Status, stored.AttemptCount)
	}
	if !strings.Contains(stored.LastError, "invalid total") {
		t.Fatalf("expected body in last_error, got %q", stored.LastError)
	}
}

func TestQueueMarkSentIdempotent(t *testing.T) {
	q, _, clock := newTestQueue(t)
	msg := mustEnqueue(t, q, saleRequest(0))
	mustClaim(t, q, 1)

	if err := q.MarkSent(context.Background(), msg.ID, 201); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	first := mustGet(t, q, msg.ID)

	clock.Advance(time.Minute)
	if err := q.MarkSent(context.Background(), msg.ID, 200); err != nil {
		t.Fatalf("second mark sent must not fail: %v", err)
	}
	second := mustGet(t, q, msg.ID)

	if first.Status != outbox.StatusSent || first.SentAt == nil {
		t.Fatalf("expected Sent with sent_at")
	}
	if !second.SentAt.Equal(*first.SentAt) || second.LastStatusCode != 201 {
		t.Fatalf("second MarkSent changed the row")
	}
}

func TestQueueInvalidTransitions(t *testing.T) {
	q, _, _ := newTestQueue(t)
	msg := mustEnqueue(t, q, saleRequest(0))
	ctx := context.Background()

	if err := q.MarkSent(ctx, msg.ID, 200); !errors.Is(err, outbox.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for Pending -> Sent, got %v", err)
	}
	if err := q.MarkFailed(ctx, msg.ID, errors.New("x"), 0); !errors.Is(err, outbox.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for Pending failure, got %v", err)
	}

	mustClaim(t, q, 1)
	if err := q.MarkSent(ctx, msg.ID, 200); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := q.MarkFailed(ctx, msg.ID, errors.New("late"), 500); !errors.Is(err, outbox.ErrInvalidTransition) {
		t.Fatalf("expected Sent to stay terminal, got %v", err)
	}
	if err := q.MarkSent(ctx, uuid.New(), 200); !errors.Is(err, outbox.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueueRelease(t *testing.T) {
	q, _, _ := newTestQueue(t)
	req := saleRequest(0)
	req.MaxAttempts = 2
	msg := mustEnqueue(t, q, req)
	ctx := context.Background()

	mustClaim(t, q, 1)
	if err := q.Release(ctx, msg.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	stored := mustGet(t, q, msg.ID)
	if stored.Status != outbox.StatusPending || stored.AttemptCount != 1 {
		t.Fatalf("expected Pending keeping the attempt, got %s/%d", stored.Status, stored.AttemptCount)
	}

	if claimed := mustClaim(t, q, 1); len(claimed) != 1 {
		t.Fatalf("released message must be eligible immediately")
	}
	if err := q.Release(ctx, msg.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	stored = mustGet(t, q, msg.ID)
	if stored.Status != outbox.StatusError {
		t.Fatalf("expected Error at the attempt ceiling, got %s", stored.Status)
	}
}

func TestQueueRecoverStuck(t *testing.T) {
	q, _, clock := newTestQueue(t)
	stale := mustEnqueue(t, q, saleRequest(1))
	mustClaim(t, q, 1)

	clock.Advance(4 * time.Minute)
	fresh := mustEnqueue(t, q, saleRequest(0))
	mustClaim(t, q, 1)
	clock.Advance(2 * time.Minute)

	recovered, err := q.RecoverStuck(context.Background(), 5*time.Minute)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 recovered, got %d", recovered)
	}

	got := mustGet(t, q, stale.ID)
	if got.Status != outbox.StatusPending || got.AttemptCount != 1 {
		t.Fatalf("expected stale message Pending with its attempt kept, got %s/%d", got.Status, got.AttemptCount)
	}
	if got.LastError != outbox.ErrDeliveryInterrupted.Error() {
		t.Fatalf("unexpected last_error %q", got.LastError)
	}
	if got := mustGet(t, q, fresh.ID); got.Status != outbox.StatusProcessing {
		t.Fatalf("fresh message must stay Processing, got %s", got.Status)
	}

	if _, err := q.RecoverStuck(context.Background(), 0); err == nil {
		t.Fatalf("expected error for non-positive threshold")
	}
}

func TestQueuePurgeOld(t *testing.T) {
	q, store, clock := newTestQueue(t)
	ctx := context.Background()

	old := mustEnqueue(t, q, saleRequest(0))
	mustClaim(t, q, 1)
	if err := q.MarkSent(ctx, old.ID, 200); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	failed := mustEnqueue(t, q, outbox.EnqueueRequest{
		EntityType: "Sale", Operation: "Cancel", Endpoint: "/api/sales/1", Payload: `{}`, MaxAttempts: 1,
	})
	mustClaim(t, q, 1)
	if err := q.MarkFailed(ctx, failed.ID, errors.New("boom"), 500); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	pending := mustEnqueue(t, q, saleRequest(0))

	clock.Advance(31 * 24 * time.Hour)
	recent := mustEnqueue(t, q, saleRequest(0))
	mustClaim(t, q, 10)
	if err := q.MarkSent(ctx, recent.ID, 200); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := q.Release(ctx, pending.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	deleted, err := q.PurgeOld(ctx, 30)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}
	if _, err := q.Get(ctx, old.ID); !errors.Is(err, outbox.ErrNotFound) {
		t.Fatalf("expected old sent message deleted, got %v", err)
	}
	if store.Len() != 3 {
		t.Fatalf("expected error, pending and recent rows kept, got %d", store.Len())
	}

	if _, err := q.PurgeOld(ctx, 0); !errors.Is(err, outbox.ErrRetentionInvalid) {
		t.Fatalf("expected ErrRetentionInvalid, got %v", err)
	}
}

func TestQueueStats(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	sent := mustEnqueue(t, q, saleRequest(2))
	mustEnqueue(t, q, saleRequest(1))
	mustEnqueue(t, q, saleRequest(0))
	mustClaim(t, q, 2)
	if err := q.MarkSent(ctx, sent.ID, 200); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := outbox.Stats{Pending: 1, Processing: 1, Sent: 1, Retryable: 1, Total: 3}
	if stats != want {
		t.Fatalf("expected %+v, got %+v", want, stats)
	}
}

func TestQueueConcurrentClaimersNeverShareRows(t *testing.T) {
	q, _, _ := newTestQueue(t)
	const total = 200
	for i := 0; i < total; i++ {
		mustEnqueue(t, q, saleRequest(i%3))
	}

	var (
		mu   sync.Mutex
		seen = make(map[uuid.UUID]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := q.ClaimBatch(context.Background(), 7)
				if err != nil {
					t.Errorf("claim: %v", err)

					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, msg := range claimed {
					seen[msg.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("expected %d distinct claims, got %d", total, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("message %s claimed %d times", id, n)
		}
	}
}

func TestQueuePrefersClaimer(t *testing.T) {
	store := &claimingStore{Store: memory.New()}
	q := outbox.NewQueue(store)
	mustEnqueue(t, q, saleRequest(0))

	if _, err := q.ClaimBatch(context.Background(), 5); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if store.calls != 1 || store.limit != 5 {
		t.Fatalf("expected Claim to be used, calls=%d limit=%d", store.calls, store.limit)
	}
}

type faultyStore struct {
	*memory.Store
	insertErr error
	casErr    error
	findErr   error
}

func (s *faultyStore) Insert(ctx context.Context, msg outbox.Message) error {
	if s.insertErr != nil {
		return s.insertErr
	}

	return s.Store.Insert(ctx, msg)
}

func (s *faultyStore) FindByID(ctx context.Context, id uuid.UUID) (outbox.Message, error) {
	if s.findErr != nil {
		return outbox.Message{}, s.findErr
	}

	return s.Store.FindByID(ctx, id)
}

func (s *faultyStore) CompareAndSwap(
	ctx context.Context,
	msg outbox.Message,
	expected outbox.Status,
	attempts int,
) (bool, error) {
	if s.casErr != nil && expected == outbox.StatusProcessing {
		return false, s.casErr
	}

	return s.Store.CompareAndSwap(ctx, msg, expected, attempts)
}

type claimingStore struct {
	*memory.Store
	calls int
	limit int
}

func (s *claimingStore) Claim(_ context.Context, _ time.Time, limit int) ([]outbox.Message, error) {
	s.calls++
	s.limit = limit

	return nil, nil
}
