//go:build integration

package postgres_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/velmie/edgeagent/outbox"
	"github.com/velmie/edgeagent/postgres"
	"github.com/velmie/edgeagent/tenant"
)

func TestStoreLifecycleIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	pool := startPostgres(t, ctx)

	store, err := postgres.NewStore(pool)
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	queue := outbox.NewQueue(store, outbox.WithClock(clock), outbox.WithMaxAttempts(2))

	low := enqueue(t, ctx, queue, 0)
	high := enqueue(t, ctx, queue, 5)

	claimed, err := queue.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, high.ID, claimed[0].ID)
	require.Equal(t, low.ID, claimed[1].ID)
	require.Equal(t, 1, claimed[0].AttemptCount)
	require.Equal(t, outbox.StatusProcessing, claimed[0].Status)
	require.JSONEq(t, `{"total":10}`, string(claimed[0].Payload))

	require.NoError(t, queue.MarkSent(ctx, high.ID, 201))
	require.NoError(t, queue.MarkFailed(ctx, low.ID, &outbox.DeliveryError{Kind: outbox.DeliveryRejected, StatusCode: 500}, 500))

	failed, err := queue.Get(ctx, low.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusPending, failed.Status)
	require.Equal(t, 500, failed.LastStatusCode)
	require.NotNil(t, failed.NextAttemptAt)
	require.True(t, failed.NextAttemptAt.Equal(clock.Now().Add(time.Minute)))

	claimed, err = queue.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)

	clock.Advance(time.Minute)
	claimed, err = queue.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, queue.MarkFailed(ctx, low.ID, &outbox.DeliveryError{Kind: outbox.DeliveryConnection}, 0))

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, outbox.Stats{Sent: 1, Error: 1, Total: 2}, stats)

	clock.Advance(31 * 24 * time.Hour)
	purged, err := queue.PurgeOld(ctx, 30)
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)
}

func TestStoreConcurrentClaimIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	pool := startPostgres(t, ctx)

	store, err := postgres.NewStore(pool)
	require.NoError(t, err)
	queue := outbox.NewQueue(store)
	for i := 0; i < 30; i++ {
		enqueue(t, ctx, queue, i%3)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch, err := store.Claim(ctx, time.Now(), 5)
			if err != nil {
				errs <- err

				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, msg := range batch {
				seen[msg.ID.String()]++
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, seen, 30)
	for id, count := range seen {
		require.Equal(t, 1, count, "message %s claimed more than once", id)
	}
}

func TestStoreInsertTxIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	pool := startPostgres(t, ctx)

	store, err := postgres.NewStore(pool)
	require.NoError(t, err)
	queue := outbox.NewQueue(store)

	committed, err := queue.Prepare(saleRequest(0))
	require.NoError(t, err)
	require.NoError(t, pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return store.InsertTx(ctx, tx, committed)
	}))

	rolledBack, err := queue.Prepare(saleRequest(0))
	require.NoError(t, err)
	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, store.InsertTx(ctx, tx, rolledBack))
	require.NoError(t, tx.Rollback(ctx))

	_, err = queue.Get(ctx, committed.ID)
	require.NoError(t, err)
	_, err = queue.Get(ctx, rolledBack.ID)
	require.ErrorIs(t, err, outbox.ErrNotFound)

	missing := committed
	missing.ID = [16]byte{0xff}
	require.ErrorIs(t, store.Update(ctx, missing), outbox.ErrNotFound)
}

func TestBindingStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	pool := startPostgres(t, ctx)

	store, err := postgres.NewBindingStore(pool, "")
	require.NoError(t, err)

	_, err = store.LoadBinding(ctx)
	require.ErrorIs(t, err, tenant.ErrNotBound)

	binding := tenant.Binding{
		Token:     "token",
		TenantID:  "7",
		Tenant:    "loja-centro",
		AgentName: "Caixa 1",
		ExpiresAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveBinding(ctx, binding))
	binding.Token = "rotated"
	require.NoError(t, store.SaveBinding(ctx, binding))

	loaded, err := store.LoadBinding(ctx)
	require.NoError(t, err)
	require.Equal(t, binding, loaded)
}

func startPostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("edgeagent"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, postgres.Migrate(pool))
	require.NoError(t, postgres.Migrate(pool))

	return pool
}

func saleRequest(priority int) outbox.EnqueueRequest {
	return outbox.EnqueueRequest{
		EntityType: "Sale",
		Operation:  "Create",
		EntityID:   "42",
		Payload:    map[string]int{"total": 10},
		Endpoint:   "/api/vendas",
		Priority:   priority,
	}
}

func enqueue(t *testing.T, ctx context.Context, queue *outbox.Queue, priority int) outbox.Message {
	t.Helper()
	msg, err := queue.Enqueue(ctx, saleRequest(priority))
	require.NoError(t, err)

	return msg
}
