package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/medibill/discounts/internal/queue"
	"github.com/medibill/discounts/internal/tenant"
)

func TestEnqueueCarriesTenantToHandler(t *testing.T) {
	client := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "test"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type payload struct {
		InvoiceID string `json:"invoice_id"`
	}
	require.NoError(t, enq.EnqueueJSON(tenant.With(ctx, "hospital-a"), "campaign-usage", "inv-1", payload{InvoiceID: "inv-1"}))

	depth, err := enq.Depth(ctx, "campaign-usage")
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)

	type seen struct {
		tenantID string
		payload  string
	}
	processed := make(chan seen, 1)
	worker := queue.Worker{
		R:                 client,
		Prefix:            "test",
		Kind:              "campaign-usage",
		VisibilityTimeout: time.Second,
		PollInterval:      10 * time.Millisecond,
		Handler: func(jobCtx context.Context, task queue.Task) error {
			id, _ := tenant.From(jobCtx)
			processed <- seen{tenantID: id, payload: string(task.Payload)}
			cancel()
			return nil
		},
	}
	go func() { _ = worker.Run(ctx) }()

	select {
	case got := <-processed:
		require.Equal(t, "hospital-a", got.tenantID)
		require.JSONEq(t, `{"invoice_id":"inv-1"}`, got.payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for task")
	}
}

func TestEnqueueDeduplicatesPerTenant(t *testing.T) {
	client := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "dedup", DedupTTL: time.Minute}
	ctx := context.Background()

	task := queue.Task{Kind: "campaign-usage", Payload: []byte(`{}`), IdempotencyKey: "inv-1"}
	require.NoError(t, enq.Enqueue(tenant.With(ctx, "a"), task))
	require.NoError(t, enq.Enqueue(tenant.With(ctx, "a"), task))
	require.NoError(t, enq.Enqueue(tenant.With(ctx, "b"), task))

	depth, err := enq.Depth(ctx, "campaign-usage")
	require.NoError(t, err)
	require.Equal(t, int64(2), depth)
}

func TestEnqueueRejectsBadKind(t *testing.T) {
	enq := queue.Enqueuer{R: newRedis(t)}
	require.Error(t, enq.Enqueue(context.Background(), queue.Task{Kind: "Bad Kind"}))
	require.Error(t, queue.Enqueuer{}.Enqueue(context.Background(), queue.Task{Kind: "ok"}))
}

func TestWorkerRetries(t *testing.T) {
	client := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "retry"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "demo", Payload: []byte("retry"), IdempotencyKey: "r1", MaxAttempts: 3}))

	var attempts, lastAttempt atomic.Int32
	worker := queue.Worker{
		R:                 client,
		Prefix:            "retry",
		Kind:              "demo",
		VisibilityTimeout: time.Second,
		PollInterval:      5 * time.Millisecond,
		RetryBase:         5 * time.Millisecond,
		RetryJitter:       0.1,
		Handler: func(ctx context.Context, task queue.Task) error {
			if attempts.Add(1) == 1 {
				return errors.New("fail first")
			}
			lastAttempt.Store(int32(task.Attempt))
			cancel()
			return nil
		},
	}
	go func() { _ = worker.Run(ctx) }()

	select {
	case <-ctx.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not retry in time")
	}
	require.GreaterOrEqual(t, attempts.Load(), int32(2))
	require.Equal(t, int32(2), lastAttempt.Load())
}

func TestWorkerHeartbeat(t *testing.T) {
	client := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := queue.Worker{
		R:         client,
		Prefix:    "hb",
		Kind:      "demo",
		Heartbeat: 20 * time.Millisecond,
		Handler:   func(context.Context, queue.Task) error { return nil },
	}
	done := make(chan struct{})
	go func() {
		_ = worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok, err := queue.LastHeartbeat(context.Background(), client, "hb", "demo")
		return err == nil && ok
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
