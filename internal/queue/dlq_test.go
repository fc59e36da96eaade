package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/medibill/discounts/internal/queue"
	"github.com/medibill/discounts/internal/tenant"
)

func TestMoveToDeadLettersAfterMaxAttempts(t *testing.T) {
	client := newRedis(t)
	store := newMemoryStore()
	enq := queue.Enqueuer{R: client, Prefix: "dlq"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := queue.Worker{
		R:                 client,
		Prefix:            "dlq",
		Kind:              "campaign-usage",
		VisibilityTimeout: 200 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		RetryBase:         10 * time.Millisecond,
		DeadLetters:       store,
		Logger:            zerolog.Nop(),
		Handler: func(context.Context, queue.Task) error {
			return errors.New("campaign store down")
		},
	}
	done := make(chan struct{})
	go func() {
		_ = worker.Run(ctx)
		close(done)
	}()

	task := queue.Task{Kind: "campaign-usage", Payload: []byte(`{"invoice_id":"inv-9"}`), IdempotencyKey: "inv-9", MaxAttempts: 2}
	require.NoError(t, enq.Enqueue(tenant.With(context.Background(), "hospital-a"), task))

	require.Eventually(t, func() bool {
		n, err := store.Count(context.Background(), "campaign-usage")
		return err == nil && n == 1
	}, 3*time.Second, 20*time.Millisecond)
	cancel()
	<-done

	list, err := store.List(context.Background(), "", 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	dl := list[0]
	require.Equal(t, "campaign-usage", dl.Kind)
	require.Equal(t, "hospital-a", dl.TenantID)
	require.Equal(t, "inv-9", dl.IdempotencyKey)
	require.Equal(t, 2, dl.Attempts)
	require.Equal(t, "campaign store down", dl.LastError)
	require.NotEmpty(t, dl.Message)
}

func TestDeadLettersFallBackToRedisList(t *testing.T) {
	client := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "nodb"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := queue.Worker{
		R:            client,
		Prefix:       "nodb",
		Kind:         "demo",
		PollInterval: 5 * time.Millisecond,
		Handler:      func(context.Context, queue.Task) error { return errors.New("boom") },
	}
	go func() { _ = worker.Run(ctx) }()

	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: "demo", Payload: []byte(`{}`), MaxAttempts: 1}))
	require.Eventually(t, func() bool {
		n, err := client.LLen(context.Background(), "nodb:queue:demo:dead").Result()
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
}
