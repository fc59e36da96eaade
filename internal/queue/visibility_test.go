package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/medibill/discounts/internal/queue"
)

func TestSoftDeadlineCancelsAndRetries(t *testing.T) {
	client := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "vis", DedupTTL: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	attempts := make(chan int, 2)
	worker := queue.Worker{
		R:                 client,
		Prefix:            "vis",
		Kind:              "campaign-usage",
		VisibilityTimeout: 150 * time.Millisecond,
		SoftDeadline:      80 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		RetryBase:         20 * time.Millisecond,
		DeadLetters:       newMemoryStore(),
		Logger:            zerolog.Nop(),
		Handler: func(jobCtx context.Context, task queue.Task) error {
			attempts <- task.Attempt
			if task.Attempt == 1 {
				<-jobCtx.Done()
				return jobCtx.Err()
			}
			cancel()
			return nil
		},
	}

	done := make(chan struct{})
	go func() {
		_ = worker.Run(ctx)
		close(done)
	}()

	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: "campaign-usage", Payload: []byte(`{}`), IdempotencyKey: "a1", MaxAttempts: 3}))

	require.Eventually(t, func() bool {
		return len(attempts) >= 2
	}, 3*time.Second, 20*time.Millisecond)
	require.Equal(t, 1, <-attempts)
	require.Equal(t, 2, <-attempts)

	<-done
	depth, err := client.ZCard(context.Background(), "vis:queue:campaign-usage").Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), depth)
}
