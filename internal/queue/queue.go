package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/medibill/discounts/internal/resilience"
	"github.com/medibill/discounts/internal/tenant"
)

const defaultMaxAttempts = 8

// Task is one unit of background work. TenantID is restored into the handler context so
// tenant-scoped stores work unchanged inside workers.
type Task struct {
	Kind           string
	TenantID       string
	Payload        []byte
	IdempotencyKey string
	Attempt        int
	MaxAttempts    int
	Delay          time.Duration
}

// Enqueuer publishes tasks to Redis sorted sets scored by their due time.
type Enqueuer struct {
	R           *redis.Client
	Prefix      string
	DedupTTL    time.Duration
	MaxAttempts int
}

// Enqueue schedules the task. A task carrying an idempotency key is accepted once per
// deduplication window; later duplicates are dropped silently.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	kind := sanitizeKind(t.Kind)
	if kind == "" {
		return fmt.Errorf("queue: invalid task kind %q", t.Kind)
	}
	if t.TenantID == "" {
		t.TenantID, _ = tenant.From(ctx)
	}
	msg := message{
		Kind:        kind,
		TenantID:    t.TenantID,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		Attempt:     t.Attempt,
		MaxAttempts: firstPositive(t.MaxAttempts, e.MaxAttempts, defaultMaxAttempts),
		AvailableAt: time.Now().Add(t.Delay).UnixNano(),
	}
	k := keys(e.Prefix)

	if msg.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		ok, err := e.R.SetNX(ctx, k.dedup(kind, msg.TenantID, msg.Key), "1", ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return e.R.ZAdd(ctx, k.ready(kind), redis.Z{Score: float64(msg.AvailableAt), Member: raw}).Err()
}

// EnqueueJSON encodes v as the payload of a task of the given kind for the tenant in ctx.
func (e Enqueuer) EnqueueJSON(ctx context.Context, kind, idempotencyKey string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("queue: encode %s payload: %w", kind, err)
	}
	return e.Enqueue(ctx, Task{Kind: kind, Payload: payload, IdempotencyKey: idempotencyKey})
}

// Depth returns the number of tasks waiting in the ready set for kind.
func (e Enqueuer) Depth(ctx context.Context, kind string) (int64, error) {
	if e.R == nil {
		return 0, errors.New("queue: redis client not configured")
	}
	n, err := e.R.ZCard(ctx, keys(e.Prefix).ready(sanitizeKind(kind))).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Worker consumes tasks of one kind. A task that fails is retried with exponential backoff
// and moved to the dead-letter store once it runs out of attempts. Tasks whose visibility
// timeout lapses while processing are handed out again.
type Worker struct {
	R                 *redis.Client
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	// SoftDeadline bounds a single handler call. Defaults to the visibility timeout.
	SoftDeadline time.Duration
	// Heartbeat is the interval at which the worker refreshes its liveness key. Zero disables it.
	Heartbeat    time.Duration
	PollInterval time.Duration
	RetryBase    time.Duration
	RetryJitter  float64
	DeadLetters  Store
	Logger       zerolog.Logger
	Handler      func(context.Context, Task) error
}

// Run processes tasks until ctx is cancelled, then waits for in-flight handlers.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return errors.New("queue: worker redis client not configured")
	}
	if w.Handler == nil {
		return errors.New("queue: worker handler not configured")
	}
	kind := sanitizeKind(w.Kind)
	if kind == "" {
		return fmt.Errorf("queue: invalid worker kind %q", w.Kind)
	}
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	poll := w.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	k := keys(w.Prefix)
	sem := make(chan struct{}, firstPositive(w.Concurrency, 1))
	ctx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		stop()
		wg.Wait()
	}()

	if w.Heartbeat > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.beat(ctx, k.heartbeat(kind))
		}()
	}

	requeue := time.NewTicker(time.Second)
	defer requeue.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-requeue.C:
			if err := w.requeueExpired(ctx, k, kind); err != nil && ctx.Err() == nil {
				w.Logger.Warn().Err(err).Str("kind", kind).Msg("requeue of expired tasks failed")
			}
		default:
		}

		msg, raw, ok, err := w.claim(ctx, k, kind, visibility)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !ok {
			sleep(ctx, poll)
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			_ = w.R.ZRem(context.Background(), k.processing(kind), raw).Err()
			return nil
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w.process(ctx, k, msg, raw, visibility)
		}()
	}
}

// claim pops the earliest task and moves it into the processing set. ok is false when no
// task is due.
func (w Worker) claim(ctx context.Context, k keys, kind string, visibility time.Duration) (message, string, bool, error) {
	res, err := w.R.ZPopMin(ctx, k.ready(kind), 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return message{}, "", false, err
	}
	if len(res) == 0 {
		return message{}, "", false, nil
	}
	member, _ := res[0].Member.(string)
	msg, err := decodeMessage(member)
	if err != nil {
		w.Logger.Error().Err(err).Str("kind", kind).Msg("dropping undecodable task")
		return message{}, "", false, nil
	}
	if now := time.Now().UnixNano(); msg.AvailableAt > now {
		if err := w.R.ZAdd(ctx, k.ready(kind), redis.Z{Score: float64(msg.AvailableAt), Member: member}).Err(); err != nil {
			return message{}, "", false, err
		}
		return message{}, "", false, nil
	}

	msg.Attempt++
	encoded, err := json.Marshal(msg)
	if err != nil {
		return message{}, "", false, err
	}
	raw := string(encoded)
	deadline := time.Now().Add(visibility).UnixNano()
	if err := w.R.ZAdd(ctx, k.processing(kind), redis.Z{Score: float64(deadline), Member: raw}).Err(); err != nil {
		return message{}, "", false, err
	}
	return msg, raw, true, nil
}

func (w Worker) process(ctx context.Context, k keys, msg message, raw string, visibility time.Duration) {
	soft := w.SoftDeadline
	if soft <= 0 || soft > visibility {
		soft = visibility
	}
	jobCtx, cancel := context.WithTimeout(ctx, soft)
	defer cancel()
	if msg.TenantID != "" {
		jobCtx = tenant.With(jobCtx, msg.TenantID)
	}

	logger := w.Logger.With().
		Str("kind", msg.Kind).
		Str("tenant_id", msg.TenantID).
		Str("key", msg.Key).
		Int("attempt", msg.Attempt).
		Logger()

	err := w.Handler(jobCtx, Task{
		Kind:           msg.Kind,
		TenantID:       msg.TenantID,
		Payload:        msg.Payload,
		IdempotencyKey: msg.Key,
		Attempt:        msg.Attempt,
		MaxAttempts:    msg.MaxAttempts,
	})
	// Bookkeeping must survive shutdown of the run context.
	bg := context.Background()
	_ = w.R.ZRem(bg, k.processing(msg.Kind), raw).Err()
	if err == nil {
		w.clearDedup(bg, k, msg)
		countProcessed(msg.Kind, "ok")
		return
	}

	msg.LastError = err.Error()
	if msg.Attempt >= msg.MaxAttempts {
		logger.Error().Err(err).Msg("task exhausted its attempts; moving to dead letters")
		w.deadLetter(bg, k, msg)
		w.clearDedup(bg, k, msg)
		countProcessed(msg.Kind, "dead")
		return
	}
	delay := resilience.Backoff(firstDuration(w.RetryBase, 200*time.Millisecond), msg.Attempt, w.RetryJitter)
	msg.AvailableAt = time.Now().Add(delay).UnixNano()
	logger.Warn().Err(err).Dur("retry_in", delay).Msg("task failed; scheduled retry")
	encoded, mErr := json.Marshal(msg)
	if mErr != nil {
		return
	}
	_ = w.R.ZAdd(bg, k.ready(msg.Kind), redis.Z{Score: float64(msg.AvailableAt), Member: string(encoded)}).Err()
	countProcessed(msg.Kind, "retry")
}

func (w Worker) deadLetter(ctx context.Context, k keys, msg message) {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if w.DeadLetters != nil {
		_, err = w.DeadLetters.Insert(ctx, DeadLetter{
			Kind:           msg.Kind,
			TenantID:       msg.TenantID,
			IdempotencyKey: msg.Key,
			Message:        encoded,
			Attempts:       msg.Attempt,
			LastError:      msg.LastError,
		})
		if err == nil {
			return
		}
		w.Logger.Error().Err(err).Str("kind", msg.Kind).Msg("dead letter store failed; keeping task in redis")
	}
	_ = w.R.LPush(ctx, k.dead(msg.Kind), encoded).Err()
}

func (w Worker) clearDedup(ctx context.Context, k keys, msg message) {
	if msg.Key != "" {
		_ = w.R.Del(ctx, k.dedup(msg.Kind, msg.TenantID, msg.Key)).Err()
	}
}

func (w Worker) requeueExpired(ctx context.Context, k keys, kind string) error {
	now := time.Now().UnixNano()
	due, err := w.R.ZRangeByScore(ctx, k.processing(kind), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now)}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, raw := range due {
		removed, err := w.R.ZRem(ctx, k.processing(kind), raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		msg.AvailableAt = time.Now().UnixNano()
		encoded, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		w.Logger.Warn().Str("kind", kind).Str("key", msg.Key).Msg("visibility timeout lapsed; task requeued")
		if err := w.R.ZAdd(ctx, k.ready(kind), redis.Z{Score: float64(msg.AvailableAt), Member: encoded}).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (w Worker) beat(ctx context.Context, key string) {
	ticker := time.NewTicker(w.Heartbeat)
	defer ticker.Stop()
	for {
		_ = w.R.Set(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), 3*w.Heartbeat).Err()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// LastHeartbeat returns when a worker of kind last reported in. ok is false when no live
// worker refreshed the key within three heartbeat intervals.
func LastHeartbeat(ctx context.Context, r *redis.Client, prefix, kind string) (time.Time, bool, error) {
	raw, err := r.Get(ctx, keys(prefix).heartbeat(sanitizeKind(kind))).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return ts, true, nil
}

type keys string

func (k keys) join(parts ...string) string {
	out := "queue"
	if k != "" {
		out = string(k) + ":queue"
	}
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

func (k keys) ready(kind string) string      { return k.join(kind) }
func (k keys) processing(kind string) string { return k.join(kind, "processing") }
func (k keys) dead(kind string) string       { return k.join(kind, "dead") }
func (k keys) heartbeat(kind string) string  { return k.join(kind, "heartbeat") }

func (k keys) dedup(kind, tenantID, key string) string {
	return k.join(kind, "dedup", tenant.PrefixKey(tenantID, key))
}

func sanitizeKind(kind string) string {
	if kind == "" {
		return ""
	}
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return ""
		}
	}
	return kind
}

type message struct {
	Kind        string `json:"kind"`
	TenantID    string `json:"tenant_id,omitempty"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
	LastError   string `json:"last_error,omitempty"`
}

func decodeMessage(raw string) (message, error) {
	var msg message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return message{}, err
	}
	return msg, nil
}

func countProcessed(kind, status string) {
	if ProcessedTotal != nil {
		ProcessedTotal.WithLabelValues(kind, status).Inc()
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstDuration(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
