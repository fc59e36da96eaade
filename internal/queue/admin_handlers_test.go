package queue_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/medibill/discounts/internal/queue"
)

func encodedTask(t *testing.T) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"kind":         "campaign-usage",
		"tenant_id":    "hospital-a",
		"key":          "inv-1",
		"payload":      []byte(`{"invoice_id":"inv-1"}`),
		"attempt":      3,
		"max_attempts": 3,
		"available_at": time.Now().UnixNano(),
		"last_error":   "timeout",
	})
	require.NoError(t, err)
	return raw
}

func TestReplayDeadLetterByID(t *testing.T) {
	client := newRedis(t)
	store := newMemoryStore()
	handler := queue.AdminHandler{
		Store:    store,
		Queue:    queue.Enqueuer{R: client, Prefix: "adm", DedupTTL: time.Minute},
		PageSize: 10,
	}
	id, err := store.Insert(context.Background(), queue.DeadLetter{
		Kind:           "campaign-usage",
		TenantID:       "hospital-a",
		IdempotencyKey: "inv-1",
		Message:        encodedTask(t),
		Attempts:       3,
	})
	require.NoError(t, err)

	body := bytes.NewBufferString(`{"ids":["` + id.String() + `","not-a-uuid"]}`)
	rr := httptest.NewRecorder()
	handler.Replay(rr, httptest.NewRequest(http.MethodPost, "/dead-letters/replay", body))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Replayed []string          `json:"replayed"`
		Failed   map[string]string `json:"failed"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Equal(t, []string{id.String()}, resp.Replayed)
	require.Contains(t, resp.Failed, "not-a-uuid")

	depth, err := handler.Queue.Depth(context.Background(), "campaign-usage")
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)

	_, err = store.Get(context.Background(), id)
	require.ErrorIs(t, err, queue.ErrDeadLetterNotFound)
}

func TestListAndStats(t *testing.T) {
	client := newRedis(t)
	store := newMemoryStore()
	handler := queue.AdminHandler{Store: store, Queue: queue.Enqueuer{R: client, Prefix: "adm"}}
	_, err := store.Insert(context.Background(), queue.DeadLetter{Kind: "campaign-usage", Message: encodedTask(t), Attempts: 3})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	handler.List(rr, httptest.NewRequest(http.MethodGet, "/dead-letters?kind=campaign-usage", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Data []struct {
			Kind    string          `json:"kind"`
			Payload json.RawMessage `json:"payload"`
		} `json:"data"`
		Total int64 `json:"total"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&list))
	require.Equal(t, int64(1), list.Total)
	require.JSONEq(t, `{"invoice_id":"inv-1"}`, string(list.Data[0].Payload))

	rr = httptest.NewRecorder()
	handler.Stats(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	handler.Stats(rr, httptest.NewRequest(http.MethodGet, "/stats?kind=campaign-usage", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var stats map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&stats))
	require.EqualValues(t, 1, stats["dead"])
	require.EqualValues(t, 0, stats["ready"])
}
