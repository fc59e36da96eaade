package common

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newIdem(t *testing.T) Idem {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return Idem{R: client, TTL: time.Minute, Scope: func(r *http.Request) string { return r.Header.Get("X-Tenant-ID") }}
}

func post(h http.Handler, key, tenantID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/invoices/inv-1/discounts/settle", nil)
	req.Header.Set("Idempotency-Key", key)
	req.Header.Set("X-Tenant-ID", tenantID)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestIdemReplaysFirstResponse(t *testing.T) {
	var calls atomic.Int32
	h := newIdem(t).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		JSON(w, http.StatusAccepted, map[string]any{"call": n})
	}))

	first := post(h, "k1", "a")
	require.Equal(t, http.StatusAccepted, first.Code)

	second := post(h, "k1", "a")
	require.Equal(t, http.StatusAccepted, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotent-Replay"))
	require.JSONEq(t, first.Body.String(), second.Body.String())

	other := post(h, "k1", "b")
	require.Empty(t, other.Header().Get("Idempotent-Replay"))
	require.Equal(t, int32(2), calls.Load())
}

func TestIdemForgetsServerErrors(t *testing.T) {
	var calls atomic.Int32
	h := newIdem(t).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			JSONError(w, http.StatusInternalServerError, "INTERNAL", "boom", nil)
			return
		}
		JSON(w, http.StatusOK, map[string]any{"ok": true})
	}))

	require.Equal(t, http.StatusInternalServerError, post(h, "k2", "a").Code)
	require.Equal(t, http.StatusOK, post(h, "k2", "a").Code)
	require.Equal(t, int32(2), calls.Load())
}

func TestIdemRejectsConcurrentDuplicate(t *testing.T) {
	idem := newIdem(t)
	inside := make(chan struct{})
	release := make(chan struct{})
	h := idem.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(inside)
		<-release
		JSON(w, http.StatusOK, map[string]any{})
	}))

	done := make(chan struct{})
	go func() {
		post(h, "k3", "a")
		close(done)
	}()
	<-inside
	require.Equal(t, http.StatusConflict, post(h, "k3", "a").Code)
	close(release)
	<-done
}

func TestIdemPassesThroughWithoutKey(t *testing.T) {
	var calls atomic.Int32
	h := newIdem(t).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	post(h, "", "a")
	post(h, "", "a")
	require.Equal(t, int32(2), calls.Load())
}
