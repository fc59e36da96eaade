package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medibill/discounts/internal/common"
)

// AdminHandler exposes dead-letter inspection and replay for operators.
type AdminHandler struct {
	Store    Store
	Queue    Enqueuer
	PageSize int
	Logger   zerolog.Logger
}

// Routes mounts the admin endpoints on r.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Get("/dead-letters", h.List)
	r.Post("/dead-letters/replay", h.Replay)
	r.Get("/stats", h.Stats)
}

// List returns dead letters, newest first, optionally filtered by kind.
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "dead letter store unavailable", nil)
		return
	}
	ctx := r.Context()
	kind := sanitizeKind(strings.TrimSpace(r.URL.Query().Get("kind")))
	limit, offset := h.page(r)

	entries, err := h.Store.List(ctx, kind, limit, offset)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to list dead letters", nil)
		return
	}
	total, err := h.Store.Count(ctx, kind)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to count dead letters", nil)
		return
	}
	items := make([]deadLetterView, 0, len(entries))
	for _, e := range entries {
		view := deadLetterView{DeadLetter: e}
		if msg, err := decodeMessage(string(e.Message)); err == nil && json.Valid(msg.Payload) {
			view.Payload = json.RawMessage(msg.Payload)
		}
		items = append(items, view)
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": items, "total": total})
}

// Replay re-enqueues dead letters selected by id, or the oldest page of a kind.
func (h *AdminHandler) Replay(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil || h.Queue.R == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "queue dependencies unavailable", nil)
		return
	}
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	kind := sanitizeKind(strings.TrimSpace(req.Kind))
	if len(req.IDs) == 0 && kind == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "ids or kind required", nil)
		return
	}

	ctx := r.Context()
	var targets []DeadLetter
	failed := make(map[string]string)
	if len(req.IDs) > 0 {
		for _, raw := range req.IDs {
			id, err := uuid.Parse(strings.TrimSpace(raw))
			if err != nil {
				failed[raw] = "invalid id"
				continue
			}
			dl, err := h.Store.Get(ctx, id)
			if err != nil {
				failed[raw] = err.Error()
				continue
			}
			targets = append(targets, dl)
		}
	} else {
		limit := req.Limit
		if limit <= 0 {
			limit = h.pageSize()
		}
		list, err := h.Store.List(ctx, kind, limit, 0)
		if err != nil {
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to list dead letters", nil)
			return
		}
		targets = list
	}

	replayed := make([]uuid.UUID, 0, len(targets))
	for _, dl := range targets {
		if err := h.replay(ctx, dl); err != nil {
			failed[dl.ID.String()] = err.Error()
			continue
		}
		replayed = append(replayed, dl.ID)
	}
	h.Logger.Info().Int("replayed", len(replayed)).Int("failed", len(failed)).Msg("dead letters replayed")

	resp := map[string]any{"replayed": replayed}
	if len(failed) > 0 {
		resp["failed"] = failed
	}
	common.JSON(w, http.StatusOK, resp)
}

// Stats reports ready, in-flight and dead counts for a kind.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Store == nil || h.Queue.R == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "queue dependencies unavailable", nil)
		return
	}
	kind := sanitizeKind(strings.TrimSpace(r.URL.Query().Get("kind")))
	if kind == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "kind is required", nil)
		return
	}
	ctx := r.Context()
	k := keys(h.Queue.Prefix)

	ready, err := h.Queue.Depth(ctx, kind)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	inflight, err := h.Queue.R.ZCard(ctx, k.processing(kind)).Result()
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	dead, err := h.Store.Count(ctx, kind)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}

	var lag time.Duration
	if oldest, err := h.Queue.R.ZRangeWithScores(ctx, k.ready(kind), 0, 0).Result(); err == nil && len(oldest) > 0 {
		if due := time.Unix(0, int64(oldest[0].Score)); due.Before(time.Now()) {
			lag = time.Since(due)
		}
	}
	Depth.WithLabelValues(kind).Set(float64(ready))
	DeadLetterSize.WithLabelValues(kind).Set(float64(dead))

	common.JSON(w, http.StatusOK, map[string]any{
		"kind":          kind,
		"ready":         ready,
		"processing":    inflight,
		"dead":          dead,
		"oldest_lag_ms": lag.Milliseconds(),
	})
}

func (h *AdminHandler) replay(ctx context.Context, dl DeadLetter) error {
	msg, err := decodeMessage(string(dl.Message))
	if err != nil {
		return errors.New("stored message is not decodable")
	}
	task := Task{
		Kind:           msg.Kind,
		TenantID:       msg.TenantID,
		Payload:        msg.Payload,
		IdempotencyKey: msg.Key,
		MaxAttempts:    msg.MaxAttempts,
	}
	if err := h.Queue.Enqueue(ctx, task); err != nil {
		return err
	}
	return h.Store.Delete(ctx, dl.ID)
}

func (h *AdminHandler) pageSize() int {
	if h.PageSize <= 0 {
		return 50
	}
	return h.PageSize
}

func (h *AdminHandler) page(r *http.Request) (limit, offset int) {
	limit = h.pageSize()
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

type deadLetterView struct {
	DeadLetter
	Payload json.RawMessage `json:"payload,omitempty"`
}

type replayRequest struct {
	IDs   []string `json:"ids"`
	Kind  string   `json:"kind"`
	Limit int      `json:"limit"`
}
