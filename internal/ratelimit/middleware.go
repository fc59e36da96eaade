package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/medibill/discounts/internal/common"
	"github.com/medibill/discounts/internal/tenant"
)

// Handler rejects requests over the limit with 429. Limiter errors let the request through.
type Handler struct {
	Limiter Limiter
	// Key derives the bucket for a request. Defaults to TenantClientKey.
	Key    func(*http.Request) string
	Logger zerolog.Logger
}

// TenantClientKey buckets by hospital and caller address.
func TenantClientKey(r *http.Request) string {
	id, _ := tenant.From(r.Context())
	return tenant.PrefixKey(id, common.ClientIP(r))
}

func (h Handler) Middleware(next http.Handler) http.Handler {
	if h.Limiter == nil {
		return next
	}
	key := h.Key
	if key == nil {
		key = TenantClientKey
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, err := h.Limiter.Allow(r.Context(), key(r))
		if err != nil {
			h.Logger.Warn().Err(err).Msg("rate limiter unavailable")
			next.ServeHTTP(w, r)
			return
		}

		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.Itoa(max(d.Limit, 0)))
		headers.Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		if !d.Allowed {
			retry := int(time.Until(d.ResetAt).Round(time.Second).Seconds())
			headers.Set("Retry-After", strconv.Itoa(max(retry, 1)))
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many simulation requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
