package billing

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/medibill/discounts/internal/common"
	"github.com/medibill/discounts/internal/store"
)

const maxBodyBytes = 1 << 20

// Handler exposes the discount endpoints used by the billing screen and the dashboard.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
	Logger   zerolog.Logger
	// SimulateLimit wraps the simulate route, typically with a per-tenant rate limiter.
	SimulateLimit func(http.Handler) http.Handler
	// SettleGuard wraps the settle route, typically with Idempotency-Key handling.
	SettleGuard func(http.Handler) http.Handler
}

// NewHandler returns a handler with a fresh validator.
func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{Svc: svc, Validate: validator.New(), Logger: logger}
}

// Routes mounts the discount API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/invoices/discounts/quote", h.Quote)
	r.With(middlewareOrNoop(h.SettleGuard)).Post("/invoices/{invoiceID}/discounts/settle", h.Settle)
	r.With(middlewareOrNoop(h.SimulateLimit)).Post("/discounts/simulate", h.Simulate)
	r.Get("/discounts/stacking-config", h.StackingConfig)
}

// Quote prices an invoice draft.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	quote, err := h.Svc.Quote(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": quote})
}

// Simulate previews the discount for one item.
func (h *Handler) Simulate(w http.ResponseWriter, r *http.Request) {
	var req SimulateRequest
	if !h.decode(w, r, &req) {
		return
	}
	sim, err := h.Svc.Simulate(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": sim})
}

// Settle prices the finalised invoice and schedules campaign usage recording.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	invoiceID := strings.TrimSpace(chi.URLParam(r, "invoiceID"))
	if invoiceID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invoice id is required", nil)
		return
	}
	var req QuoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.InvoiceID != "" && req.InvoiceID != invoiceID {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invoice id in body does not match path", nil)
		return
	}
	req.InvoiceID = invoiceID

	out, err := h.Svc.Settle(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if out.Queued {
		status = http.StatusAccepted
	}
	common.JSON(w, status, map[string]any{"data": out})
}

// StackingConfig returns the effective stacking configuration of the hospital.
func (h *Handler) StackingConfig(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Svc.StackingConfig(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": snap})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", map[string]any{"error": err.Error()})
		return false
	}
	v := h.Validate
	if v == nil {
		v = validator.New()
	}
	if err := v.Struct(dst); err != nil {
		details := map[string]string{}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details[fe.Namespace()] = fe.Tag()
			}
		}
		common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "request validation failed", details)
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
	case errors.Is(err, store.ErrTenantMissing), errors.Is(err, store.ErrTenantInvalid):
		common.JSONError(w, http.StatusBadRequest, "TENANT_REQUIRED", "hospital could not be resolved", nil)
	case errors.Is(err, store.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "hospital not found", nil)
	default:
		h.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("discount request failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "discount calculation failed", nil)
	}
}

func middlewareOrNoop(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw != nil {
		return mw
	}
	return func(next http.Handler) http.Handler { return next }
}
