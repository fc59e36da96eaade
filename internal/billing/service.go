package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/medibill/discounts/internal/discount"
	"github.com/medibill/discounts/internal/promotion"
	"github.com/medibill/discounts/internal/resilience"
	"github.com/medibill/discounts/internal/settings"
	"github.com/medibill/discounts/internal/store"
	"github.com/medibill/discounts/internal/usage"
)

const dateLayout = "2006-01-02"

// ErrInvalidRequest wraps caller mistakes that the handlers report as 400.
var ErrInvalidRequest = errors.New("billing: invalid request")

// LineInput is one row of an invoice draft as submitted by the billing screen.
type LineInput struct {
	LineID    string             `json:"line_id" validate:"required,max=64"`
	ItemType  string             `json:"item_type" validate:"required,oneof=medicine service package"`
	ItemID    string             `json:"item_id" validate:"required,max=128"`
	UnitPrice decimal.Decimal    `json:"unit_price"`
	Quantity  decimal.Decimal    `json:"quantity"`
	Overrides discount.Overrides `json:"overrides"`
}

// QuoteRequest is a full invoice draft. PromoCode applies to every line whose overrides do
// not carry their own code.
type QuoteRequest struct {
	InvoiceID   string      `json:"invoice_id" validate:"omitempty,max=64"`
	PatientID   string      `json:"patient_id" validate:"omitempty,max=64"`
	InvoiceDate string      `json:"invoice_date" validate:"omitempty,datetime=2006-01-02"`
	PromoCode   string      `json:"promo_code" validate:"omitempty,max=64"`
	Lines       []LineInput `json:"lines" validate:"required,min=1,max=500,unique=LineID,dive"`
}

// Quote is the priced invoice draft.
type Quote struct {
	InvoiceID     string                       `json:"invoice_id,omitempty"`
	InvoiceDate   string                       `json:"invoice_date"`
	Lines         []discount.CalculationResult `json:"lines"`
	OriginalTotal decimal.Decimal              `json:"original_total"`
	DiscountTotal decimal.Decimal              `json:"discount_total"`
	FinalTotal    decimal.Decimal              `json:"final_total"`
	// StackingDefaults is set when the hospital's stacking config was rejected.
	StackingDefaults bool `json:"stacking_defaults,omitempty"`
	// Warnings lists collaborator reads that failed and were priced without.
	Warnings []string `json:"warnings,omitempty"`
}

// SimulateRequest previews the discount for one item on the dashboard.
type SimulateRequest struct {
	ItemType           string          `json:"item_type" validate:"required,oneof=medicine service package"`
	ItemID             string          `json:"item_id" validate:"required,max=128"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	Quantity           decimal.Decimal `json:"quantity"`
	PatientID          string          `json:"patient_id" validate:"omitempty,max=64"`
	Date               string          `json:"date" validate:"omitempty,datetime=2006-01-02"`
	PromoCode          string          `json:"promo_code" validate:"omitempty,max=64"`
	AssumeBulkEligible bool            `json:"assume_bulk_eligible"`
}

// Simulation is the preview result.
type Simulation struct {
	Result           discount.CalculationResult `json:"result"`
	Date             string                     `json:"date"`
	StackingDefaults bool                       `json:"stacking_defaults,omitempty"`
	Warnings         []string                   `json:"warnings,omitempty"`
}

// Settlement is the outcome of settling a finalised invoice.
type Settlement struct {
	Quote  Quote                 `json:"quote"`
	Usages []store.CampaignUsage `json:"usages"`
	Queued bool                  `json:"queued"`
}

// UsagePublisher schedules campaign usage recording.
type UsagePublisher interface {
	Publish(ctx context.Context, s usage.Settlement) error
}

// Service prices invoice drafts against the hospital in context.
type Service struct {
	Store    store.Reader
	Settings *settings.Loader
	Engine   *discount.Engine
	Usage    UsagePublisher
	// Breaker guards the optional reads (patient, campaigns, usage). While it is open those
	// reads are skipped and pricing continues without them.
	Breaker *resilience.Breaker
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Quote prices every line of the draft in real mode.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	ctx, span := otel.Tracer("billing.Service").Start(ctx, "Service.Quote")
	defer span.End()
	span.SetAttributes(attribute.Int("invoice.lines", len(req.Lines)))

	q, err := s.quote(ctx, req)
	if err != nil {
		span.RecordError(err)
	}
	return q, err
}

func (s *Service) quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	day, err := s.parseDate(req.InvoiceDate)
	if err != nil {
		return Quote{}, err
	}
	keys := make([]store.ItemKey, 0, len(req.Lines))
	for _, l := range req.Lines {
		keys = append(keys, store.ItemKey{Type: discount.ItemType(l.ItemType), ID: l.ItemID})
	}
	codes := make([]string, 0, len(req.Lines))
	for _, l := range req.Lines {
		codes = append(codes, promoCodeFor(l.Overrides, req.PromoCode))
	}

	pc, err := s.gather(ctx, day, req.PatientID, codes, keys)
	if err != nil {
		return Quote{}, err
	}

	lines := make([]discount.LineRequest, 0, len(req.Lines))
	for i, l := range req.Lines {
		key := keys[i]
		item := pc.items[key]
		overrides := l.Overrides
		overrides.PromoCode = codes[i]
		lines = append(lines, discount.LineRequest{
			Line: discount.LineItem{
				LineID:    l.LineID,
				ItemType:  key.Type,
				ItemID:    l.ItemID,
				UnitPrice: l.UnitPrice,
				Quantity:  l.Quantity,
				GroupIDs:  item.GroupIDs,
			},
			Item:          item.Settings,
			Overrides:     overrides,
			PromoCampaign: pc.promos[strings.ToUpper(codes[i])],
		})
	}

	results, err := s.Engine.CalculateMulti(ctx, pc.request(day, discount.Real), lines)
	if err != nil {
		if errors.Is(err, discount.ErrInvalidLine) {
			return Quote{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return Quote{}, err
	}

	q := Quote{
		InvoiceID:        req.InvoiceID,
		InvoiceDate:      day.Format(dateLayout),
		Lines:            results,
		OriginalTotal:    decimal.Zero,
		DiscountTotal:    decimal.Zero,
		FinalTotal:       decimal.Zero,
		StackingDefaults: pc.snap.UsingDefaults(),
		Warnings:         pc.warnings,
	}
	for _, r := range results {
		q.OriginalTotal = q.OriginalTotal.Add(r.OriginalPrice)
		q.DiscountTotal = q.DiscountTotal.Add(r.DiscountAmount)
		q.FinalTotal = q.FinalTotal.Add(r.FinalPrice)
	}
	return q, nil
}

// Simulate previews one item in simulated mode: staff overrides do not exist and bulk
// quantity checks follow AssumeBulkEligible.
func (s *Service) Simulate(ctx context.Context, req SimulateRequest) (Simulation, error) {
	ctx, span := otel.Tracer("billing.Service").Start(ctx, "Service.Simulate")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", req.ItemID))

	day, err := s.parseDate(req.Date)
	if err != nil {
		return Simulation{}, err
	}
	qty := req.Quantity
	if qty.IsZero() {
		qty = decimal.NewFromInt(1)
	}
	key := store.ItemKey{Type: discount.ItemType(req.ItemType), ID: req.ItemID}
	code := strings.TrimSpace(req.PromoCode)

	pc, err := s.gather(ctx, day, req.PatientID, []string{code}, []store.ItemKey{key})
	if err != nil {
		return Simulation{}, err
	}
	item := pc.items[key]
	line := discount.LineItem{
		LineID:    "simulation",
		ItemType:  key.Type,
		ItemID:    req.ItemID,
		UnitPrice: req.UnitPrice,
		Quantity:  qty,
		GroupIDs:  item.GroupIDs,
	}
	r := pc.request(day, discount.Simulated)
	r.Line = line
	r.Item = item.Settings
	r.Overrides = discount.Overrides{PromoCode: code}
	r.PromoCampaign = pc.promos[strings.ToUpper(code)]
	r.Simulation = discount.Simulation{AssumeBulkEligible: req.AssumeBulkEligible}

	result, err := s.Engine.Calculate(ctx, r)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, discount.ErrInvalidLine) {
			return Simulation{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return Simulation{}, err
	}
	return Simulation{
		Result:           result,
		Date:             day.Format(dateLayout),
		StackingDefaults: pc.snap.UsingDefaults(),
		Warnings:         pc.warnings,
	}, nil
}

// Settle prices the finalised invoice once more and schedules usage recording for every
// line on which a campaign contributed.
func (s *Service) Settle(ctx context.Context, req QuoteRequest) (Settlement, error) {
	ctx, span := otel.Tracer("billing.Service").Start(ctx, "Service.Settle")
	defer span.End()
	span.SetAttributes(attribute.String("invoice.id", req.InvoiceID))

	if strings.TrimSpace(req.InvoiceID) == "" {
		return Settlement{}, fmt.Errorf("%w: invoice id is required", ErrInvalidRequest)
	}
	if s.Usage == nil {
		return Settlement{}, errors.New("billing: usage publisher not configured")
	}
	q, err := s.quote(ctx, req)
	if err != nil {
		span.RecordError(err)
		return Settlement{}, err
	}

	out := Settlement{Quote: q, Usages: campaignUsages(q, req.PatientID)}
	if len(out.Usages) == 0 {
		return out, nil
	}
	if err := s.Usage.Publish(ctx, usage.Settlement{
		InvoiceID: req.InvoiceID,
		PatientID: req.PatientID,
		SettledAt: s.now(),
		Usages:    out.Usages,
	}); err != nil {
		span.RecordError(err)
		return Settlement{}, fmt.Errorf("schedule campaign usage: %w", err)
	}
	out.Queued = true
	s.Logger.Info().
		Str("invoice_id", req.InvoiceID).
		Int("usages", len(out.Usages)).
		Msg("campaign usage scheduled")
	return out, nil
}

// StackingConfig returns the settings snapshot the engine uses for the hospital in context.
func (s *Service) StackingConfig(ctx context.Context) (settings.Snapshot, error) {
	return s.Settings.Load(ctx)
}

// campaignUsages attributes the campaign share of each line discount. The share is the
// campaign's breakdown percent of the line total, bounded by the line discount.
func campaignUsages(q Quote, patientID string) []store.CampaignUsage {
	var out []store.CampaignUsage
	for _, r := range q.Lines {
		promo := r.Metadata.Promotion
		if !r.Applied(discount.CategoryCampaign) || promo == nil || promo.CampaignID == "" {
			continue
		}
		share := r.DiscountAmount
		for _, b := range r.Metadata.Stacking.Breakdown {
			if b.Source == discount.CategoryCampaign {
				share = decimal.Min(r.OriginalPrice.Mul(b.Percent).Div(decimal.NewFromInt(100)).Round(2), r.DiscountAmount)
				break
			}
		}
		out = append(out, store.CampaignUsage{
			CampaignID:     promo.CampaignID,
			InvoiceID:      q.InvoiceID,
			LineID:         r.LineID,
			PatientID:      patientID,
			DiscountAmount: share,
		})
	}
	return out
}

type pricingContext struct {
	snap      settings.Snapshot
	items     map[store.ItemKey]store.Item
	patient   *discount.Patient
	campaigns []promotion.Campaign
	promos    map[string]*promotion.Campaign
	usage     map[string]int
	warnings  []string
}

func (pc pricingContext) request(day time.Time, mode discount.EvaluationMode) discount.Request {
	return discount.Request{
		Hospital:      pc.snap.Hospital,
		Stacking:      pc.snap.Stacking,
		Patient:       pc.patient,
		InvoiceDate:   day,
		Campaigns:     pc.campaigns,
		CampaignUsage: pc.usage,
		Mode:          mode,
	}
}

// gather loads everything the calculators read. Only the hospital settings are required;
// every other read degrades to "not available" with a warning.
func (s *Service) gather(ctx context.Context, day time.Time, patientID string, codes []string, keys []store.ItemKey) (pricingContext, error) {
	if s.Store == nil || s.Settings == nil || s.Engine == nil {
		return pricingContext{}, errors.New("billing: service not configured")
	}
	snap, err := s.Settings.Load(ctx)
	if err != nil {
		return pricingContext{}, err
	}
	pc := pricingContext{snap: snap, items: map[store.ItemKey]store.Item{}, promos: map[string]*promotion.Campaign{}}

	s.optional(ctx, &pc, "items", func(ctx context.Context) error {
		items, err := s.Store.Items(ctx, keys)
		if err == nil {
			pc.items = items
		}
		return err
	})
	if patientID = strings.TrimSpace(patientID); patientID != "" {
		s.optional(ctx, &pc, "patient", func(ctx context.Context) error {
			p, err := s.Store.Patient(ctx, patientID)
			if errors.Is(err, store.ErrNotFound) {
				pc.warnings = append(pc.warnings, "patient not found")
				return nil
			}
			pc.patient = p
			return err
		})
		s.optional(ctx, &pc, "campaign usage", func(ctx context.Context) error {
			counts, err := s.Store.PatientCampaignUsage(ctx, patientID)
			pc.usage = counts
			return err
		})
	}
	s.optional(ctx, &pc, "campaigns", func(ctx context.Context) error {
		list, err := s.Store.ActiveCampaigns(ctx, day)
		pc.campaigns = list
		return err
	})
	for _, code := range codes {
		key := strings.ToUpper(strings.TrimSpace(code))
		if key == "" {
			continue
		}
		if _, done := pc.promos[key]; done {
			continue
		}
		pc.promos[key] = nil
		s.optional(ctx, &pc, "promo code", func(ctx context.Context) error {
			c, err := s.Store.CampaignByCode(ctx, code)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			pc.promos[key] = c
			return err
		})
	}
	return pc, nil
}

func (s *Service) optional(ctx context.Context, pc *pricingContext, what string, fn func(context.Context) error) {
	err := s.Breaker.Do(ctx, fn)
	if err == nil {
		return
	}
	s.Logger.Warn().Err(err).Str("read", what).Msg("pricing without collaborator data")
	pc.warnings = append(pc.warnings, what+" unavailable")
}

func (s *Service) parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		y, m, d := s.now().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	day, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q is not YYYY-MM-DD", ErrInvalidRequest, raw)
	}
	return day, nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func promoCodeFor(o discount.Overrides, invoiceCode string) string {
	if code := strings.TrimSpace(o.PromoCode); code != "" {
		return code
	}
	return strings.TrimSpace(invoiceCode)
}
