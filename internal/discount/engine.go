package discount

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/medibill/discounts/internal/obs"
	"github.com/medibill/discounts/internal/promotion"
)

// Overrides are the per-line choices staff make on an invoice draft.
type Overrides struct {
	ExcludeCampaign bool `json:"exclude_campaign"`
	ExcludeBulk     bool `json:"exclude_bulk"`
	ExcludeLoyalty  bool `json:"exclude_loyalty"`
	ExcludeVIP      bool `json:"exclude_vip"`
	ExcludeStandard bool `json:"exclude_standard"`
	// PromoCode is the code typed in by staff. The matching campaign travels in
	// Request.PromoCampaign.
	PromoCode string `json:"promo_code,omitempty"`
}

func (o Overrides) excludes(cat Category) bool {
	switch cat {
	case CategoryCampaign:
		return o.ExcludeCampaign
	case CategoryBulk:
		return o.ExcludeBulk
	case CategoryLoyalty:
		return o.ExcludeLoyalty
	case CategoryVIP:
		return o.ExcludeVIP
	case CategoryStandard:
		return o.ExcludeStandard
	default:
		return false
	}
}

// Request bundles everything needed to price one line.
type Request struct {
	Line LineItem
	// OtherLines are the remaining rows of the invoice draft, without Line.
	OtherLines    []LineItem
	Item          ItemSettings
	Hospital      HospitalSettings
	Stacking      StackingConfig
	Patient       *Patient
	InvoiceDate   time.Time
	Campaigns     []promotion.Campaign
	PromoCampaign *promotion.Campaign
	CampaignUsage map[string]int
	Overrides     Overrides
	Mode          EvaluationMode
	Simulation    Simulation
}

// Engine composes the calculators and the resolver. It holds no per-call state and is safe
// for concurrent use.
type Engine struct {
	Logger zerolog.Logger
	// Calculators replaces the built-in calculator for a category. Used by tests.
	Calculators map[Category]Calculator
}

// NewEngine returns an engine with the built-in calculators.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{Logger: logger}
}

var builtins = map[Category]Calculator{
	CategoryCampaign: CalculatePromotion,
	CategoryBulk:     CalculateBulk,
	CategoryLoyalty:  CalculateLoyalty,
	CategoryVIP:      CalculateVIP,
	CategoryStandard: CalculateStandard,
}

// ValidateLine checks the caller contract for a line item.
func ValidateLine(l LineItem) error {
	switch {
	case strings.TrimSpace(l.ItemID) == "":
		return fmt.Errorf("%w: item id is required", ErrInvalidLine)
	case !l.ItemType.Valid():
		return fmt.Errorf("%w: unknown item type %q", ErrInvalidLine, l.ItemType)
	case !l.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive, got %s", ErrInvalidLine, l.Quantity)
	case l.UnitPrice.IsNegative():
		return fmt.Errorf("%w: negative unit price %s", ErrInvalidLine, l.UnitPrice)
	}
	return nil
}

// Calculate prices one line. Calculator failures never fail the line: the category is
// reported as failed and the remaining categories still apply.
func (e *Engine) Calculate(ctx context.Context, req Request) (CalculationResult, error) {
	ctx, span := otel.Tracer("discount.Engine").Start(ctx, "Engine.Calculate")
	defer span.End()
	span.SetAttributes(
		attribute.String("discount.item_id", req.Line.ItemID),
		attribute.String("discount.mode", req.Mode.String()),
	)

	if err := ValidateLine(req.Line); err != nil {
		span.RecordError(err)
		return CalculationResult{}, err
	}

	in := Input{
		Line:          req.Line,
		OtherLines:    req.OtherLines,
		Item:          req.Item,
		Hospital:      req.Hospital,
		Patient:       req.Patient,
		InvoiceDate:   req.InvoiceDate,
		Mode:          req.Mode,
		Simulation:    req.Simulation,
		Campaigns:     req.Campaigns,
		PromoCode:     req.PromoCampaign,
		CampaignUsage: req.CampaignUsage,
	}

	meta := Metadata{
		Mode:       req.Mode.String(),
		Categories: make(map[Category]Status, len(Categories)),
		Candidates: make(map[Category]Candidate, len(Categories)),
	}
	candidates := make(map[Category]Candidate, len(Categories))
	for _, cat := range Categories {
		if req.Mode == Real && req.Overrides.excludes(cat) {
			meta.Categories[cat] = StatusExcludedByStaff
			continue
		}
		var (
			cand *Candidate
			err  error
		)
		if cat == CategoryCampaign && e.Calculators[cat] == nil {
			cand, err = e.campaign(in, req, &meta)
		} else {
			cand, err = e.run(cat, in)
		}
		if err != nil {
			meta.Categories[cat] = StatusFailed
			if meta.Failures == nil {
				meta.Failures = make(map[Category]string)
			}
			meta.Failures[cat] = err.Error()
			span.AddEvent("calculator failed", trace.WithAttributes(
				attribute.String("discount.category", string(cat)),
				attribute.String("error", err.Error()),
			))
			e.Logger.Warn().Ctx(ctx).Err(err).
				Str("category", string(cat)).
				Str("item_id", req.Line.ItemID).
				Str("mode", req.Mode.String()).
				Msg("discount calculator failed; category skipped")
			if obs.DiscountCalculatorFailures != nil {
				obs.DiscountCalculatorFailures.WithLabelValues(string(cat)).Inc()
			}
			continue
		}
		meta.Categories[cat] = StatusNotApplicable
		if cand == nil {
			continue
		}
		cand.Category = cat
		candidates[cat] = *cand
		meta.Candidates[cat] = *cand
	}
	if req.Mode == Real && req.Overrides.ExcludeCampaign && strings.TrimSpace(req.Overrides.PromoCode) != "" {
		meta.Promotion = &PromotionDetails{PromoCode: req.Overrides.PromoCode, PromoCodeStatus: PromoCodeIgnored}
	}

	stacked, err := CalculateStacked(candidates, req.Stacking, req.Line.UnitPrice)
	if err != nil {
		span.RecordError(err)
		return CalculationResult{}, err
	}
	for _, cat := range stacked.AppliedDiscounts {
		meta.Categories[cat] = StatusApplied
	}
	for _, ex := range stacked.ExcludedDiscounts {
		meta.Categories[ex.Source] = StatusExcludedByStacking
	}
	meta.Stacking = stacked

	original := req.Line.Total()
	amount := original.Mul(stacked.TotalPercent).Div(hundred).Round(2)
	result := CalculationResult{
		LineID:          req.Line.LineID,
		ItemID:          req.Line.ItemID,
		DiscountType:    discountType(stacked.AppliedDiscounts),
		DiscountPercent: stacked.TotalPercent,
		DiscountAmount:  amount,
		OriginalPrice:   original,
		FinalPrice:      original.Sub(amount),
		Metadata:        meta,
	}

	if obs.DiscountCalculations != nil {
		obs.DiscountCalculations.WithLabelValues(result.DiscountType, req.Mode.String()).Inc()
	}
	if stacked.Capped && obs.DiscountCapTriggered != nil {
		obs.DiscountCapTriggered.Inc()
	}
	span.SetAttributes(
		attribute.String("discount.type", result.DiscountType),
		attribute.String("discount.percent", result.DiscountPercent.String()),
	)
	return result, nil
}

// LineRequest carries what differs between the lines of one invoice draft.
type LineRequest struct {
	Line          LineItem
	Item          ItemSettings
	Overrides     Overrides
	PromoCampaign *promotion.Campaign
}

// CalculateMulti prices every line of an invoice draft against the shared context in base.
// Lines are told apart by position, so every other row of the draft is a sibling of the line
// being priced. Non-empty line ids must be unique within the draft.
func (e *Engine) CalculateMulti(ctx context.Context, base Request, lines []LineRequest) ([]CalculationResult, error) {
	ctx, span := otel.Tracer("discount.Engine").Start(ctx, "Engine.CalculateMulti")
	defer span.End()
	span.SetAttributes(attribute.Int("discount.lines", len(lines)))

	seen := make(map[string]int, len(lines))
	for i, l := range lines {
		id := strings.TrimSpace(l.Line.LineID)
		if id == "" {
			continue
		}
		if first, dup := seen[id]; dup {
			err := fmt.Errorf("%w: line id %q used by lines %d and %d", ErrInvalidLine, id, first, i)
			span.RecordError(err)
			return nil, err
		}
		seen[id] = i
	}

	results := make([]CalculationResult, 0, len(lines))
	for i, l := range lines {
		req := base
		req.Line = l.Line
		req.OtherLines = siblings(lines, i)
		req.Item = l.Item
		req.Overrides = l.Overrides
		req.PromoCampaign = l.PromoCampaign
		res, err := e.Calculate(ctx, req)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("line %d (%s): %w", i, l.Line.ItemID, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func siblings(lines []LineRequest, skip int) []LineItem {
	out := make([]LineItem, 0, len(lines)-1)
	for i, l := range lines {
		if i != skip {
			out = append(out, l.Line)
		}
	}
	return out
}

func (e *Engine) calculator(cat Category) Calculator {
	if fn := e.Calculators[cat]; fn != nil {
		return fn
	}
	return builtins[cat]
}

func (e *Engine) run(cat Category, in Input) (cand *Candidate, err error) {
	fn := e.calculator(cat)
	if fn == nil {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			cand = nil
			err = fmt.Errorf("%s calculator panic: %v", cat, r)
		}
	}()
	return fn(in)
}

// campaign runs the promotion selection directly so the chosen campaign and the promo code
// outcome end up in the metadata.
func (e *Engine) campaign(in Input, req Request, meta *Metadata) (cand *Candidate, err error) {
	defer func() {
		if r := recover(); r != nil {
			cand = nil
			err = fmt.Errorf("%s calculator panic: %v", CategoryCampaign, r)
		}
	}()

	cand, sel := evaluatePromotion(in)
	for _, skip := range sel.Skipped {
		if errors.Is(skip.Err, promotion.ErrMalformedCampaign) {
			e.Logger.Warn().Err(skip.Err).
				Str("campaign_id", skip.CampaignID).
				Str("item_id", req.Line.ItemID).
				Msg("campaign skipped")
		}
	}

	details := &PromotionDetails{}
	code := strings.TrimSpace(req.Overrides.PromoCode)
	switch {
	case req.PromoCampaign != nil && sel.CodeErr == nil:
		details.PromoCode = req.PromoCampaign.Code
		details.PromoCodeStatus = PromoCodeApplied
	case req.PromoCampaign != nil:
		details.PromoCode = req.PromoCampaign.Code
		details.PromoCodeStatus = PromoCodeRejected
		details.PromoCodeReason = sel.CodeErr.Error()
	case code != "":
		details.PromoCode = code
		details.PromoCodeStatus = PromoCodeUnknown
	}
	if cand != nil && sel.Offer != nil {
		details.CampaignID = sel.Offer.Campaign.ID
		details.CampaignName = sel.Offer.Campaign.Name
		details.CampaignKind = string(sel.Offer.Campaign.Kind)
	}
	if *details != (PromotionDetails{}) {
		meta.Promotion = details
	}

	if cand == nil {
		return nil, malformedOnly(sel)
	}
	return cand, nil
}
