package discount

import "github.com/shopspring/decimal"

const (
	// DiscountTypeStacked is reported when more than one category contributed.
	DiscountTypeStacked = "stacked"
	// DiscountTypeNone is reported when no discount applies.
	DiscountTypeNone = "none"
)

// Status explains what happened to one category during a calculation.
type Status string

const (
	StatusApplied            Status = "applied"
	StatusExcludedByStaff    Status = "excluded_by_staff"
	StatusExcludedByStacking Status = "excluded_by_stacking"
	StatusNotApplicable      Status = "not_applicable"
	StatusFailed             Status = "failed"
)

// Promo code outcomes reported in PromotionDetails.
const (
	PromoCodeApplied  = "applied"
	PromoCodeRejected = "rejected"
	PromoCodeUnknown  = "unknown"
	PromoCodeIgnored  = "ignored"
)

// PromotionDetails describes the campaign behind the campaign category.
type PromotionDetails struct {
	CampaignID      string `json:"campaign_id,omitempty"`
	CampaignName    string `json:"campaign_name,omitempty"`
	CampaignKind    string `json:"campaign_kind,omitempty"`
	PromoCode       string `json:"promo_code,omitempty"`
	PromoCodeStatus string `json:"promo_code_status,omitempty"`
	PromoCodeReason string `json:"promo_code_reason,omitempty"`
}

// Metadata is the audit trail returned with every calculation.
type Metadata struct {
	Mode       string                 `json:"mode"`
	Stacking   StackedResult          `json:"stacking"`
	Categories map[Category]Status    `json:"categories"`
	Candidates map[Category]Candidate `json:"-"`
	Failures   map[Category]string    `json:"failures,omitempty"`
	Promotion  *PromotionDetails      `json:"promotion,omitempty"`
}

// CalculationResult is the final discount for one line item. Prices are line totals.
type CalculationResult struct {
	LineID          string          `json:"line_id,omitempty"`
	ItemID          string          `json:"item_id"`
	DiscountType    string          `json:"discount_type"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
	OriginalPrice   decimal.Decimal `json:"original_price"`
	FinalPrice      decimal.Decimal `json:"final_price"`
	Metadata        Metadata        `json:"metadata"`
}

// Applied reports whether the category contributed to the result.
func (r CalculationResult) Applied(cat Category) bool {
	return r.Metadata.Categories[cat] == StatusApplied
}

func discountType(applied []Category) string {
	switch len(applied) {
	case 0:
		return DiscountTypeNone
	case 1:
		return string(applied[0])
	default:
		return DiscountTypeStacked
	}
}
