package promotion

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the shape of a promotion campaign.
type Kind string

const (
	KindSimpleDiscount Kind = "simple_discount"
	KindBuyXGetY       Kind = "buy_x_get_y"
)

// DiscountKind describes how a simple discount value is expressed.
type DiscountKind string

const (
	DiscountPercentage  DiscountKind = "percentage"
	DiscountFixedAmount DiscountKind = "fixed_amount"
)

// AppliesTo restricts a campaign to one item type.
type AppliesTo string

const (
	AppliesToAll      AppliesTo = "all"
	AppliesToMedicine AppliesTo = "medicine"
	AppliesToService  AppliesTo = "service"
	AppliesToPackage  AppliesTo = "package"
)

// StatusActive is the only campaign status that can produce discounts.
const StatusActive = "active"

// Campaign is a read-only promotion definition.
type Campaign struct {
	ID                 string
	Name               string
	Code               string
	Kind               Kind
	DiscountKind       DiscountKind
	DiscountValue      decimal.Decimal
	MaxDiscountAmount  *decimal.Decimal
	StartDate          time.Time
	EndDate            time.Time
	Status             string
	Approved           bool
	Personalized       bool
	AppliesTo          AppliesTo
	TargetItemIDs      []string
	TargetGroupIDs     []string
	TargetSpecialGroup bool
	MaxUsesTotal       *int
	UsedCount          int
	MaxUsesPerPatient  *int
	Rule               json.RawMessage
}

// Line is an invoice row as seen by the promotion rules.
type Line struct {
	LineID    string
	ItemType  string
	ItemID    string
	UnitPrice decimal.Decimal
	Quantity  decimal.Decimal
	GroupIDs  []string
}

// Total returns unit price times quantity.
func (l Line) Total() decimal.Decimal {
	return l.UnitPrice.Mul(l.Quantity)
}

// Patient carries the patient attributes used for targeting and per-patient limits.
type Patient struct {
	ID           string
	SpecialGroup bool
	// Usage maps campaign ID to the number of times this patient already used it.
	Usage map[string]int
}

// Request is the evaluation context for one line.
type Request struct {
	Line Line
	// Others are the remaining rows of the invoice, without Line.
	Others  []Line
	Patient Patient
	Date    time.Time
}

// Offer is the discount a campaign grants to a line.
type Offer struct {
	Campaign Campaign
	// Basis is "percent", "fixed_amount" or "effective_percent".
	Basis   string
	Percent decimal.Decimal
	// Amount is the per-unit discount when Basis is "fixed_amount".
	Amount decimal.Decimal
	// EffectivePercent is the offer expressed against the unit price; used for ranking.
	EffectivePercent decimal.Decimal
	ViaCode          bool
}
