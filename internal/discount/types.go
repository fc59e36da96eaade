package discount

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidLine is returned when the caller supplies a line item the engine cannot price.
	ErrInvalidLine = errors.New("discount: invalid line item")
	// ErrInvalidConfig indicates a stacking configuration that cannot be resolved.
	ErrInvalidConfig = errors.New("discount: invalid stacking config")
	// ErrInvalidCandidate indicates a candidate with a negative or otherwise unusable value.
	ErrInvalidCandidate = errors.New("discount: invalid candidate")
)

var hundred = decimal.NewFromInt(100)

// Category identifies a discount source competing for a line item.
type Category string

const (
	CategoryCampaign Category = "campaign"
	CategoryBulk     Category = "bulk"
	CategoryLoyalty  Category = "loyalty"
	CategoryVIP      Category = "vip"
	CategoryStandard Category = "standard"
)

// Categories lists every category in preference order. Every loop over candidates uses
// this order so results never depend on map iteration.
var Categories = []Category{CategoryCampaign, CategoryBulk, CategoryLoyalty, CategoryVIP, CategoryStandard}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

func (c Category) rank() int {
	for i, known := range Categories {
		if c == known {
			return i
		}
	}
	return len(Categories)
}

// Mode controls how a category composes with the others.
type Mode string

const (
	ModeExclusive   Mode = "exclusive"
	ModeIncremental Mode = "incremental"
	ModeAbsolute    Mode = "absolute"
	ModeFallback    Mode = "fallback"
)

// Basis describes how a candidate value is expressed before normalisation.
type Basis string

const (
	BasisPercent          Basis = "percent"
	BasisFixedAmount      Basis = "fixed_amount"
	BasisEffectivePercent Basis = "effective_percent"
)

// EvaluationMode separates real invoice pricing from dashboard simulation.
type EvaluationMode int

const (
	// Real prices an actual invoice draft: quantities and staff overrides are honoured.
	Real EvaluationMode = iota
	// Simulated previews discounts; quantity checks use assumed eligibility and staff
	// overrides are ignored.
	Simulated
)

func (m EvaluationMode) String() string {
	if m == Simulated {
		return "simulated"
	}
	return "real"
}

// ItemType is the billing classification of a line item.
type ItemType string

const (
	ItemMedicine ItemType = "medicine"
	ItemService  ItemType = "service"
	ItemPackage  ItemType = "package"
)

// Valid reports whether t is a billable item type.
func (t ItemType) Valid() bool {
	switch t {
	case ItemMedicine, ItemService, ItemPackage:
		return true
	default:
		return false
	}
}

// LineItem is one row of an invoice draft.
type LineItem struct {
	LineID    string
	ItemType  ItemType
	ItemID    string
	UnitPrice decimal.Decimal
	Quantity  decimal.Decimal
	GroupIDs  []string
}

// Total returns unit price times quantity.
func (l LineItem) Total() decimal.Decimal {
	return l.UnitPrice.Mul(l.Quantity)
}

// ItemSettings carries the per-item discount configuration.
type ItemSettings struct {
	BulkDiscountPercent     decimal.Decimal
	StandardDiscountPercent decimal.Decimal
	VIPDiscountPercent      decimal.Decimal
	// MaxDiscount caps bulk and standard percents when positive.
	MaxDiscount decimal.Decimal
}

// HospitalSettings carries the tenant-level discount switches.
type HospitalSettings struct {
	BulkEnabled             bool
	BulkMinServiceCount     int
	BulkMinMedicineQuantity int
	BulkEffectiveFrom       *time.Time
}

// LoyaltyWallet is the patient's loyalty card.
type LoyaltyWallet struct {
	CardNumber      string
	TierName        string
	DiscountPercent decimal.Decimal
	Active          bool
	ExpiresAt       *time.Time
}

// Patient holds the attributes the calculators read.
type Patient struct {
	ID                 string
	IsVIP              bool
	IsSpecialGroup     bool
	VIPDiscountPercent decimal.Decimal
	Wallet             *LoyaltyWallet
}

// Simulation tunes simulated evaluation.
type Simulation struct {
	AssumeBulkEligible bool
}

// Candidate is the output of one calculator. Percent is always expressed against the
// pre-discount price; fixed amounts are normalised by the resolver.
type Candidate struct {
	Category Category
	Basis    Basis
	Percent  decimal.Decimal
	Amount   decimal.Decimal
	Source   map[string]string
}

// BreakdownEntry records one contribution to the stacked total.
type BreakdownEntry struct {
	Source  Category        `json:"source"`
	Percent decimal.Decimal `json:"percent"`
	Mode    Mode            `json:"mode"`
}

// Exclusion explains why a present candidate did not contribute.
type Exclusion struct {
	Source Category `json:"source"`
	Reason string   `json:"reason"`
}

// StackedResult is the resolver output consumed by every call site.
type StackedResult struct {
	TotalPercent      decimal.Decimal  `json:"total_percent"`
	Breakdown         []BreakdownEntry `json:"breakdown"`
	AppliedDiscounts  []Category       `json:"applied_discounts"`
	ExcludedDiscounts []Exclusion      `json:"excluded_discounts"`
	Capped            bool             `json:"capped"`
	// CapApplied holds the total before the cap was enforced.
	CapApplied *decimal.Decimal `json:"cap_applied"`
}
