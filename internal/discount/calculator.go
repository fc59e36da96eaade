package discount

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/medibill/discounts/internal/promotion"
)

// Input is the read-only context every calculator consumes.
type Input struct {
	Line LineItem
	// OtherLines are the remaining rows of the invoice. Line itself is never among them.
	OtherLines  []LineItem
	Item        ItemSettings
	Hospital    HospitalSettings
	Patient     *Patient
	InvoiceDate time.Time
	Mode        EvaluationMode
	Simulation  Simulation
	Campaigns   []promotion.Campaign
	// PromoCode is the campaign behind a code typed in by staff, if any.
	PromoCode *promotion.Campaign
	// CampaignUsage maps campaign ID to the patient's prior uses.
	CampaignUsage map[string]int
}

// Calculator computes one candidate. A nil candidate with a nil error means the category
// does not apply; an error means its configuration or data could not be evaluated.
type Calculator func(Input) (*Candidate, error)

// lines returns every row of the invoice, the evaluated line last.
func (in Input) lines() []LineItem {
	out := make([]LineItem, 0, len(in.OtherLines)+1)
	out = append(out, in.OtherLines...)
	return append(out, in.Line)
}

func capPercent(pct, max decimal.Decimal) decimal.Decimal {
	if max.IsPositive() && pct.GreaterThan(max) {
		pct = max
	}
	if pct.GreaterThan(hundred) {
		pct = hundred
	}
	return pct
}

func ceilPercent(pct decimal.Decimal) decimal.Decimal {
	return capPercent(pct, decimal.Zero)
}

func checkPercent(name string, pct decimal.Decimal) error {
	if pct.IsNegative() {
		return fmt.Errorf("%s is negative: %s", name, pct)
	}
	return nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
