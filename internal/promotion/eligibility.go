package promotion

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotEligible is returned when the campaign does not apply to the line or patient.
	ErrNotEligible = errors.New("campaign not eligible")
	// ErrCampaignInactive is returned for campaigns that are not active or not started yet.
	ErrCampaignInactive = errors.New("campaign not active")
	// ErrCampaignExpired is returned when the invoice date is past the campaign end date.
	ErrCampaignExpired = errors.New("campaign expired")
	// ErrNotApproved indicates the campaign has not passed approval.
	ErrNotApproved = errors.New("campaign not approved")
	// ErrUsageLimitReached indicates the campaign has exhausted its global usage quota.
	ErrUsageLimitReached = errors.New("campaign usage limit reached")
	// ErrPerPatientLimitReached indicates the patient exhausted their allowance.
	ErrPerPatientLimitReached = errors.New("campaign per-patient usage limit reached")
	// ErrMalformedCampaign indicates a campaign definition that cannot be evaluated.
	ErrMalformedCampaign = errors.New("campaign malformed")
)

var hundred = decimal.NewFromInt(100)

// Validate checks status, approval, date window and usage limits at the invoice date.
func (c Campaign) Validate(on time.Time, patient Patient) error {
	if !strings.EqualFold(strings.TrimSpace(c.Status), StatusActive) {
		return ErrCampaignInactive
	}
	if !c.Approved {
		return ErrNotApproved
	}
	day := dateOnly(on)
	if !c.StartDate.IsZero() && day.Before(dateOnly(c.StartDate)) {
		return ErrCampaignInactive
	}
	if !c.EndDate.IsZero() && day.After(dateOnly(c.EndDate)) {
		return ErrCampaignExpired
	}
	if c.MaxUsesTotal != nil && *c.MaxUsesTotal > 0 && c.UsedCount >= *c.MaxUsesTotal {
		return ErrUsageLimitReached
	}
	if c.MaxUsesPerPatient != nil && *c.MaxUsesPerPatient > 0 && patient.ID != "" {
		if patient.Usage[c.ID] >= *c.MaxUsesPerPatient {
			return ErrPerPatientLimitReached
		}
	}
	return nil
}

// Matches reports whether the campaign's targeting includes the line and patient.
func (c Campaign) Matches(line Line, patient Patient) bool {
	switch c.AppliesTo {
	case AppliesToAll, "":
	default:
		if !strings.EqualFold(string(c.AppliesTo), line.ItemType) {
			return false
		}
	}
	if c.TargetSpecialGroup && !patient.SpecialGroup {
		return false
	}
	scoped := len(c.TargetItemIDs) > 0 || len(c.TargetGroupIDs) > 0
	if !scoped {
		return true
	}
	if slices.Contains(c.TargetItemIDs, line.ItemID) {
		return true
	}
	for _, group := range line.GroupIDs {
		if slices.Contains(c.TargetGroupIDs, group) {
			return true
		}
	}
	return false
}

// Check runs every eligibility gate for the request. Personalised campaigns are only
// reachable through their promo code.
func (c Campaign) Check(req Request, viaCode bool) error {
	if c.Personalized && !viaCode {
		return fmt.Errorf("%w: personalised campaign requires its code", ErrNotEligible)
	}
	if err := c.Validate(req.Date, req.Patient); err != nil {
		return err
	}
	if !c.Matches(req.Line, req.Patient) {
		return fmt.Errorf("%w: targeting excludes %s %s", ErrNotEligible, req.Line.ItemType, req.Line.ItemID)
	}
	return nil
}

// Simple computes the offer of a simple_discount campaign for the line. The cap in
// MaxDiscountAmount and fixed amounts are per unit.
func Simple(c Campaign, line Line) (Offer, error) {
	if c.DiscountValue.IsNegative() {
		return Offer{}, fmt.Errorf("%w: negative discount value %s", ErrMalformedCampaign, c.DiscountValue)
	}
	if c.MaxDiscountAmount != nil && c.MaxDiscountAmount.IsNegative() {
		return Offer{}, fmt.Errorf("%w: negative max discount amount", ErrMalformedCampaign)
	}
	if !c.DiscountValue.IsPositive() || !line.UnitPrice.IsPositive() {
		return Offer{}, ErrNotEligible
	}

	offer := Offer{Campaign: c}
	switch c.DiscountKind {
	case DiscountPercentage:
		pct := c.DiscountValue
		if pct.GreaterThan(hundred) {
			pct = hundred
		}
		amount := line.UnitPrice.Mul(pct).Div(hundred)
		if c.MaxDiscountAmount != nil && c.MaxDiscountAmount.IsPositive() && amount.GreaterThan(*c.MaxDiscountAmount) {
			offer.Basis = "fixed_amount"
			offer.Amount = *c.MaxDiscountAmount
		} else {
			offer.Basis = "percent"
			offer.Percent = pct
			offer.Amount = amount
		}
	case DiscountFixedAmount:
		amount := c.DiscountValue
		if c.MaxDiscountAmount != nil && c.MaxDiscountAmount.IsPositive() && amount.GreaterThan(*c.MaxDiscountAmount) {
			amount = *c.MaxDiscountAmount
		}
		offer.Basis = "fixed_amount"
		offer.Amount = amount
	default:
		return Offer{}, fmt.Errorf("%w: unknown discount kind %q", ErrMalformedCampaign, c.DiscountKind)
	}

	if offer.Basis == "percent" {
		offer.EffectivePercent = offer.Percent
	} else {
		offer.EffectivePercent = offer.Amount.Div(line.UnitPrice).Mul(hundred)
		if offer.EffectivePercent.GreaterThan(hundred) {
			offer.EffectivePercent = hundred
		}
	}
	return offer, nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
